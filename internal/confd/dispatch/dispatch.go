// Package dispatch implements the five FIFO queues that coordinate
// load jobs between the configuration thread and the worker pool:
// dead, wait, todo, live and done. Job payloads are opaque (any) by
// design so this package has no dependency on confset/segment types;
// confset and worker agree on the concrete types by convention.
package dispatch

import (
	"sync"
	"time"
)

// Job is a dispatch job descriptor. Meaning is discriminated by
// (Info, Data): Info != nil is a load request; Info == nil && Data !=
// nil is an async free; both nil is a worker-exit signal (the thread
// handle is carried in ThreadHandle).
type Job struct {
	ModuleIdx    int
	Data         any
	Info         any
	Segment      any
	ThreadHandle any

	waitSince time.Time
}

// BlockPredicate gates continued waiting in GetResult so a caller can
// unblock on shutdown; it is polled each time the condition variable
// wakes without a usable result.
type BlockPredicate func() bool

// Dispatch holds the five queues. The zero value is not usable; use New.
type Dispatch struct {
	deadMu sync.Mutex
	dead   []*Job

	waitMu sync.Mutex
	wait   []*Job

	todoMu   sync.Mutex
	todoCond *sync.Cond
	todo     []*Job

	liveMu sync.Mutex
	live   []*Job

	doneMu   sync.Mutex
	doneCond *sync.Cond
	done     []*Job
}

// New returns an empty Dispatch.
func New() *Dispatch {
	d := &Dispatch{}
	d.todoCond = sync.NewCond(&d.todoMu)
	d.doneCond = sync.NewCond(&d.doneMu)
	return d
}

// Queue names the five queues for Put.
type Queue int

const (
	Dead Queue = iota
	Wait
	Todo
	Live
	Done
)

// Put enqueues a job on the named queue.
//
// Lock ordering when multiple queues must be touched by a caller:
// todo -> live -> done, and separately live -> dead. The wait lock is
// never held together with any other; violating this order deadlocks.
func (d *Dispatch) Put(job *Job, q Queue) {
	switch q {
	case Dead:
		d.deadMu.Lock()
		d.dead = append(d.dead, job)
		d.deadMu.Unlock()
	case Wait:
		job.waitSince = monotonicNow()
		d.waitMu.Lock()
		d.wait = append(d.wait, job)
		d.waitMu.Unlock()
	case Todo:
		d.todoMu.Lock()
		d.todo = append(d.todo, job)
		d.todoCond.Broadcast()
		d.todoMu.Unlock()
	case Live:
		d.liveMu.Lock()
		d.live = append(d.live, job)
		d.liveMu.Unlock()
	case Done:
		d.doneMu.Lock()
		d.done = append(d.done, job)
		d.doneCond.Broadcast()
		d.doneMu.Unlock()
	}
}

var monotonicNow = time.Now

// GetResult blocks until the done queue has an item, or both todo and
// live are empty (nothing left to produce a result), or
// blockPredicate returns false. Returns the job and true on a done
// item, or nil and false if it gave up because there was nothing left
// to wait for.
func (d *Dispatch) GetResult(blockPredicate BlockPredicate) (*Job, bool) {
	d.doneMu.Lock()
	for {
		if len(d.done) > 0 {
			job := d.done[0]
			d.done = d.done[1:]
			d.doneMu.Unlock()
			return job, true
		}
		if d.todoAndLiveEmpty() {
			d.doneMu.Unlock()
			return nil, false
		}
		if blockPredicate != nil && !blockPredicate() {
			d.doneMu.Unlock()
			return nil, false
		}
		d.doneCond.Wait()
	}
}

func (d *Dispatch) todoAndLiveEmpty() bool {
	d.todoMu.Lock()
	todoEmpty := len(d.todo) == 0
	d.todoMu.Unlock()

	d.liveMu.Lock()
	liveEmpty := len(d.live) == 0
	d.liveMu.Unlock()

	return todoEmpty && liveEmpty
}

// GetWait pops the oldest wait entry whose age (in ms) is >= minMs.
// If the oldest entry is not yet old enough, minMs is updated to the
// age it would reach if nothing else changes (so the caller can sleep
// that long and retry), and GetWait returns false.
func (d *Dispatch) GetWait(minMs *int64) (*Job, bool) {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()

	if len(d.wait) == 0 {
		return nil, false
	}

	oldest := d.wait[0]
	age := monotonicNow().Sub(oldest.waitSince).Milliseconds()
	if age < *minMs {
		*minMs -= age
		return nil, false
	}

	d.wait = d.wait[1:]
	return oldest, true
}

// GetWork is the worker-side pop from todo. If block is true and todo
// is empty, it waits on the todo condition variable.
func (d *Dispatch) GetWork(block bool) *Job {
	d.todoMu.Lock()
	defer d.todoMu.Unlock()

	for len(d.todo) == 0 {
		if !block {
			return nil
		}
		d.todoCond.Wait()
	}

	job := d.todo[0]
	d.todo = d.todo[1:]
	return job
}

// DoneWork moves a job the worker has completed onto the done queue.
func (d *Dispatch) DoneWork(job *Job) {
	d.Put(job, Done)
}

// DeadWork returns a completed sub-job structure to the dead free list.
func (d *Dispatch) DeadWork(job *Job) {
	d.Put(job, Dead)
}

// Requeue puts job back on todo immediately, used by the
// SegmentManager's cooperative-yield (REQUEUED) state.
func (d *Dispatch) Requeue(job *Job) {
	d.Put(job, Todo)
}

// PurgeCallback receives every drained job that is not a free job
// during Purge.
type PurgeCallback func(job *Job)

// Purge is the shutdown path: it drains wait, todo and dead. Jobs
// whose Info is nil and Data is non-nil (free jobs) are dropped
// inline; every other job is handed to cb.
func (d *Dispatch) Purge(cb PurgeCallback) {
	d.waitMu.Lock()
	waitJobs := d.wait
	d.wait = nil
	d.waitMu.Unlock()

	d.todoMu.Lock()
	todoJobs := d.todo
	d.todo = nil
	d.todoMu.Unlock()

	d.deadMu.Lock()
	deadJobs := d.dead
	d.dead = nil
	d.deadMu.Unlock()

	for _, batch := range [][]*Job{waitJobs, todoJobs, deadJobs} {
		for _, job := range batch {
			if job.Info == nil && job.Data != nil {
				continue
			}
			if cb != nil {
				cb(job)
			}
		}
	}
}

// DrainDone removes and returns every job currently queued on done,
// without blocking. Used by the configuration thread's harvest step,
// as opposed to GetResult which is the blocking consumer-side API.
func (d *Dispatch) DrainDone() []*Job {
	d.doneMu.Lock()
	jobs := d.done
	d.done = nil
	d.doneMu.Unlock()
	return jobs
}

// Lens returns the current length of every queue, for diagnostics and tests.
func (d *Dispatch) Lens() (dead, wait, todo, live, done int) {
	d.deadMu.Lock()
	dead = len(d.dead)
	d.deadMu.Unlock()

	d.waitMu.Lock()
	wait = len(d.wait)
	d.waitMu.Unlock()

	d.todoMu.Lock()
	todo = len(d.todo)
	d.todoMu.Unlock()

	d.liveMu.Lock()
	live = len(d.live)
	d.liveMu.Unlock()

	d.doneMu.Lock()
	done = len(d.done)
	d.doneMu.Unlock()

	return
}

// Broadcast wakes every goroutine blocked in GetWork or GetResult,
// used on shutdown alongside a blockPredicate that now returns false.
func (d *Dispatch) Broadcast() {
	d.todoMu.Lock()
	d.todoCond.Broadcast()
	d.todoMu.Unlock()

	d.doneMu.Lock()
	d.doneCond.Broadcast()
	d.doneMu.Unlock()
}

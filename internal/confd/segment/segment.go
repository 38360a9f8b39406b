// Package segment implements SegmentManager: the NEW/RUNNING/REQUEUED
// state machine that reloads an org-sharded preference type one
// changed segment at a time while publishing at most one finished
// clone per batch.
package segment

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resolvercore/confd/internal/confd/confload"
	"github.com/resolvercore/confd/internal/confd/confset"
	"github.com/resolvercore/confd/internal/confd/dispatch"
	"github.com/resolvercore/confd/internal/confdmetrics"
	"github.com/resolvercore/confd/internal/lockmanager"
)

const (
	lockAcquireTimeout = 5 * time.Second
	lockReleaseTimeout = 2 * time.Second
)

var errNoLoader = errors.New("segment: manager has no segment loader configured")

// State is the manager's run state.
type State int

const (
	// StateNew means no batch is in progress; the next tick starts one.
	StateNew State = iota
	// StateRunning means segments are being pulled from the iterator
	// and enqueued as sub-jobs.
	StateRunning
	// StateRequeued means the batch has outstanding sub-jobs; the
	// manager must tick again without a wait delay.
	StateRequeued
)

// Flags on a segment record.
type Flags uint8

const (
	Added Flags = 1 << iota
	Modified
	Removed
)

// Record describes one changed segment as surfaced by the Iterator.
type Record struct {
	ID    int64
	Path  string
	Flags Flags
	Mtime time.Time
}

// Iterator supplies changed segments for one manager run. Next
// returns ok=false once exhausted for this tick; the iterator tracks
// its own retry backoff (SEGMENT_RETRY_FREQUENCY) for failed
// segments, which the manager does not track itself.
type Iterator interface {
	Next() (Record, bool)
}

// Ops is the segment_ops vtable supplied at registration.
type Ops struct {
	// Clone deep-copies the current per-type conf, bumping refcounts on
	// unchanged segment payloads. Called exactly once per run.
	Clone func(base any) any
	// SetTimeAtLeast advances the conf's mtime to max(mtime, t).
	SetTimeAtLeast func(clone any, t time.Time)
	// ID2Slot binary-searches the sorted org array; found is false if
	// id is absent, and slot is then the insertion index.
	ID2Slot func(clone any, id int64) (slot int, found bool)
	// Slot2Segment fetches the segment header at slot, bounds-checked.
	Slot2Segment func(clone any, slot int) any
	// SlotIsEmpty reports whether slot holds no segment yet.
	SlotIsEmpty func(clone any, slot int) bool
	// SlotFailedLoad marks (or clears) the failed-load flag on slot.
	SlotFailedLoad func(clone any, slot int, failed bool)
	// FreeSlot removes the entry at slot, shifting subsequent entries down.
	FreeSlot func(clone any, slot int)
	// NewSegment parses one segment's file into a per-org object.
	NewSegment func(id int64, l *confload.Loader, info *confset.Info) (any, error)
	// FreeSegment destroys a per-org object produced by NewSegment.
	FreeSegment func(po any)
	// UseSegment installs po at slot (inserting or replacing),
	// updating alloc accounting and repairing ordering if slot was an
	// insertion point rather than an exact match.
	UseSegment func(clone any, po any, slot int, alloc *int64)
	// Loaded is called once at the end of a successful batch that made
	// at least one update.
	Loaded func(clone any)
}

// Manager runs one preference type's segmented reload state machine.
type Manager struct {
	ops    Ops
	info   *confset.Info
	d      *dispatch.Dispatch
	worker WorkerConfig

	mu sync.Mutex

	state     State
	clone     any
	parallel  int
	pending   atomic.Int64
	failed    atomic.Int64
	updates   atomic.Int64
	processed atomic.Int64
	alloc     int64
	startedAt time.Time

	iteratorFactory func() Iterator
	currentIter     Iterator
	currentFn       func() any
	segmentLoader   SegmentLoader

	metrics *confdmetrics.Metrics
	locker  *lockmanager.LockManager
}

// SetMetrics attaches a confdmetrics collector. Optional.
func (m *Manager) SetMetrics(metrics *confdmetrics.Metrics) {
	m.metrics = metrics
}

// SetLocker attaches a distributed lock manager so this module's
// reload batch is serialized across every confd instance sharing the
// same segment storage, not just across goroutines in this process.
// Optional: a nil locker (the default) leaves the manager's own mutex
// as the only serialization, which is correct for a single-instance
// deployment.
func (m *Manager) SetLocker(locker *lockmanager.LockManager) {
	m.locker = locker
}

// lockKey is the distributed lock key for this module's reload batch.
func (m *Manager) lockKey() string {
	return "confd:segment:" + m.info.Name
}

// WorkerConfig mirrors the deployment's worker sizing so parallelism
// can be derived as max(workerTarget*2, default).
type WorkerConfig struct {
	Target  int
	Default int
}

// EffectiveParallelism returns max(Target*2, Default), with 4 used in
// place of a zero Default.
func (w WorkerConfig) EffectiveParallelism() int {
	def := w.Default
	if def == 0 {
		def = 4
	}
	p := w.Target * 2
	if p < def {
		return def
	}
	return p
}

// New returns a Manager bound to one registered module. currentFn
// returns the presently published payload for this module (the base
// Clone deep-copies from); loader performs reload_segment's file I/O.
func New(ops Ops, info *confset.Info, d *dispatch.Dispatch, worker WorkerConfig, iteratorFactory func() Iterator, currentFn func() any, loader SegmentLoader) *Manager {
	return &Manager{
		ops:             ops,
		info:            info,
		d:               d,
		worker:          worker,
		iteratorFactory: iteratorFactory,
		currentFn:       currentFn,
		segmentLoader:   loader,
	}
}

// RunTick advances one step of NEW -> RUNNING -> REQUEUED -> NEW.
// Returns true if the job should be requeued onto todo immediately. If
// a locker is attached and another confd instance currently holds the
// lock for this module, the tick is a no-op and the manager stays in
// StateNew to try again on the next tick.
func (m *Manager) RunTick(job *dispatch.Job) bool {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state == StateNew {
		if !m.beginRun() {
			return false
		}
	}
	return m.runBatch(job)
}

// beginRun acquires the distributed lock (if attached) and starts a
// new batch. It reports false without mutating state when the lock
// could not be acquired, so the caller leaves the manager in StateNew.
func (m *Manager) beginRun() bool {
	if m.locker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), lockAcquireTimeout)
		defer cancel()
		if _, err := m.locker.AcquireLock(ctx, m.lockKey()); err != nil {
			return false
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.clone = m.ops.Clone(m.currentBase())
	m.parallel = m.worker.EffectiveParallelism()
	m.pending.Store(0)
	m.failed.Store(0)
	m.updates.Store(0)
	m.processed.Store(0)
	m.alloc = 0
	m.startedAt = time.Now()
	m.state = StateRunning
	m.currentIter = m.iteratorFactory()
	return true
}

func (m *Manager) currentBase() any {
	if m.currentFn == nil {
		return nil
	}
	return m.currentFn()
}

// runBatch pulls changed segments from the iterator under the manager
// lock, applying REMOVED entries inline and enqueueing everything else
// as sub-jobs, stopping once pending == parallel. If any sub-jobs are
// still outstanding it transitions to REQUEUED and asks to be
// requeued immediately; otherwise it finalizes the run.
func (m *Manager) runBatch(job *dispatch.Job) bool {
	m.mu.Lock()

	it := m.currentIter
	for m.pending.Load() < int64(m.parallel) {
		rec, ok := it.Next()
		if !ok {
			break
		}

		if rec.Flags&Removed != 0 {
			m.applyRemoveLocked(rec)
			continue
		}

		m.pending.Add(1)
		m.d.Put(&dispatch.Job{
			ModuleIdx: job.ModuleIdx,
			Info:      m.info,
			Data:      m.clone,
			Segment:   &rec,
		}, dispatch.Todo)
	}

	pending := m.pending.Load()
	if pending > 0 {
		m.state = StateRequeued
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordSegmentBatch(m.info.Name, true)
		}
		return true
	}

	m.finalizeLocked()
	m.mu.Unlock()
	m.releaseLock()
	if m.metrics != nil {
		m.metrics.RecordSegmentBatch(m.info.Name, false)
	}
	return false
}

// releaseLock gives up the distributed lock once a batch has fully
// finalized. It runs outside m.mu: the release is a network round
// trip and must never hold the manager lock while it happens.
func (m *Manager) releaseLock() {
	if m.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
	defer cancel()
	_ = m.locker.ReleaseLock(ctx, m.lockKey())
}

func (m *Manager) applyRemoveLocked(rec Record) {
	slot, found := m.ops.ID2Slot(m.clone, rec.ID)
	if !found {
		return
	}
	m.ops.FreeSlot(m.clone, slot)
	m.updates.Add(1)
}

func (m *Manager) finalizeLocked() {
	if m.updates.Load() > 0 {
		m.ops.SetTimeAtLeast(m.clone, m.startedAt)
		if m.ops.Loaded != nil {
			m.ops.Loaded(m.clone)
		}
	}
	m.state = StateNew
}

// RunSegmentJob performs reload_segment for one sub-job produced by
// runBatch: parse the segment file (with backup->last-good fallback
// handled by the caller-supplied loader open), install it under the
// manager lock, and file the job on the dead queue (never done).
func (m *Manager) RunSegmentJob(job *dispatch.Job) {
	rec, ok := job.Segment.(*Record)
	if !ok {
		m.d.DeadWork(job)
		return
	}

	po, err := m.loadOneSegment(*rec)

	m.mu.Lock()
	slot, found := m.ops.ID2Slot(m.clone, rec.ID)
	if err != nil {
		if found {
			m.ops.SlotFailedLoad(m.clone, slot, true)
		}
		m.failed.Add(1)
	} else {
		m.ops.UseSegment(m.clone, po, slot, &m.alloc)
		m.updates.Add(1)
		if m.metrics != nil {
			m.metrics.RecordSegmentsLoaded(m.info.Name, 1)
		}
	}
	m.processed.Add(1)
	m.pending.Add(-1)
	m.mu.Unlock()

	m.d.DeadWork(job)
}

// SegmentLoader opens a segment's file (handling backup/last-good
// fallback) and hands it to Ops.NewSegment. It is a function field
// rather than a hardcoded confload.Open call so tests can substitute
// an in-memory loader.
type SegmentLoader func(rec Record, info *confset.Info) (any, error)

// DefaultLoader wires confload directly: open with lastGoodDir as the
// backup directory, call NewSegment, and on failure reject into
// rejectDir.
func DefaultLoader(ops Ops, lastGoodDir, rejectDir string, compressionLevel int) SegmentLoader {
	return func(rec Record, info *confset.Info) (any, error) {
		l, err := confload.Open(rec.Path, lastGoodDir, compressionLevel)
		if err != nil {
			return nil, err
		}
		po, err := ops.NewSegment(rec.ID, l, info)
		if err != nil {
			_ = l.Reject(baseName(rec.Path), rejectDir)
			return nil, err
		}
		if err := l.Done(); err != nil {
			return nil, err
		}
		return po, nil
	}
}

func (m *Manager) loadOneSegment(rec Record) (any, error) {
	if m.segmentLoader == nil {
		return nil, errNoLoader
	}
	return m.segmentLoader(rec, m.info)
}

func baseName(path string) string {
	return filepath.Base(path)
}

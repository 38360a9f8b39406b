// Package worker implements the pool of goroutines that drain the
// dispatch todo queue and turn load jobs into conf payloads.
package worker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/resolvercore/confd/internal/confd/confload"
	"github.com/resolvercore/confd/internal/confd/confset"
	"github.com/resolvercore/confd/internal/confd/dispatch"
	"github.com/resolvercore/confd/internal/confdmetrics"
)

// rejectLogWindow is how long a path stays in the negative-cache after
// being rejected, suppressing repeat "reload failed" log lines for a
// continuously-broken file until the window elapses.
const rejectLogWindow = time.Minute

// SegmentRunner is the subset of the segment package's SegmentManager
// API the worker pool needs. Kept as an interface here (instead of
// importing the concrete type) so worker has no compile-time
// dependency on segment's internals.
type SegmentRunner interface {
	// RunTick advances one NEW/RUNNING/REQUEUED/NEW step for the
	// manager addressed by job.Info, returning true if the job should
	// be requeued onto todo immediately (state == REQUEUED).
	RunTick(job *dispatch.Job) (requeue bool)
	// RunSegmentJob performs reload_segment for a sub-job that carries
	// a concrete segment pointer.
	RunSegmentJob(job *dispatch.Job)
}

// Config configures a worker pool.
type Config struct {
	// LastGoodDir receives a verbatim copy of every file that parses
	// successfully.
	LastGoodDir string
	// RejectDir receives files that failed to parse.
	RejectDir string
	// CompressionLevel is passed through to confload.Open, which does
	// not use it: the backup copy is always written uncompressed.
	CompressionLevel int
	// InitialStartup, when true, makes a failed reload retry once from
	// LastGoodDir instead of just rejecting.
	InitialStartup bool
	// Segments resolves info.SegmentManager handles to a SegmentRunner.
	// May be nil if the deployment registers no segmented modules.
	Segments func(manager any) (SegmentRunner, bool)
}

// Pool runs Count goroutines pulling from Dispatch.
type Pool struct {
	dispatch *dispatch.Dispatch
	cfg      Config
	logger   *slog.Logger

	wg        sync.WaitGroup
	timeToDie atomic.Bool

	recentRejects *lru.Cache[string, time.Time]
	metrics       *confdmetrics.Metrics
}

// New returns a Pool ready to Start.
func New(d *dispatch.Dispatch, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, time.Time](256)
	return &Pool{dispatch: d, cfg: cfg, logger: logger, recentRejects: cache}
}

// SetMetrics attaches a confdmetrics collector. Optional.
func (p *Pool) SetMetrics(m *confdmetrics.Metrics) {
	p.metrics = m
}

// shouldLogReject reports whether path's reject should be logged now,
// recording the current time so a burst of identical failures within
// rejectLogWindow logs once instead of every tick.
func (p *Pool) shouldLogReject(path string) bool {
	if p.recentRejects == nil {
		return true
	}
	if last, ok := p.recentRejects.Get(path); ok && time.Since(last) < rejectLogWindow {
		return false
	}
	p.recentRejects.Add(path, time.Now())
	return true
}

// Start launches n worker goroutines.
func (p *Pool) Start(n int) {
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Shrink enqueues n exit jobs, causing n workers to drop out of their
// loop on their next getwork. It does not wait for them to exit.
func (p *Pool) Shrink(n int) {
	for i := 0; i < n; i++ {
		p.dispatch.Put(&dispatch.Job{ThreadHandle: i}, dispatch.Todo)
	}
}

// Stop sets the time-to-die flag, enqueues count exit jobs (one per
// worker when count matches what was started), and waits for every worker to drain its
// current job and return.
func (p *Pool) Stop(count int) {
	p.timeToDie.Store(true)
	p.Shrink(count)
	p.dispatch.Broadcast()
	p.wg.Wait()
}

func (p *Pool) run(workerID int) {
	defer p.wg.Done()

	loader := &workerState{}

	for {
		job := p.dispatch.GetWork(true)
		if job == nil {
			if p.timeToDie.Load() {
				return
			}
			continue
		}

		switch {
		case job.ThreadHandle != nil && job.Info == nil && job.Data == nil:
			// Exit-signal job: report back via done so the config
			// thread can join us, then stop.
			p.dispatch.DoneWork(job)
			return

		case job.Info == nil && job.Data != nil:
			p.freeJob(job)

		case job.Segment != nil:
			p.runSegmentJob(job)

		default:
			p.runLoadJob(job, loader)
		}
	}
}

// freeJob releases a conf payload carried purely for deferred
// disposal and returns the job structure to the dead free list.
func (p *Pool) freeJob(job *dispatch.Job) {
	if conf, ok := job.Data.(*confset.Conf); ok {
		conf.Release()
	}
	p.dispatch.DeadWork(job)
}

func (p *Pool) runSegmentJob(job *dispatch.Job) {
	runner, ok := p.resolveRunner(job)
	if !ok {
		p.logger.Error("worker: segment job with no resolvable manager", "module", job.ModuleIdx)
		p.dispatch.DeadWork(job)
		return
	}
	runner.RunSegmentJob(job)
}

func (p *Pool) runLoadJob(job *dispatch.Job, state *workerState) {
	info, ok := job.Info.(*confset.Info)
	if !ok {
		p.dispatch.DoneWork(job)
		return
	}

	if runner, ok := p.resolveRunner(job); ok {
		requeue := runner.RunTick(job)
		if requeue {
			p.dispatch.Requeue(job)
			return
		}
		p.dispatch.DoneWork(job)
		return
	}

	p.reload(job, info, state)
}

func (p *Pool) resolveRunner(job *dispatch.Job) (SegmentRunner, bool) {
	info, ok := job.Info.(*confset.Info)
	if !ok || info.SegmentManager == nil || p.cfg.Segments == nil {
		return nil, false
	}
	return p.cfg.Segments(info.SegmentManager)
}

// workerState is the thread-local state a real worker carries across
// jobs: a reusable loader buffer is unnecessary in Go (confload.Open
// allocates fresh state per call) but the struct remains the place to
// hang future per-worker caches.
type workerState struct{}

// reload handles a whole-file load job: parse, and on failure reject
// and, at initial startup only, fall back to the last-good copy.
func (p *Pool) reload(job *dispatch.Job, info *confset.Info, _ *workerState) {
	start := time.Now()

	backupDir := p.cfg.LastGoodDir
	if p.cfg.InitialStartup {
		backupDir = ""
	}

	payload, failErr := p.parseOnce(info, info.Path, backupDir)
	if failErr != nil && p.cfg.InitialStartup {
		p.logger.Warn("worker: initial load failed, retrying from last-good", "module", info.Name, "err", failErr)
		payload, failErr = p.parseOnce(info, lastGoodPath(p.cfg.LastGoodDir, info.Path), "")
	}

	if failErr != nil {
		if p.shouldLogReject(info.Path) {
			p.logger.Error("worker: reload failed", "module", info.Name, "path", info.Path, "err", failErr)
		}
		info.Stat.Dev = 0
		info.Stat.Ino = 0
		job.Data = nil
		p.dispatch.DoneWork(job)
		if p.metrics != nil {
			p.metrics.RecordLoad(info.Name, false, time.Since(start).Seconds())
		}
		return
	}

	job.Data = confset.NewConf(info.Vtable, payload)
	p.logger.Info("worker: reload succeeded", "module", info.Name, "path", info.Path, "duration", time.Since(start))
	p.dispatch.DoneWork(job)
	if p.metrics != nil {
		p.metrics.RecordLoad(info.Name, true, time.Since(start).Seconds())
	}
}

func (p *Pool) parseOnce(info *confset.Info, path, backupDir string) (any, error) {
	loader, err := confload.Open(path, backupDir, p.cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}

	if info.Vtable == nil || info.Vtable.Parse == nil {
		return nil, errNoParser(info.Name)
	}

	payload, err := info.Vtable.Parse(loader, info)
	if err != nil {
		if rejectErr := loader.Reject(baseName(info.Path), p.cfg.RejectDir); rejectErr != nil {
			p.logger.Error("worker: reject failed", "module", info.Name, "err", rejectErr)
		}
		return nil, err
	}

	if err := loader.Done(); err != nil {
		return nil, err
	}

	info.Stat = loader.Stat
	info.Digest = loader.Digest()
	return payload, nil
}

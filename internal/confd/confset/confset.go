// Package confset implements the conf object, the module registry and
// ConfSet: the append-only, reference-counted snapshot that readers
// acquire without ever taking the registry's main lock.
package confset

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resolvercore/confd/internal/confd/confload"
	"github.com/resolvercore/confd/internal/confd/dispatch"
	"github.com/resolvercore/confd/internal/confdmetrics"
	"github.com/resolvercore/confd/internal/lockmanager"
)

// publishLockKey is the distributed lock key guarding the swap of
// currentSet to a new generation. Every confd instance sharing the
// same backing storage contends for the same key, so two instances
// never publish two different generations at once.
const publishLockKey = "confd:registry:publish"

const (
	publishLockAcquireTimeout = 5 * time.Second
	publishLockReleaseTimeout = 2 * time.Second
)

// Vtable is the per-type behavior a module supplies at registration.
// Free releases the payload once the conf's refcount reaches zero.
// SegmentOps is an opaque handle consulted only by callers that know
// the concrete module kind (the segment package); confset never
// inspects it.
type Vtable struct {
	Free func(payload any)
	// Parse produces a fresh payload for a whole-file module from an
	// open loader; the worker pool calls this for non-segmented
	// reloads. May be nil for module kinds that only ever load through
	// a SegmentManager.
	Parse      func(l *confload.Loader, info *Info) (any, error)
	SegmentOps any
}

// Conf is the polymorphic, reference-counted payload shared between
// the current ConfSet and any in-flight dispatch job.
type Conf struct {
	vtable   *Vtable
	refcount atomic.Int32
	Payload  any
}

// NewConf wraps payload with an initial refcount of 1.
func NewConf(vtable *Vtable, payload any) *Conf {
	c := &Conf{vtable: vtable, Payload: payload}
	c.refcount.Store(1)
	return c
}

// Retain increments the refcount and returns c for chaining.
func (c *Conf) Retain() *Conf {
	c.refcount.Add(1)
	return c
}

// Release decrements the refcount, freeing the payload via the vtable
// when it reaches zero.
func (c *Conf) Release() {
	if c.refcount.Add(-1) == 0 && c.vtable != nil && c.vtable.Free != nil {
		c.vtable.Free(c.Payload)
	}
}

// RefCount reports the current reference count, for diagnostics and tests.
func (c *Conf) RefCount() int32 {
	return c.refcount.Load()
}

// SegmentOps returns the opaque segment-ops handle from c's vtable, or
// nil for non-segmented module kinds.
func (c *Conf) SegmentOps() any {
	if c.vtable == nil {
		return nil
	}
	return c.vtable.SegmentOps
}

// Info is ConfInfo: per-module registration metadata. It never holds
// the live payload directly; that lives in whichever ConfSet is
// current, addressed by module id.
type Info struct {
	ID        int
	Name      string
	Path      string
	Vtable    *Vtable
	LoadFlags uint32
	UserData  any

	// SegmentManager is an opaque handle the segment package attaches
	// to segmented modules; confset never dereferences it.
	SegmentManager any

	mu         sync.Mutex
	registered int
	loadable   bool
	Stat       confload.Stat
	Digest     [16]byte
	FailedLoad bool
}

// Loadable reports whether at least one live registration asked for loading.
func (i *Info) Loadable() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loadable
}

// nameEntry is one row of a ConfSet's sorted name index.
type nameEntry struct {
	name string
	id   int
}

// ConfSet is an immutable, append-only array of conf pointers indexed
// by module id (1-based; index 0 is unused), plus a name-sorted index
// for lookups by name.
type ConfSet struct {
	Confs      []*Conf
	Generation int64
	names      []nameEntry
}

// ByID returns the conf at id, or nil if unpopulated.
func (s *ConfSet) ByID(id int) *Conf {
	if id <= 0 || id >= len(s.Confs) {
		return nil
	}
	return s.Confs[id]
}

// ByName looks up a conf by registered module name.
func (s *ConfSet) ByName(name string) (*Conf, bool) {
	i := sort.Search(len(s.names), func(i int) bool { return s.names[i].name >= name })
	if i >= len(s.names) || s.names[i].name != name {
		return nil, false
	}
	return s.ByID(s.names[i].id), true
}

// clone copies the conf array, retaining every non-nil entry on
// behalf of the new set. The caller is responsible for eventually
// releasing the returned set (directly, or by publishing it and later
// releasing the set it replaces).
func (s *ConfSet) clone() *ConfSet {
	confs := make([]*Conf, len(s.Confs))
	copy(confs, s.Confs)
	for _, c := range confs {
		if c != nil {
			c.Retain()
		}
	}
	names := make([]nameEntry, len(s.names))
	copy(names, s.names)
	return &ConfSet{Confs: confs, Generation: s.Generation, names: names}
}

// Release drops one reference on every conf held by set, freeing any
// that reach zero. Call once per Acquire, and once when retiring a
// published generation.
func Release(set *ConfSet) {
	if set == nil {
		return
	}
	for _, c := range set.Confs {
		if c != nil {
			c.Release()
		}
	}
}

// LoadFunc produces a fresh payload for info, used only on the
// no-worker synchronous path.
type LoadFunc func(info *Info) (any, error)

// Registry is the module registry and the single owner of the current
// ConfSet. The zero value is not usable; use New.
type Registry struct {
	mu       sync.Mutex
	byName   map[string]int
	infos    []*Info
	dispatch *dispatch.Dispatch
	loadFunc LoadFunc

	genMu              sync.Mutex
	generation         int64
	loadableGeneration int64
	currentSet         *ConfSet

	metrics *confdmetrics.Metrics
	locker  *lockmanager.LockManager
}

// SetMetrics attaches a confdmetrics collector. Optional; a Registry
// with no metrics attached behaves identically, just unobserved.
func (r *Registry) SetMetrics(m *confdmetrics.Metrics) {
	r.metrics = m
}

// SetLocker attaches a distributed lock manager so that publishing a
// new generation is serialized across every confd instance sharing
// the same backing config storage, not just across goroutines within
// this process. Optional: a nil locker (the default) leaves Load's own
// mutexes as the only serialization, correct for a single-instance
// deployment.
func (r *Registry) SetLocker(locker *lockmanager.LockManager) {
	r.locker = locker
}

// New returns an empty Registry backed by d. loadFunc may be nil if
// the deployment always runs with a worker pool.
func New(d *dispatch.Dispatch, loadFunc LoadFunc) *Registry {
	return &Registry{
		byName:     map[string]int{},
		infos:      []*Info{nil},
		dispatch:   d,
		loadFunc:   loadFunc,
		currentSet: &ConfSet{Confs: []*Conf{nil}},
	}
}

// Register records a module and returns its stable 1-based id.
// Re-registering the same name with the same path and vtable bumps a
// reference count instead of allocating a new id. Registering the
// same name as loadable a second time while the first registration is
// still loadable is rejected: callers should treat it as a startup
// configuration error.
func (r *Registry) Register(vtable *Vtable, name, path string, loadable bool, loadFlags uint32, userData any) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		info := r.infos[id]
		if info.Path != path || info.Vtable != vtable {
			return 0, fmt.Errorf("confset: %q already registered with a different path or type", name)
		}
		info.mu.Lock()
		if loadable && info.loadable {
			info.mu.Unlock()
			return 0, fmt.Errorf("confset: %q already has a live loadable registration", name)
		}
		info.registered++
		wasLoadable := info.loadable
		if loadable {
			info.loadable = true
		}
		info.mu.Unlock()
		if loadable && !wasLoadable {
			r.markLoadable(id, info)
		}
		return id, nil
	}

	info := &Info{Name: name, Path: path, Vtable: vtable, LoadFlags: loadFlags, UserData: userData, registered: 1, loadable: loadable}
	id := len(r.infos)
	info.ID = id
	r.infos = append(r.infos, info)
	r.byName[name] = id

	if loadable {
		r.markLoadable(id, info)
	}
	return id, nil
}

// markLoadable bumps loadableGeneration and enqueues an initial load
// job onto the wait queue, where it ages for zero time and is eligible
// for the very next Load tick.
func (r *Registry) markLoadable(id int, info *Info) {
	r.genMu.Lock()
	r.loadableGeneration++
	r.genMu.Unlock()
	r.dispatch.Put(&dispatch.Job{ModuleIdx: id, Info: info}, dispatch.Wait)
}

// Unregister decrements the registration count for id. Once it
// reaches zero the module stops being loadable, but its slot and any
// already-published conf stay in place until the next real change.
func (r *Registry) Unregister(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id <= 0 || id >= len(r.infos) || r.infos[id] == nil {
		return fmt.Errorf("confset: unregister of unknown id %d", id)
	}
	info := r.infos[id]
	info.mu.Lock()
	info.registered--
	if info.registered <= 0 {
		info.loadable = false
	}
	info.mu.Unlock()
	return nil
}

// Info returns the registration metadata for id, or nil.
func (r *Registry) Info(id int) *Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id <= 0 || id >= len(r.infos) {
		return nil
	}
	return r.infos[id]
}

// Acquire is the reader-side snapshot operation. It never takes the
// main registry lock: it briefly holds genlock, retains every conf of
// the current set and returns that set itself (no clone is made). Pass
// the same *int64 back on every call; returns nil when
// cachedGeneration already equals the published generation.
func (r *Registry) Acquire(cachedGeneration *int64) *ConfSet {
	r.genMu.Lock()
	defer r.genMu.Unlock()

	if *cachedGeneration == r.generation {
		return nil
	}

	snap := r.currentSet
	for _, c := range snap.Confs {
		if c != nil {
			c.Retain()
		}
	}
	*cachedGeneration = r.generation
	return snap
}

// Generation reports the current published generation.
func (r *Registry) Generation() int64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.generation
}

// Load is the main configuration-thread tick. It (1) drains the wait
// queue into todo for every job aged at least delayMs, (2) when
// hasWorkers is false, processes todo synchronously using loadFunc,
// (3) harvests the done queue, (4) publishes a new ConfSet under
// genlock with a generation that is guaranteed >= 2 on any real
// change, and (5) releases the set it replaced. It reports whether a
// new generation was published.
func (r *Registry) Load(delayMs int64, hasWorkers bool) (bool, error) {
	for {
		minMs := delayMs
		job, ok := r.dispatch.GetWait(&minMs)
		if !ok {
			break
		}
		r.dispatch.Put(job, dispatch.Todo)
	}

	if !hasWorkers {
		for {
			job := r.dispatch.GetWork(false)
			if job == nil {
				break
			}
			r.runSynchronous(job)
		}
	}

	if _, _, _, _, done := r.dispatch.Lens(); done == 0 {
		return false, nil
	}

	if r.locker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishLockAcquireTimeout)
		_, err := r.locker.AcquireLock(ctx, publishLockKey)
		cancel()
		if err != nil {
			// another instance is publishing right now; leave the done
			// queue untouched and fold these results in on the next
			// tick instead of racing that publish.
			return false, nil
		}
		defer r.releasePublishLock()
	}

	doneJobs := r.dispatch.DrainDone()
	if len(doneJobs) == 0 {
		return false, nil
	}

	r.mu.Lock()
	newSet := r.currentSet.clone()
	for _, job := range doneJobs {
		info, _ := job.Info.(*Info)
		if info == nil {
			continue
		}
		conf, _ := job.Data.(*Conf)
		applyResult(newSet, job.ModuleIdx, info, conf)
	}
	newSet.names = r.buildNameIndex()
	r.mu.Unlock()

	r.genMu.Lock()
	old := r.currentSet
	r.currentSet = newSet
	r.generation++
	if r.generation < 2 {
		r.generation = 2
	}
	newGen := r.generation
	r.genMu.Unlock()

	Release(old)
	if r.metrics != nil {
		r.metrics.SetGeneration(uint64(newGen))
	}
	return true, nil
}

func (r *Registry) releasePublishLock() {
	ctx, cancel := context.WithTimeout(context.Background(), publishLockReleaseTimeout)
	defer cancel()
	_ = r.locker.ReleaseLock(ctx, publishLockKey)
}

func (r *Registry) buildNameIndex() []nameEntry {
	entries := make([]nameEntry, 0, len(r.byName))
	for name, id := range r.byName {
		entries = append(entries, nameEntry{name: name, id: id})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries
}

func applyResult(set *ConfSet, id int, info *Info, conf *Conf) {
	for id >= len(set.Confs) {
		set.Confs = append(set.Confs, nil)
	}
	if old := set.Confs[id]; old != nil {
		old.Release()
	}
	set.Confs[id] = conf
	info.mu.Lock()
	info.FailedLoad = conf == nil
	info.mu.Unlock()
}

// runSynchronous performs a load inline (no worker pool configured)
// and files the result straight onto the done queue, mirroring what a
// worker would have done.
func (r *Registry) runSynchronous(job *dispatch.Job) {
	info, _ := job.Info.(*Info)
	if info == nil || r.loadFunc == nil {
		r.dispatch.DoneWork(job)
		return
	}

	payload, err := r.loadFunc(info)
	if err != nil {
		job.Data = nil
	} else {
		job.Data = NewConf(info.Vtable, payload)
	}
	r.dispatch.DoneWork(job)
}

// Package repository caches loaded model handles by id.
//
// A handle is loaded once and shared read-only by every request for that id.
// Concurrent misses for the same id share a single engine load; misses for
// different ids load in parallel. The cache is bounded by a resident-count
// and/or memory budget and evicts the least recently used idle handle. A
// handle pinned by an outstanding Lease is never evicted; its eviction is
// deferred until the last lease is released.
package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"gend/internal/common/fsutil"
	"gend/internal/engine"
	"gend/pkg/types"
)

// Catalog resolves model ids to catalog entries.
type Catalog interface {
	Lookup(id string) (types.Model, bool)
}

// Loader builds a handle for a catalog entry. *engine.Adapter implements it.
type Loader interface {
	Load(ctx context.Context, mdl types.Model) (*engine.Handle, error)
}

// Config configures a Repository. Zero limits mean unbounded.
type Config struct {
	Catalog Catalog
	Loader  Loader

	MaxResident    int
	MemoryBudgetMB int
	MemoryMarginMB int

	MaxQueueDepth int           // default 32
	MaxWait       time.Duration // default 30s

	// LoadFailureTTL > 0 remembers failed loads for that long.
	LoadFailureTTL time.Duration

	Publisher EventPublisher
	Logger    *zerolog.Logger
}

type entry struct {
	id       string
	handle   *engine.Handle
	sizeMB   int
	lastUsed time.Time
	refs     int
	genCh    chan struct{} // cap 1: single in-flight generation
	queueCh  chan struct{} // cap MaxQueueDepth
	retired  bool          // removed from the map; close on last release
	reason   string        // why it was removed: lru, unload, close
}

// Repository is safe for concurrent use.
type Repository struct {
	cfg Config
	log zerolog.Logger
	pub EventPublisher

	mu      sync.Mutex
	entries map[string]*entry
	waiters map[string]int // resolvers blocked on an in-flight load
	usedMB  int
	closed  bool

	group    singleflight.Group
	failures *ttlcache.Cache[string, error]

	ctx    context.Context // parent of every engine load; canceled by Close
	cancel context.CancelFunc

	loads           atomic.Int64
	loadFailures    atomic.Int64
	evictions       atomic.Int64
	loadsInProgress atomic.Int64
	preloading      atomic.Bool
}

// New returns an empty repository.
func New(cfg Config) *Repository {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 32
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	r := &Repository{
		cfg:     cfg,
		log:     zerolog.Nop(),
		pub:     noopPublisher{},
		entries: make(map[string]*entry),
		waiters: make(map[string]int),
	}
	if cfg.Logger != nil {
		r.log = cfg.Logger.With().Str("component", "repository").Logger()
	}
	if cfg.Publisher != nil {
		r.pub = cfg.Publisher
	}
	if cfg.LoadFailureTTL > 0 {
		r.failures = ttlcache.New[string, error](
			ttlcache.WithTTL[string, error](cfg.LoadFailureTTL),
			ttlcache.WithDisableTouchOnHit[string, error](),
		)
		go r.failures.Start()
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// maxLoadRetries bounds how often a resolver reloads a handle that was
// unloaded before it could pin it.
const maxLoadRetries = 3

// Resolve returns a lease on the cached handle for id, loading it on a miss.
// The caller must Release the lease. If ctx ends while waiting for a load,
// Resolve returns ctx.Err() and the load keeps running for other waiters.
func (r *Repository) Resolve(ctx context.Context, id string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if e := r.entries[id]; e != nil {
			e.refs++
			e.lastUsed = time.Now()
			r.mu.Unlock()
			resolveTotal.WithLabelValues("hit").Inc()
			return &Lease{r: r, e: e}, nil
		}
		if attempt >= maxLoadRetries {
			r.mu.Unlock()
			resolveTotal.WithLabelValues("error").Inc()
			return nil, &ModelLoadError{ModelID: id, Err: fmt.Errorf("handle was unloaded %d times before use", attempt)}
		}
		r.waiters[id]++
		r.mu.Unlock()

		if err := r.cachedFailure(id); err != nil {
			r.doneWaiting(id)
			resolveTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		resolveTotal.WithLabelValues("miss").Inc()
		ch := r.group.DoChan(id, func() (any, error) { return r.load(id) })
		select {
		case res := <-ch:
			if res.Err != nil {
				r.doneWaiting(id)
				return nil, res.Err
			}
			e := res.Val.(*entry)
			r.mu.Lock()
			r.waiters[id]--
			if r.waiters[id] <= 0 {
				delete(r.waiters, id)
			}
			if !e.retired && r.entries[id] == e {
				e.refs++
				e.lastUsed = time.Now()
				r.mu.Unlock()
				return &Lease{r: r, e: e}, nil
			}
			r.mu.Unlock()
			// Unloaded between insert and pin; try again.
		case <-ctx.Done():
			r.doneWaiting(id)
			return nil, ctx.Err()
		}
	}
}

func (r *Repository) doneWaiting(id string) {
	r.mu.Lock()
	r.waiters[id]--
	if r.waiters[id] <= 0 {
		delete(r.waiters, id)
	}
	victims := r.evictLocked(0, 0, nil)
	r.mu.Unlock()
	r.closeAll(victims)
}

func (r *Repository) cachedFailure(id string) error {
	if r.failures == nil {
		return nil
	}
	if item := r.failures.Get(id); item != nil {
		return item.Value()
	}
	return nil
}

// load runs once per id at a time under the singleflight group. It is
// detached from any request context.
func (r *Repository) load(id string) (e *entry, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if cur := r.entries[id]; cur != nil {
		r.mu.Unlock()
		return cur, nil
	}
	r.mu.Unlock()

	mdl, ok := r.cfg.Catalog.Lookup(id)
	if !ok {
		return nil, &ModelLoadError{ModelID: id, Err: ErrUnknownModel}
	}
	size := estimateSizeMB(mdl)

	r.mu.Lock()
	victims := r.evictLocked(1, size, nil)
	r.mu.Unlock()
	r.closeAll(victims)

	lg := r.log.With().Str("model_id", id).Logger()
	lg.Info().Int("est_mb", size).Msg(EventLoadStart)
	r.pub.Publish(Event{Name: EventLoadStart, ModelID: id, Fields: map[string]any{"est_mb": size}})
	r.loadsInProgress.Add(1)
	start := time.Now()
	h, err := r.safeLoad(mdl)
	r.loadsInProgress.Add(-1)
	loadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.loadFailures.Add(1)
		loadsTotal.WithLabelValues("error").Inc()
		lerr := &ModelLoadError{ModelID: id, Err: err}
		lg.Error().Err(err).Dur("took", time.Since(start)).Msg(EventLoadError)
		r.pub.Publish(Event{Name: EventLoadError, ModelID: id, Fields: map[string]any{"error": err.Error()}})
		if r.failures != nil {
			r.failures.Set(id, lerr, ttlcache.DefaultTTL)
		}
		return nil, lerr
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = h.Close()
		return nil, ErrClosed
	}
	e = &entry{
		id:       id,
		handle:   h,
		sizeMB:   size,
		lastUsed: time.Now(),
		genCh:    make(chan struct{}, 1),
		queueCh:  make(chan struct{}, r.cfg.MaxQueueDepth),
	}
	r.entries[id] = e
	r.usedMB += size
	victims = r.evictLocked(0, 0, e)
	r.updateGaugesLocked()
	r.mu.Unlock()
	r.closeAll(victims)

	r.loads.Add(1)
	loadsTotal.WithLabelValues("ok").Inc()
	lg.Info().Str("load_id", h.LoadID).Dur("took", time.Since(start)).Msg(EventLoadDone)
	r.pub.Publish(Event{Name: EventLoadDone, ModelID: id, Fields: map[string]any{"load_id": h.LoadID, "est_mb": size}})
	return e, nil
}

// safeLoad converts a loader panic into an error; singleflight would
// otherwise re-panic it on a fresh goroutine.
func (r *Repository) safeLoad(mdl types.Model) (h *engine.Handle, err error) {
	defer func() {
		if p := recover(); p != nil {
			h, err = nil, fmt.Errorf("engine load panicked: %v", p)
		}
	}()
	h, err = r.cfg.Loader.Load(r.ctx, mdl)
	if err == nil && h == nil {
		err = fmt.Errorf("engine returned no handle")
	}
	return h, err
}

// overLimitLocked reports whether the cache plus extra incoming handles of
// incomingMB would exceed the configured limits.
func (r *Repository) overLimitLocked(extra, incomingMB int) bool {
	if r.cfg.MaxResident > 0 && len(r.entries)+extra > r.cfg.MaxResident {
		return true
	}
	if r.cfg.MemoryBudgetMB > 0 && r.usedMB+incomingMB+r.cfg.MemoryMarginMB > r.cfg.MemoryBudgetMB {
		return true
	}
	return false
}

// evictLocked removes LRU idle entries until the limits hold, skipping keep.
// Removed entries are returned for closing outside the lock.
func (r *Repository) evictLocked(extra, incomingMB int, keep *entry) []*entry {
	var victims []*entry
	for r.overLimitLocked(extra, incomingMB) {
		var lru *entry
		for _, e := range r.entries {
			if e == keep || e.refs > 0 || r.waiters[e.id] > 0 {
				continue
			}
			if lru == nil || e.lastUsed.Before(lru.lastUsed) {
				lru = e
			}
		}
		if lru == nil {
			if len(r.entries) > 0 {
				r.log.Debug().Int("resident", len(r.entries)).Int("used_mb", r.usedMB).Msg(EventEvictDeferred)
				r.pub.Publish(Event{Name: EventEvictDeferred, Fields: map[string]any{"resident": len(r.entries), "used_mb": r.usedMB}})
			}
			break
		}
		r.removeLocked(lru, "lru")
		victims = append(victims, lru)
	}
	if len(victims) > 0 {
		r.updateGaugesLocked()
	}
	return victims
}

func (r *Repository) removeLocked(e *entry, reason string) {
	delete(r.entries, e.id)
	r.usedMB -= e.sizeMB
	e.retired = true
	e.reason = reason
}

func (r *Repository) updateGaugesLocked() {
	residentModels.Set(float64(len(r.entries)))
	residentMB.Set(float64(r.usedMB))
}

// closeAll closes removed, idle entries. Must be called without r.mu held.
func (r *Repository) closeAll(victims []*entry) {
	for _, e := range victims {
		reason := e.reason
		r.evictions.Add(1)
		evictionsTotal.WithLabelValues(reason).Inc()
		name := EventEvict
		if reason == "unload" {
			name = EventUnload
		}
		if err := e.handle.Close(); err != nil {
			r.log.Warn().Err(err).Str("model_id", e.id).Msg("close handle")
		}
		r.log.Info().Str("model_id", e.id).Str("reason", reason).Msg(name)
		r.pub.Publish(Event{Name: name, ModelID: e.id, Fields: map[string]any{"reason": reason}})
	}
}

// Unload removes id from the cache. The handle is closed now if idle, or
// when its last lease is released. It reports whether id was cached.
func (r *Repository) Unload(id string) bool {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil {
		r.mu.Unlock()
		return false
	}
	r.removeLocked(e, "unload")
	r.updateGaugesLocked()
	idle := e.refs == 0
	r.mu.Unlock()
	if r.failures != nil {
		r.failures.Delete(id)
	}
	if idle {
		r.closeAll([]*entry{e})
	} else {
		r.log.Info().Str("model_id", id).Int("refs", e.refs).Msg("unload deferred until release")
	}
	return true
}

// Close releases every handle: idle ones now, leased ones on release.
// In-flight loads are canceled and later Resolve calls fail with ErrClosed.
func (r *Repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var idle []*entry
	for _, e := range r.entries {
		r.removeLocked(e, "close")
		if e.refs == 0 {
			idle = append(idle, e)
		}
	}
	r.updateGaugesLocked()
	r.mu.Unlock()
	r.cancel()
	if r.failures != nil {
		r.failures.Stop()
	}
	r.closeAll(idle)
	return nil
}

// StartPreload loads ids in the background. Ready reports false until every
// preload has finished; failures are logged and do not block readiness.
func (r *Repository) StartPreload(ids []string) {
	if len(ids) == 0 {
		return
	}
	r.preloading.Store(true)
	go func() {
		defer r.preloading.Store(false)
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				l, err := r.Resolve(r.ctx, id)
				if err != nil {
					r.log.Warn().Err(err).Str("model_id", id).Msg("preload failed")
					return
				}
				l.Release()
			}(id)
		}
		wg.Wait()
	}()
}

// Ready reports whether the repository is open and not preloading.
func (r *Repository) Ready() bool {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	return !closed && !r.preloading.Load()
}

// estimateSizeMB approximates the resident size of a model by its file size.
// Unknown sizes count as 1MB so budget checks are never bypassed.
func estimateSizeMB(mdl types.Model) int {
	return fsutil.FileSizeMB(mdl.Path)
}

package repository

import (
	"context"
	"sync"
	"time"

	"gend/internal/engine"
)

// Lease pins a cached handle against eviction until Release.
type Lease struct {
	r    *Repository
	e    *entry
	once sync.Once
}

// Handle returns the leased handle. It stays valid until Release.
func (l *Lease) Handle() *engine.Handle { return l.e.handle }

// Acquire reserves a queue slot and then the handle's single generation slot,
// waiting at most MaxWait for each. The returned func releases both slots.
func (l *Lease) Acquire(ctx context.Context) (func(), error) {
	e, maxWait := l.e, l.r.cfg.MaxWait
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case e.queueCh <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		admissionRejectedTotal.Inc()
		return func() {}, tooBusyError{modelID: e.id}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-e.queueCh
		}
	}()
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer2 := time.NewTimer(maxWait)
	defer timer2.Stop()
	select {
	case e.genCh <- struct{}{}:
		acquired = true
		l.r.mu.Lock()
		e.lastUsed = time.Now()
		l.r.mu.Unlock()
		var once sync.Once
		return func() { once.Do(func() { <-e.genCh; <-e.queueCh }) }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer2.C:
		admissionRejectedTotal.Inc()
		return func() {}, tooBusyError{modelID: e.id}
	}
}

// Release unpins the handle. The first call counts; later calls are no-ops.
// Releasing the last lease runs any eviction deferred while it was pinned.
func (l *Lease) Release() {
	l.once.Do(func() {
		r, e := l.r, l.e
		r.mu.Lock()
		e.refs--
		var victims []*entry
		if e.refs == 0 {
			if e.retired {
				victims = []*entry{e}
			} else {
				victims = r.evictLocked(0, 0, nil)
			}
		}
		r.mu.Unlock()
		r.closeAll(victims)
	})
}

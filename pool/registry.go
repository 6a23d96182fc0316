package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	ReapTriggerIdle     = "idle"
	ReapTriggerExplicit = "explicit"
	ReapTriggerShutdown = "shutdown"
)

// Opener creates the pool for an identity that has none yet.
type Opener func(ctx context.Context) (Pool, error)

type entry struct {
	key      Identity
	pool     Pool
	lastUsed atomic.Int64 // unix nanos
	leases   atomic.Int32
}

func (e *entry) touch(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}

func (e *entry) lastUsedTime() time.Time {
	return time.Unix(0, e.lastUsed.Load())
}

// Lease is a reference to a registry pool held for the duration of one
// request. The reaper never closes a pool with outstanding leases.
type Lease struct {
	e    *entry
	once sync.Once
}

// Acquire checks a connection out of the leased pool.
func (l *Lease) Acquire(ctx context.Context) (Conn, error) {
	return l.e.pool.Acquire(ctx)
}

// Stats reports the leased pool's occupancy.
func (l *Lease) Stats() Stats {
	return l.e.pool.Stats()
}

// Key is the identity the lease was obtained for.
func (l *Lease) Key() Identity {
	return l.e.key
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.e.leases.Add(-1) })
}

// EntryInfo is one row of the diagnostic pool listing.
type EntryInfo struct {
	Key      Identity
	Busy     int
	Opened   int
	Min      int
	Max      int
	LastUsed time.Time
}

// Registry maps connection identities to pools. Pools are created on first
// use, refreshed on every lookup and closed by the idle reaper or CloseAll.
type Registry struct {
	idleTimeout  time.Duration
	reapInterval time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	entries map[Identity]*entry
	closed  bool

	group singleflight.Group

	startOnce sync.Once
	stopOnce  sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
}

// NewRegistry creates an empty registry. The idle reaper does not run until
// Start is called.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.Normalize()
	return &Registry{
		idleTimeout:  cfg.IdleTimeout,
		reapInterval: cfg.ReapInterval,
		now:          time.Now,
		entries:      make(map[Identity]*entry),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// GetOrCreate returns a lease on the pool for id, opening one with open if
// none exists. Concurrent calls for the same id share a single open; calls
// for different ids never wait on each other's network I/O. The pool's
// last-used time is refreshed before returning.
func (r *Registry) GetOrCreate(ctx context.Context, id Identity, open Opener) (*Lease, error) {
	// A freshly created entry can be removed by an explicit Close before the
	// caller leases it; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		if l, ok, err := r.lease(id); err != nil {
			return nil, err
		} else if ok {
			return l, nil
		}

		_, err, _ := r.group.Do(string(id), func() (any, error) {
			if _, ok, err := r.lookup(id); err != nil || ok {
				return nil, err
			}
			return nil, r.create(ctx, id, open)
		})
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("pool %s: %w", id, ErrPoolClosed)
}

func (r *Registry) lookup(id Identity) (*entry, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	e, ok := r.entries[id]
	return e, ok, nil
}

// lease increments the entry's lease count under the read lock so that it
// cannot interleave with a reap decision, which holds the write lock.
func (r *Registry) lease(id Identity) (*Lease, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, false, nil
	}
	e.leases.Add(1)
	e.touch(r.now())
	return &Lease{e: e}, true, nil
}

func (r *Registry) create(ctx context.Context, id Identity, open Opener) error {
	slog.Info("Creating new pool.", "key", id)
	p, err := open(ctx)
	if err != nil {
		slog.Warn("Failed to create pool.", "key", id, "error", err)
		return err
	}

	e := &entry{key: id, pool: p}
	e.touch(r.now())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.closePool(id, p)
		return ErrRegistryClosed
	}
	r.entries[id] = e
	count := len(r.entries)
	r.mu.Unlock()

	poolsCreatedCounter.Inc()
	observeActivePools(count)
	return nil
}

// Close closes and removes the pool for id. Close errors are logged; the
// entry is removed regardless.
func (r *Registry) Close(id Identity) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	count := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return
	}
	observeActivePools(count)
	observePoolsReaped(ReapTriggerExplicit, 1)
	r.closePool(id, e.pool)
}

func (r *Registry) closePool(id Identity, p Pool) {
	slog.Info("Closing pool.", "key", id)
	if err := p.Close(); err != nil {
		poolCloseErrorsCounter.Inc()
		slog.Warn("Error closing pool.", "key", id, "error", err)
	}
}

// CloseAll stops the reaper, closes every pool and leaves the registry
// empty and closed. Safe to call more than once.
func (r *Registry) CloseAll() {
	r.Stop()
	r.closeOnce.Do(func() {
		r.mu.Lock()
		entries := r.entries
		r.entries = make(map[Identity]*entry)
		r.closed = true
		r.mu.Unlock()
		observeActivePools(0)

		for id, e := range entries {
			slog.Info("Shutting down pool.", "key", id)
			if err := e.pool.Close(); err != nil {
				poolCloseErrorsCounter.Inc()
				slog.Warn("Error closing pool.", "key", id, "error", err)
			}
		}
		observePoolsReaped(ReapTriggerShutdown, len(entries))
	})
}

// Count returns the number of live pools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot lists the live pools sorted by key.
func (r *Registry) Snapshot() []EntryInfo {
	r.mu.RLock()
	infos := make([]EntryInfo, 0, len(r.entries))
	for id, e := range r.entries {
		st := e.pool.Stats()
		infos = append(infos, EntryInfo{
			Key:      id,
			Busy:     st.Busy,
			Opened:   st.Open,
			Min:      st.Min,
			Max:      st.Max,
			LastUsed: e.lastUsedTime(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// ReapIdle closes every pool unused for longer than the idle timeout as of
// now and not currently leased. It returns the number of pools closed.
func (r *Registry) ReapIdle(now time.Time) int {
	type stalePool struct {
		id   Identity
		pool Pool
	}
	var stale []stalePool

	r.mu.Lock()
	for id, e := range r.entries {
		if now.Sub(e.lastUsedTime()) <= r.idleTimeout {
			continue
		}
		if e.leases.Load() > 0 {
			continue
		}
		delete(r.entries, id)
		stale = append(stale, stalePool{id: id, pool: e.pool})
	}
	count := len(r.entries)
	r.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}
	observeActivePools(count)
	observePoolsReaped(ReapTriggerIdle, len(stale))
	for _, s := range stale {
		r.closePool(s.id, s.pool)
	}
	return len(stale)
}

// Start launches the idle reaper. Calling Start more than once has no effect.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.reapLoop()
	})
}

// Stop halts the idle reaper and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.started.Load() {
			<-r.doneCh
		}
	})
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if reaped := r.ReapIdle(r.now()); reaped > 0 {
				slog.Info("Idle pool reap completed.", "reaped_pools", reaped, "active_pools", r.Count())
			}
		}
	}
}

package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"creditgate/internal/entitlement"
	"creditgate/internal/purchase"
	"creditgate/internal/types"
)

// minSweepInterval keeps a tiny IdleTTL from spinning the sweeper.
const minSweepInterval = time.Second

// Dependencies are the collaborators every engine in a Registry shares.
type Dependencies struct {
	Platform Platform
	Ledger   Ledger
	Catalog  purchase.CatalogSource
	Notifier purchase.Notifier
	Quota    entitlement.QuotaStore
}

// loaded is a registry slot: the engine and when it was last handed out.
type loaded struct {
	engine   *Engine
	lastUsed atomic.Int64 // unix nanoseconds
}

func (l *loaded) touch(now time.Time) { l.lastUsed.Store(now.UnixNano()) }

// Registry lazily creates one Engine per user and routes status-changed
// pushes to it. With Config.IdleTTL set, engines nobody has asked for within
// the TTL are stopped and dropped; the next Get rebuilds the engine from the
// QuotaStore.
type Registry struct {
	deps   Dependencies
	cfg    Config
	clock  types.Clock
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	sweeper sync.WaitGroup

	mu      sync.RWMutex
	engines map[string]*loaded
	closed  bool
	loads   singleflight.Group
}

// NewRegistry creates a Registry. Engine loops, and the idle sweeper when
// IdleTTL is set, run until Close.
func NewRegistry(deps Dependencies, cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		deps:    deps,
		cfg:     cfg,
		clock:   clock,
		logger:  logger.With("component", "engine_registry"),
		ctx:     ctx,
		cancel:  cancel,
		engines: make(map[string]*loaded),
	}
	if cfg.IdleTTL > 0 {
		r.sweeper.Add(1)
		go r.sweep(max(cfg.IdleTTL/2, minSweepInterval))
	}
	return r
}

// Get returns the engine for userID, creating and hydrating it on first use.
// Concurrent first calls for the same user share one hydration.
func (r *Registry) Get(ctx context.Context, userID string) (*Engine, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidUserID, "user id is required", nil)
	}

	if e, ok := r.lookup(userID); ok {
		return e, nil
	}

	v, err, _ := r.loads.Do(userID, func() (any, error) {
		if e, ok := r.lookup(userID); ok {
			return e, nil
		}

		e := New(userID, r.deps.Platform, r.deps.Ledger, r.deps.Catalog, r.deps.Notifier, r.deps.Quota, r.cfg)
		if err := e.Store().Load(ctx); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load quota state", err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "engine registry is closed", nil)
		}
		e.Start(r.ctx)
		slot := &loaded{engine: e}
		slot.touch(r.clock.Now())
		r.engines[userID] = slot
		r.logger.Debug("engine created", "user_id", userID)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Engine), nil
}

// lookup returns a loaded engine and marks it used.
func (r *Registry) lookup(userID string) (*Engine, bool) {
	r.mu.RLock()
	slot, ok := r.engines[userID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	slot.touch(r.clock.Now())
	return slot.engine, true
}

// Dispatch forwards a status-changed push to the user's engine. It reports
// false when no engine is loaded; the next request for that user fetches
// fresh status anyway.
func (r *Registry) Dispatch(userID string) bool {
	e, ok := r.lookup(userID)
	if !ok {
		return false
	}
	e.NotifyStatusChanged()
	return true
}

// Len returns the number of loaded engines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.engines)
}

// EvictIdle stops and drops every engine unused for at least IdleTTL and
// returns how many it removed. It is a no-op when IdleTTL is zero.
//
// An engine already handed out keeps working after eviction; only its
// status loop ends. Its quota writes have reached the QuotaStore by the time
// each call returns, so the replacement engine starts from them.
func (r *Registry) EvictIdle() int {
	if r.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-r.cfg.IdleTTL).UnixNano()

	r.mu.Lock()
	var idle []*Engine
	for userID, slot := range r.engines {
		if slot.lastUsed.Load() <= cutoff {
			idle = append(idle, slot.engine)
			delete(r.engines, userID)
		}
	}
	r.mu.Unlock()

	for _, e := range idle {
		e.Stop()
	}
	if len(idle) > 0 {
		r.logger.Debug("idle engines evicted", "count", len(idle))
	}
	return len(idle)
}

func (r *Registry) sweep(interval time.Duration) {
	defer r.sweeper.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

// Close stops every engine and waits for their in-flight work.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	engines := make([]*Engine, 0, len(r.engines))
	for _, slot := range r.engines {
		engines = append(engines, slot.engine)
	}
	r.mu.Unlock()

	r.cancel()
	r.sweeper.Wait()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Go(e.Stop)
	}
	wg.Wait()
	r.logger.Info("engine registry closed", "engines", len(engines))
}

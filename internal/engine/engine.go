// Package engine assembles the entitlement components for one user behind a
// single facade and keeps one such engine per active user.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"creditgate/internal/entitlement"
	"creditgate/internal/metrics"
	"creditgate/internal/purchase"
	"creditgate/internal/types"
)

// Platform is everything the engine consumes from the purchase platform.
type Platform interface {
	entitlement.StatusFetcher
	purchase.Purchaser
	RestorePurchases(ctx context.Context, userID string) (*types.CustomerStatus, error)
}

// Ledger is everything the engine consumes from the backend ledger.
type Ledger interface {
	entitlement.BalanceFetcher
	entitlement.CreditSpender
}

// Config holds the tunables shared by every engine.
type Config struct {
	Location         *time.Location
	RefreshTimeout   time.Duration
	FetchTimeout     time.Duration
	NotifyTimeout    time.Duration
	// IdleTTL is how long a Registry keeps an engine nobody has asked for.
	// Zero disables eviction.
	IdleTTL          time.Duration
	EntitlementTiers map[string]types.Tier
	Products         purchase.ProductIDs
	Clock            types.Clock
	Metrics          metrics.Recorder
	Logger           *slog.Logger
}

// Engine is the per-user entry point for access checks, purchases and
// restores.
type Engine struct {
	userID       string
	store        *entitlement.Store
	evaluator    *entitlement.Evaluator
	sync         *entitlement.Synchronizer
	orchestrator *purchase.Orchestrator
	platform     Platform
	logger       *slog.Logger

	statusCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	loop     sync.WaitGroup
}

// New wires an engine for userID. The store is not hydrated; call
// Store().Load or go through a Registry.
func New(
	userID string,
	platform Platform,
	ledger Ledger,
	catalogSource purchase.CatalogSource,
	notifier purchase.Notifier,
	quota entitlement.QuotaStore,
	cfg Config,
) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := entitlement.NewStore(userID, quota, logger)
	syncer := entitlement.NewSynchronizer(store, platform, ledger, entitlement.SynchronizerConfig{
		EntitlementTiers: cfg.EntitlementTiers,
		FetchTimeout:     cfg.FetchTimeout,
		Clock:            cfg.Clock,
		Metrics:          cfg.Metrics,
		Logger:           logger,
	})
	evaluator := entitlement.NewEvaluator(store, syncer, ledger, entitlement.EvaluatorConfig{
		Clock:          cfg.Clock,
		Location:       cfg.Location,
		RefreshTimeout: cfg.RefreshTimeout,
		Metrics:        cfg.Metrics,
		Logger:         logger,
	})
	orchestrator := purchase.NewOrchestrator(userID, catalogSource, platform, syncer, notifier, purchase.Config{
		Products:      cfg.Products,
		NotifyTimeout: cfg.NotifyTimeout,
		Clock:         cfg.Clock,
		Metrics:       cfg.Metrics,
		Logger:        logger,
	})

	return &Engine{
		userID:       userID,
		store:        store,
		evaluator:    evaluator,
		sync:         syncer,
		orchestrator: orchestrator,
		platform:     platform,
		logger:       logger.With("component", "engine", "user_id", userID),
		statusCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

// UserID returns the user this engine serves.
func (e *Engine) UserID() string { return e.userID }

// Store exposes the underlying snapshot store.
func (e *Engine) Store() *entitlement.Store { return e.store }

// CheckAccess reports whether feature may start now.
func (e *Engine) CheckAccess(ctx context.Context, feature types.Feature) (types.Decision, error) {
	return e.evaluator.CheckAccess(ctx, feature)
}

// Consume checks access and debits one unit of the applicable allowance.
func (e *Engine) Consume(ctx context.Context, feature types.Feature) (types.Decision, error) {
	return e.evaluator.Consume(ctx, feature)
}

// Purchase buys kind and reconciles entitlements on success.
func (e *Engine) Purchase(ctx context.Context, kind types.PurchaseKind) types.PurchaseResult {
	return e.orchestrator.Purchase(ctx, kind)
}

// RestorePurchases asks the platform to restore prior purchases and merges
// the result. It reports whether the user ends up on a premium tier.
func (e *Engine) RestorePurchases(ctx context.Context) (bool, error) {
	status, err := e.platform.RestorePurchases(ctx, e.userID)
	if err != nil {
		e.logger.WarnContext(ctx, "restore failed", "error", err)
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return false, err
		}
		return false, types.NewAppError(types.ErrCodeUpstreamPlatformUnavailable, "restore purchases failed", err)
	}
	snap := e.sync.Apply(ctx, status)
	e.logger.InfoContext(ctx, "purchases restored", "tier", snap.Tier)
	return snap.Tier.IsPremium(), nil
}

// ResetQuota restores the daily free allotment.
func (e *Engine) ResetQuota(ctx context.Context) (types.EntitlementSnapshot, error) {
	return e.evaluator.ResetQuota(ctx)
}

// CurrentSnapshot returns the last known snapshot without any network call.
func (e *Engine) CurrentSnapshot() types.EntitlementSnapshot {
	return e.store.Read()
}

// Refresh reconciles with the platform and the ledger now.
func (e *Engine) Refresh(ctx context.Context) types.EntitlementSnapshot {
	return e.sync.Refresh(ctx)
}

// TierChanges subscribes to tier transitions. Call the returned func to
// unsubscribe.
func (e *Engine) TierChanges(buffer int) (<-chan types.TierChange, func()) {
	return e.sync.SubscribeTierChanges(buffer)
}

// NotifyStatusChanged queues a refresh in response to the platform's
// status-changed push. Pushes that arrive while one is pending collapse into it.
func (e *Engine) NotifyStatusChanged() {
	select {
	case e.statusCh <- struct{}{}:
	default:
	}
}

// Start runs the status-changed loop until ctx ends or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.loop.Add(1)
	go func() {
		defer e.loop.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-e.statusCh:
				snap := e.sync.Resync(ctx)
				e.logger.Debug("refreshed after status change", "tier", snap.Tier)
			}
		}
	}()
}

// Stop ends the loop and waits for in-flight purchase notifications.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.loop.Wait()
	e.orchestrator.Wait()
}

package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"creditgate/internal/metrics"
	"creditgate/internal/quota"
	"creditgate/internal/types"
)

// DefaultRefreshTimeout bounds the best-effort refresh that precedes every
// access decision.
const DefaultRefreshTimeout = 5 * time.Second

var (
	errNilStatus       = errors.New("platform returned no customer status")
	errNegativeBalance = errors.New("ledger returned a negative balance")
)

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	Clock          types.Clock
	Location       *time.Location
	RefreshTimeout time.Duration
	Metrics        metrics.Recorder
	Logger         *slog.Logger
}

// Evaluator answers access questions and consumes free uses. It is the only
// component that decrements the free quota.
type Evaluator struct {
	store   *Store
	refresh Refresher
	ledger  CreditSpender

	clock          types.Clock
	quotaClock     quota.Clock
	refreshTimeout time.Duration
	metrics        metrics.Recorder
	logger         *slog.Logger
}

// NewEvaluator wires an Evaluator. refresher and ledger may be nil; without a
// refresher decisions use the local snapshot and without a ledger the credit
// fallback is disabled.
func NewEvaluator(store *Store, refresher Refresher, ledger CreditSpender, cfg EvaluatorConfig) *Evaluator {
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:          store,
		refresh:        refresher,
		ledger:         ledger,
		clock:          clock,
		quotaClock:     quota.NewClock(cfg.Location),
		refreshTimeout: timeout,
		metrics:        metrics.OrNoop(cfg.Metrics),
		logger:         logger.With("component", "evaluator", "user_id", store.UserID()),
	}
}

// CheckAccess reports whether feature may start now without consuming
// anything. A crossed day boundary is applied and persisted.
func (e *Evaluator) CheckAccess(ctx context.Context, feature types.Feature) (types.Decision, error) {
	e.refreshBestEffort(ctx)
	e.reloadSharedQuota(ctx)

	now := e.clock.Now()
	snap, err := e.store.Update(ctx, func(cur types.EntitlementSnapshot) (types.EntitlementSnapshot, error) {
		return e.applyReset(cur, now), nil
	})
	if err != nil {
		return types.Decision{}, err
	}

	d := decide(snap, feature, e.ledger != nil)
	e.metrics.RecordDecision(ctx, d)
	return d, nil
}

// Consume decides access for feature and, when the grant comes from the free
// quota, decrements it in the same atomic step. Of N concurrent calls on a
// Free-tier user with one free use left, exactly one is granted from quota.
// In shared mode that step is the quota store's claim, which extends the
// guarantee across gateway instances. Credit grants are debited at the
// ledger, which rejects overdrafts.
func (e *Evaluator) Consume(ctx context.Context, feature types.Feature) (types.Decision, error) {
	e.refreshBestEffort(ctx)
	e.reloadSharedQuota(ctx)

	shared := e.store.Shared()
	now := e.clock.Now()
	var d types.Decision
	snap, err := e.store.Update(ctx, func(cur types.EntitlementSnapshot) (types.EntitlementSnapshot, error) {
		next := e.applyReset(cur, now)
		d = decide(next, feature, e.ledger != nil)
		if d.Allowed && d.Source == types.GrantFreeQuota && !shared {
			next.FreeUsesRemaining--
			t := now
			next.LastFreeUseDate = &t
		}
		return next, nil
	})
	if err != nil {
		return types.Decision{}, err
	}
	d.Snapshot = snap

	if shared && d.Allowed && d.Source == types.GrantFreeQuota {
		d, err = e.claimFreeUse(ctx, d, now)
		if err != nil {
			return types.Decision{}, err
		}
	}

	if d.Allowed && d.Source == types.GrantCredits {
		d, err = e.spendCredits(ctx, feature, d)
		if err != nil {
			return types.Decision{}, err
		}
	}

	e.metrics.RecordDecision(ctx, d)
	e.logger.InfoContext(ctx, "access consumed",
		"feature", feature,
		"allowed", d.Allowed,
		"source", d.Source,
		"reason", d.Reason,
		"free_uses_remaining", d.Snapshot.FreeUsesRemaining,
	)
	return d, nil
}

// ResetQuota restores the daily free allotment immediately. Support tooling
// uses it; premium users are left untouched.
func (e *Evaluator) ResetQuota(ctx context.Context) (types.EntitlementSnapshot, error) {
	snap, err := e.store.Update(ctx, func(cur types.EntitlementSnapshot) (types.EntitlementSnapshot, error) {
		if cur.Tier != types.TierFree {
			return cur, nil
		}
		cur.FreeUsesRemaining = types.DailyFreeUses
		cur.LastFreeUseDate = nil
		return cur, nil
	})
	if err != nil {
		return types.EntitlementSnapshot{}, err
	}
	e.store.Flush(ctx)
	e.logger.InfoContext(ctx, "daily quota reset manually")
	return snap, nil
}

// claimFreeUse takes the free use from the shared quota store. When another
// instance got there first the decision is taken again on the stored state,
// which may fall through to credits.
func (e *Evaluator) claimFreeUse(ctx context.Context, d types.Decision, now time.Time) (types.Decision, error) {
	snap, granted, err := e.store.ClaimFreeUse(ctx, now, e.quotaClock.DayStart(now))
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to claim free use", "feature", d.Feature, "error", err)
		if types.HasCode(err, types.ErrCodeInternalDB) {
			return types.Decision{}, err
		}
		return types.Decision{}, types.NewAppError(types.ErrCodeInternalDB, "failed to claim free use", err)
	}
	if granted {
		d.Snapshot = snap
		return d, nil
	}

	e.logger.InfoContext(ctx, "free use already claimed elsewhere", "feature", d.Feature)
	return decide(snap, d.Feature, e.ledger != nil), nil
}

// reloadSharedQuota pulls the stored quota before a decision so another
// instance's claims are visible. A failed read keeps the local copy.
func (e *Evaluator) reloadSharedQuota(ctx context.Context) {
	if !e.store.Shared() {
		return
	}
	if err := e.store.Load(ctx); err != nil {
		e.logger.WarnContext(ctx, "failed to reload shared quota; using local copy", "error", err)
	}
}

func (e *Evaluator) spendCredits(ctx context.Context, feature types.Feature, d types.Decision) (types.Decision, error) {
	userID := e.store.UserID()
	balance, err := e.ledger.SpendCredits(ctx, userID, types.SpendRequest{
		Feature:       feature,
		Amount:        d.CreditsRequired,
		TransactionID: uuid.NewString(),
	})
	if errors.Is(err, types.ErrInsufficientCredits) {
		e.logger.InfoContext(ctx, "ledger refused credit spend", "feature", feature, "required", d.CreditsRequired)
		return e.denyAfterSpend(ctx, feature, d)
	}
	if err != nil {
		return types.Decision{}, types.NewAppError(types.ErrCodeUpstreamLedgerUnavailable, "failed to spend credits", err)
	}
	if balance < 0 {
		return types.Decision{}, types.NewAppError(types.ErrCodeUpstreamLedgerUnavailable, "ledger returned a negative balance", errNegativeBalance)
	}

	snap, err := e.store.Update(ctx, func(cur types.EntitlementSnapshot) (types.EntitlementSnapshot, error) {
		cur.Credits = balance
		return cur, nil
	})
	if err != nil {
		return types.Decision{}, err
	}
	d.Snapshot = snap
	return d, nil
}

// denyAfterSpend re-reads the balance the ledger holds so the returned
// denial reflects it, then reports insufficient credits.
func (e *Evaluator) denyAfterSpend(ctx context.Context, feature types.Feature, d types.Decision) (types.Decision, error) {
	snap := e.store.Read()
	if e.refresh != nil {
		snap = e.refresh.Refresh(ctx)
	}
	out := types.Decision{
		Allowed:         false,
		Feature:         feature,
		Reason:          types.DenyInsufficientCredits,
		CreditsRequired: d.CreditsRequired,
		Snapshot:        snap,
	}
	if snap.Credits == 0 {
		out.Reason = types.DenyQuotaExhausted
	}
	return out, nil
}

func (e *Evaluator) refreshBestEffort(ctx context.Context) {
	if e.refresh == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, e.refreshTimeout)
	defer cancel()
	e.refresh.Refresh(rctx)
}

// applyReset restores the daily allotment for a Free-tier user whose last
// free use happened on an earlier local calendar day. It is idempotent.
func (e *Evaluator) applyReset(s types.EntitlementSnapshot, now time.Time) types.EntitlementSnapshot {
	if s.Tier != types.TierFree {
		return s
	}
	if !e.quotaClock.ShouldReset(s.LastFreeUseDate, now) {
		return s
	}
	s.FreeUsesRemaining = types.DailyFreeUses
	s.LastFreeUseDate = nil
	return s
}

// decide is the pure access rule. Premium tiers are always granted; Free
// users draw on the daily quota first, then on credits.
func decide(s types.EntitlementSnapshot, feature types.Feature, creditsEnabled bool) types.Decision {
	cost := feature.CreditCost()
	d := types.Decision{
		Feature:         feature,
		CreditsRequired: cost,
		Snapshot:        s,
	}
	switch {
	case s.Tier.IsPremium():
		d.Allowed = true
		d.Source = types.GrantSubscription
	case s.FreeUsesRemaining > 0:
		d.Allowed = true
		d.Source = types.GrantFreeQuota
	case creditsEnabled && s.Credits >= cost:
		d.Allowed = true
		d.Source = types.GrantCredits
	case s.Credits == 0:
		d.Reason = types.DenyQuotaExhausted
	default:
		d.Reason = types.DenyInsufficientCredits
	}
	return d
}

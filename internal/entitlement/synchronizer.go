package entitlement

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"creditgate/internal/metrics"
	"creditgate/internal/types"
)

// DefaultFetchTimeout bounds one platform+ledger round trip when the caller
// has not configured one.
const DefaultFetchTimeout = 10 * time.Second

// DefaultEntitlementTiers maps the platform's entitlement identifiers to tiers.
var DefaultEntitlementTiers = map[string]types.Tier{
	"premium_monthly": types.TierPremiumMonthly,
	"premium_yearly":  types.TierPremiumYearly,
}

// SynchronizerConfig configures a Synchronizer.
type SynchronizerConfig struct {
	// EntitlementTiers maps entitlement identifiers to tiers. Entitlements
	// not listed here are classified by product identifier.
	EntitlementTiers map[string]types.Tier
	FetchTimeout     time.Duration
	Clock            types.Clock
	Metrics          metrics.Recorder
	Logger           *slog.Logger
}

// Synchronizer pulls subscription facts from the purchase platform and the
// credit balance from the backend ledger and merges them into the Store.
// Refresh never fails outward: on any error it keeps the last known values.
type Synchronizer struct {
	store    *Store
	platform StatusFetcher
	ledger   BalanceFetcher

	tiers        map[string]types.Tier
	fetchTimeout time.Duration
	clock        types.Clock
	metrics      metrics.Recorder
	logger       *slog.Logger

	// Round trips are keyed by generation. Resync and Apply open a new
	// generation so they never share a fetch that started before the event
	// that prompted them, and a round trip from an older generation than the
	// last merged one is dropped instead of overwriting newer facts.
	group   singleflight.Group
	gen     atomic.Uint64
	applied uint64 // guarded by the store lock; only touched inside Update

	subsMu sync.Mutex
	subs   map[int]chan types.TierChange
	nextID int
}

// NewSynchronizer creates a Synchronizer writing into store.
func NewSynchronizer(store *Store, platform StatusFetcher, ledger BalanceFetcher, cfg SynchronizerConfig) *Synchronizer {
	tiers := cfg.EntitlementTiers
	if len(tiers) == 0 {
		tiers = DefaultEntitlementTiers
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:        store,
		platform:     platform,
		ledger:       ledger,
		tiers:        tiers,
		fetchTimeout: timeout,
		clock:        clock,
		metrics:      metrics.OrNoop(cfg.Metrics),
		logger:       logger.With("component", "synchronizer", "user_id", store.UserID()),
		subs:         make(map[int]chan types.TierChange),
	}
}

// Refresh reconciles the snapshot with the platform and the ledger and
// returns the result. Concurrent calls share one round trip. If ctx ends
// before the round trip does, the caller gets the current snapshot and the
// round trip still completes and updates the store.
func (s *Synchronizer) Refresh(ctx context.Context) types.EntitlementSnapshot {
	return s.await(ctx, s.gen.Load())
}

// Resync is Refresh for callers that know the platform state just changed,
// after a purchase or a status-changed push. It starts a new round trip
// rather than joining one already in flight, whose answer may predate the
// change. Later Refresh calls join the new round trip.
func (s *Synchronizer) Resync(ctx context.Context) types.EntitlementSnapshot {
	return s.await(ctx, s.gen.Add(1))
}

func (s *Synchronizer) await(ctx context.Context, gen uint64) types.EntitlementSnapshot {
	ch := s.group.DoChan("refresh-"+strconv.FormatUint(gen, 10), func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.refresh(fetchCtx, gen), nil
	})

	select {
	case res := <-ch:
		return res.Val.(types.EntitlementSnapshot)
	case <-ctx.Done():
		s.logger.WarnContext(ctx, "refresh abandoned by caller; using last known snapshot",
			"code", types.ErrCodeSyncDegraded,
			"error", ctx.Err(),
		)
		return s.store.Read()
	}
}

// Apply merges a customer status obtained outside Refresh (e.g. from a
// restore) and refreshes the credit balance alongside it.
func (s *Synchronizer) Apply(ctx context.Context, status *types.CustomerStatus) types.EntitlementSnapshot {
	gen := s.gen.Add(1)

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	balance, err := s.ledger.FetchCreditBalance(fetchCtx, s.store.UserID())
	return s.merge(ctx, gen, status, nil, balance, err)
}

func (s *Synchronizer) refresh(ctx context.Context, gen uint64) types.EntitlementSnapshot {
	userID := s.store.UserID()

	var (
		status     *types.CustomerStatus
		statusErr  error
		balance    int
		balanceErr error
	)

	// Each fetch keeps its own error: a platform outage must not discard a
	// good balance, so neither fetch cancels the other.
	var wg sync.WaitGroup
	wg.Go(func() {
		status, statusErr = s.platform.FetchCustomerStatus(ctx, userID)
	})
	wg.Go(func() {
		balance, balanceErr = s.ledger.FetchCreditBalance(ctx, userID)
	})
	wg.Wait()

	return s.merge(ctx, gen, status, statusErr, balance, balanceErr)
}

// merge writes the platform and ledger facts into the store. Local quota
// fields are taken from the snapshot current at write time, never from one
// captured before the network round trip.
func (s *Synchronizer) merge(
	ctx context.Context,
	gen uint64,
	status *types.CustomerStatus,
	statusErr error,
	balance int,
	balanceErr error,
) types.EntitlementSnapshot {
	degraded := false

	if statusErr == nil && status == nil {
		statusErr = errNilStatus
	}
	if statusErr != nil {
		degraded = true
		s.logger.WarnContext(ctx, "platform status unavailable; keeping last known tier",
			"code", types.ErrCodeSyncDegraded,
			"error", statusErr,
		)
	}
	if balanceErr == nil && balance < 0 {
		balanceErr = errNegativeBalance
	}
	if balanceErr != nil {
		degraded = true
		s.logger.WarnContext(ctx, "ledger balance unavailable; keeping last known credits",
			"code", types.ErrCodeSyncDegraded,
			"error", balanceErr,
		)
	}

	now := s.clock.Now()
	var prev types.Tier
	stale := false
	next, err := s.store.Update(ctx, func(cur types.EntitlementSnapshot) (types.EntitlementSnapshot, error) {
		prev = cur.Tier
		if gen < s.applied {
			stale = true
			return cur, nil
		}
		s.applied = gen
		out := cur
		if statusErr == nil {
			out.Tier, out.SubscriptionExpiry = s.deriveTier(status, now)
		}
		if balanceErr == nil {
			out.Credits = balance
		}
		return out, nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to write reconciled snapshot", "error", err)
		s.metrics.RecordSync(ctx, metrics.SyncDegraded)
		return s.store.Read()
	}
	if stale {
		s.logger.DebugContext(ctx, "discarded round trip superseded by a newer one", "generation", gen)
		return next
	}

	if degraded {
		s.metrics.RecordSync(ctx, metrics.SyncDegraded)
	} else {
		s.metrics.RecordSync(ctx, metrics.SyncOK)
	}

	if prev != next.Tier {
		s.logger.InfoContext(ctx, "tier changed", "from", prev, "to", next.Tier)
		s.metrics.RecordTierChange(ctx, prev, next.Tier)
		s.publish(types.TierChange{
			UserID: s.store.UserID(),
			From:   prev,
			To:     next.Tier,
			At:     now,
		})
	}

	return next
}

// deriveTier picks the highest tier among active, unexpired entitlements.
// Yearly outranks monthly.
func (s *Synchronizer) deriveTier(status *types.CustomerStatus, now time.Time) (types.Tier, *time.Time) {
	best := types.TierFree
	var expiry *time.Time

	for _, ent := range status.Entitlements {
		if ent.ExpiresAt != nil && !ent.ExpiresAt.After(now) {
			continue
		}
		tier := s.classify(ent)
		if tierRank(tier) > tierRank(best) {
			best = tier
			expiry = nil
			if ent.ExpiresAt != nil {
				exp := *ent.ExpiresAt
				expiry = &exp
			}
		}
	}
	return best, expiry
}

func (s *Synchronizer) classify(ent types.ActiveEntitlement) types.Tier {
	if tier, ok := s.tiers[ent.ID]; ok {
		return tier
	}
	pid := strings.ToLower(ent.ProductID)
	switch {
	case strings.Contains(pid, "yearly"), strings.Contains(pid, "annual"):
		return types.TierPremiumYearly
	case strings.Contains(pid, "monthly"):
		return types.TierPremiumMonthly
	}
	s.logger.Warn("unclassified entitlement ignored",
		"entitlement_id", ent.ID,
		"product_id", ent.ProductID,
	)
	return types.TierFree
}

func tierRank(t types.Tier) int {
	switch t {
	case types.TierPremiumYearly:
		return 2
	case types.TierPremiumMonthly:
		return 1
	}
	return 0
}

// SubscribeTierChanges registers a listener for tier transitions. Events are
// dropped for a listener whose buffer is full. The returned func unsubscribes
// and closes the channel.
func (s *Synchronizer) SubscribeTierChanges(buffer int) (<-chan types.TierChange, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan types.TierChange, buffer)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Synchronizer) publish(ev types.TierChange) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("tier change listener full; event dropped", "to", ev.To)
		}
	}
}

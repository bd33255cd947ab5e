package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"creditgate/internal/types"
)

// --- Helper ---

func setupEvaluator(t *testing.T, now time.Time, ledger CreditSpender) (*Evaluator, *Store, *fixedClock, *memQuota) {
	t.Helper()
	q := newMemQuota()
	store := NewStore("u1", q, nil)
	clock := &fixedClock{now: now}
	ev := NewEvaluator(store, &staticRefresher{store: store}, ledger, EvaluatorConfig{
		Clock:    clock,
		Location: time.UTC,
	})
	return ev, store, clock, q
}

func setSnapshot(t *testing.T, s *Store, fn func(*types.EntitlementSnapshot)) {
	t.Helper()
	_, err := s.Update(context.Background(), func(cur types.EntitlementSnapshot) (types.EntitlementSnapshot, error) {
		fn(&cur)
		return cur, nil
	})
	require.NoError(t, err)
}

// --- Scenarios ---

func TestEvaluator_FreeUserDailyCycle(t *testing.T) {
	ctx := context.Background()
	today := time.Date(2026, 5, 12, 14, 30, 0, 0, time.UTC)
	ev, store, clock, q := setupEvaluator(t, today, nil)

	// Fresh user consumes the daily free use.
	d, err := ev.Consume(ctx, types.FeatureRestore)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, types.GrantFreeQuota, d.Source)
	assert.Equal(t, 0, d.Snapshot.FreeUsesRemaining)
	require.NotNil(t, d.Snapshot.LastFreeUseDate)
	assert.True(t, today.Equal(*d.Snapshot.LastFreeUseDate))

	saved, ok := q.get("u1")
	require.True(t, ok)
	assert.Equal(t, 0, saved.FreeUsesRemaining)

	// Second use on the same day is denied.
	d, err = ev.Consume(ctx, types.FeatureRestore)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.DenyQuotaExhausted, d.Reason)
	assert.Equal(t, 0, store.Read().FreeUsesRemaining)

	// Next calendar day: the quota resets before the check.
	clock.Advance(24 * time.Hour)
	d, err = ev.CheckAccess(ctx, types.FeatureRestore)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, types.GrantFreeQuota, d.Source)
	assert.Equal(t, 1, store.Read().FreeUsesRemaining)
	assert.Nil(t, store.Read().LastFreeUseDate)
}

func TestEvaluator_CheckAccessDoesNotConsume(t *testing.T) {
	ev, store, _, _ := setupEvaluator(t, time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC), nil)

	for i := 0; i < 3; i++ {
		d, err := ev.CheckAccess(context.Background(), types.FeatureCinematic)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, 1, store.Read().FreeUsesRemaining)
}

func TestEvaluator_PremiumBypass(t *testing.T) {
	expiry := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, tier := range []types.Tier{types.TierPremiumMonthly, types.TierPremiumYearly} {
		t.Run(string(tier), func(t *testing.T) {
			ev, store, _, _ := setupEvaluator(t, time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC), nil)
			setSnapshot(t, store, func(s *types.EntitlementSnapshot) {
				s.Tier = tier
				s.SubscriptionExpiry = &expiry
				s.FreeUsesRemaining = 0
			})

			for i := 0; i < 5; i++ {
				d, err := ev.Consume(context.Background(), types.FeatureTogether)
				require.NoError(t, err)
				assert.True(t, d.Allowed)
				assert.Equal(t, types.GrantSubscription, d.Source)
			}
			assert.Equal(t, 0, store.Read().FreeUsesRemaining, "premium never touches the free quota")
		})
	}
}

func TestEvaluator_ConcurrentConsumeGrantsExactlyOne(t *testing.T) {
	ev, store, _, _ := setupEvaluator(t, time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC), nil)

	const callers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := ev.Consume(context.Background(), types.FeatureRestore)
			if err == nil && d.Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, 0, store.Read().FreeUsesRemaining)
}

// --- Shared quota store ---

func newSharedEvaluator(q *sharedQuota, clock types.Clock, ledger CreditSpender) (*Evaluator, *Store) {
	store := NewStore("u1", q, nil)
	return NewEvaluator(store, nil, ledger, EvaluatorConfig{Clock: clock, Location: time.UTC}), store
}

func TestEvaluator_SharedQuotaGrantsOnceAcrossInstances(t *testing.T) {
	q := newSharedQuota()
	clock := &fixedClock{now: time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)}
	evA, _ := newSharedEvaluator(q, clock, nil)
	evB, storeB := newSharedEvaluator(q, clock, nil)
	require.True(t, storeB.Shared())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 16; i++ {
		ev := evA
		if i%2 == 1 {
			ev = evB
		}
		wg.Go(func() {
			d, err := ev.Consume(context.Background(), types.FeatureRestore)
			if err == nil && d.Allowed {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	stored, ok := q.get("u1")
	require.True(t, ok)
	assert.Equal(t, 0, stored.FreeUsesRemaining)
	assert.Empty(t, q.saves, "shared mode never writes the quota back")

	// Next day either instance may grant again.
	clock.Advance(24 * time.Hour)
	d, err := evB.Consume(context.Background(), types.FeatureRestore)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, types.GrantFreeQuota, d.Source)
}

func TestEvaluator_SharedQuotaLostClaimFallsBackToCredits(t *testing.T) {
	ctx := context.Background()
	q := newSharedQuota()
	clock := &fixedClock{now: time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)}
	ledger := new(mockLedger)
	ledger.On("SpendCredits", mock.Anything, "u1", mock.Anything).Return(4, nil).Once()

	evA, _ := newSharedEvaluator(q, clock, nil)
	evB, storeB := newSharedEvaluator(q, clock, ledger)
	setSnapshot(t, storeB, func(s *types.EntitlementSnapshot) { s.Credits = 5 })

	_, err := evA.Consume(ctx, types.FeatureRestore)
	require.NoError(t, err)

	// B cannot reload, so its local copy still shows a free use; the claim
	// is what stops the second grant.
	q.mu.Lock()
	q.loadErr = errors.New("connection reset")
	q.mu.Unlock()
	require.Equal(t, 1, storeB.Read().FreeUsesRemaining)

	d, err := evB.Consume(ctx, types.FeatureRestore)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, types.GrantCredits, d.Source)
	assert.Equal(t, 0, d.Snapshot.FreeUsesRemaining)
	assert.Equal(t, 4, d.Snapshot.Credits)
	assert.Equal(t, 2, q.claims)
	ledger.AssertExpectations(t)
}

func TestEvaluator_SharedQuotaClaimError(t *testing.T) {
	q := newSharedQuota()
	q.claimErr = types.NewAppError(types.ErrCodeInternalDB, "failed to claim free use", errors.New("timeout"))
	ev, _ := newSharedEvaluator(q, &fixedClock{now: time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)}, nil)

	_, err := ev.Consume(context.Background(), types.FeatureRestore)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

func TestEvaluator_SharedQuotaManualResetIsSaved(t *testing.T) {
	ctx := context.Background()
	q := newSharedQuota()
	ev, _ := newSharedEvaluator(q, &fixedClock{now: time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)}, nil)

	_, err := ev.Consume(ctx, types.FeatureRestore)
	require.NoError(t, err)

	_, err = ev.ResetQuota(ctx)
	require.NoError(t, err)
	stored, ok := q.get("u1")
	require.True(t, ok)
	assert.Equal(t, types.DailyFreeUses, stored.FreeUsesRemaining)
	assert.Nil(t, stored.LastFreeUseDate)
}

func TestEvaluator_ResetUsesLocalCalendar(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 23:30 UTC on May 11 is 08:30 May 12 in Tokyo.
	lastUse := time.Date(2026, 5, 11, 23, 30, 0, 0, time.UTC)
	// 14:00 UTC on May 12 is 23:00 May 12 in Tokyo: same local day.
	now := time.Date(2026, 5, 12, 14, 0, 0, 0, time.UTC)

	store := NewStore("u1", nil, nil)
	setSnapshot(t, store, func(s *types.EntitlementSnapshot) {
		s.FreeUsesRemaining = 0
		s.LastFreeUseDate = &lastUse
	})
	ev := NewEvaluator(store, nil, nil, EvaluatorConfig{
		Clock:    types.ClockFunc(func() time.Time { return now }),
		Location: tokyo,
	})

	d, err := ev.CheckAccess(context.Background(), types.FeatureRestore)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.DenyQuotaExhausted, d.Reason)
}

// --- Credits ---

func TestEvaluator_CreditFallback(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)

	t.Run("spends credits at the ledger", func(t *testing.T) {
		ledger := new(mockLedger)
		ev, store, _, _ := setupEvaluator(t, now, ledger)
		setSnapshot(t, store, func(s *types.EntitlementSnapshot) {
			s.FreeUsesRemaining = 0
			s.LastFreeUseDate = timePtr(now)
			s.Credits = 5
		})

		ledger.On("SpendCredits", mock.Anything, "u1", mock.MatchedBy(func(r types.SpendRequest) bool {
			return r.Feature == types.FeatureCinematic && r.Amount == 3 && r.TransactionID != ""
		})).Return(2, nil).Once()

		d, err := ev.Consume(ctx, types.FeatureCinematic)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, types.GrantCredits, d.Source)
		assert.Equal(t, 3, d.CreditsRequired)
		assert.Equal(t, 2, d.Snapshot.Credits)
		assert.Equal(t, 2, store.Read().Credits)
		ledger.AssertExpectations(t)
	})

	t.Run("too few credits is denied before any debit", func(t *testing.T) {
		ledger := new(mockLedger)
		ev, store, _, _ := setupEvaluator(t, now, ledger)
		setSnapshot(t, store, func(s *types.EntitlementSnapshot) {
			s.FreeUsesRemaining = 0
			s.LastFreeUseDate = timePtr(now)
			s.Credits = 1
		})

		d, err := ev.Consume(ctx, types.FeatureTogether)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, types.DenyInsufficientCredits, d.Reason)
		assert.Equal(t, 1, store.Read().Credits)
		ledger.AssertNotCalled(t, "SpendCredits", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ledger overdraft rejection denies", func(t *testing.T) {
		ledger := new(mockLedger)
		ev, store, _, _ := setupEvaluator(t, now, ledger)
		setSnapshot(t, store, func(s *types.EntitlementSnapshot) {
			s.FreeUsesRemaining = 0
			s.LastFreeUseDate = timePtr(now)
			s.Credits = 4
		})
		ledger.On("SpendCredits", mock.Anything, "u1", mock.Anything).
			Return(0, types.ErrInsufficientCredits).Once()

		d, err := ev.Consume(ctx, types.FeatureRestore)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, types.DenyInsufficientCredits, d.Reason)
		assert.Equal(t, 4, store.Read().Credits)
	})

	t.Run("ledger outage is an error and credits are untouched", func(t *testing.T) {
		ledger := new(mockLedger)
		ev, store, _, _ := setupEvaluator(t, now, ledger)
		setSnapshot(t, store, func(s *types.EntitlementSnapshot) {
			s.FreeUsesRemaining = 0
			s.LastFreeUseDate = timePtr(now)
			s.Credits = 4
		})
		ledger.On("SpendCredits", mock.Anything, "u1", mock.Anything).
			Return(0, errors.New("connection refused")).Once()

		_, err := ev.Consume(ctx, types.FeatureRestore)
		require.Error(t, err)
		assert.True(t, types.HasCode(err, types.ErrCodeUpstreamLedgerUnavailable))
		assert.Equal(t, 4, store.Read().Credits)
	})

	t.Run("negative balance from ledger is rejected", func(t *testing.T) {
		ledger := new(mockLedger)
		ev, store, _, _ := setupEvaluator(t, now, ledger)
		setSnapshot(t, store, func(s *types.EntitlementSnapshot) {
			s.FreeUsesRemaining = 0
			s.LastFreeUseDate = timePtr(now)
			s.Credits = 1
		})
		ledger.On("SpendCredits", mock.Anything, "u1", mock.Anything).Return(-1, nil).Once()

		_, err := ev.Consume(ctx, types.FeatureRestore)
		require.Error(t, err)
		assert.Equal(t, 1, store.Read().Credits)
	})
}

func TestEvaluator_NoLedgerDisablesCredits(t *testing.T) {
	now := time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)
	ev, store, _, _ := setupEvaluator(t, now, nil)
	setSnapshot(t, store, func(s *types.EntitlementSnapshot) {
		s.FreeUsesRemaining = 0
		s.LastFreeUseDate = timePtr(now)
		s.Credits = 10
	})

	d, err := ev.CheckAccess(context.Background(), types.FeatureRestore)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.DenyInsufficientCredits, d.Reason)
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		snap    types.EntitlementSnapshot
		feature types.Feature
		allowed bool
		source  types.GrantSource
		reason  types.DenyReason
	}{
		{
			name:    "premium",
			snap:    types.EntitlementSnapshot{Tier: types.TierPremiumYearly},
			feature: types.FeatureCinematic,
			allowed: true,
			source:  types.GrantSubscription,
		},
		{
			name:    "free quota",
			snap:    types.EntitlementSnapshot{Tier: types.TierFree, FreeUsesRemaining: 1},
			feature: types.FeatureCinematic,
			allowed: true,
			source:  types.GrantFreeQuota,
		},
		{
			name:    "credits cover cost",
			snap:    types.EntitlementSnapshot{Tier: types.TierFree, Credits: 2},
			feature: types.FeatureTogether,
			allowed: true,
			source:  types.GrantCredits,
		},
		{
			name:    "credits short",
			snap:    types.EntitlementSnapshot{Tier: types.TierFree, Credits: 2},
			feature: types.FeatureCinematic,
			reason:  types.DenyInsufficientCredits,
		},
		{
			name:    "nothing left",
			snap:    types.EntitlementSnapshot{Tier: types.TierFree},
			feature: types.FeatureRestore,
			reason:  types.DenyQuotaExhausted,
		},
		{
			name:    "unknown feature costs one credit",
			snap:    types.EntitlementSnapshot{Tier: types.TierFree, Credits: 1},
			feature: "colorize",
			allowed: true,
			source:  types.GrantCredits,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(tt.snap, tt.feature, true)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.feature.CreditCost(), d.CreditsRequired)
		})
	}
}

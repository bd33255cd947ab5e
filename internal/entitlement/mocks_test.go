package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"creditgate/internal/types"
)

// --- Mock implementations ---

type mockPlatform struct {
	mock.Mock
}

func (m *mockPlatform) FetchCustomerStatus(ctx context.Context, userID string) (*types.CustomerStatus, error) {
	args := m.Called(ctx, userID)
	if s := args.Get(0); s != nil {
		return s.(*types.CustomerStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) FetchCreditBalance(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *mockLedger) SpendCredits(ctx context.Context, userID string, req types.SpendRequest) (int, error) {
	args := m.Called(ctx, userID, req)
	return args.Int(0), args.Error(1)
}

// memQuota is a goroutine-safe QuotaStore recording every save.
type memQuota struct {
	mu      sync.Mutex
	state   map[string]types.QuotaState
	saves   []types.QuotaState
	saveErr error
}

func newMemQuota() *memQuota {
	return &memQuota{state: make(map[string]types.QuotaState)}
}

func (q *memQuota) LoadQuota(_ context.Context, userID string) (types.QuotaState, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.state[userID]
	return s, ok, nil
}

func (q *memQuota) SaveQuota(_ context.Context, userID string, s types.QuotaState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.saveErr != nil {
		return q.saveErr
	}
	q.state[userID] = s
	q.saves = append(q.saves, s)
	return nil
}

func (q *memQuota) get(userID string) (types.QuotaState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.state[userID]
	return s, ok
}

// sharedQuota is a memQuota that also offers the atomic claim of a store
// shared between gateway instances.
type sharedQuota struct {
	*memQuota
	loadErr  error
	claimErr error
	claims   int
}

func newSharedQuota() *sharedQuota {
	return &sharedQuota{memQuota: newMemQuota()}
}

func (q *sharedQuota) LoadQuota(ctx context.Context, userID string) (types.QuotaState, bool, error) {
	q.mu.Lock()
	err := q.loadErr
	q.mu.Unlock()
	if err != nil {
		return types.QuotaState{}, false, err
	}
	return q.memQuota.LoadQuota(ctx, userID)
}

func (q *sharedQuota) ClaimFreeUse(_ context.Context, userID string, now, dayStart time.Time, daily int) (types.QuotaState, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return types.QuotaState{}, false, q.claimErr
	}
	q.claims++
	st, ok := q.state[userID]
	if !ok || st.LastFreeUseDate == nil || st.LastFreeUseDate.Before(dayStart) {
		st = types.QuotaState{FreeUsesRemaining: daily}
	}
	if st.FreeUsesRemaining <= 0 {
		return st, false, nil
	}
	at := now
	st = types.QuotaState{FreeUsesRemaining: st.FreeUsesRemaining - 1, LastFreeUseDate: &at}
	q.state[userID] = st
	return st, true, nil
}

// fixedClock is a manually advanced clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// staticRefresher returns the store's snapshot untouched.
type staticRefresher struct {
	store *Store
	calls int
	mu    sync.Mutex
}

func (r *staticRefresher) Refresh(context.Context) types.EntitlementSnapshot {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.store.Read()
}

func timePtr(t time.Time) *time.Time { return &t }

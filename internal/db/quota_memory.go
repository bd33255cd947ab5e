package db

import (
	"context"
	"sync"
	"time"

	"creditgate/internal/types"
)

// MemoryQuotaStore keeps quota state in process. It is used in local mode
// and loses everything on restart.
type MemoryQuotaStore struct {
	mu    sync.RWMutex
	state map[string]types.QuotaState
}

// NewMemoryQuotaStore creates an empty store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{state: make(map[string]types.QuotaState)}
}

// LoadQuota returns a copy of the stored state.
func (s *MemoryQuotaStore) LoadQuota(_ context.Context, userID string) (types.QuotaState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.state[userID]
	if ok && st.LastFreeUseDate != nil {
		d := *st.LastFreeUseDate
		st.LastFreeUseDate = &d
	}
	return st, ok, nil
}

// SaveQuota stores a copy of state.
func (s *MemoryQuotaStore) SaveQuota(_ context.Context, userID string, state types.QuotaState) error {
	if state.LastFreeUseDate != nil {
		d := *state.LastFreeUseDate
		state.LastFreeUseDate = &d
	}
	s.mu.Lock()
	s.state[userID] = state
	s.mu.Unlock()
	return nil
}

// ClaimFreeUse applies the daily reset and takes one free use under the
// store lock.
func (s *MemoryQuotaStore) ClaimFreeUse(_ context.Context, userID string, now, dayStart time.Time, daily int) (types.QuotaState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[userID]
	if !ok || st.LastFreeUseDate == nil || st.LastFreeUseDate.Before(dayStart) {
		st = types.QuotaState{FreeUsesRemaining: daily}
	}
	if st.FreeUsesRemaining <= 0 {
		if st.LastFreeUseDate != nil {
			d := *st.LastFreeUseDate
			st.LastFreeUseDate = &d
		}
		return st, false, nil
	}

	at := now
	st = types.QuotaState{FreeUsesRemaining: st.FreeUsesRemaining - 1, LastFreeUseDate: &at}
	s.state[userID] = st
	out := st
	d := at
	out.LastFreeUseDate = &d
	return out, true, nil
}

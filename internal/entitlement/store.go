// Package entitlement owns the per-user entitlement snapshot and the two
// components allowed to mutate it: the Evaluator (free-quota consumption)
// and the Synchronizer (platform and ledger reconciliation).
package entitlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"creditgate/internal/types"
)

// persistTimeout bounds a single quota save. Saves run on a context detached
// from the caller so an abandoned request still records its consumption.
const persistTimeout = 5 * time.Second

// QuotaStore is the durable key-value store for the locally owned quota
// fields. Every other snapshot field is re-fetchable and is not persisted.
type QuotaStore interface {
	// LoadQuota returns the stored state. found is false when the user has
	// never been seen.
	LoadQuota(ctx context.Context, userID string) (state types.QuotaState, found bool, err error)

	// SaveQuota overwrites the stored state for the user.
	SaveQuota(ctx context.Context, userID string, state types.QuotaState) error
}

// QuotaClaimer is implemented by quota stores that several gateway
// instances share. ClaimFreeUse applies the daily reset (stored last use
// absent or before dayStart) and takes one free use in a single atomic step
// on the store. granted is false when none is left; state is the stored
// state after the call either way.
type QuotaClaimer interface {
	ClaimFreeUse(ctx context.Context, userID string, now, dayStart time.Time, daily int) (state types.QuotaState, granted bool, err error)
}

// Store is the single shared, mutable entitlement snapshot for one user.
// All mutations go through Update, which holds one mutex across the
// read-modify-write so concurrent consumers and refreshes never interleave.
type Store struct {
	userID  string
	quota   QuotaStore
	claimer QuotaClaimer
	logger  *slog.Logger

	mu   sync.RWMutex
	snap types.EntitlementSnapshot

	persistMu     sync.Mutex
	lastPersisted *types.QuotaState
}

// NewStore creates a Store seeded with the free-tier defaults. quota may be
// nil, in which case nothing is persisted.
//
// When quota also implements QuotaClaimer the store runs in shared mode: the
// quota store, not this snapshot, decides free uses, and ordinary updates no
// longer write quota fields back, since a stale local copy would overwrite
// a use claimed by another instance.
func NewStore(userID string, quota QuotaStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	claimer, _ := quota.(QuotaClaimer)
	return &Store{
		userID:  userID,
		quota:   quota,
		claimer: claimer,
		logger:  logger.With("component", "entitlement_store", "user_id", userID),
		snap:    types.NewFreeSnapshot(),
	}
}

// Shared reports whether free uses are claimed from a shared quota store.
func (s *Store) Shared() bool { return s.claimer != nil }

// UserID returns the user the store belongs to.
func (s *Store) UserID() string { return s.userID }

// Load hydrates the persisted quota fields. A missing record leaves the
// defaults in place.
func (s *Store) Load(ctx context.Context) error {
	if s.quota == nil {
		return nil
	}
	state, found, err := s.quota.LoadQuota(ctx, s.userID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if state.FreeUsesRemaining < 0 {
		s.logger.Warn("ignoring persisted quota with negative free uses",
			"free_uses_remaining", state.FreeUsesRemaining,
		)
		return nil
	}

	s.mu.Lock()
	s.snap = s.snap.WithQuota(state)
	s.mu.Unlock()

	s.persistMu.Lock()
	s.lastPersisted = &state
	s.persistMu.Unlock()
	return nil
}

// Read returns the current snapshot.
func (s *Store) Read() types.EntitlementSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Write replaces the snapshot. It is rejected when it violates the snapshot
// invariants.
func (s *Store) Write(ctx context.Context, next types.EntitlementSnapshot) error {
	_, err := s.Update(ctx, func(types.EntitlementSnapshot) (types.EntitlementSnapshot, error) {
		return next, nil
	})
	return err
}

// Update applies fn to the current snapshot atomically. fn runs with the
// write lock held and must not block on I/O. If fn returns an error, or the
// snapshot it returns is invalid, the state is left untouched.
func (s *Store) Update(ctx context.Context, fn func(cur types.EntitlementSnapshot) (types.EntitlementSnapshot, error)) (types.EntitlementSnapshot, error) {
	s.mu.Lock()
	cur := s.snap
	next, err := fn(cur)
	if err != nil {
		s.mu.Unlock()
		return cur, err
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return cur, types.NewAppError(types.ErrCodeInternalInvalidSnapshot, "rejected invalid entitlement snapshot", err)
	}
	s.snap = next
	s.mu.Unlock()

	if s.claimer == nil && !sameQuota(cur.Quota(), next.Quota()) {
		s.persist(ctx)
	}
	return next, nil
}

// ClaimFreeUse takes one free use from the shared quota store and mirrors
// the stored result into the snapshot. It must only be called in shared
// mode.
func (s *Store) ClaimFreeUse(ctx context.Context, now, dayStart time.Time) (types.EntitlementSnapshot, bool, error) {
	state, granted, err := s.claimer.ClaimFreeUse(ctx, s.userID, now, dayStart, types.DailyFreeUses)
	if err != nil {
		return s.Read(), false, err
	}

	s.persistMu.Lock()
	s.lastPersisted = &state
	s.persistMu.Unlock()

	snap, err := s.Update(ctx, func(cur types.EntitlementSnapshot) (types.EntitlementSnapshot, error) {
		return cur.WithQuota(state), nil
	})
	return snap, granted, err
}

// Flush saves the quota fields if they differ from the last saved state.
// Shared-mode callers use it for explicit overrides such as a manual reset.
func (s *Store) Flush(ctx context.Context) {
	s.persist(ctx)
}

// persist saves the latest quota fields. Holding persistMu while reading the
// snapshot guarantees the final save always carries the newest values, even
// when two updates race to persist.
func (s *Store) persist(ctx context.Context) {
	if s.quota == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	state := s.Read().Quota()
	if s.lastPersisted != nil && sameQuota(*s.lastPersisted, state) {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := s.quota.SaveQuota(saveCtx, s.userID, state); err != nil {
		s.logger.Error("failed to persist quota state",
			"free_uses_remaining", state.FreeUsesRemaining,
			"error", err,
		)
		return
	}
	s.lastPersisted = &state
}

func sameQuota(a, b types.QuotaState) bool {
	if a.FreeUsesRemaining != b.FreeUsesRemaining {
		return false
	}
	if a.LastFreeUseDate == nil || b.LastFreeUseDate == nil {
		return a.LastFreeUseDate == nil && b.LastFreeUseDate == nil
	}
	return a.LastFreeUseDate.Equal(*b.LastFreeUseDate)
}

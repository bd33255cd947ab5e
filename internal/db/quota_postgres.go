package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"creditgate/internal/types"
)

// PostgresQuotaStore persists the locally owned quota fields in the
// user_quota table.
type PostgresQuotaStore struct {
	db     DBTX
	logger *slog.Logger
}

// NewPostgresQuotaStore creates a store backed by the given connection
// (pool or transaction).
func NewPostgresQuotaStore(db DBTX, logger *slog.Logger) *PostgresQuotaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQuotaStore{db: db, logger: logger}
}

// LoadQuota reads the stored state. found is false for unseen users.
func (s *PostgresQuotaStore) LoadQuota(ctx context.Context, userID string) (types.QuotaState, bool, error) {
	var (
		remaining int
		lastUse   *time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT free_uses_remaining, last_free_use_date FROM user_quota WHERE user_id = $1`,
		userID,
	).Scan(&remaining, &lastUse)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.QuotaState{}, false, nil
	}
	if err != nil {
		return types.QuotaState{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to load quota state", err)
	}
	return types.QuotaState{FreeUsesRemaining: remaining, LastFreeUseDate: lastUse}, true, nil
}

// claimFreeUseSQL resets and decrements in one statement. The conflict
// branch only fires when a use is left or the stored day is over, so a
// spent quota yields no row. $4 is the start of the caller's local day.
const claimFreeUseSQL = `
INSERT INTO user_quota AS q (user_id, free_uses_remaining, last_free_use_date, updated_at)
VALUES ($1, $2::int - 1, $3::timestamptz, NOW())
ON CONFLICT (user_id) DO UPDATE SET
	free_uses_remaining = CASE
		WHEN q.last_free_use_date IS NULL OR q.last_free_use_date < $4::timestamptz THEN $2::int
		ELSE q.free_uses_remaining
	END - 1,
	last_free_use_date = EXCLUDED.last_free_use_date,
	updated_at = NOW()
WHERE q.last_free_use_date IS NULL
	OR q.last_free_use_date < $4::timestamptz
	OR q.free_uses_remaining > 0
RETURNING free_uses_remaining, last_free_use_date`

// ClaimFreeUse takes one free use for userID if the stored quota has one,
// applying the daily reset first. Gateway instances sharing the table can
// never grant the same use twice.
func (s *PostgresQuotaStore) ClaimFreeUse(ctx context.Context, userID string, now, dayStart time.Time, daily int) (types.QuotaState, bool, error) {
	var (
		remaining int
		lastUse   *time.Time
	)
	err := s.db.QueryRow(ctx, claimFreeUseSQL, userID, daily, now, dayStart).Scan(&remaining, &lastUse)
	if errors.Is(err, pgx.ErrNoRows) {
		state, _, err := s.LoadQuota(ctx, userID)
		return state, false, err
	}
	if err != nil {
		return types.QuotaState{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim free use", err)
	}
	s.logger.Debug("free use claimed",
		slog.String("user_id", userID),
		slog.Int("free_uses_remaining", remaining),
	)
	return types.QuotaState{FreeUsesRemaining: remaining, LastFreeUseDate: lastUse}, true, nil
}

// SaveQuota upserts the state for the user.
func (s *PostgresQuotaStore) SaveQuota(ctx context.Context, userID string, state types.QuotaState) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO user_quota (user_id, free_uses_remaining, last_free_use_date, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
			free_uses_remaining = EXCLUDED.free_uses_remaining,
			last_free_use_date = EXCLUDED.last_free_use_date,
			updated_at = NOW()`,
		userID, state.FreeUsesRemaining, state.LastFreeUseDate,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save quota state", err)
	}
	s.logger.Debug("quota state saved",
		slog.String("user_id", userID),
		slog.Int("free_uses_remaining", state.FreeUsesRemaining),
	)
	return nil
}

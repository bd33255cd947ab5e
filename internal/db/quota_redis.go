package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"creditgate/internal/config"
	"creditgate/internal/types"
)

const (
	defaultRedisPrefix = "creditgate:quota"

	fieldFreeUses  = "free_uses_remaining"
	fieldLastUse   = "last_free_use_date"
	fieldLastUseMs = "last_free_use_ms"
)

// claimFreeUseScript resets and decrements one user's hash atomically.
// ARGV: day start (unix ms), daily allotment, now (unix ms), now (RFC 3339).
// Returns {granted, remaining}.
var claimFreeUseScript = redis.NewScript(`
local fields = redis.call("HMGET", KEYS[1], "free_uses_remaining", "last_free_use_ms")
local remaining = tonumber(fields[1])
local last = tonumber(fields[2])
if remaining == nil or last == nil or last < tonumber(ARGV[1]) then
  remaining = tonumber(ARGV[2])
end
if remaining <= 0 then
  return {0, remaining}
end
remaining = remaining - 1
redis.call("HSET", KEYS[1],
  "free_uses_remaining", remaining,
  "last_free_use_date", ARGV[4],
  "last_free_use_ms", ARGV[3])
return {1, remaining}
`)

// RedisHashClient is the slice of redis.UniversalClient the store uses.
type RedisHashClient interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// RedisQuotaStore keeps each user's quota fields in one hash.
type RedisQuotaStore struct {
	client RedisHashClient
	prefix string
}

// NewRedisQuotaStore creates a store writing under prefix.
func NewRedisQuotaStore(client RedisHashClient, prefix string) *RedisQuotaStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = defaultRedisPrefix
	}
	return &RedisQuotaStore{client: client, prefix: p}
}

// NewRedisClient connects to REDIS_URL and pings it.
func NewRedisClient(ctx context.Context, cfg config.StoreConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

func (s *RedisQuotaStore) key(userID string) string {
	return s.prefix + ":" + userID
}

// LoadQuota reads the user's hash. An empty hash means the user is unseen.
func (s *RedisQuotaStore) LoadQuota(ctx context.Context, userID string) (types.QuotaState, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return types.QuotaState{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to load quota state", err)
	}
	if len(fields) == 0 {
		return types.QuotaState{}, false, nil
	}

	remaining, err := strconv.Atoi(fields[fieldFreeUses])
	if err != nil {
		return types.QuotaState{}, false, types.NewAppError(types.ErrCodeInternalDB, "corrupt quota state", err)
	}
	state := types.QuotaState{FreeUsesRemaining: remaining}

	if raw := fields[fieldLastUse]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return types.QuotaState{}, false, types.NewAppError(types.ErrCodeInternalDB, "corrupt quota state", err)
		}
		state.LastFreeUseDate = &at
	}
	return state, true, nil
}

// SaveQuota overwrites the fields. A nil date is stored as empty strings.
func (s *RedisQuotaStore) SaveQuota(ctx context.Context, userID string, state types.QuotaState) error {
	lastUse, lastUseMs := "", ""
	if state.LastFreeUseDate != nil {
		lastUse = state.LastFreeUseDate.UTC().Format(time.RFC3339Nano)
		lastUseMs = strconv.FormatInt(state.LastFreeUseDate.UnixMilli(), 10)
	}
	err := s.client.HSet(ctx, s.key(userID),
		fieldFreeUses, strconv.Itoa(state.FreeUsesRemaining),
		fieldLastUse, lastUse,
		fieldLastUseMs, lastUseMs,
	).Err()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save quota state", err)
	}
	return nil
}

// ClaimFreeUse takes one free use for userID if the hash has one, applying
// the daily reset first. The script runs atomically on the server, so
// gateway instances sharing the keyspace never grant the same use twice.
func (s *RedisQuotaStore) ClaimFreeUse(ctx context.Context, userID string, now, dayStart time.Time, daily int) (types.QuotaState, bool, error) {
	raw, err := claimFreeUseScript.Run(ctx, s.client, []string{s.key(userID)},
		dayStart.UnixMilli(),
		daily,
		now.UnixMilli(),
		now.UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return types.QuotaState{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim free use", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return types.QuotaState{}, false, types.NewAppError(types.ErrCodeInternalDB, "unexpected claim response",
			fmt.Errorf("unexpected redis claim response shape: %T", raw))
	}
	granted, ok1 := values[0].(int64)
	remaining, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return types.QuotaState{}, false, types.NewAppError(types.ErrCodeInternalDB, "unexpected claim response",
			fmt.Errorf("unexpected redis claim value types: %T, %T", values[0], values[1]))
	}

	if granted == 0 {
		state, _, err := s.LoadQuota(ctx, userID)
		return state, false, err
	}
	at := now
	return types.QuotaState{FreeUsesRemaining: int(remaining), LastFreeUseDate: &at}, true, nil
}

// redis.go -- go-redis client for the session denylist.
//
// Revoked token ids are stored with a TTL equal to the token's remaining
// lifetime, so the set never outgrows the tokens still able to verify.
// User-wide cutoffs are unix milliseconds under revoked_before:<user id>.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// RedisStore wraps a Redis client for denylist operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisClient parses redisURL, connects, and pings.
// The returned client is shared by RedisStore and the webhook retry queue.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	// Try and test client to ensure it works correctly
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func revokedKey(tokenID string) string {
	return fmt.Sprintf("revoked:%s", tokenID)
}

// Revoke denylists tokenID for ttl.
func (s *RedisStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		// SET with TTL=0 means no expiry, not immediate expiry.
		return nil
	}
	if err := s.rdb.Set(ctx, revokedKey(tokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// RevokeOnce denylists tokenID and reports whether this call set it.
// SET NX makes concurrent callers race on one key; exactly one wins.
func (s *RedisStore) RevokeOnce(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	won, err := s.rdb.SetNX(ctx, revokedKey(tokenID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redeeming token: %w", err)
	}
	return won, nil
}

// IsRevoked reports whether tokenID is denylisted.
func (s *RedisStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, revokedKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking denylist: %w", err)
	}
	return n > 0, nil
}

func cutoffKey(userID uuid.UUID) string {
	return fmt.Sprintf("revoked_before:%s", userID)
}

// raiseCutoffScript stores ARGV[1] only if it is later than the current value.
// KEYS[1] = cutoff key, ARGV[1] = unix ms, ARGV[2] = ttl ms.
var raiseCutoffScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// RevokeUser voids userID's tokens issued before cutoff for ttl.
func (s *RedisStore) RevokeUser(ctx context.Context, userID uuid.UUID, cutoff time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := raiseCutoffScript.Run(ctx, s.rdb, []string{cutoffKey(userID)}, cutoff.UnixMilli(), ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("revoking user sessions: %w", err)
	}
	return nil
}

// UserCutoff returns userID's cutoff, or the zero time if none is set.
func (s *RedisStore) UserCutoff(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	v, err := s.rdb.Get(ctx, cutoffKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("checking user cutoff: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing user cutoff %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

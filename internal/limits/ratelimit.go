// Package limits guards the submission path: a per-user hourly rate limit
// and a duplicate-submission guard keyed by client message id.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

// Allow counts one submission for the user in the current hour window and
// reports whether it stays within the limit.
func (r *RateLimiter) Allow(ctx context.Context, userID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("lechat:ratelimit:%s:%s", userID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// SubmissionDeduplicator rejects replays of the same client-generated message
// id within the TTL window.
type SubmissionDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewSubmissionDeduplicator(rdb *redis.Client, ttl time.Duration) *SubmissionDeduplicator {
	return &SubmissionDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether this message id is seen for the first time.
func (d *SubmissionDeduplicator) MarkFirst(ctx context.Context, messageID string) (bool, error) {
	key := fmt.Sprintf("lechat:submission:%s", messageID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

package admission

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/pixelshift/internal/id"
)

const (
	minPoll = 50 * time.Millisecond
	maxPoll = time.Second
)

// RedisSlots shares a worker limit between every API instance pointed at the
// same Redis. Each holder owns a lease in a sorted set scored by its expiry.
// Leases are renewed while the slot is held, so a long-running worker keeps
// its slot, and a crashed instance leaks it for at most one lease.
type RedisSlots struct {
	client  redis.UniversalClient
	limit   int64
	lease   time.Duration
	renew   time.Duration
	key     string
	now     func() time.Time
	acquire *redis.Script
}

func NewRedisSlots(client redis.UniversalClient, limit int, lease time.Duration, keyPrefix string) (*RedisSlots, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if lease <= 0 {
		return nil, fmt.Errorf("lease must be positive")
	}

	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "pixelshift:admission"
	}

	s := &RedisSlots{
		client: client,
		limit:  int64(limit),
		lease:  lease,
		renew:  max(lease/3, time.Millisecond),
		key:    keyPrefix + ":workers",
		now:    time.Now,
		acquire: redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local now_ms = tonumber(ARGV[2])
local lease_ms = tonumber(ARGV[3])
local token = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms)
local active = redis.call("ZCARD", key)

if active < limit then
  redis.call("ZADD", key, now_ms + lease_ms, token)
  redis.call("PEXPIRE", key, lease_ms * 2)
  return {1, active + 1, 0}
end

local retry_after_ms = lease_ms
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] ~= nil then
  retry_after_ms = math.max(0, tonumber(oldest[2]) - now_ms)
end

return {0, active, retry_after_ms}
`),
	}
	return s, nil
}

// Acquire polls until a slot is free or ctx ends.
func (s *RedisSlots) Acquire(ctx context.Context) (Release, error) {
	token := id.New()

	for {
		ok, retryAfter, err := s.try(ctx, token)
		if err != nil {
			return nil, err
		}
		if ok {
			stop := s.keepAlive(token)
			return once(func() {
				stop()
				s.release(token)
			}), nil
		}

		wait := min(max(retryAfter, minPoll), maxPoll)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
}

func (s *RedisSlots) try(ctx context.Context, token string) (bool, time.Duration, error) {
	raw, err := s.acquire.Run(
		ctx,
		s.client,
		[]string{s.key},
		s.limit,
		s.now().UTC().UnixMilli(),
		s.lease.Milliseconds(),
		token,
	).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false, 0, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
		return false, 0, fmt.Errorf("run admission script: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return false, 0, fmt.Errorf("invalid admission response")
	}

	allowed, err := toInt64(values[0])
	if err != nil {
		return false, 0, fmt.Errorf("parse allow value: %w", err)
	}
	retryAfterMS, err := toInt64(values[2])
	if err != nil {
		return false, 0, fmt.Errorf("parse retry-after value: %w", err)
	}

	return allowed == 1, time.Duration(retryAfterMS) * time.Millisecond, nil
}

// keepAlive pushes the token's expiry forward every third of a lease until
// the returned stop function is called.
func (s *RedisSlots) keepAlive(token string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.renew)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.extend(token)
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (s *RedisSlots) extend(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.renew)
	defer cancel()

	expiresAt := s.now().UTC().Add(s.lease).UnixMilli()
	// XX: a lease that was already reclaimed is not resurrected. A failed
	// renewal is retried on the next tick.
	_, _ = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddXX(ctx, s.key, redis.Z{Score: float64(expiresAt), Member: token})
		pipe.PExpire(ctx, s.key, 2*s.lease)
		return nil
	})
}

func (s *RedisSlots) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	// A failed release only delays the slot until its lease expires.
	_ = s.client.ZRem(ctx, s.key, token).Err()
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}

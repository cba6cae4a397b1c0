package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestSlots(t *testing.T, limit int, lease time.Duration) (*RedisSlots, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	slots, err := NewRedisSlots(client, limit, lease, "test")
	require.NoError(t, err)
	return slots, client
}

func acquireWithin(slots *RedisSlots, d time.Duration) (Release, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return slots.Acquire(ctx)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRedisSlotsAdmitUpToLimit(t *testing.T) {
	slots, client := newTestSlots(t, 2, time.Minute)

	first, err := acquireWithin(slots, time.Second)
	require.NoError(t, err)
	defer first()
	second, err := acquireWithin(slots, time.Second)
	require.NoError(t, err)
	defer second()

	require.Equal(t, int64(2), client.ZCard(context.Background(), slots.key).Val())

	_, err = acquireWithin(slots, 150*time.Millisecond)
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisSlotsReleaseFreesSlot(t *testing.T) {
	slots, client := newTestSlots(t, 1, time.Minute)

	release, err := acquireWithin(slots, time.Second)
	require.NoError(t, err)
	release()
	release()
	require.Zero(t, client.ZCard(context.Background(), slots.key).Val())

	again, err := acquireWithin(slots, time.Second)
	require.NoError(t, err)
	again()
}

func TestRedisSlotsWaiterGetsReleasedSlot(t *testing.T) {
	slots, _ := newTestSlots(t, 1, time.Minute)

	held, err := acquireWithin(slots, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		held()
	}()

	next, err := acquireWithin(slots, 3*time.Second)
	require.NoError(t, err)
	next()
}

func TestRedisSlotsReclaimExpiredLeases(t *testing.T) {
	slots, _ := newTestSlots(t, 1, time.Minute)
	clock := &manualClock{now: time.Now()}
	slots.now = clock.Now

	// The holder's renewal ticker (every 20s) never fires during the test,
	// which is what a crashed instance looks like.
	orphan, err := acquireWithin(slots, time.Second)
	require.NoError(t, err)
	defer orphan()

	_, err = acquireWithin(slots, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrUnavailable)

	clock.Advance(2 * time.Minute)
	reclaimed, err := acquireWithin(slots, time.Second)
	require.NoError(t, err)
	reclaimed()
}

func TestRedisSlotsHeldSlotOutlivesLease(t *testing.T) {
	slots, _ := newTestSlots(t, 1, 300*time.Millisecond)

	held, err := acquireWithin(slots, time.Second)
	require.NoError(t, err)

	time.Sleep(800 * time.Millisecond)
	_, err = acquireWithin(slots, 200*time.Millisecond)
	require.ErrorIs(t, err, ErrUnavailable, "a running worker must keep its slot past the lease")

	held()
	next, err := acquireWithin(slots, time.Second)
	require.NoError(t, err)
	next()
}

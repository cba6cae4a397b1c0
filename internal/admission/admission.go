// Package admission bounds how many transformation workers run at once.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrUnavailable is returned when no slot frees up before the caller's
// context ends.
var ErrUnavailable = errors.New("no worker slot available")

// Release gives a slot back. It is safe to call more than once.
type Release func()

type Limiter interface {
	Acquire(ctx context.Context) (Release, error)
}

// Local is an in-process bound on concurrent workers.
type Local struct {
	sem  *semaphore.Weighted
	size int64
}

func NewLocal(size int) (*Local, error) {
	if size <= 0 {
		return nil, fmt.Errorf("local admission size must be positive, got %d", size)
	}
	return &Local{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}, nil
}

func (l *Local) Acquire(ctx context.Context) (Release, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return once(func() { l.sem.Release(1) }), nil
}

func (l *Local) Size() int {
	return int(l.size)
}

// Chain acquires from every limiter in order and releases in reverse. A
// failure part way releases what was already held.
type Chain []Limiter

func (c Chain) Acquire(ctx context.Context) (Release, error) {
	held := make([]Release, 0, len(c))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}

	for _, limiter := range c {
		if limiter == nil {
			continue
		}
		release, err := limiter.Acquire(ctx)
		if err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, release)
	}
	return once(releaseAll), nil
}

func once(fn func()) Release {
	var o sync.Once
	return func() { o.Do(fn) }
}

package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter caps how many downloads run at once.
type Limiter struct {
	sem   *semaphore.Weighted
	size  int
	inUse atomic.Int64
}

func NewLimiter(size int) *Limiter {
	if size < 1 {
		size = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Acquire waits for a permit. The returned release func may be called more
// than once; only the first call gives the permit back.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a download slot: %w", contextError(err))
	}
	l.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.inUse.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// WithPermit runs task while holding a permit. The permit is returned when
// task returns or panics.
func (l *Limiter) WithPermit(ctx context.Context, task func(context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return task(ctx)
}

func (l *Limiter) InUse() int { return int(l.inUse.Load()) }
func (l *Limiter) Size() int  { return l.size }

package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterNeverExceedsSize(t *testing.T) {
	l := NewLimiter(3)
	var running, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithPermit(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 0, l.InUse())
}

func TestLimiterReleasesOnErrorAndPanic(t *testing.T) {
	l := NewLimiter(1)
	boom := errors.New("boom")

	err := l.WithPermit(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, l.InUse())

	func() {
		defer func() { _ = recover() }()
		_ = l.WithPermit(context.Background(), func(context.Context) error { panic("task panicked") })
	}()
	assert.Equal(t, 0, l.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.WithPermit(ctx, func(context.Context) error { return nil }), "permit is available again")
}

func TestLimiterCancelledWhileWaiting(t *testing.T) {
	l := NewLimiter(1)
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	done := make(chan error, 1)
	go func() {
		done <- l.WithPermit(ctx, func(context.Context) error { ran = true; return nil })
	}()
	cancel()

	err = <-done
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	l := NewLimiter(2)
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, 0, l.InUse())
	assert.Equal(t, 2, l.Size())
}

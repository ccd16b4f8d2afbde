package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, uint64(1), snap.Goroutines[0].Panics)
	assert.Equal(t, int64(0), snap.Active)
}

func TestWaitIsBounded(t *testing.T) {
	s := New(context.Background())
	release := make(chan struct{})
	s.Go0("slow", func(ctx context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, s.Wait(context.Background()))
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGoAfterWaitIsRejected(t *testing.T) {
	s := New(context.Background())
	require.NoError(t, s.Wait(context.Background()))

	var ran atomic.Bool
	assert.False(t, s.TryGo("late", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))
	s.Go0("late0", func(ctx context.Context) { ran.Store(true) })

	require.NoError(t, s.Wait(context.Background()))
	assert.False(t, ran.Load())
	assert.Equal(t, uint64(0), s.Snapshot().Started)
}

func TestTryGoBeforeWaitRuns(t *testing.T) {
	s := New(context.Background())
	var ran atomic.Bool
	require.True(t, s.TryGo("once", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))
	require.NoError(t, s.Wait(context.Background()))
	assert.True(t, ran.Load())
}

package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "hireflow/pkg/logx"
)

type slowWriter struct {
	mu    sync.Mutex
	delay time.Duration
	fails atomic.Int32
	got   []Record
}

func (w *slowWriter) AppendAudit(ctx context.Context, r Record) error {
	if w.fails.Load() > 0 {
		w.fails.Add(-1)
		return errors.New("write failed")
	}
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	w.got = append(w.got, r)
	w.mu.Unlock()
	return nil
}

func (w *slowWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.got)
}

func TestAsyncSinkDrainsInOrder(t *testing.T) {
	w := &slowWriter{}
	s := NewAsync(w, Config{QueueSize: 16}, logx.Nop())
	s.Start(context.Background())

	for i := 1; i <= 10; i++ {
		require.NoError(t, s.Emit(Record{Kind: KindTransition, EntityID: int64(i)}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Drain(ctx))

	require.Equal(t, 10, w.count())
	for i, r := range w.got {
		assert.Equal(t, int64(i+1), r.EntityID)
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, SeverityInfo, r.Severity)
	}
	assert.True(t, errors.Is(s.Emit(Record{Kind: KindBatch}), ErrSinkClosed))
	assert.Equal(t, uint64(10), s.Stats().Written)
}

func TestAsyncSinkQueueFull(t *testing.T) {
	s := NewAsync(&slowWriter{}, Config{QueueSize: 1}, logx.Nop())
	require.NoError(t, s.Emit(Record{Kind: KindBatch}))
	err := s.Emit(Record{Kind: KindBatch})
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestAsyncSinkDrainIsBounded(t *testing.T) {
	w := &slowWriter{delay: time.Second}
	s := NewAsync(w, Config{QueueSize: 8, WriteTimeout: 5 * time.Second}, logx.Nop())
	s.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Emit(Record{Kind: KindTransition}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Drain(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestAsyncSinkRetriesAndCriticalHook(t *testing.T) {
	w := &slowWriter{}
	w.fails.Store(1)
	s := NewAsync(w, Config{Retries: 2}, logx.Nop())

	var hooked atomic.Int32
	s.OnCritical(func(r Record) { hooked.Add(1) })
	s.Start(context.Background())

	require.NoError(t, s.Emit(Record{Kind: KindError, Severity: SeverityCritical}))
	require.NoError(t, s.Emit(Record{Kind: KindBatch}))
	require.NoError(t, s.Drain(context.Background()))

	assert.Equal(t, 2, w.count())
	assert.Equal(t, int32(1), hooked.Load())
	assert.Zero(t, s.Stats().Failed)
}

func TestEmitDurableReportsFailure(t *testing.T) {
	w := &slowWriter{}
	w.fails.Store(1)
	s := NewAsync(w, Config{}, logx.Nop())

	err := s.EmitDurable(context.Background(), Record{Kind: KindDeletionSnapshot, EntityID: 9})
	require.Error(t, err)
	require.NoError(t, s.EmitDurable(context.Background(), Record{Kind: KindDeletionSnapshot, EntityID: 9}))
	assert.Equal(t, 1, w.count())
	assert.Equal(t, uint64(1), s.Stats().Failed)
}

func TestRecordNormalize(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := Record{Kind: KindBatch, Actor: SystemActor("auto_archive")}.Normalize(now)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, now, r.OccurredAt)
	assert.Equal(t, "system:auto_archive", r.Actor)
	assert.False(t, r.IsCritical())
}

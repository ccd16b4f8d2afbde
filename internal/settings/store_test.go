package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBackend struct {
	mu    sync.Mutex
	vals  map[string]string
	loads int
	fail  error
}

func newMem(vals map[string]string) *memBackend {
	if vals == nil {
		vals = map[string]string{}
	}
	return &memBackend{vals: vals}
}

func (m *memBackend) AllSettings(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.fail != nil {
		return nil, m.fail
	}
	cp := map[string]string{}
	for k, v := range m.vals {
		cp[k] = v
	}
	return cp, nil
}

func (m *memBackend) PutSetting(_ context.Context, k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[k] = v
	return nil
}

func (m *memBackend) DeleteSetting(_ context.Context, k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, k)
	return nil
}

func TestReadsFallBackToDefaults(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMem(map[string]string{KeyAutoRejectDays: "abc", KeyWeeklyDigestEnabled: "true"}))

	assert.Equal(t, 14, s.Int(ctx, KeyAutoRejectDays, 14))
	assert.Equal(t, 7, s.Int(ctx, KeyStaleApplicationDays, 7))
	assert.True(t, s.Bool(ctx, KeyWeeklyDigestEnabled, false))
	assert.Equal(t, "UTC", s.Get(ctx, KeyTimezone, "UTC"))
	assert.Equal(t, map[string]string{KeyAutoRejectDays: "abc"}, s.Many(ctx, []string{KeyAutoRejectDays, KeyTimezone}))
}

func TestRetentionBelowFloorRejected(t *testing.T) {
	ctx := context.Background()
	b := newMem(map[string]string{KeyRetentionYears: "5"})
	s := NewStore(b)

	err := s.Set(ctx, KeyRetentionYears, "2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowFloor))
	assert.Equal(t, 5, s.Int(ctx, KeyRetentionYears, 0))

	require.NoError(t, s.Set(ctx, KeyRetentionYears, "3"))
	assert.Equal(t, 3, s.Int(ctx, KeyRetentionYears, 0))
}

func TestSetValidation(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMem(nil))

	cases := []struct {
		key, value string
		ok         bool
	}{
		{KeyAutoRejectDays, "0", true},
		{KeyAutoRejectDays, "-1", false},
		{KeyAutoProgressAppliedDays, "ten", false},
		{KeyWeeklyDigestDay, "monday", true},
		{KeyWeeklyDigestDay, "funday", false},
		{KeyWeeklyDigestTime, "09:30", true},
		{KeyWeeklyDigestTime, "25:00", false},
		{KeyTimezone, "Europe/Berlin", true},
		{KeyTimezone, "Mars/Olympus", false},
		{KeyRunHour, "23", true},
		{KeyRunHour, "24", false},
		{KeyWeeklyDigestEnabled, "maybe", false},
		{"not_a_key", "1", false},
	}
	for _, c := range cases {
		err := s.Set(ctx, c.key, c.value)
		if c.ok {
			assert.NoError(t, err, "%s=%s", c.key, c.value)
		} else {
			assert.Error(t, err, "%s=%s", c.key, c.value)
		}
	}
	assert.True(t, errors.Is(s.Set(ctx, "nope", "1"), ErrUnknownKey))
	assert.True(t, errors.Is(s.Set(ctx, KeyTimezone, "Mars/Olympus"), ErrInvalidValue))
}

func TestSnapshotCachingAndFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newMem(map[string]string{KeyAutoRejectDays: "30"})
	s := NewStore(b, WithTTL(time.Minute), WithClock(func() time.Time { return now }))

	_, err := s.Snapshot(ctx)
	require.NoError(t, err)
	_, err = s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.loads)

	b.fail = errors.New("connection refused")
	now = now.Add(2 * time.Minute)
	_, err = s.Snapshot(ctx)
	require.Error(t, err)
	// Typed reads keep serving the last good copy.
	assert.Equal(t, 30, s.Int(ctx, KeyAutoRejectDays, 0))

	fresh := NewStore(b)
	assert.Equal(t, 9, fresh.Int(ctx, KeyAutoRejectDays, 9))
}

func TestUnset(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMem(map[string]string{KeyAutoRejectDays: "30"}))
	require.NoError(t, s.Unset(ctx, KeyAutoRejectDays))
	assert.Equal(t, 0, s.Int(ctx, KeyAutoRejectDays, 0))
	assert.Error(t, s.Unset(ctx, "bogus"))
}

func TestThresholdUpperBounds(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newMem(nil))

	require.NoError(t, s.Set(ctx, KeyAutoRejectDays, "36500"))
	err := s.Set(ctx, KeyAutoRejectDays, "200000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidValue))
	assert.Equal(t, 36500, s.Int(ctx, KeyAutoRejectDays, 0))

	require.NoError(t, s.Set(ctx, KeyRetentionYears, "100"))
	err = s.Set(ctx, KeyRetentionYears, "101")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidValue))
}

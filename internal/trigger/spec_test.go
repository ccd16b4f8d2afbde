package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestDailyNextHonorsZone(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	s := Daily(3, 30, ny)

	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := s.Next(from)
	require.False(t, next.IsZero())
	local := next.In(ny)
	assert.Equal(t, 3, local.Hour())
	assert.Equal(t, 30, local.Minute())
	assert.Equal(t, 2, local.Day())
}

func TestWeeklyPreview(t *testing.T) {
	s := Weekly(time.Monday, 9, 0, time.UTC)
	got := s.Preview(time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), 3)
	require.Len(t, got, 3)
	for i, ts := range got {
		assert.Equal(t, time.Monday, ts.Weekday())
		assert.Equal(t, 9, ts.Hour())
		if i > 0 {
			assert.Equal(t, 7*24*time.Hour, ts.Sub(got[i-1]))
		}
	}
}

func TestIntervalNext(t *testing.T) {
	s := Interval(4 * time.Hour)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(4*time.Hour), s.Next(from))
	assert.Equal(t, "every 4h0m0s", s.Describe())
}

func TestEqual(t *testing.T) {
	utc := Daily(3, 0, nil)
	assert.True(t, utc.Equal(Daily(3, 0, time.UTC)))
	assert.False(t, utc.Equal(Daily(4, 0, time.UTC)))
	assert.False(t, utc.Equal(Daily(3, 0, mustLoc(t, "Europe/Berlin"))))
	assert.False(t, utc.Equal(Weekly(time.Monday, 3, 0, time.UTC)))
	assert.True(t, Interval(4*time.Hour).Equal(Interval(240*time.Minute)))
	// Fields outside the kind are ignored.
	assert.True(t, Daily(3, 0, nil).Equal(Spec{Kind: KindDaily, Hour: 3, Weekday: time.Friday}))
}

func TestValidate(t *testing.T) {
	assert.Error(t, Daily(24, 0, nil).Validate())
	assert.Error(t, Daily(0, 60, nil).Validate())
	assert.Error(t, Interval(0).Validate())
	assert.Error(t, Spec{}.Validate())
	assert.NoError(t, Weekly(time.Saturday, 23, 59, nil).Validate())

	_, err := Daily(25, 0, nil).Schedule()
	assert.Error(t, err)
	assert.True(t, Daily(25, 0, nil).Next(time.Now()).IsZero())
}

func TestParseHelpers(t *testing.T) {
	h, m, err := ParseHHMM(" 07:05 ")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 5, m)

	for _, bad := range []string{"7", "24:00", "12:60", "aa:bb"} {
		_, _, err := ParseHHMM(bad)
		assert.Error(t, err, bad)
	}

	for in, want := range map[string]time.Weekday{"monday": time.Monday, "Fri": time.Friday, "0": time.Sunday} {
		got, err := ParseWeekday(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err = ParseWeekday("7")
	assert.Error(t, err)
	_, err = ParseWeekday("someday")
	assert.Error(t, err)
}

// Package trigger describes when a periodic task fires and turns that
// description into a robfig/cron schedule.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

type Kind string

const (
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindInterval Kind = "interval"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Spec is a resolved timing rule. Only the fields relevant to Kind are
// significant; Equal ignores the rest.
type Spec struct {
	Kind     Kind
	Hour     int
	Minute   int
	Weekday  time.Weekday
	Every    time.Duration
	Location *time.Location
}

func Daily(hour, minute int, loc *time.Location) Spec {
	return Spec{Kind: KindDaily, Hour: hour, Minute: minute, Location: loc}
}

func Weekly(day time.Weekday, hour, minute int, loc *time.Location) Spec {
	return Spec{Kind: KindWeekly, Weekday: day, Hour: hour, Minute: minute, Location: loc}
}

func Interval(every time.Duration) Spec {
	return Spec{Kind: KindInterval, Every: every}
}

func (s Spec) IsZero() bool { return s.Kind == "" }

func (s Spec) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Validate reports field values cron would reject or misinterpret.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindDaily, KindWeekly:
		if s.Hour < 0 || s.Hour > 23 {
			return errors.Newf("hour %d out of range", s.Hour)
		}
		if s.Minute < 0 || s.Minute > 59 {
			return errors.Newf("minute %d out of range", s.Minute)
		}
		if s.Kind == KindWeekly && (s.Weekday < time.Sunday || s.Weekday > time.Saturday) {
			return errors.Newf("weekday %d out of range", s.Weekday)
		}
	case KindInterval:
		if s.Every < time.Second {
			return errors.Newf("interval %s must be at least 1s", s.Every)
		}
	default:
		return errors.Newf("unknown trigger kind %q", s.Kind)
	}
	return nil
}

// Expr renders the spec as a cron expression, CRON_TZ prefixed for
// wall-clock kinds.
func (s Spec) Expr() string {
	switch s.Kind {
	case KindDaily:
		return fmt.Sprintf("CRON_TZ=%s %d %d * * *", s.loc(), s.Minute, s.Hour)
	case KindWeekly:
		return fmt.Sprintf("CRON_TZ=%s %d %d * * %d", s.loc(), s.Minute, s.Hour, int(s.Weekday))
	case KindInterval:
		return "@every " + s.Every.String()
	}
	return ""
}

// Schedule builds the cron schedule for s.
func (s Spec) Schedule() (cron.Schedule, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Kind == KindInterval {
		return cron.Every(s.Every), nil
	}
	sched, err := parser.Parse(s.Expr())
	if err != nil {
		return nil, errors.Wrapf(err, "parse %q", s.Expr())
	}
	return sched, nil
}

// Equal reports whether s and o fire at the same instants.
func (s Spec) Equal(o Spec) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case KindDaily:
		return s.Hour == o.Hour && s.Minute == o.Minute && s.loc().String() == o.loc().String()
	case KindWeekly:
		return s.Weekday == o.Weekday && s.Hour == o.Hour && s.Minute == o.Minute && s.loc().String() == o.loc().String()
	case KindInterval:
		return s.Every.Truncate(time.Second) == o.Every.Truncate(time.Second)
	}
	return true
}

// Next returns the first fire strictly after t, or zero if s is invalid.
func (s Spec) Next(t time.Time) time.Time {
	sched, err := s.Schedule()
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t)
}

// Preview lists the next n fire times after from.
func (s Spec) Preview(from time.Time, n int) []time.Time {
	sched, err := s.Schedule()
	if err != nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// Describe is a short human description, e.g. "daily at 03:00 (UTC)".
func (s Spec) Describe() string {
	switch s.Kind {
	case KindDaily:
		return fmt.Sprintf("daily at %02d:%02d (%s)", s.Hour, s.Minute, s.loc())
	case KindWeekly:
		return fmt.Sprintf("weekly on %s at %02d:%02d (%s)", s.Weekday, s.Hour, s.Minute, s.loc())
	case KindInterval:
		return "every " + s.Every.String()
	}
	return "not scheduled"
}

func (s Spec) String() string { return s.Describe() }

// ParseHHMM parses a 24h "HH:MM" wall-clock time.
func ParseHHMM(v string) (hour int, minute int, err error) {
	v = strings.TrimSpace(v)
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return 0, 0, errors.Newf("invalid time %q, expected HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, errors.Newf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, errors.Newf("invalid minute in %q", v)
	}
	return h, m, nil
}

// ParseWeekday accepts English day names, three-letter abbreviations, or
// 0-6 with Sunday as 0.
func ParseWeekday(v string) (time.Weekday, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 || n > 6 {
			return 0, errors.Newf("weekday %d out of range 0-6", n)
		}
		return time.Weekday(n), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, nil
		}
	}
	return 0, errors.Newf("invalid weekday %q", v)
}

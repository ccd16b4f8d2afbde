// Package settings reads and writes the operator-tunable automation settings.
//
// Reads never fail: a missing or unparsable key yields the caller's default.
// Writes go through Store.Set, which validates each known key before it is
// persisted.
package settings

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"hireflow/internal/trigger"
)

const (
	KeyAutoArchiveRejectedDays = "auto_archive_rejected_days"
	KeyAutoProgressAppliedDays = "auto_progress_applied_days"
	KeyAutoRejectDays          = "auto_reject_days"
	KeyRetentionYears          = "candidate_data_retention_years"
	KeyStaleApplicationDays    = "stale_application_days"
	KeyWeeklyDigestEnabled     = "weekly_digest_enabled"
	KeyWeeklyDigestDay         = "weekly_digest_day"
	KeyWeeklyDigestTime        = "weekly_digest_time"
	KeyRunHour                 = "automation_run_hour"
	KeyTimezone                = "automation_timezone"
)

const (
	// RetentionFloorYears is the minimum accepted data retention.
	RetentionFloorYears = 3
	// MaxRetentionYears and MaxDays bound thresholds so cutoffs stay in the past.
	MaxRetentionYears = 100
	MaxDays           = 36500
)

var (
	ErrUnknownKey   = errors.New("unknown setting")
	ErrInvalidValue = errors.New("invalid setting value")
	ErrBelowFloor   = errors.New("value below retention floor")
)

type validator func(v string) error

var validators = map[string]validator{
	KeyAutoArchiveRejectedDays: days,
	KeyAutoProgressAppliedDays: days,
	KeyAutoRejectDays:          days,
	KeyStaleApplicationDays:    days,
	KeyRetentionYears: func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(ErrInvalidValue, "%q is not an integer", v)
		}
		if n < RetentionFloorYears {
			return errors.Wrapf(ErrBelowFloor, "%d years (minimum %d)", n, RetentionFloorYears)
		}
		if n > MaxRetentionYears {
			return errors.Wrapf(ErrInvalidValue, "%d years (maximum %d)", n, MaxRetentionYears)
		}
		return nil
	},
	KeyWeeklyDigestEnabled: func(v string) error {
		if _, err := strconv.ParseBool(strings.TrimSpace(v)); err != nil {
			return errors.Wrapf(ErrInvalidValue, "%q is not a boolean", v)
		}
		return nil
	},
	KeyWeeklyDigestDay: func(v string) error {
		if _, err := trigger.ParseWeekday(v); err != nil {
			return errors.Mark(err, ErrInvalidValue)
		}
		return nil
	},
	KeyWeeklyDigestTime: func(v string) error {
		if _, _, err := trigger.ParseHHMM(v); err != nil {
			return errors.Mark(err, ErrInvalidValue)
		}
		return nil
	},
	KeyRunHour: func(v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 || n > 23 {
			return errors.Wrapf(ErrInvalidValue, "%q is not an hour 0-23", v)
		}
		return nil
	},
	KeyTimezone: func(v string) error {
		if _, err := time.LoadLocation(strings.TrimSpace(v)); err != nil {
			return errors.Mark(errors.Wrapf(err, "timezone %q", v), ErrInvalidValue)
		}
		return nil
	},
}

// days accepts an integer in [0, MaxDays]; 0 disables the automation.
func days(v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return errors.Wrapf(ErrInvalidValue, "%q is not an integer", v)
	}
	if n < 0 {
		return errors.Wrapf(ErrInvalidValue, "%d is negative", n)
	}
	if n > MaxDays {
		return errors.Wrapf(ErrInvalidValue, "%d days (maximum %d)", n, MaxDays)
	}
	return nil
}

// Validate checks value for key without writing it.
func Validate(key, value string) error {
	fn, ok := validators[key]
	if !ok {
		return errors.Wrapf(ErrUnknownKey, "%q", key)
	}
	return fn(value)
}

// Keys lists every known setting key.
func Keys() []string {
	return []string{
		KeyAutoArchiveRejectedDays, KeyAutoProgressAppliedDays, KeyAutoRejectDays,
		KeyRetentionYears, KeyStaleApplicationDays,
		KeyWeeklyDigestEnabled, KeyWeeklyDigestDay, KeyWeeklyDigestTime,
		KeyRunHour, KeyTimezone,
	}
}

package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"hireflow/internal/settings"
	"hireflow/internal/trigger"
)

// Default wall-clock slots for the daily tasks. automation_run_hour moves the
// hour; the minute offsets keep the tasks staggered.
var dailySlots = map[Name]struct{ hour, minute int }{
	AutoArchive:   {2, 0},
	AutoProgress:  {2, 10},
	AutoReject:    {2, 20},
	DataRetention: {3, 0},
}

const (
	staleInterval    = 4 * time.Hour
	defaultDigestDay = time.Monday
	defaultDigestHH  = 8
)

var thresholdKeys = map[Name]string{
	AutoArchive:   settings.KeyAutoArchiveRejectedDays,
	AutoProgress:  settings.KeyAutoProgressAppliedDays,
	AutoReject:    settings.KeyAutoRejectDays,
	DataRetention: settings.KeyRetentionYears,
	StaleDetector: settings.KeyStaleApplicationDays,
}

// Resolve derives the configuration of task name from snap. It does no I/O.
// def is the timezone used when automation_timezone is unset or invalid.
func Resolve(name Name, snap settings.Snapshot, def *time.Location) Config {
	if def == nil {
		def = time.UTC
	}
	cfg := Config{Name: name}
	loc, locProblem := resolveLocation(snap, def)

	switch name {
	case AutoArchive, AutoProgress, AutoReject, DataRetention:
		cfg.Unit = UnitDays
		if name == DataRetention {
			cfg.Unit = UnitYears
		}
		limit := settings.MaxDays
		if name == DataRetention {
			limit = settings.MaxRetentionYears
		}
		cfg.Threshold, cfg.Enabled, cfg.Misconfigured = threshold(snap, thresholdKeys[name], limit)
		if name == DataRetention && cfg.Enabled && cfg.Threshold < settings.RetentionFloorYears {
			cfg.Enabled = false
			cfg.Misconfigured = fmt.Sprintf("%s=%d is below the %d year floor",
				settings.KeyRetentionYears, cfg.Threshold, settings.RetentionFloorYears)
		}
		slot := dailySlots[name]
		hour := slot.hour
		if raw, ok := snap.Raw(settings.KeyRunHour); ok {
			if h, valid := snap.Int(settings.KeyRunHour, hour); valid && h >= 0 && h <= 23 {
				hour = h
			} else {
				cfg.Misconfigured = join(cfg.Misconfigured, fmt.Sprintf("%s=%q ignored", settings.KeyRunHour, raw))
			}
		}
		cfg.Trigger = trigger.Daily(hour, slot.minute, loc)

	case StaleDetector:
		cfg.Unit = UnitDays
		cfg.Threshold, cfg.Enabled, cfg.Misconfigured = threshold(snap, thresholdKeys[name], settings.MaxDays)
		cfg.Trigger = trigger.Interval(staleInterval)

	case WeeklyDigest:
		cfg.Enabled = snap.Bool(settings.KeyWeeklyDigestEnabled, false)
		if raw, ok := snap.Raw(settings.KeyWeeklyDigestEnabled); ok && !cfg.Enabled && strings.TrimSpace(raw) != "" {
			if _, valid := parseBool(raw); !valid {
				cfg.Misconfigured = fmt.Sprintf("%s=%q is not a boolean", settings.KeyWeeklyDigestEnabled, raw)
			}
		}
		day := defaultDigestDay
		hour, minute := defaultDigestHH, 0
		if raw := snap.String(settings.KeyWeeklyDigestDay, ""); raw != "" {
			d, err := trigger.ParseWeekday(raw)
			if err != nil {
				cfg.Enabled = false
				cfg.Misconfigured = join(cfg.Misconfigured, err.Error())
			} else {
				day = d
			}
		}
		if raw := snap.String(settings.KeyWeeklyDigestTime, ""); raw != "" {
			h, m, err := trigger.ParseHHMM(raw)
			if err != nil {
				cfg.Enabled = false
				cfg.Misconfigured = join(cfg.Misconfigured, err.Error())
			} else {
				hour, minute = h, m
			}
		}
		cfg.Trigger = trigger.Weekly(day, hour, minute, loc)

	default:
		cfg.Misconfigured = fmt.Sprintf("unknown automation %q", name)
		return cfg
	}

	if locProblem != "" {
		cfg.Misconfigured = join(cfg.Misconfigured, locProblem)
	}
	return cfg
}

// threshold reads a positive integer no greater than limit; anything else
// disables the task. A present but unusable value is reported as a
// misconfiguration.
func threshold(snap settings.Snapshot, key string, limit int) (n int, enabled bool, problem string) {
	raw, ok := snap.Raw(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false, ""
	}
	n, valid := snap.Int(key, 0)
	if !valid {
		return 0, false, fmt.Sprintf("%s=%q is not an integer", key, raw)
	}
	if n <= 0 {
		return n, false, ""
	}
	if n > limit {
		return n, false, fmt.Sprintf("%s=%d exceeds the maximum %d", key, n, limit)
	}
	return n, true, ""
}

func resolveLocation(snap settings.Snapshot, def *time.Location) (*time.Location, string) {
	name := snap.String(settings.KeyTimezone, "")
	if name == "" {
		return def, ""
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return def, fmt.Sprintf("%s=%q unknown, using %s", settings.KeyTimezone, name, def)
	}
	return loc, ""
}

func parseBool(raw string) (bool, bool) {
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	return b, err == nil
}

func join(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "; " + b
}

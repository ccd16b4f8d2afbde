package automation

import (
	"strings"

	"github.com/cockroachdb/errors"

	"hireflow/internal/trigger"
)

// Name identifies one periodic task.
type Name string

const (
	AutoArchive   Name = "auto_archive"
	AutoProgress  Name = "auto_progress"
	AutoReject    Name = "auto_reject"
	DataRetention Name = "data_retention"
	StaleDetector Name = "stale_detector"
	WeeklyDigest  Name = "weekly_digest"
)

// Names lists every task in start order.
func Names() []Name {
	return []Name{AutoArchive, AutoProgress, AutoReject, DataRetention, StaleDetector, WeeklyDigest}
}

// ParseName accepts a task name case-insensitively, with '-' or '_'.
func ParseName(s string) (Name, error) {
	n := Name(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, k := range Names() {
		if k == n {
			return n, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownTask, "%q", s)
}

type Unit string

const (
	UnitNone  Unit = ""
	UnitDays  Unit = "days"
	UnitYears Unit = "years"
)

// Config is what a task resolves from settings on every reconcile and fire.
// It is never persisted.
type Config struct {
	Name      Name         `json:"name"`
	Enabled   bool         `json:"enabled"`
	Threshold int          `json:"threshold"`
	Unit      Unit         `json:"unit,omitempty"`
	Trigger   trigger.Spec `json:"-"`
	// Misconfigured explains why a present setting was ignored.
	Misconfigured string `json:"misconfigured,omitempty"`
}

// SameSchedule reports whether switching from c to o needs no re-arm.
func (c Config) SameSchedule(o Config) bool {
	if c.Enabled != o.Enabled {
		return false
	}
	if !c.Enabled {
		return true
	}
	return c.Trigger.Equal(o.Trigger)
}

type State string

const (
	StateStopped     State = "stopped"
	StateReconciling State = "reconciling"
	StateIdle        State = "idle"
	StateArmed       State = "armed"
	StateFiring      State = "firing"
)

package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

type Status string

const (
	StatusApplied      Status = "Applied"
	StatusReviewing    Status = "Reviewing"
	StatusInterviewing Status = "Interviewing"
	StatusOffered      Status = "Offered"
	StatusHired        Status = "Hired"
	StatusRejected     Status = "Rejected"
	StatusWithdrawn    Status = "Withdrawn"
)

// Application is a full application row. Zero times are stored as NULL.
type Application struct {
	ID             int64
	JobID          int64
	CandidateName  string
	CandidateEmail string
	Status         Status
	AppliedAt      time.Time
	StageEnteredAt time.Time
	UpdatedAt      time.Time
	CreatedAt      time.Time
	Archived       bool
	ArchivedAt     time.Time
	ArchiveReason  string
}

// Eligible is the minimal projection predicates need.
type Eligible struct {
	ID             int64
	JobID          int64
	Status         Status
	Archived       bool
	AppliedAt      time.Time
	StageEnteredAt time.Time
	UpdatedAt      time.Time
	ArchivedAt     time.Time
}

// Predicate selects application rows. Zero-valued fields do not constrain.
// Time bounds are strict (column < bound) and never match NULL columns.
type Predicate struct {
	IDs                []int64
	Statuses           []Status
	ExcludeStatuses    []Status
	Archived           *bool
	AppliedBefore      time.Time
	UpdatedBefore      time.Time
	StageEnteredBefore time.Time
	ArchivedBefore     time.Time
	Limit              int
}

// Matches evaluates the predicate in memory with the same rules the SQL uses.
func (p Predicate) Matches(e Eligible) bool {
	if len(p.IDs) > 0 && !containsID(p.IDs, e.ID) {
		return false
	}
	if len(p.Statuses) > 0 && !containsStatus(p.Statuses, e.Status) {
		return false
	}
	if containsStatus(p.ExcludeStatuses, e.Status) {
		return false
	}
	if p.Archived != nil && *p.Archived != e.Archived {
		return false
	}
	if !before(e.AppliedAt, p.AppliedBefore) ||
		!before(e.UpdatedAt, p.UpdatedBefore) ||
		!before(e.StageEnteredAt, p.StageEnteredBefore) ||
		!before(e.ArchivedAt, p.ArchivedBefore) {
		return false
	}
	return true
}

func before(v, bound time.Time) bool {
	if bound.IsZero() {
		return true
	}
	return !v.IsZero() && v.Before(bound)
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func containsStatus(ss []Status, s Status) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Bool is a helper for Predicate.Archived.
func Bool(v bool) *bool { return &v }

// Update describes a bulk state change. Status changes also reset
// StageEnteredAt and write a stage_history row per entity.
type Update struct {
	Status        Status // empty: leave unchanged
	Archive       bool
	ArchiveReason string
	At            time.Time
	Actor         string
}

// Snapshot is what the retention reaper records before deleting an entity.
type Snapshot struct {
	Application
	Notes        int
	Emails       int
	StageHistory int
	Approvals    int
}

// ChildCounts reports rows removed per child table.
type ChildCounts struct {
	Notes        int64 `json:"notes"`
	Emails       int64 `json:"emails"`
	StageHistory int64 `json:"stage_history"`
	Approvals    int64 `json:"approvals"`
}

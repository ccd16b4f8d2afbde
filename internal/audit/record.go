// Package audit is the append-only event trail for automation runs.
//
// Records are handed to a Sink. The async sink owns them from that point on:
// callers never wait for the write unless they use EmitDurable, which the
// retention reaper does before destroying anything.
package audit

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	// KindTransition is one entity moved by a batch transition.
	KindTransition Kind = "TRANSITION"
	// KindTransitionSkipped is an entity that matched but changed before the update landed.
	KindTransitionSkipped Kind = "TRANSITION_SKIPPED"
	// KindBatch is the per-run summary.
	KindBatch Kind = "BATCH_SUMMARY"
	// KindDeletionSnapshot captures an entity right before permanent deletion.
	KindDeletionSnapshot Kind = "DELETION_SNAPSHOT"
	KindStaleIndex       Kind = "STALE_INDEX_REBUILT"
	KindDigest           Kind = "DIGEST_SENT"
	KindError            Kind = "ERROR"
	KindConfig           Kind = "CONFIG"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Record is one audit entry. EntityID is 0 for batch-level records.
type Record struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Actor      string         `json:"actor"`
	EntityID   int64          `json:"entity_id,omitempty"`
	OldValue   string         `json:"old_value,omitempty"`
	NewValue   string         `json:"new_value,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Severity   Severity       `json:"severity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SystemActor is the actor string for records produced by an automation.
func SystemActor(task string) string { return "system:" + task }

// Normalize fills ID, timestamp and severity when unset.
func (r Record) Normalize(now time.Time) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = now
	}
	if r.Severity == "" {
		r.Severity = SeverityInfo
	}
	return r
}

// IsCritical reports whether the record needs operator attention.
func (r Record) IsCritical() bool { return r.Severity == SeverityCritical }

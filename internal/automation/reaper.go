package automation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"hireflow/internal/audit"
	"hireflow/internal/settings"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

// ReaperStore is the teardown surface the retention reaper needs.
type ReaperStore interface {
	FindEligible(ctx context.Context, p storage.Predicate) ([]storage.Eligible, error)
	SnapshotApplications(ctx context.Context, ids []int64) ([]storage.Snapshot, error)
	DeleteChildren(ctx context.Context, ids []int64) (storage.ChildCounts, error)
	DeleteApplications(ctx context.Context, ids []int64) ([]int64, error)
}

// Reaper permanently deletes archived applications past the retention period.
//
// Order: select, durable snapshot per entity, delete children, delete
// entities, summary. Nothing is rolled back after step three starts; a
// failure there is written as a critical audit record carrying the ids.
type Reaper struct {
	store ReaperStore
	sink  audit.Sink
	log   logx.Logger
}

func NewReaper(store ReaperStore, sink audit.Sink, log logx.Logger) *Reaper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reaper{store: store, sink: sink, log: log.With(logx.String("comp", "reaper"))}
}

func retentionCutoff(now time.Time, years int) time.Time {
	return now.AddDate(-years, 0, 0)
}

func (r *Reaper) Run(ctx context.Context, run Run) (Outcome, error) {
	years := run.Config.Threshold
	if years < settings.RetentionFloorYears {
		return Outcome{}, errors.Mark(errors.Newf("retention of %d years is below the floor", years), ErrConfiguration)
	}
	cutoff := retentionCutoff(run.Now, years)
	actor := audit.SystemActor(string(DataRetention))
	log := r.log.With(logx.String("run_id", run.ID))

	eligible, err := r.store.FindEligible(ctx, storage.Predicate{Archived: storage.Bool(true), ArchivedBefore: cutoff})
	if err != nil {
		return Outcome{}, storeErr(err, "find expired")
	}
	if len(eligible) == 0 {
		r.summary(log, run, cutoff, 0, nil, nil, storage.ChildCounts{}, 0)
		return Outcome{}, nil
	}
	ids := make([]int64, len(eligible))
	for i, e := range eligible {
		ids[i] = e.ID
	}

	snaps, err := r.store.SnapshotApplications(ctx, ids)
	if err != nil {
		return Outcome{Matched: len(ids), Failed: len(ids)}, storeErr(err, "snapshot expired")
	}

	var ready []int64
	snapFailures := 0
	for _, s := range snaps {
		// Re-check against the loaded row; it may have been restored since selection.
		if !s.Archived || s.ArchivedAt.IsZero() || !s.ArchivedAt.Before(cutoff) {
			continue
		}
		rec := audit.Record{
			Kind:     audit.KindDeletionSnapshot,
			Actor:    actor,
			EntityID: s.ID,
			OldValue: string(s.Status),
			NewValue: "deleted",
			Metadata: snapshotMetadata(run, s, years),
		}
		if err := r.sink.EmitDurable(ctx, rec); err != nil {
			snapFailures++
			log.Error("deletion snapshot not persisted, entity kept", logx.Int64("entity_id", s.ID), logx.Err(err))
			continue
		}
		ready = append(ready, s.ID)
	}

	if len(ready) == 0 {
		r.summary(log, run, cutoff, len(ids), nil, nil, storage.ChildCounts{}, snapFailures)
		if snapFailures > 0 {
			return Outcome{Matched: len(ids), Failed: len(ids)},
				errors.Mark(errors.Newf("%d deletion snapshots failed", snapFailures), ErrAuditEmission)
		}
		return Outcome{Matched: len(ids)}, nil
	}

	children, err := r.store.DeleteChildren(ctx, ready)
	if err != nil {
		return Outcome{Matched: len(ids), Failed: len(ready)}, r.fatal(ctx, log, run, "delete_children", ready, children, nil, err)
	}
	deleted, err := r.store.DeleteApplications(ctx, ready)
	if err != nil {
		return Outcome{Matched: len(ids), Succeeded: len(deleted), Failed: len(ready) - len(deleted)},
			r.fatal(ctx, log, run, "delete_applications", ready, children, deleted, err)
	}

	r.summary(log, run, cutoff, len(ids), ready, deleted, children, snapFailures)
	out := Outcome{Matched: len(ids), Succeeded: len(deleted), Failed: len(ids) - len(deleted)}
	if snapFailures > 0 {
		return out, errors.Mark(errors.Newf("%d deletion snapshots failed", snapFailures), ErrAuditEmission)
	}
	return out, nil
}

func snapshotMetadata(run Run, s storage.Snapshot, years int) map[string]any {
	m := map[string]any{
		"run_id":          run.ID,
		"retention_years": years,
		"job_id":          s.JobID,
		"candidate_name":  s.CandidateName,
		"candidate_email": s.CandidateEmail,
		"status":          string(s.Status),
		"archive_reason":  s.ArchiveReason,
		"notes":           s.Notes,
		"emails":          s.Emails,
		"stage_history":   s.StageHistory,
		"approvals":       s.Approvals,
	}
	for k, t := range map[string]time.Time{
		"applied_at":       s.AppliedAt,
		"stage_entered_at": s.StageEnteredAt,
		"created_at":       s.CreatedAt,
		"updated_at":       s.UpdatedAt,
		"archived_at":      s.ArchivedAt,
	} {
		if !t.IsZero() {
			m[k] = t.UTC().Format(time.RFC3339)
		}
	}
	return m
}

// fatal records a partial teardown. The record is written durably when
// possible; the returned error is marked irreversible and already audited.
func (r *Reaper) fatal(ctx context.Context, log logx.Logger, run Run, step string, attempted []int64, children storage.ChildCounts, deleted []int64, cause error) error {
	err := errors.WithDetailf(
		errors.Mark(errors.Wrapf(cause, "retention %s", step), ErrIrreversibleOperation),
		"ids attempted: %v", attempted,
	)
	log.Error("permanent deletion failed partway, manual reconciliation required",
		logx.String("step", step), logx.Int64s("ids", attempted), logx.Err(cause))

	rec := audit.Record{
		Kind:     audit.KindError,
		Actor:    audit.SystemActor(string(DataRetention)),
		Severity: audit.SeverityCritical,
		NewValue: err.Error(),
		Metadata: map[string]any{
			"run_id":            run.ID,
			"step":              step,
			"ids_attempted":     attempted,
			"ids_deleted":       deleted,
			"children_deleted":  children,
			"permanentDeletion": true,
			"error_class":       string(ClassIrreversible),
		},
	}
	if aerr := r.sink.EmitDurable(context.WithoutCancel(ctx), rec); aerr != nil {
		log.Error("critical audit write failed, queueing", logx.Err(aerr))
		if qerr := r.sink.Emit(rec); qerr != nil {
			log.Error("critical audit record lost", logx.Err(qerr))
			return err
		}
	}
	return errors.Mark(err, errAudited)
}

func (r *Reaper) summary(log logx.Logger, run Run, cutoff time.Time, matched int, attempted, deleted []int64, children storage.ChildCounts, snapFailures int) {
	if err := r.sink.Emit(audit.Record{
		Kind:  audit.KindBatch,
		Actor: audit.SystemActor(string(DataRetention)),
		Metadata: map[string]any{
			"run_id":            run.ID,
			"permanentDeletion": true,
			"matchedCount":      matched,
			"snapshot_failures": snapFailures,
			"attempted":         len(attempted),
			"deleted":           len(deleted),
			"children_deleted":  children,
			"retention_years":   run.Config.Threshold,
			"cutoff":            cutoff.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		log.Warn("reaper summary audit failed", logx.Err(err))
	}
}

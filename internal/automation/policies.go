package automation

import (
	"context"
	"time"

	"hireflow/internal/storage"
)

// ArchiveReasonExpired is stored on rows archived by AutoArchive.
const ArchiveReasonExpired = "auto_rejected_expired"

func daysBefore(now time.Time, n int) time.Time {
	return now.AddDate(0, 0, -n)
}

func statusOf(e storage.Eligible) string { return string(e.Status) }

// AutoArchivePolicy archives rejected applications untouched for n days.
func AutoArchivePolicy(now time.Time, n int) Transition {
	return Transition{
		Task: AutoArchive,
		Rule: "status=Rejected AND !archived AND updatedAt < now-Nd",
		Predicate: storage.Predicate{
			Statuses:      []storage.Status{storage.StatusRejected},
			Archived:      storage.Bool(false),
			UpdatedBefore: daysBefore(now, n),
		},
		Update:    storage.Update{Archive: true, ArchiveReason: ArchiveReasonExpired},
		Threshold: n,
		Since:     func(e storage.Eligible) time.Time { return e.UpdatedAt },
		From:      func(storage.Eligible) string { return "active" },
		To:        "archived",
	}
}

// AutoProgressPolicy moves applications sitting in Applied for n days to Reviewing.
func AutoProgressPolicy(now time.Time, n int) Transition {
	return Transition{
		Task: AutoProgress,
		Rule: "status=Applied AND appliedAt < now-Nd",
		Predicate: storage.Predicate{
			Statuses:      []storage.Status{storage.StatusApplied},
			AppliedBefore: daysBefore(now, n),
		},
		Update:    storage.Update{Status: storage.StatusReviewing},
		Threshold: n,
		Since:     func(e storage.Eligible) time.Time { return e.AppliedAt },
		From:      statusOf,
		To:        string(storage.StatusReviewing),
	}
}

// AutoRejectPolicy rejects open applications older than n days. Hired and
// Withdrawn are terminal outcomes and are never rewritten to Rejected. When
// AutoProgress is enabled, Applied rows belong to it and are excluded here,
// which keeps the two predicates disjoint for any pair of thresholds.
func AutoRejectPolicy(now time.Time, n int, progressEnabled bool) Transition {
	exclude := []storage.Status{storage.StatusRejected, storage.StatusHired, storage.StatusWithdrawn}
	rule := "status NOT IN (Rejected, Hired, Withdrawn) AND !archived AND appliedAt < now-Nd"
	if progressEnabled {
		exclude = append(exclude, storage.StatusApplied)
		rule = "status NOT IN (Applied, Rejected, Hired, Withdrawn) AND !archived AND appliedAt < now-Nd"
	}
	return Transition{
		Task: AutoReject,
		Rule: rule,
		Predicate: storage.Predicate{
			ExcludeStatuses: exclude,
			Archived:        storage.Bool(false),
			AppliedBefore:   daysBefore(now, n),
		},
		Update:    storage.Update{Status: storage.StatusRejected},
		Threshold: n,
		Since:     func(e storage.Eligible) time.Time { return e.AppliedAt },
		From:      statusOf,
		To:        string(storage.StatusRejected),
	}
}

// transitionBody adapts a policy builder into a RunFunc over eng.
func transitionBody(eng *Engine, build func(run Run) Transition) RunFunc {
	return func(ctx context.Context, run Run) (Outcome, error) {
		tr := build(run)
		tr.RunID = run.ID
		res, err := eng.Run(ctx, tr)
		return res.Outcome(), err
	}
}

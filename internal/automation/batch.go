package automation

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"hireflow/internal/audit"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

// TransitionStore is the query/update surface the batch engine needs.
type TransitionStore interface {
	FindEligible(ctx context.Context, p storage.Predicate) ([]storage.Eligible, error)
	BulkUpdate(ctx context.Context, ids []int64, guard storage.Predicate, u storage.Update) ([]int64, error)
}

// Transition describes one policy application.
type Transition struct {
	Task      Name
	RunID     string
	Rule      string
	Predicate storage.Predicate
	Update    storage.Update
	Threshold int
	// Since is the timestamp the threshold is measured from.
	Since func(e storage.Eligible) time.Time
	// From and To render the audited old and new values.
	From func(e storage.Eligible) string
	To   string
}

// TransitionResult reports one engine run. Matched always equals the number
// of per-entity audit records attempted.
type TransitionResult struct {
	Matched   int
	Succeeded []int64
	Failed    []int64
	Errors    []error
	Elapsed   time.Duration
}

func (r TransitionResult) Outcome() Outcome {
	return Outcome{Matched: r.Matched, Succeeded: len(r.Succeeded), Failed: len(r.Failed)}
}

// Engine runs predicate, bulk update, then audit for the transition policies.
type Engine struct {
	store TransitionStore
	sink  audit.Sink
	log   logx.Logger
	now   func() time.Time
}

func NewEngine(store TransitionStore, sink audit.Sink, log logx.Logger, now func() time.Time) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, sink: sink, log: log.With(logx.String("comp", "batch")), now: now}
}

// Run executes tr. A store failure aborts the run with ErrTransientStore;
// audit failures are collected in the result and never abort it.
func (e *Engine) Run(ctx context.Context, tr Transition) (TransitionResult, error) {
	start := e.now()
	var res TransitionResult
	actor := audit.SystemActor(string(tr.Task))
	log := e.log.With(logx.String("task", string(tr.Task)), logx.String("run_id", tr.RunID))

	matched, err := e.store.FindEligible(ctx, tr.Predicate)
	if err != nil {
		return res, storeErr(err, "find eligible")
	}
	res.Matched = len(matched)

	if len(matched) == 0 {
		res.Elapsed = e.now().Sub(start)
		e.summary(log, tr, res, 0)
		return res, nil
	}

	ids := make([]int64, len(matched))
	for i, m := range matched {
		ids[i] = m.ID
	}
	u := tr.Update
	u.At = start
	u.Actor = actor
	updated, err := e.store.BulkUpdate(ctx, ids, tr.Predicate, u)
	if err != nil {
		res.Failed = ids
		res.Matched = 0
		return res, storeErr(err, "bulk update")
	}
	done := make(map[int64]bool, len(updated))
	for _, id := range updated {
		done[id] = true
	}

	auditFailures := 0
	for _, m := range matched {
		daysOver := 0
		if tr.Since != nil {
			if since := tr.Since(m); !since.IsZero() {
				daysOver = int(math.Floor(start.Sub(since).Hours()/24)) - tr.Threshold
			}
		}
		rec := audit.Record{
			Kind:     audit.KindTransition,
			Actor:    actor,
			EntityID: m.ID,
			NewValue: tr.To,
			Metadata: map[string]any{
				"run_id":              tr.RunID,
				"rule":                tr.Rule,
				"threshold":           tr.Threshold,
				"days_over_threshold": daysOver,
				"job_id":              m.JobID,
			},
		}
		if tr.From != nil {
			rec.OldValue = tr.From(m)
		}
		if done[m.ID] {
			res.Succeeded = append(res.Succeeded, m.ID)
		} else {
			res.Failed = append(res.Failed, m.ID)
			rec.Kind = audit.KindTransitionSkipped
			rec.Severity = audit.SeverityWarning
			rec.NewValue = rec.OldValue
			rec.Metadata["reason"] = "no longer eligible at update time"
		}
		if err := e.sink.Emit(rec); err != nil {
			auditFailures++
			err = errors.Mark(errors.Wrapf(err, "audit entity %d", m.ID), ErrAuditEmission)
			res.Errors = append(res.Errors, err)
			log.Warn("per-entity audit failed", logx.Int64("entity_id", m.ID), logx.Err(err))
		}
	}

	res.Elapsed = e.now().Sub(start)
	e.summary(log, tr, res, auditFailures)
	return res, nil
}

func (e *Engine) summary(log logx.Logger, tr Transition, res TransitionResult, auditFailures int) {
	err := e.sink.Emit(audit.Record{
		Kind:     audit.KindBatch,
		Actor:    audit.SystemActor(string(tr.Task)),
		NewValue: tr.To,
		Metadata: map[string]any{
			"run_id":         tr.RunID,
			"rule":           tr.Rule,
			"matchedCount":   res.Matched,
			"succeeded":      len(res.Succeeded),
			"skipped":        len(res.Failed),
			"audit_failures": auditFailures,
			"threshold":      tr.Threshold,
			"elapsed_ms":     res.Elapsed.Milliseconds(),
		},
	})
	if err != nil {
		log.Warn("batch summary audit failed", logx.Err(err))
	}
}

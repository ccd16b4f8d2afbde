package automation

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"hireflow/internal/audit"
	"hireflow/internal/settings"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

// StaleEntry is one application that has sat in its stage past the threshold.
type StaleEntry struct {
	EntityID       int64          `json:"entity_id"`
	JobID          int64          `json:"job_id"`
	Status         storage.Status `json:"status"`
	StageEnteredAt time.Time      `json:"stage_entered_at"`
	DaysInStage    int            `json:"days_in_stage"`
	Threshold      int            `json:"threshold"`
}

// StaleReader is the read-only view handed to consumers.
type StaleReader interface {
	IsStale(id int64) bool
	Count() int
	All() []StaleEntry
	ComputedAt() time.Time
}

type staleSnapshot struct {
	entries    map[int64]StaleEntry
	computedAt time.Time
}

// StaleIndex holds the latest detector result. Each run replaces it whole.
// A never-populated or cleared index reports nothing as stale.
type StaleIndex struct {
	cur atomic.Pointer[staleSnapshot]
}

func NewStaleIndex() *StaleIndex { return &StaleIndex{} }

// Replace installs entries as the new snapshot.
func (ix *StaleIndex) Replace(entries []StaleEntry, at time.Time) {
	m := make(map[int64]StaleEntry, len(entries))
	for _, e := range entries {
		m[e.EntityID] = e
	}
	ix.cur.Store(&staleSnapshot{entries: m, computedAt: at})
}

func (ix *StaleIndex) Clear() { ix.cur.Store(nil) }

func (ix *StaleIndex) IsStale(id int64) bool {
	s := ix.cur.Load()
	if s == nil {
		return false
	}
	_, ok := s.entries[id]
	return ok
}

func (ix *StaleIndex) Count() int {
	s := ix.cur.Load()
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// All returns entries ordered by days in stage, longest first.
func (ix *StaleIndex) All() []StaleEntry {
	s := ix.cur.Load()
	if s == nil {
		return nil
	}
	out := make([]StaleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DaysInStage != out[j].DaysInStage {
			return out[i].DaysInStage > out[j].DaysInStage
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

func (ix *StaleIndex) ComputedAt() time.Time {
	s := ix.cur.Load()
	if s == nil {
		return time.Time{}
	}
	return s.computedAt
}

// Detector rebuilds the stale index.
type Detector struct {
	store    TransitionStore
	index    *StaleIndex
	provider settings.Provider
	resolve  func(settings.Snapshot) Config
	sink     audit.Sink
	log      logx.Logger
	now      func() time.Time
}

func stalePredicate(now time.Time, days int) storage.Predicate {
	return storage.Predicate{
		Archived:           storage.Bool(false),
		StageEnteredBefore: daysBefore(now, days),
	}
}

func (d *Detector) entries(ctx context.Context, now time.Time, p storage.Predicate, threshold int) ([]StaleEntry, error) {
	rows, err := d.store.FindEligible(ctx, p)
	if err != nil {
		return nil, storeErr(err, "find stale")
	}
	out := make([]StaleEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, StaleEntry{
			EntityID:       r.ID,
			JobID:          r.JobID,
			Status:         r.Status,
			StageEnteredAt: r.StageEnteredAt,
			DaysInStage:    int(math.Floor(now.Sub(r.StageEnteredAt).Hours() / 24)),
			Threshold:      threshold,
		})
	}
	return out, nil
}

// Run is the detector's RunFunc.
func (d *Detector) Run(ctx context.Context, run Run) (Outcome, error) {
	n := run.Config.Threshold
	entries, err := d.entries(ctx, run.Now, stalePredicate(run.Now, n), n)
	if err != nil {
		return Outcome{}, err
	}
	prev := d.index.Count()
	d.index.Replace(entries, run.Now)

	if err := d.sink.Emit(audit.Record{
		Kind:  audit.KindStaleIndex,
		Actor: audit.SystemActor(string(StaleDetector)),
		Metadata: map[string]any{
			"run_id":         run.ID,
			"threshold":      n,
			"matchedCount":   len(entries),
			"previous_count": prev,
		},
	}); err != nil {
		d.log.Warn("stale index audit failed", logx.Err(err))
	}
	return Outcome{Matched: len(entries), Succeeded: len(entries)}, nil
}

// Fresh answers IsStale for id straight from the store with the detector's
// current threshold. A disabled detector reports false.
func (d *Detector) Fresh(ctx context.Context, id int64) (StaleEntry, bool, error) {
	snap, err := d.provider.Snapshot(ctx)
	if err != nil {
		return StaleEntry{}, false, storeErr(err, "read settings")
	}
	cfg := d.resolve(snap)
	if !cfg.Enabled {
		return StaleEntry{}, false, nil
	}
	now := d.now()
	p := stalePredicate(now, cfg.Threshold)
	p.IDs = []int64{id}
	entries, err := d.entries(ctx, now, p, cfg.Threshold)
	if err != nil || len(entries) == 0 {
		return StaleEntry{}, false, err
	}
	return entries[0], true, nil
}

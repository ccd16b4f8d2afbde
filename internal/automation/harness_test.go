package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"hireflow/internal/audit"
	"hireflow/internal/settings"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

func ago(days int) time.Time { return testNow.Add(-time.Duration(days) * 24 * time.Hour) }

type fakeArmer struct {
	mu      sync.Mutex
	seq     cron.EntryID
	jobs    map[cron.EntryID]func()
	scheds  map[cron.EntryID]cron.Schedule
	arms    int
	retires int
}

func newFakeArmer() *fakeArmer {
	return &fakeArmer{jobs: map[cron.EntryID]func(){}, scheds: map[cron.EntryID]cron.Schedule{}}
}

func (f *fakeArmer) Arm(s cron.Schedule, job func()) cron.EntryID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.jobs[f.seq] = job
	f.scheds[f.seq] = s
	f.arms++
	return f.seq
}

func (f *fakeArmer) Retire(id cron.EntryID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
	delete(f.scheds, id)
	f.retires++
}

func (f *fakeArmer) Next(id cron.EntryID) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.scheds[id]; ok {
		return s.Next(testNow)
	}
	return time.Time{}
}

func (f *fakeArmer) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeArmer) counts() (arms, retires int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.arms, f.retires
}

// fireAll invokes every live cron job once, like the cron runner would.
func (f *fakeArmer) fireAll() {
	f.mu.Lock()
	jobs := make([]func(), 0, len(f.jobs))
	for _, j := range f.jobs {
		jobs = append(jobs, j)
	}
	f.mu.Unlock()
	for _, j := range jobs {
		j()
	}
}

// flakyStore is the sqlite store with injectable failures.
type flakyStore struct {
	*storage.SQLite

	mu             sync.Mutex
	failFind       error
	failChildren   error
	failDeleteApps error
	onFind         func()
}

func (f *flakyStore) FindEligible(ctx context.Context, p storage.Predicate) ([]storage.Eligible, error) {
	f.mu.Lock()
	err, hook := f.failFind, f.onFind
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rows, err := f.SQLite.FindEligible(ctx, p)
	if hook != nil {
		hook()
	}
	return rows, err
}

func (f *flakyStore) DeleteChildren(ctx context.Context, ids []int64) (storage.ChildCounts, error) {
	f.mu.Lock()
	err := f.failChildren
	f.mu.Unlock()
	if err != nil {
		return storage.ChildCounts{}, err
	}
	return f.SQLite.DeleteChildren(ctx, ids)
}

func (f *flakyStore) DeleteApplications(ctx context.Context, ids []int64) ([]int64, error) {
	f.mu.Lock()
	err := f.failDeleteApps
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.SQLite.DeleteApplications(ctx, ids)
}

// flakyProvider lets a test make the settings store unreachable.
type flakyProvider struct {
	settings.Provider
	mu   sync.Mutex
	fail error
}

func (p *flakyProvider) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

func (p *flakyProvider) Snapshot(ctx context.Context) (settings.Snapshot, error) {
	p.mu.Lock()
	err := p.fail
	p.mu.Unlock()
	if err != nil {
		return settings.Snapshot{}, err
	}
	return p.Provider.Snapshot(ctx)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *storage.SQLite
	store    *flakyStore
	provider *flakyProvider
	settings *settings.Store
	sink     *audit.MemorySink
	armer    *fakeArmer
	sup      *Supervisor
}

func newHarness(t *testing.T, kv map[string]string) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	for k, v := range kv {
		require.NoError(t, db.PutSetting(ctx, k, v))
	}
	st := settings.NewStore(db, settings.WithTTL(0))
	h := &harness{
		t:        t,
		ctx:      ctx,
		db:       db,
		store:    &flakyStore{SQLite: db},
		provider: &flakyProvider{Provider: st},
		settings: st,
		sink:     audit.NewMemory(),
		armer:    newFakeArmer(),
	}
	h.sup, err = newSupervisor(Deps{
		Settings: h.provider,
		Store:    h.store,
		Audit:    h.sink,
		Counter:  db,
		Log:      logx.Nop(),
		Clock:    testClock,
	}, Options{ShutdownTimeout: 2 * time.Second}, nil, h.armer)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.sup.Stop(context.Background())
		_ = db.Close()
	})
	return h
}

func (h *harness) seed(a storage.Application) int64 {
	h.t.Helper()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = a.AppliedAt
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.AppliedAt
	}
	id, err := h.db.InsertApplication(h.ctx, a)
	require.NoError(h.t, err)
	return id
}

func (h *harness) get(id int64) storage.Application {
	h.t.Helper()
	a, err := h.db.GetApplication(h.ctx, id)
	require.NoError(h.t, err)
	return a
}

func (h *harness) trigger(name Name) {
	h.t.Helper()
	ran, err := h.sup.TriggerNow(h.ctx, name)
	require.NoError(h.t, err)
	require.True(h.t, ran)
}

func (h *harness) summaries(name Name) []audit.Record {
	var out []audit.Record
	for _, r := range h.sink.ByKind(audit.KindBatch) {
		if r.Actor == audit.SystemActor(string(name)) {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) entityRecords(name Name) []audit.Record {
	var out []audit.Record
	for _, r := range h.sink.Records() {
		if r.Actor != audit.SystemActor(string(name)) {
			continue
		}
		if r.Kind == audit.KindTransition || r.Kind == audit.KindTransitionSkipped {
			out = append(out, r)
		}
	}
	return out
}

package automation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hireflow/internal/audit"
	rtsup "hireflow/internal/runtime/supervisor"
	"hireflow/internal/settings"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

func TestReconcileArmsOnlyOnChange(t *testing.T) {
	h := newHarness(t, map[string]string{settings.KeyAutoRejectDays: "30"})
	task, _ := h.sup.Task(AutoReject)

	require.NoError(t, task.Reconcile(h.ctx))
	require.NoError(t, task.Reconcile(h.ctx))
	arms, retires := h.armer.counts()
	assert.Equal(t, 1, arms)
	assert.Equal(t, 0, retires)

	// Threshold changes do not touch the trigger.
	require.NoError(t, h.settings.Set(h.ctx, settings.KeyAutoRejectDays, "45"))
	require.NoError(t, task.Reconcile(h.ctx))
	arms, _ = h.armer.counts()
	assert.Equal(t, 1, arms)
	assert.Equal(t, 45, task.ScheduleInfo().Threshold)

	// Timing changes re-arm, leaving exactly one live entry.
	require.NoError(t, h.settings.Set(h.ctx, settings.KeyRunHour, "6"))
	require.NoError(t, task.Reconcile(h.ctx))
	arms, retires = h.armer.counts()
	assert.Equal(t, 2, arms)
	assert.Equal(t, 1, retires)
	assert.Equal(t, 1, h.armer.live())
	assert.Equal(t, 6, task.ScheduleInfo().NextFire.Hour())

	// Disabling retires and idles.
	require.NoError(t, h.settings.Set(h.ctx, settings.KeyAutoRejectDays, "0"))
	require.NoError(t, task.Reconcile(h.ctx))
	assert.Equal(t, 0, h.armer.live())
	info := task.ScheduleInfo()
	assert.Equal(t, StateIdle, info.State)
	assert.Equal(t, "disabled", info.NextFireDescription)

	// Re-enabling arms again.
	require.NoError(t, h.settings.Set(h.ctx, settings.KeyAutoRejectDays, "10"))
	require.NoError(t, task.Reconcile(h.ctx))
	assert.Equal(t, 1, h.armer.live())
}

func TestReconcileFailureKeepsSchedule(t *testing.T) {
	h := newHarness(t, map[string]string{settings.KeyAutoRejectDays: "30"})
	task, _ := h.sup.Task(AutoReject)
	require.NoError(t, task.Reconcile(h.ctx))
	before := task.ScheduleInfo()

	h.provider.setFail(errors.New("settings store unreachable"))
	err := task.Reconcile(h.ctx)
	require.Error(t, err)
	assert.Equal(t, ClassTransientStore, Classify(err))

	after := task.ScheduleInfo()
	assert.Equal(t, 1, h.armer.live())
	assert.Equal(t, StateArmed, after.State)
	assert.True(t, after.Enabled)
	assert.Equal(t, before.NextFire, after.NextFire)
	assert.NotEmpty(t, after.ReconcileError)
}

func TestMisconfigurationIsAuditedOnce(t *testing.T) {
	h := newHarness(t, map[string]string{settings.KeyRetentionYears: "1"})
	task, _ := h.sup.Task(DataRetention)
	require.NoError(t, task.Reconcile(h.ctx))
	require.NoError(t, task.Reconcile(h.ctx))

	cfgRecs := h.sink.ByKind(audit.KindConfig)
	require.Len(t, cfgRecs, 1)
	assert.Equal(t, audit.SeverityWarning, cfgRecs[0].Severity)
	assert.False(t, task.ScheduleInfo().Enabled)
	assert.Equal(t, 0, h.armer.live())
}

// blockingTask builds a task whose body waits on release.
func blockingTask(t *testing.T, h *harness, body RunFunc) (*PeriodicTask, *rtsup.Supervisor) {
	t.Helper()
	sup := rtsup.New(context.Background())
	task := newTask(AutoReject, body, taskDeps{
		provider: h.provider,
		resolve:  func(s settings.Snapshot) Config { return Resolve(AutoReject, s, time.UTC) },
		armer:    h.armer,
		spawn:    sup,
		sink:     h.sink,
		log:      logx.Nop(),
		now:      testClock,
	})
	return task, sup
}

func TestOverlappingFireIsDropped(t *testing.T) {
	h := newHarness(t, map[string]string{settings.KeyAutoRejectDays: "30"})
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var runs atomic.Int32
	task, sup := blockingTask(t, h, func(ctx context.Context, run Run) (Outcome, error) {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return Outcome{}, nil
	})
	require.NoError(t, task.Reconcile(h.ctx))

	task.onTimer()
	<-started
	assert.True(t, task.IsRunning())
	assert.Equal(t, StateFiring, task.ScheduleInfo().State)

	task.onTimer()
	ran, err := task.TriggerNow(h.ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, uint64(2), task.ScheduleInfo().Dropped)
	assert.False(t, task.IsRunning())
}

func TestPanicIsContainedAndTimerKept(t *testing.T) {
	h := newHarness(t, map[string]string{settings.KeyAutoRejectDays: "30"})
	var calls atomic.Int32
	task, _ := blockingTask(t, h, func(ctx context.Context, run Run) (Outcome, error) {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return Outcome{Matched: 2, Succeeded: 2}, nil
	})
	require.NoError(t, task.Reconcile(h.ctx))

	ran, err := task.TriggerNow(h.ctx)
	assert.True(t, ran)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	errs := h.sink.ByKind(audit.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, audit.SystemActor(string(AutoReject)), errs[0].Actor)
	assert.Equal(t, 1, h.armer.live())

	ran, err = task.TriggerNow(h.ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	info := task.ScheduleInfo()
	require.NotNil(t, info.LastRun)
	assert.Equal(t, 2, info.LastRun.Outcome.Matched)
	assert.Len(t, info.History, 2)
}

func TestTimerFireRunsBody(t *testing.T) {
	h := newHarness(t, map[string]string{settings.KeyAutoProgressAppliedDays: "30"})
	id := h.seed(storage.Application{Status: storage.StatusApplied, AppliedAt: ago(31)})
	require.NoError(t, h.sup.ReconcileAll(h.ctx))
	require.Equal(t, 1, h.armer.live())

	h.armer.fireAll()
	require.Eventually(t, func() bool {
		a, err := h.db.GetApplication(h.ctx, id)
		return err == nil && a.Status == storage.StatusReviewing
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopRetiresAndRejectsTriggers(t *testing.T) {
	h := newHarness(t, map[string]string{
		settings.KeyAutoRejectDays:       "30",
		settings.KeyStaleApplicationDays: "7",
	})
	require.NoError(t, h.sup.ReconcileAll(h.ctx))
	require.Equal(t, 2, h.armer.live())

	h.seed(storage.Application{Status: storage.StatusReviewing, AppliedAt: ago(30), StageEnteredAt: ago(20)})
	h.trigger(StaleDetector)
	require.Equal(t, 1, h.sup.Stale().Count())

	require.NoError(t, h.sup.Stop(context.Background()))
	assert.Equal(t, 0, h.armer.live())
	assert.Equal(t, 0, h.sup.Stale().Count())
	assert.True(t, h.sup.Stale().ComputedAt().IsZero())
	for _, info := range h.sup.Infos() {
		assert.Equal(t, StateStopped, info.State, info.Name)
	}
	_, err := h.sup.TriggerNow(h.ctx, AutoReject)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	h := newHarness(t, map[string]string{settings.KeyAutoRejectDays: "30"})
	release := make(chan struct{})
	var finished atomic.Bool
	task, sup := blockingTask(t, h, func(ctx context.Context, run Run) (Outcome, error) {
		<-release
		finished.Store(true)
		return Outcome{}, nil
	})
	require.NoError(t, task.Reconcile(h.ctx))
	task.onTimer()
	require.Eventually(t, task.IsRunning, time.Second, 5*time.Millisecond)

	task.Stop()
	assert.Equal(t, 0, h.armer.live())
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
	assert.True(t, finished.Load())
}

func TestFireAfterSpawnerClosedDoesNotRun(t *testing.T) {
	h := newHarness(t, map[string]string{settings.KeyAutoRejectDays: "30"})
	var calls atomic.Int32
	task, sup := blockingTask(t, h, func(ctx context.Context, run Run) (Outcome, error) {
		calls.Add(1)
		return Outcome{}, nil
	})
	require.NoError(t, task.Reconcile(h.ctx))
	require.NoError(t, sup.Wait(context.Background()))

	task.onTimer()
	ran, err := task.TriggerNow(h.ctx)
	assert.False(t, ran)
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, task.IsRunning())
	assert.Equal(t, int32(0), calls.Load())
}

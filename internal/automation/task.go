package automation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"hireflow/internal/audit"
	"hireflow/internal/settings"
	logx "hireflow/pkg/logx"
)

const historySize = 20

// Run is the input of one fire.
type Run struct {
	ID       string
	Task     Name
	Config   Config
	Settings settings.Snapshot
	Now      time.Time
	Manual   bool
}

// Outcome is what a fire reports back for introspection.
type Outcome struct {
	Matched   int    `json:"matched"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Note      string `json:"note,omitempty"`
}

// RunFunc is the body of a task.
type RunFunc func(ctx context.Context, run Run) (Outcome, error)

// RunRecord is one entry of a task's run history.
type RunRecord struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Manual    bool          `json:"manual"`
	Skipped   string        `json:"skipped,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// Info is the introspection view of a task.
type Info struct {
	Name                Name        `json:"name"`
	State               State       `json:"state"`
	Enabled             bool        `json:"enabled"`
	Threshold           int         `json:"threshold"`
	Unit                Unit        `json:"unit,omitempty"`
	Trigger             string      `json:"trigger"`
	NextFire            time.Time   `json:"next_fire,omitempty"`
	NextFireDescription string      `json:"next_fire_description"`
	IsRunning           bool        `json:"is_running"`
	Misconfigured       string      `json:"misconfigured,omitempty"`
	ReconciledAt        time.Time   `json:"reconciled_at,omitempty"`
	ReconcileError      string      `json:"reconcile_error,omitempty"`
	LastRun             *RunRecord  `json:"last_run,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	Dropped             uint64      `json:"dropped"`
	History             []RunRecord `json:"history,omitempty"`
}

// armer installs and removes cron entries.
type armer interface {
	Arm(s cron.Schedule, job func()) cron.EntryID
	Retire(id cron.EntryID)
	Next(id cron.EntryID) time.Time
}

type cronArmer struct{ c *cron.Cron }

func (a cronArmer) Arm(s cron.Schedule, job func()) cron.EntryID {
	return a.c.Schedule(s, cron.FuncJob(job))
}
func (a cronArmer) Retire(id cron.EntryID)         { a.c.Remove(id) }
func (a cronArmer) Next(id cron.EntryID) time.Time { return a.c.Entry(id).Next }

// spawner runs fire bodies; *supervisor.Supervisor implements it.
type spawner interface {
	TryGo(name string, fn func(ctx context.Context) error) bool
}

// PeriodicTask is one independently scheduled automation.
type PeriodicTask struct {
	name     Name
	body     RunFunc
	provider settings.Provider
	resolve  func(settings.Snapshot) Config
	armer    armer
	spawn    spawner
	sink     audit.Sink
	log      logx.Logger
	now      func() time.Time
	onIdle   func()

	mu           sync.Mutex
	state        State
	cfg          Config
	entry        cron.EntryID
	armed        bool
	reconciledAt time.Time
	reconcileErr string
	lastMisconf  string
	history      []RunRecord
	lastErr      string

	inFlight atomic.Bool
	stopped  atomic.Bool
	dropped  atomic.Uint64
	kick     chan struct{}
}

type taskDeps struct {
	provider settings.Provider
	resolve  func(settings.Snapshot) Config
	armer    armer
	spawn    spawner
	sink     audit.Sink
	log      logx.Logger
	now      func() time.Time
	onIdle   func()
}

func newTask(name Name, body RunFunc, d taskDeps) *PeriodicTask {
	if d.now == nil {
		d.now = time.Now
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	return &PeriodicTask{
		name:     name,
		body:     body,
		provider: d.provider,
		resolve:  d.resolve,
		armer:    d.armer,
		spawn:    d.spawn,
		sink:     d.sink,
		log:      d.log.With(logx.String("task", string(name))),
		now:      d.now,
		onIdle:   d.onIdle,
		state:    StateIdle,
		cfg:      Config{Name: name},
		kick:     make(chan struct{}, 1),
	}
}

func (t *PeriodicTask) Name() Name { return t.name }

// Reconcile re-reads settings and re-arms the trigger if the enabled flag or
// timing changed. On a settings failure the current schedule is kept.
func (t *PeriodicTask) Reconcile(ctx context.Context) error {
	if t.stopped.Load() {
		return ErrStopped
	}
	t.mu.Lock()
	prev := t.state
	t.state = StateReconciling
	t.mu.Unlock()

	snap, err := t.provider.Snapshot(ctx)
	if err != nil {
		err = storeErr(err, "read settings")
		t.mu.Lock()
		t.state = prev
		t.reconcileErr = err.Error()
		t.mu.Unlock()
		t.log.Warn("reconcile failed, keeping current schedule", logx.Err(err))
		return err
	}
	cfg := t.resolve(snap)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconciledAt = t.now()
	t.reconcileErr = ""
	t.noteMisconfigLocked(cfg)

	if t.stopped.Load() {
		t.state = StateStopped
		return ErrStopped
	}

	if !cfg.Enabled {
		wasArmed := t.armed
		t.retireLocked()
		t.cfg = cfg
		t.state = StateIdle
		if wasArmed {
			t.log.Info("automation disabled, trigger retired")
		}
		if t.onIdle != nil {
			t.onIdle()
		}
		return nil
	}

	if t.armed && t.cfg.SameSchedule(cfg) {
		t.cfg = cfg
		t.state = StateArmed
		return nil
	}

	sched, err := cfg.Trigger.Schedule()
	if err != nil {
		t.state = prev
		err = errors.Mark(errors.Wrap(err, "build trigger"), ErrConfiguration)
		t.log.Error("cannot arm automation", logx.Err(err))
		return err
	}
	t.retireLocked()
	t.entry = t.armer.Arm(sched, t.onTimer)
	t.armed = true
	t.cfg = cfg
	t.state = StateArmed
	t.log.Info("automation armed",
		logx.String("trigger", cfg.Trigger.Describe()),
		logx.Int("threshold", cfg.Threshold))
	return nil
}

func (t *PeriodicTask) retireLocked() {
	if t.armed {
		t.armer.Retire(t.entry)
		t.armed = false
		t.entry = 0
	}
}

func (t *PeriodicTask) noteMisconfigLocked(cfg Config) {
	if cfg.Misconfigured == t.lastMisconf {
		return
	}
	t.lastMisconf = cfg.Misconfigured
	if cfg.Misconfigured == "" {
		return
	}
	t.log.Warn("automation misconfigured", logx.String("problem", cfg.Misconfigured))
	if err := t.sink.Emit(audit.Record{
		Kind:     audit.KindConfig,
		Actor:    audit.SystemActor(string(t.name)),
		Severity: audit.SeverityWarning,
		NewValue: cfg.Misconfigured,
		Metadata: map[string]any{"enabled": cfg.Enabled, "error_class": string(ClassConfiguration)},
	}); err != nil {
		t.log.Warn("audit emit failed", logx.Err(err))
	}
}

// Kick requests an immediate reconcile from the task's loop.
func (t *PeriodicTask) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// loop reconciles at start, then every interval() or on Kick.
func (t *PeriodicTask) loop(ctx context.Context, interval func() time.Duration) error {
	_ = t.Reconcile(ctx)
	for {
		timer := time.NewTimer(interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-t.kick:
			timer.Stop()
		}
		if err := t.Reconcile(ctx); errors.Is(err, ErrStopped) {
			return nil
		}
	}
}

// onTimer is the cron job. It drops the fire if one is already running.
func (t *PeriodicTask) onTimer() {
	if t.stopped.Load() {
		return
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		t.dropped.Add(1)
		t.log.Warn("previous run still in flight, fire dropped")
		return
	}
	if !t.spawn.TryGo("fire."+string(t.name), func(ctx context.Context) error {
		defer t.inFlight.Store(false)
		_ = t.execute(ctx, false)
		return nil
	}) {
		t.inFlight.Store(false)
	}
}

// TriggerNow runs the task out of band through the same path as a timer
// fire. ran is false when a run was already in flight.
func (t *PeriodicTask) TriggerNow(ctx context.Context) (ran bool, err error) {
	if t.stopped.Load() {
		return false, ErrStopped
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		t.dropped.Add(1)
		return false, nil
	}
	done := make(chan error, 1)
	if !t.spawn.TryGo("trigger."+string(t.name), func(c context.Context) error {
		defer t.inFlight.Store(false)
		done <- t.execute(c, true)
		return nil
	}) {
		t.inFlight.Store(false)
		return false, ErrStopped
	}
	select {
	case err := <-done:
		return true, err
	case <-ctx.Done():
		return true, errors.Wrap(ctx.Err(), "run continues in background")
	}
}

// execute resolves fresh settings and runs the body. Errors and panics end
// up in the audit trail; they never escape to the scheduler.
func (t *PeriodicTask) execute(ctx context.Context, manual bool) error {
	start := t.now()
	rec := RunRecord{ID: uuid.NewString(), StartedAt: start, Manual: manual}
	log := t.log.With(logx.String("run_id", rec.ID))

	snap, err := t.provider.Snapshot(ctx)
	if err != nil {
		err = storeErr(err, "read settings")
		t.finish(log, rec, err)
		return err
	}
	cfg := t.resolve(snap)
	if !cfg.Enabled {
		rec.Skipped = "disabled"
		t.finish(log, rec, nil)
		if manual {
			return ErrTaskDisabled
		}
		return nil
	}

	log.Info("automation run started", logx.Bool("manual", manual))
	out, err := t.safeRun(ctx, Run{ID: rec.ID, Task: t.name, Config: cfg, Settings: snap, Now: start, Manual: manual})
	rec.Outcome = out
	t.finish(log, rec, err)
	return err
}

func (t *PeriodicTask) safeRun(ctx context.Context, run Run) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
			t.log.Error("automation panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.body(ctx, run)
}

func (t *PeriodicTask) finish(log logx.Logger, rec RunRecord, err error) {
	rec.Duration = t.now().Sub(rec.StartedAt)
	if err != nil {
		rec.Error = err.Error()
		log.Error("automation run failed", logx.Err(err), logx.String("class", string(Classify(err))))
		if !errors.Is(err, errAudited) {
			if aerr := t.sink.Emit(audit.Record{
				Kind:     audit.KindError,
				Actor:    audit.SystemActor(string(t.name)),
				Severity: audit.SeverityError,
				NewValue: err.Error(),
				Metadata: map[string]any{
					"run_id":      rec.ID,
					"manual":      rec.Manual,
					"error_class": string(Classify(err)),
				},
			}); aerr != nil {
				log.Warn("audit emit failed", logx.Err(aerr))
			}
		}
	} else if rec.Skipped == "" {
		log.Info("automation run finished",
			logx.Int("matched", rec.Outcome.Matched),
			logx.Int("succeeded", rec.Outcome.Succeeded),
			logx.Int("failed", rec.Outcome.Failed),
			logx.Duration("elapsed", rec.Duration))
	}

	t.mu.Lock()
	t.history = append(t.history, rec)
	if len(t.history) > historySize {
		t.history = t.history[len(t.history)-historySize:]
	}
	if err != nil {
		t.lastErr = rec.Error
	} else if rec.Skipped == "" {
		t.lastErr = ""
	}
	t.mu.Unlock()
}

// Stop retires the trigger. Runs already in flight are not interrupted.
func (t *PeriodicTask) Stop() {
	t.stopped.Store(true)
	t.mu.Lock()
	t.retireLocked()
	t.state = StateStopped
	t.mu.Unlock()
}

// IsRunning reports whether a fire is in flight.
func (t *PeriodicTask) IsRunning() bool { return t.inFlight.Load() }

// ScheduleInfo reports the task's current schedule and run status.
func (t *PeriodicTask) ScheduleInfo() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := Info{
		Name:           t.name,
		State:          t.state,
		Enabled:        t.cfg.Enabled,
		Threshold:      t.cfg.Threshold,
		Unit:           t.cfg.Unit,
		IsRunning:      t.inFlight.Load(),
		Misconfigured:  t.cfg.Misconfigured,
		ReconciledAt:   t.reconciledAt,
		ReconcileError: t.reconcileErr,
		LastError:      t.lastErr,
		Dropped:        t.dropped.Load(),
		History:        append([]RunRecord(nil), t.history...),
	}
	if info.IsRunning && info.State == StateArmed {
		info.State = StateFiring
	}
	if len(t.history) > 0 {
		last := t.history[len(t.history)-1]
		info.LastRun = &last
	}
	if !t.cfg.Trigger.IsZero() {
		info.Trigger = t.cfg.Trigger.Describe()
	}
	switch {
	case !t.cfg.Enabled:
		info.NextFireDescription = "disabled"
	case t.armed:
		next := t.armer.Next(t.entry)
		if next.IsZero() {
			next = t.cfg.Trigger.Next(t.now())
		}
		info.NextFire = next
		info.NextFireDescription = fmt.Sprintf("%s, next %s", t.cfg.Trigger.Describe(), next.Format(time.RFC3339))
	default:
		info.NextFireDescription = "not armed"
	}
	return info
}

// Package automation runs the periodic workflow automations of the
// applicant pipeline: status transitions, stale detection, data retention and
// the weekly digest.
//
// Every task re-reads its settings on an hourly reconcile and re-arms its own
// cron entry when the resolved schedule changes. A fire re-reads settings
// again, so a threshold change applies to the very next run.
package automation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"hireflow/internal/audit"
	"hireflow/internal/notify"
	rtsup "hireflow/internal/runtime/supervisor"
	"hireflow/internal/settings"
	logx "hireflow/pkg/logx"
)

// Store is everything the automations read and write.
type Store interface {
	TransitionStore
	ReaperStore
	DigestStore
}

type Deps struct {
	Settings settings.Provider
	Store    Store
	Audit    audit.Sink
	// Counter feeds automation totals into the digest; optional.
	Counter  AuditCounter
	Notifier notify.Sender
	Log      logx.Logger
	Clock    func() time.Time
}

type Options struct {
	Location          *time.Location
	ReconcileInterval time.Duration
	ShutdownTimeout   time.Duration
	DrainTimeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = time.Hour
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	return o
}

type drainer interface {
	Drain(ctx context.Context) error
}

// Supervisor owns the cron runner, every PeriodicTask and the stale index.
type Supervisor struct {
	deps Deps
	opts Options
	log  logx.Logger

	loc       atomic.Pointer[time.Location]
	reconcile atomic.Int64

	cron     *cron.Cron
	armer    armer
	index    *StaleIndex
	detector *Detector
	order    []Name
	tasks    map[Name]*PeriodicTask

	fires *rtsup.Supervisor

	mu      sync.Mutex
	loops   *rtsup.Supervisor
	started bool
	stopped bool
}

// New builds a supervisor with every task constructed but nothing armed.
// TriggerNow works without Start.
func New(deps Deps, opts Options) (*Supervisor, error) {
	opts = opts.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cronLogger{log: log.With(logx.String("comp", "cron"))}),
	)
	return newSupervisor(deps, opts, c, cronArmer{c: c})
}

func newSupervisor(deps Deps, opts Options, c *cron.Cron, a armer) (*Supervisor, error) {
	switch {
	case deps.Settings == nil:
		return nil, errors.New("automation: settings provider is required")
	case deps.Store == nil:
		return nil, errors.New("automation: store is required")
	case deps.Audit == nil:
		return nil, errors.New("automation: audit sink is required")
	}
	opts = opts.withDefaults()
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	log := deps.Log.With(logx.String("comp", "automation"))

	s := &Supervisor{
		deps:  deps,
		opts:  opts,
		log:   log,
		cron:  c,
		armer: a,
		index: NewStaleIndex(),
		tasks: map[Name]*PeriodicTask{},
		fires: rtsup.New(context.Background(),
			rtsup.WithLogger(log.With(logx.String("sup", "fires"))),
			rtsup.WithCancelOnError(false),
		),
	}
	s.loc.Store(opts.Location)
	s.reconcile.Store(int64(opts.ReconcileInterval))

	resolverFor := func(name Name) func(settings.Snapshot) Config {
		return func(snap settings.Snapshot) Config { return Resolve(name, snap, s.loc.Load()) }
	}

	engine := NewEngine(deps.Store, deps.Audit, log, deps.Clock)
	s.detector = &Detector{
		store:    deps.Store,
		index:    s.index,
		provider: deps.Settings,
		resolve:  resolverFor(StaleDetector),
		sink:     deps.Audit,
		log:      log.With(logx.String("comp", "stale")),
		now:      deps.Clock,
	}
	reaper := NewReaper(deps.Store, deps.Audit, log)
	digest := NewDigestSender(deps.Store, deps.Counter, s.index, deps.Notifier, deps.Audit, log)

	bodies := map[Name]RunFunc{
		AutoArchive: transitionBody(engine, func(run Run) Transition {
			return AutoArchivePolicy(run.Now, run.Config.Threshold)
		}),
		AutoProgress: transitionBody(engine, func(run Run) Transition {
			return AutoProgressPolicy(run.Now, run.Config.Threshold)
		}),
		AutoReject: transitionBody(engine, func(run Run) Transition {
			progress := Resolve(AutoProgress, run.Settings, s.loc.Load())
			return AutoRejectPolicy(run.Now, run.Config.Threshold, progress.Enabled)
		}),
		DataRetention: reaper.Run,
		StaleDetector: s.detector.Run,
		WeeklyDigest:  digest.Run,
	}

	for _, name := range Names() {
		d := taskDeps{
			provider: deps.Settings,
			resolve:  resolverFor(name),
			armer:    a,
			spawn:    s.fires,
			sink:     deps.Audit,
			log:      log,
			now:      deps.Clock,
		}
		if name == StaleDetector {
			d.onIdle = s.index.Clear
		}
		s.tasks[name] = newTask(name, bodies[name], d)
		s.order = append(s.order, name)
	}
	return s, nil
}

// Start runs the cron scheduler and one reconcile loop per task.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.loops = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("sup", "reconcile"))),
		rtsup.WithCancelOnError(false),
	)
	if s.cron != nil {
		s.cron.Start()
	}
	interval := func() time.Duration { return time.Duration(s.reconcile.Load()) }
	for _, name := range s.order {
		t := s.tasks[name]
		s.loops.GoRestart("reconcile."+string(name), func(c context.Context) error {
			return t.loop(c, interval)
		}, time.Second, time.Minute)
	}
	s.log.Info("automation scheduler started",
		logx.Int("tasks", len(s.order)),
		logx.String("tz", s.loc.Load().String()),
		logx.Duration("reconcile_every", interval()))
	return nil
}

// Stop retires every trigger, waits for in-flight runs up to the shutdown
// timeout, drains the audit sink and clears the stale index. It proceeds
// after the bounds regardless.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	loops := s.loops
	started := s.started
	s.mu.Unlock()

	if loops != nil {
		loops.Cancel()
	}
	for _, name := range s.order {
		s.tasks[name].Stop()
	}
	if started && s.cron != nil {
		s.cron.Stop()
	}

	var errs error
	wctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	if err := s.fires.Wait(wctx); err != nil {
		s.log.Warn("in-flight runs did not finish in time, cancelling", logx.Err(err))
		s.fires.Cancel()
		errs = errors.CombineErrors(errs, errors.Wrap(err, "wait for in-flight runs"))
	}
	cancel()
	if loops != nil {
		lctx, lcancel := context.WithTimeout(ctx, time.Second)
		_ = loops.Wait(lctx)
		lcancel()
	}

	if d, ok := s.deps.Audit.(drainer); ok {
		dctx, dcancel := context.WithTimeout(ctx, s.opts.DrainTimeout)
		if err := d.Drain(dctx); err != nil {
			s.log.Warn("audit drain incomplete", logx.Err(err))
			errs = errors.CombineErrors(errs, err)
		}
		dcancel()
	}
	s.index.Clear()
	s.log.Info("automation scheduler stopped")
	return errs
}

// Task returns the named task.
func (s *Supervisor) Task(name Name) (*PeriodicTask, bool) {
	t, ok := s.tasks[name]
	return t, ok
}

// Tasks returns every task in start order.
func (s *Supervisor) Tasks() []*PeriodicTask {
	out := make([]*PeriodicTask, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.tasks[n])
	}
	return out
}

func (s *Supervisor) Infos() []Info {
	out := make([]Info, 0, len(s.order))
	for _, t := range s.Tasks() {
		out = append(out, t.ScheduleInfo())
	}
	return out
}

// TriggerNow runs the named task out of band.
func (s *Supervisor) TriggerNow(ctx context.Context, name Name) (bool, error) {
	t, ok := s.tasks[name]
	if !ok {
		return false, errors.Wrapf(ErrUnknownTask, "%q", name)
	}
	return t.TriggerNow(ctx)
}

// Stale is the read-only stale index.
func (s *Supervisor) Stale() StaleReader { return s.index }

// FreshStale checks one application against the store, bypassing the index.
func (s *Supervisor) FreshStale(ctx context.Context, id int64) (StaleEntry, bool, error) {
	return s.detector.Fresh(ctx, id)
}

// SetLocation changes the default timezone and reconciles every task now.
func (s *Supervisor) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	if prev := s.loc.Swap(loc); prev.String() == loc.String() {
		return
	}
	s.log.Info("automation timezone changed", logx.String("tz", loc.String()))
	for _, t := range s.Tasks() {
		t.Kick()
	}
}

// SetReconcileInterval applies from each loop's next wait.
func (s *Supervisor) SetReconcileInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if time.Duration(s.reconcile.Swap(int64(d))) != d {
		s.log.Info("reconcile interval changed", logx.Duration("every", d))
		for _, t := range s.Tasks() {
			t.Kick()
		}
	}
}

// ReconcileAll runs one reconcile of every task synchronously.
func (s *Supervisor) ReconcileAll(ctx context.Context) error {
	var errs error
	for _, t := range s.Tasks() {
		if err := t.Reconcile(ctx); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "reconcile %s", t.Name()))
		}
	}
	return errs
}

// Goroutines exposes the fire supervisor for status output.
func (s *Supervisor) Goroutines() rtsup.Snapshot { return s.fires.Snapshot() }

// Healthy reports whether the scheduler is started and its reconcile loops
// are still running.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped || s.loops == nil {
		return false
	}
	return s.loops.Context().Err() == nil && s.loops.Active() > 0
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}

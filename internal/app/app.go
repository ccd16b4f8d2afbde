// Package app wires the daemon: config, logging, storage, settings, audit,
// notifications, the automation scheduler and the admin API.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"hireflow/internal/adminapi"
	"hireflow/internal/audit"
	"hireflow/internal/automation"
	"hireflow/internal/config"
	"hireflow/internal/notify"
	rtsup "hireflow/internal/runtime/supervisor"
	"hireflow/internal/settings"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	db       *storage.SQLite
	settings *settings.Store
	sink     *audit.AsyncSink
	notif    *notify.Service
	auto     *automation.Supervisor
	admin    *adminapi.Server

	adminEnabled bool
	coreStarted  bool
}

// Options tune NewApp for the CLI.
type Options struct {
	// AllowMissingConfig uses config.Default() when the file does not exist.
	AllowMissingConfig bool
	// LogLevel overrides logging.level when set.
	LogLevel string
}

func NewApp(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(opts.AllowMissingConfig)
	if err != nil {
		return nil, err
	}
	logCfg := mapLogConfig(cfg)
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	logSvc, log := logx.New(logCfg)
	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc}

	if err := a.build(ctx, cfg, log); err != nil {
		a.closePartial()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.db, err = storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}

	a.settings = settings.NewStore(a.db, settings.WithLogger(log.With(logx.String("comp", "settings"))))

	ac, drain, err := mapAuditConfig(cfg)
	if err != nil {
		return err
	}
	a.sink = audit.NewAsync(a.db, ac, log)

	tr, nc, err := mapNotify(cfg, log.With(logx.String("comp", "notify")))
	if err != nil {
		return err
	}
	a.notif = notify.New(tr, nc, log)
	a.sink.OnCritical(a.alertCritical)

	opts, err := mapSchedulerOptions(cfg, drain)
	if err != nil {
		return err
	}
	a.auto, err = automation.New(automation.Deps{
		Settings: a.settings,
		Store:    a.db,
		Audit:    a.sink,
		Counter:  a.db,
		Notifier: a.notif,
		Log:      log,
	}, opts)
	if err != nil {
		return err
	}

	a.adminEnabled = cfg.Admin.Enabled
	a.admin = adminapi.New(a.auto, mapAdminConfig(cfg, a.sink), log)
	return nil
}

// alertCritical forwards critical audit records (partial deletions) to the
// notification channel.
func (a *App) alertCritical(r audit.Record) {
	body := r.NewValue
	if ids, ok := r.Metadata["ids_attempted"]; ok {
		body += fmt.Sprintf("\nids attempted: %v", ids)
	}
	err := a.notif.Notify(notify.Message{
		Subject:  "hireflow: " + r.Actor + " needs manual reconciliation",
		Body:     body,
		Priority: notify.PriorityCritical,
	})
	if err != nil {
		a.log.Error("critical alert not queued", logx.Err(err), logx.String("actor", r.Actor))
	}
}

func (a *App) closePartial() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) Logger() logx.Logger                 { return a.log }
func (a *App) Config() *config.Config              { return a.cfgm.Get() }
func (a *App) Store() *storage.SQLite              { return a.db }
func (a *App) Settings() *settings.Store           { return a.settings }
func (a *App) Automations() *automation.Supervisor { return a.auto }
func (a *App) AdminAddr() string                   { return a.admin.Addr() }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// startCore starts the audit writer and the notification worker. One-shot
// commands need nothing more.
func (a *App) startCore(ctx context.Context) {
	if a.coreStarted {
		return
	}
	a.coreStarted = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.sink.Start(a.sup.Context())
	a.notif.Start(a.sup.Context())
}

// Start runs the daemon.
func (a *App) Start(ctx context.Context) error {
	a.startCore(ctx)

	if err := a.auto.Start(a.sup.Context()); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	if a.adminEnabled {
		if err := a.admin.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("hireflow started",
		logx.String("config", a.cfgm.Path()),
		logx.Bool("admin", a.adminEnabled))
	return nil
}

// RunOnce executes one automation through the normal fire path without
// arming any timers, then shuts down.
func (a *App) RunOnce(ctx context.Context, name automation.Name) (automation.Info, error) {
	a.startCore(ctx)
	_, err := a.auto.TriggerNow(ctx, name)
	var info automation.Info
	if t, ok := a.auto.Task(name); ok {
		info = t.ScheduleInfo()
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, StopOneShot)
	return info, err
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	var errs error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
			return
		}
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = errors.CombineErrors(errs, errors.Wrap(err, name))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	// The scheduler waits for in-flight runs and drains the audit sink.
	step("scheduler", a.stopBudget(), a.auto.Stop)
	step("audit", 5*time.Second, a.sink.Drain)
	step("notify", 5*time.Second, a.notif.Stop)
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errs
}

func (a *App) stopBudget() time.Duration {
	d := 30 * time.Second
	if cfg := a.cfgm.Get(); cfg != nil {
		if sd, err := cfg.Scheduler.Shutdown(); err == nil {
			d = sd
		}
	}
	// room for the audit drain after the runs finish
	return d + 10*time.Second
}

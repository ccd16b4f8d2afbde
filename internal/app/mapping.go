package app

import (
	"strings"
	"time"

	"hireflow/internal/adminapi"
	"hireflow/internal/audit"
	"hireflow/internal/automation"
	"hireflow/internal/config"
	"hireflow/internal/notify"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, nil
}

func mapAuditConfig(cfg *config.Config) (audit.Config, time.Duration, error) {
	wt, err := config.ParseDurationField("audit.write_timeout", cfg.Audit.WriteTimeout)
	if err != nil {
		return audit.Config{}, 0, err
	}
	drain, err := config.ParseDurationOrDefault("audit.drain_timeout", cfg.Audit.DrainTimeout, 5*time.Second)
	if err != nil {
		return audit.Config{}, 0, err
	}
	return audit.Config{QueueSize: cfg.Audit.QueueSize, WriteTimeout: wt, Retries: cfg.Audit.Retries}, drain, nil
}

func mapNotify(cfg *config.Config, log logx.Logger) (notify.Transport, notify.Config, error) {
	n := cfg.Notify
	tr, err := notify.NewTransport(n.Driver, notify.TelegramConfig{
		Token:    n.Token,
		ChatID:   n.ChatID,
		ThreadID: n.ThreadID,
		APIURL:   n.APIURL,
	}, log)
	if err != nil {
		return nil, notify.Config{}, err
	}
	dedup, err := config.ParseDurationField("notify.dedup_window", n.DedupWindow)
	if err != nil {
		return nil, notify.Config{}, err
	}
	return tr, notify.Config{RatePerSec: n.RatePerSec, RetryMax: n.RetryMax, DedupWindow: dedup}, nil
}

func mapSchedulerOptions(cfg *config.Config, drain time.Duration) (automation.Options, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return automation.Options{}, err
	}
	every, err := cfg.Scheduler.Reconcile()
	if err != nil {
		return automation.Options{}, err
	}
	shutdown, err := cfg.Scheduler.Shutdown()
	if err != nil {
		return automation.Options{}, err
	}
	return automation.Options{
		Location:          loc,
		ReconcileInterval: every,
		ShutdownTimeout:   shutdown,
		DrainTimeout:      drain,
	}, nil
}

func mapAdminConfig(cfg *config.Config, sink *audit.AsyncSink) adminapi.Config {
	return adminapi.Config{Addr: cfg.Admin.ListenAddr(), AuditStats: sink.Stats}
}

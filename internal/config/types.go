package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Config is the daemon's process configuration. Automation policy lives in
// the settings table, not here.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Audit     AuditConfig     `json:"audit"`
	Notify    NotifyConfig    `json:"notify"`
	Admin     AdminConfig     `json:"admin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig points at the sqlite database.
//
// Example:
//
//	"storage": { "path": "./hireflow.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the automation supervisor.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "UTC"
//   - reconcile_interval: "1h"
//   - shutdown_timeout: "30s"
type SchedulerConfig struct {
	Timezone          string `json:"timezone,omitempty"`
	ReconcileInterval string `json:"reconcile_interval,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
}

// AuditConfig controls the asynchronous audit writer.
type AuditConfig struct {
	QueueSize    int    `json:"queue_size,omitempty"`
	Retries      int    `json:"retries,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// NotifyConfig selects where digests and critical alerts go.
// Driver is "log" (default) or "telegram". Token is never logged.
type NotifyConfig struct {
	Driver      string  `json:"driver,omitempty"`
	Token       string  `json:"token,omitempty"`
	ChatID      int64   `json:"chat_id,omitempty"`
	ThreadID    int     `json:"thread_id,omitempty"`
	APIURL      string  `json:"api_url,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	RetryMax    int     `json:"retry_max,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
}

// AdminConfig controls the local introspection HTTP server.
// Prefer a loopback address; the API has no authentication.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8787"
}

const DefaultAdminAddr = "127.0.0.1:8787"

// Default is the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Path: "hireflow.db"},
		Scheduler: SchedulerConfig{Timezone: "UTC"},
		Notify:    NotifyConfig{Driver: "log"},
		Admin:     AdminConfig{Enabled: true, Addr: DefaultAdminAddr},
	}
}

// Location resolves the scheduler timezone. Empty means UTC.
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Wrapf(err, "scheduler.timezone %q", tz)
	}
	return loc, nil
}

func (s SchedulerConfig) Reconcile() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.reconcile_interval", s.ReconcileInterval, time.Hour)
}

func (s SchedulerConfig) Shutdown() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.shutdown_timeout", s.ShutdownTimeout, 30*time.Second)
}

func (a AdminConfig) ListenAddr() string {
	if strings.TrimSpace(a.Addr) == "" {
		return DefaultAdminAddr
	}
	return strings.TrimSpace(a.Addr)
}

// Validate checks every field that cannot be checked by the decoder.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs error
	add := func(err error) { errs = errors.CombineErrors(errs, err) }

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path is required"))
	}
	_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	_, err = cfg.Scheduler.Location()
	add(err)
	_, err = cfg.Scheduler.Reconcile()
	add(err)
	_, err = cfg.Scheduler.Shutdown()
	add(err)
	_, err = ParseDurationField("audit.write_timeout", cfg.Audit.WriteTimeout)
	add(err)
	_, err = ParseDurationField("audit.drain_timeout", cfg.Audit.DrainTimeout)
	add(err)
	_, err = ParseDurationField("notify.dedup_window", cfg.Notify.DedupWindow)
	add(err)
	if cfg.Audit.QueueSize < 0 {
		add(errors.New("audit.queue_size must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Notify.Driver)) {
	case "", "log":
	case "telegram":
		if strings.TrimSpace(cfg.Notify.Token) == "" {
			add(errors.New("notify.token is required for the telegram driver"))
		}
		if cfg.Notify.ChatID == 0 {
			add(errors.New("notify.chat_id is required for the telegram driver"))
		}
	default:
		add(errors.Newf("notify.driver %q: want log or telegram", cfg.Notify.Driver))
	}
	return errs
}

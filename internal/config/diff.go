package config

import (
	"sort"
	"strings"

	logx "hireflow/pkg/logx"
)

// SummarizeChange lists the changed sections and safe log fields for them.
// Secrets (notify.token) are reported only as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if trim(oldCfg.Storage.Path) != trim(newCfg.Storage.Path) ||
		trim(oldCfg.Storage.BusyTimeout) != trim(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.path", trim(newCfg.Storage.Path)),
			logx.String("storage.busy_timeout", trim(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", trim(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.reconcile_interval", trim(newCfg.Scheduler.ReconcileInterval)),
			logx.String("scheduler.shutdown_timeout", trim(newCfg.Scheduler.ShutdownTimeout)),
		)
	}

	if oldCfg.Audit != newCfg.Audit {
		changed = append(changed, "audit")
		attrs = append(attrs,
			logx.Int("audit.queue_size", newCfg.Audit.QueueSize),
			logx.String("audit.drain_timeout", trim(newCfg.Audit.DrainTimeout)),
		)
	}

	on, nn := oldCfg.Notify, newCfg.Notify
	tokenChanged := on.Token != nn.Token
	on.Token, nn.Token = "", ""
	if tokenChanged || on != nn {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.String("notify.driver", trim(newCfg.Notify.Driver)),
			logx.Bool("notify.token_set", trim(newCfg.Notify.Token) != ""),
			logx.Bool("notify.token_changed", tokenChanged),
			logx.Int64("notify.chat_id", newCfg.Notify.ChatID),
			logx.Any("notify.rate_per_sec", newCfg.Notify.RatePerSec),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.ListenAddr()),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "audit", "notify", "admin":
			out = append(out, s)
		}
	}
	return out
}

func trim(s string) string { return strings.TrimSpace(s) }

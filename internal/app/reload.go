package app

import (
	"context"
	"strings"

	"hireflow/internal/config"
	logx "hireflow/pkg/logx"
)

// reloadLoop applies the live-reloadable parts of each published config.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if loc, err := next.Scheduler.Location(); err != nil {
		a.log.Warn("invalid scheduler.timezone; keeping previous", logx.Err(err))
	} else {
		a.auto.SetLocation(loc)
	}
	if every, err := next.Scheduler.Reconcile(); err != nil {
		a.log.Warn("invalid scheduler.reconcile_interval; keeping previous", logx.Err(err))
	} else {
		a.auto.SetReconcileInterval(every)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

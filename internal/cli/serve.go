package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hireflow/internal/app"
)

func newServeCmd(o *rootOpts) *cobra.Command {
	var allowMissing bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(ctx, o.configPath, app.Options{AllowMissingConfig: allowMissing, LogLevel: o.logLevel})
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
				defer c()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, c := context.WithTimeout(context.Background(), time.Minute)
			defer c()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
	cmd.Flags().BoolVar(&allowMissing, "allow-missing-config", false, "start with defaults when the config file does not exist")
	return cmd
}

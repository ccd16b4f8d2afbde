package cli

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"hireflow/internal/app"
	"hireflow/internal/automation"
)

func newTriggerCmd(o *rootOpts) *cobra.Command {
	var (
		remote bool
		addr   string
	)
	cmd := &cobra.Command{
		Use:       "trigger <task>",
		Short:     "Run one automation now",
		Long:      "Runs the named automation once through the normal run path. By default it runs in this process against the configured database; with --remote the running daemon does it.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: namesAsStrings(),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := automation.ParseName(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if remote {
				c, err := o.client(addr)
				if err != nil {
					return err
				}
				res, err := c.Trigger(cmd.Context(), name)
				if err != nil {
					return err
				}
				switch {
				case !res.Ran:
					_, _ = fmt.Fprintf(out, "%s: skipped, %s\n", name, res.Error)
				case !res.Done:
					_, _ = fmt.Fprintf(out, "%s: started, still running\n", name)
				case res.Error != "":
					return errors.Newf("%s failed (%s): %s", name, res.Class, res.Error)
				default:
					_, _ = fmt.Fprintf(out, "%s: done\n", name)
				}
				return nil
			}

			a, err := app.NewApp(cmd.Context(), o.configPath, app.Options{AllowMissingConfig: true, LogLevel: o.logLevel})
			if err != nil {
				return err
			}
			info, err := a.RunOnce(cmd.Context(), name)
			if info.LastRun != nil {
				r := info.LastRun
				_, _ = fmt.Fprintf(out, "%s run %s: matched=%d succeeded=%d failed=%d took=%s\n",
					name, r.ID, r.Outcome.Matched, r.Outcome.Succeeded, r.Outcome.Failed, r.Duration)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "ask the running daemon instead of running in-process")
	cmd.Flags().StringVar(&addr, "addr", "", "admin API address for --remote")
	return cmd
}

func namesAsStrings() []string {
	var out []string
	for _, n := range automation.Names() {
		out = append(out, string(n))
	}
	return out
}

package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hireflow/internal/adminapi"
	"hireflow/internal/automation"
)

func (o *rootOpts) client(addr string) (*adminapi.Client, error) {
	if addr == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Admin.ListenAddr()
	}
	return adminapi.NewClient(addr, nil), nil
}

func newStatusCmd(o *rootOpts) *cobra.Command {
	var (
		addr   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show automation schedules from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client(addr)
			if err != nil {
				return err
			}
			infos, err := c.Automations(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			printInfos(cmd, infos)
			if st, err := c.Stale(cmd.Context()); err == nil && !st.ComputedAt.IsZero() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nstale applications: %d (as of %s)\n", st.Count, st.ComputedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin API address (default: admin.addr from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printInfos(cmd *cobra.Command, infos []automation.Info) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tSTATE\tTHRESHOLD\tNEXT\tLAST RUN\tLAST ERROR")
	for _, in := range infos {
		threshold := "-"
		if in.Enabled && in.Unit != automation.UnitNone {
			threshold = fmt.Sprintf("%d %s", in.Threshold, in.Unit)
		}
		last := "-"
		if in.LastRun != nil {
			last = fmt.Sprintf("%s (%d/%d)", in.LastRun.StartedAt.Format("01-02 15:04"), in.LastRun.Outcome.Succeeded, in.LastRun.Outcome.Matched)
		}
		errText := in.LastError
		if errText == "" {
			errText = in.Misconfigured
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", in.Name, in.State, threshold, in.NextFireDescription, last, errText)
	}
	_ = w.Flush()
}

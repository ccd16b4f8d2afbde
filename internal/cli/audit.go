package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"hireflow/internal/audit"
)

func newAuditCmd(o *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the audit hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := o.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			n, err := db.VerifyChain(cmd.Context())
			if err != nil {
				return errors.Wrapf(err, "after %d good records", n)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "audit chain ok: %d records\n", n)
			return nil
		},
	})

	var (
		kind  string
		since time.Duration
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Print recent audit records as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := o.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			recs, err := db.ListAudit(cmd.Context(), audit.Kind(kind), time.Now().Add(-since), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, r := range recs {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "only records of this kind (e.g. TRANSITION, ERROR)")
	list.Flags().DurationVar(&since, "since", 7*24*time.Hour, "how far back to look")
	list.Flags().IntVar(&limit, "limit", 100, "maximum records")
	cmd.AddCommand(list)
	return cmd
}

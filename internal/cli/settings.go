package cli

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hireflow/internal/audit"
	"hireflow/internal/settings"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

func newSettingsCmd(o *rootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change automation settings",
		Long:  "Automation settings live in the database. A running daemon picks up changes on its next reconcile.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show every known setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), o, func(db *storage.SQLite, _ *settings.Store) error {
				all, err := db.AllSettings(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "KEY\tVALUE")
				for _, k := range settings.Keys() {
					v, ok := all[k]
					if !ok {
						v = "(unset)"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\n", k, v)
				}
				return w.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), o, func(_ *storage.SQLite, st *settings.Store) error {
				snap, err := st.Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				v, ok := snap.Raw(args[0])
				if !ok {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "(unset)")
					return nil
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Validate and store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), o, func(db *storage.SQLite, st *settings.Store) error {
				prev, _, err := db.GetSetting(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := st.Set(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				return recordSettingChange(cmd.Context(), db, args[0], prev, args[1])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a setting so its default applies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), o, func(db *storage.SQLite, st *settings.Store) error {
				prev, _, err := db.GetSetting(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := st.Unset(cmd.Context(), args[0]); err != nil {
					return err
				}
				return recordSettingChange(cmd.Context(), db, args[0], prev, "")
			})
		},
	})
	return cmd
}

func withStore(ctx context.Context, o *rootOpts, fn func(*storage.SQLite, *settings.Store) error) error {
	db, _, err := o.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	level := o.logLevel
	if level == "" {
		level = "warn"
	}
	st := settings.NewStore(db, settings.WithTTL(0), settings.WithLogger(logx.NewWriter(os.Stderr, level)))
	return fn(db, st)
}

func recordSettingChange(ctx context.Context, db *storage.SQLite, key, prev, next string) error {
	return db.AppendAudit(ctx, audit.Record{
		Kind:     audit.KindConfig,
		Actor:    "cli:" + currentUser(),
		OldValue: prev,
		NewValue: next,
		Metadata: map[string]any{"key": key},
	})
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

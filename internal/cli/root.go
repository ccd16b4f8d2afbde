// Package cli holds the hireflowd command tree.
package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"hireflow/internal/config"
	"hireflow/internal/storage"
	logx "hireflow/pkg/logx"
)

type rootOpts struct {
	configPath string
	logLevel   string
}

func NewRootCmd(version string) *cobra.Command {
	o := &rootOpts{}
	cmd := &cobra.Command{
		Use:          "hireflowd",
		Short:        "hireflow: workflow automation scheduler for the applicant pipeline",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", envOr("HIREFLOW_CONFIG", "./hireflow.yaml"), "path to config (yaml or json, env: HIREFLOW_CONFIG)")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(newServeCmd(o))
	cmd.AddCommand(newStatusCmd(o))
	cmd.AddCommand(newTriggerCmd(o))
	cmd.AddCommand(newSettingsCmd(o))
	cmd.AddCommand(newAuditCmd(o))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *rootOpts) loadConfig() (*config.Config, error) {
	return config.NewManager(o.configPath).Load(true)
}

// openStore opens the configured database without starting anything else.
func (o *rootOpts) openStore(ctx context.Context) (*storage.SQLite, *config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	level := o.logLevel
	if level == "" {
		level = "warn"
	}
	db, err := storage.Open(ctx, storage.Config{Path: cfg.Storage.Path}, logx.NewWriter(os.Stderr, level))
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

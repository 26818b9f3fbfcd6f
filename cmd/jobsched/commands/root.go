// Package commands holds the jobsched command tree.
package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"jobsched/internal/config"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

type rootOptions struct {
	configPath string
}

// NewRootCmd builds a fresh command tree. Each call returns independent
// flag state.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "jobsched",
		Short: "Persistent cron job scheduler",
		Long: `jobsched runs cron-patterned jobs stored in SQLite or PostgreSQL.

Several workers can share one database; each due job is claimed by exactly
one of them.

Examples:
  jobsched run --config jobsched.yaml
  jobsched jobs add --name nightly --pattern "0 3 * * *" --handler log
  jobsched jobs list --status failed
  jobsched settings set SchedulerService.MaximumJobExecutionAttempts 10`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML or JSON config file")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newJobsCmd(opts))
	root.AddCommand(newSettingsCmd(opts))
	return root
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	if strings.TrimSpace(o.configPath) == "" {
		return config.Default(), nil
	}
	return config.NewManager(o.configPath, logx.Nop()).Load()
}

// openStore opens the configured store for a one-shot admin command.
func (o *rootOptions) openStore(ctx context.Context) (storage.Store, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	sc, err := cfg.StorageOptions()
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(ctx, sc, logx.NewConsole("WARN"))
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

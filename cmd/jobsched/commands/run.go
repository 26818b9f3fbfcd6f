package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobsched/internal/app"
	logx "jobsched/pkg/logx"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		Long: `Run polls the store every interval, executes due jobs on a bounded
worker pool and schedules new ones. SIGINT or SIGTERM stops it after running
jobs finish or the shutdown timeout passes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			ctx := cmd.Context()
			a, err := app.New(ctx, app.Options{ConfigPath: opts.configPath})
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			reason := app.StopAppStop
			select {
			case sig := <-sigCh:
				reason = app.ReasonForSignal(sig)
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}
			a.Logger().Info("shutdown requested", logx.String("reason", string(reason)))
			if err := a.Stop(context.Background(), reason); err != nil {
				return err
			}
			return a.Err()
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

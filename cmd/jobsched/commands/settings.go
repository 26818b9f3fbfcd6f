package commands

import (
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobsched/internal/settings"
)

func newSettingsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change scheduler tunables stored in the database",
		Long: `Tunables are read by every worker when it starts:

  ` + settings.KeyRetryDelay + `  (milliseconds)
  ` + settings.KeyMaxAttempts,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print a tunable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			v, ok, err := st.GetInt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Newf("setting %q is not set", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})

	var description string
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a tunable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[1])
			if err != nil {
				return errors.Wrapf(err, "value for %s must be an integer", args[0])
			}
			if v < 0 {
				return errors.Newf("value for %s must not be negative", args[0])
			}
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return st.SetInt(cmd.Context(), args[0], v, description)
		},
	}
	set.Flags().StringVar(&description, "description", "", "description stored next to the value")
	cmd.AddCommand(set)
	return cmd
}

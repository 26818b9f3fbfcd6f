package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobsched/internal/handler"
	"jobsched/internal/handler/builtin"
	"jobsched/internal/predictor"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage job definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newJobsAddCmd(opts),
		newJobsListCmd(opts),
		newJobsGetCmd(opts),
		newJobsDeleteCmd(opts),
		newJobsCountCmd(opts),
		newJobsParamCmd(opts),
	)
	return cmd
}

type addOptions struct {
	name        string
	pattern     string
	handlerRef  string
	params      map[string]string
	disabled    bool
	scheduleNow bool
	anyHandler  bool
}

func newJobsAddCmd(opts *rootOptions) *cobra.Command {
	ao := &addOptions{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a job",
		Long: `Add stores a new job. Without --schedule it is left UNSCHEDULED and the
next poll computes its first run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			job, err := ao.build(time.Now())
			if err != nil {
				return err
			}
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			if err := st.CreateJob(cmd.Context(), job); err != nil {
				return err
			}
			for _, k := range sortedKeys(ao.params) {
				if err := st.SetParameter(cmd.Context(), job.ID, k, ao.params[k]); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&ao.name, "name", "", "job name")
	f.StringVar(&ao.pattern, "pattern", "", "5-field cron pattern (minute hour day-of-month month day-of-week)")
	f.StringVar(&ao.handlerRef, "handler", "", "handler reference")
	f.StringToStringVarP(&ao.params, "param", "p", nil, "handler parameter as name=value (repeatable)")
	f.BoolVar(&ao.disabled, "disabled", false, "store the job disabled")
	f.BoolVar(&ao.scheduleNow, "schedule", false, "compute the first run now instead of on the next poll")
	f.BoolVar(&ao.anyHandler, "any-handler", false, "accept a handler not built into this binary")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("pattern")
	_ = cmd.MarkFlagRequired("handler")
	return cmd
}

// build validates the flags and returns the job to insert.
func (ao *addOptions) build(now time.Time) (*storage.Job, error) {
	if err := predictor.Validate(ao.pattern); err != nil {
		return nil, err
	}
	if !ao.anyHandler {
		r := handler.NewRegistry()
		if err := builtin.Register(r, logx.Nop()); err != nil {
			return nil, err
		}
		if !r.Has(ao.handlerRef) {
			return nil, errors.Newf("unknown handler %q (known: %s; use --any-handler for application handlers)",
				ao.handlerRef, strings.Join(r.Refs(), ", "))
		}
	}
	job := &storage.Job{
		Name:       strings.TrimSpace(ao.name),
		Pattern:    strings.TrimSpace(ao.pattern),
		HandlerRef: strings.TrimSpace(ao.handlerRef),
		Enabled:    !ao.disabled,
	}
	if ao.scheduleNow {
		next, err := predictor.NextMatch(job.Pattern, now)
		if err != nil {
			return nil, err
		}
		job.NextExecutionAt = &next
	}
	return job, nil
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var want storage.Status
			if status != "" {
				s, err := storage.ParseStatus(status)
				if err != nil {
					return err
				}
				want = s
			}
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			jobs, err := st.ListJobs(cmd.Context())
			if err != nil {
				return err
			}
			if want != "" {
				kept := jobs[:0]
				for _, j := range jobs {
					if j.Status == want {
						kept = append(kept, j)
					}
				}
				jobs = kept
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (unscheduled, scheduled, executing, executed, aborted, failed)")
	return cmd
}

func printJobs(w io.Writer, jobs []*storage.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return
	}
	const row = "%-36s %-20s %-12s %-15s %-8s %s\n"
	fmt.Fprintf(w, row, "ID", "NAME", "STATUS", "PATTERN", "ATTEMPTS", "NEXT RUN")
	for _, j := range jobs {
		fmt.Fprintf(w, row, j.ID, truncate(j.Name, 20), j.Status, j.Pattern, fmt.Sprint(j.Attempts), formatTime(j.NextExecutionAt))
	}
	fmt.Fprintf(w, "\nTotal: %d job(s)\n", len(jobs))
}

func newJobsGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job and its parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			job, err := st.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			params, err := st.GetParameters(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
			printJob(cmd.OutOrStdout(), job, params)
			return nil
		},
	}
}

func printJob(w io.Writer, j *storage.Job, params []storage.JobParameter) {
	fmt.Fprintf(w, "Job ID:     %s\n", j.ID)
	fmt.Fprintf(w, "  Name:     %s\n", j.Name)
	fmt.Fprintf(w, "  Pattern:  %s\n", j.Pattern)
	fmt.Fprintf(w, "  Handler:  %s\n", j.HandlerRef)
	fmt.Fprintf(w, "  Enabled:  %t\n", j.Enabled)
	fmt.Fprintf(w, "  Status:   %s\n", j.Status)
	fmt.Fprintf(w, "  Attempts: %d\n", j.Attempts)
	if j.LockOwner != "" {
		fmt.Fprintf(w, "  Locked by: %s\n", j.LockOwner)
	}
	fmt.Fprintf(w, "  Last run: %s\n", formatTime(j.LastExecutedAt))
	fmt.Fprintf(w, "  Next run: %s\n", formatTime(j.NextExecutionAt))
	if len(params) > 0 {
		fmt.Fprintln(w, "  Parameters:")
		for _, p := range params {
			fmt.Fprintf(w, "    %s=%s\n", p.Name, p.Value)
		}
	}
}

func newJobsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <job-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a job and its parameters",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := st.DeleteJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newJobsCountCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			n, err := st.CountJobs(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newJobsParamCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "params <job-id> <name> <value>",
		Aliases: []string{"param"},
		Short:   "Set one handler parameter on a job",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if _, err := st.GetJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			return st.SetParameter(cmd.Context(), args[0], args[1], args[2])
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/audit"
	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/scheduler"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.AddCommand(cronListCmd(), cronAddCmd(), cronRemoveCmd(), cronPauseCmd(), cronResumeCmd())
	return cmd
}

// openScheduler builds a scheduler over the state file for offline job
// administration. Jobs edited here are picked up by a running gateway on
// its next poll only after restart; the store is the source of truth.
func openScheduler(ctx context.Context) (*scheduler.Scheduler, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	events := bus.New()
	sched, err := scheduler.New(ctx, st, audit.NewLogger(st, events), events, cfg.Scheduler,
		func(ctx context.Context, source, instruction string) error {
			return fmt.Errorf("jobs only run inside the gateway process")
		})
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return sched, st, nil
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, st, err := openScheduler(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			jobs := sched.Jobs()
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tEXPRESSION\tENABLED\tLAST\tERRORS\tNEXT")
			for _, j := range jobs {
				next := "-"
				if j.NextScheduledMs != nil {
					next = time.UnixMilli(*j.NextScheduledMs).Format(time.RFC3339)
				}
				last := j.LastStatus
				if last == "" {
					last = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%s\n",
					j.Name, j.Expression, j.Enabled, last, j.ConsecutiveErrors, next)
			}
			return w.Flush()
		},
	}
}

func cronAddCmd() *cobra.Command {
	var timeoutSeconds int
	var runOnce bool
	cmd := &cobra.Command{
		Use:   "add <name> <expression> <task>",
		Short: "Add a scheduled job",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, st, err := openScheduler(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			job, err := sched.AddJob(cmd.Context(), store.CronJob{
				Name:           args[0],
				Expression:     args[1],
				Task:           args[2],
				Enabled:        true,
				TimeoutSeconds: timeoutSeconds,
				RunOnce:        runOnce,
			})
			if err != nil {
				return err
			}
			next := "-"
			if job.NextScheduledMs != nil {
				next = time.UnixMilli(*job.NextScheduledMs).Format(time.RFC3339)
			}
			fmt.Printf("added %q, next run %s\n", job.Name, next)
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "per-run timeout in seconds (0 = unbounded)")
	cmd.Flags().BoolVar(&runOnce, "once", false, "disable the job after its first success")
	return cmd
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, st, err := openScheduler(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := sched.RemoveJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %q\n", args[0])
			return nil
		},
	}
}

func cronPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <name>",
		Short: "Pause a job without losing its definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, st, err := openScheduler(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := sched.PauseJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("paused %q\n", args[0])
			return nil
		},
	}
}

func cronResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume a paused job and reset its error count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, st, err := openScheduler(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := sched.ResumeJob(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("resumed %q\n", args[0])
			return nil
		},
	}
}

// chronctl manages job definitions and inspects run history. It operates on
// the same database files as the daemon; the polling loop picks up changes on
// its next pass, so no RPC channel is needed.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chronod/internal/config"
	"chronod/internal/cronspec"
	"chronod/internal/registry"
	"chronod/internal/storage"
	"chronod/pkg/logx"
)

var (
	flagConfig string
	flagDB     string
)

func main() {
	root := &cobra.Command{
		Use:           "chronctl",
		Short:         "Manage chronod jobs and run history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "./chronod.yaml", "path to the daemon config file")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "job database path (overrides config)")

	root.AddCommand(
		newAddCmd(),
		newListCmd(),
		newShowCmd(),
		newEditCmd(),
		newEnableCmd(),
		newDisableCmd(),
		newDeleteCmd(),
		newTriggerCmd(),
		newRunsCmd(),
		newLastCmd(),
		newStatusCmd(),
		newCronCmd(),
		newQueueCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openStore() (storage.Store, error) {
	path := flagDB
	busy := 5 * time.Second
	if path == "" {
		cfg, err := config.NewManager(flagConfig).Load()
		if err != nil {
			return nil, fmt.Errorf("loading config %s: %w (or pass --db)", flagConfig, err)
		}
		path = cfg.Database.Path
		if d, err := cfg.Database.BusyTimeoutDuration(); err == nil {
			busy = d
		}
	}
	return storage.Open(storage.Config{Path: path, BusyTimeout: busy}, logx.Nop())
}

func withStore(fn func(ctx context.Context, st storage.Store) error) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, st)
}

func withRegistry(fn func(ctx context.Context, r *registry.Registry, st storage.Store) error) error {
	return withStore(func(ctx context.Context, st storage.Store) error {
		return fn(ctx, registry.New(st, logx.Nop()), st)
	})
}

func newAddCmd() *cobra.Command {
	var (
		cron     string
		command  string
		dir      string
		timeout  int
		tags     []string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Register a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r *registry.Registry, _ storage.Store) error {
				job, err := r.Add(ctx, registry.AddParams{
					Name:           args[0],
					Cron:           cron,
					Command:        command,
					WorkingDir:     dir,
					TimeoutSeconds: timeout,
					Tags:           tags,
					Disabled:       disabled,
				})
				if err != nil {
					return err
				}
				fmt.Printf("added job %q (id %d)\n", job.Name, job.ID)
				if job.NextRun != nil {
					fmt.Printf("next run: %s\n", job.NextRun.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", "five-field cron expression (required)")
	cmd.Flags().StringVar(&command, "command", "", "shell command to run (required)")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory")
	cmd.Flags().IntVar(&timeout, "timeout", 300, "timeout in seconds")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "comma-separated tags")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register without scheduling")
	_ = cmd.MarkFlagRequired("cron")
	_ = cmd.MarkFlagRequired("command")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		all bool
		tag string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st storage.Store) error {
				jobs, err := st.ListJobs(ctx, storage.ListJobsOptions{IncludeDisabled: all, Tag: tag})
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Println("no jobs")
					return nil
				}
				fmt.Printf("%-4s %-24s %-16s %-8s %-20s %s\n", "ID", "NAME", "CRON", "ENABLED", "NEXT RUN", "TAGS")
				for _, j := range jobs {
					next := "-"
					if j.NextRun != nil {
						next = j.NextRun.Format("2006-01-02 15:04:05")
					}
					fmt.Printf("%-4d %-24s %-16s %-8v %-20s %s\n", j.ID, j.Name, j.Cron, j.Enabled, next, j.Tags)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled jobs")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag substring")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st storage.Store) error {
				job, err := st.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job not found: %q", args[0])
				}
				fmt.Printf("name:       %s\n", job.Name)
				fmt.Printf("id:         %d\n", job.ID)
				fmt.Printf("cron:       %s  (%s)\n", job.Cron, cronspec.Describe(job.Cron))
				fmt.Printf("command:    %s\n", job.Command)
				if job.WorkingDir != "" {
					fmt.Printf("workdir:    %s\n", job.WorkingDir)
				}
				fmt.Printf("enabled:    %v\n", job.Enabled)
				fmt.Printf("timeout:    %ds\n", job.TimeoutSeconds)
				if job.Tags != "" {
					fmt.Printf("tags:       %s\n", job.Tags)
				}
				if job.NextRun != nil {
					fmt.Printf("next run:   %s\n", job.NextRun.Format(time.RFC3339))
				} else {
					fmt.Printf("next run:   -\n")
				}
				fmt.Printf("created:    %s\n", job.CreatedAt.Format(time.RFC3339))
				fmt.Printf("updated:    %s\n", job.UpdatedAt.Format(time.RFC3339))

				last, err := st.GetLastRun(ctx, job.Name)
				if err != nil {
					return err
				}
				if last != nil {
					fmt.Printf("last run:   %s  %s (%.1fs)\n",
						last.StartedAt.Format(time.RFC3339), last.Status(), last.DurationSeconds)
				}
				return nil
			})
		},
	}
}

func newEditCmd() *cobra.Command {
	var (
		cron    string
		command string
		dir     string
		timeout int
		tags    []string
	)
	cmd := &cobra.Command{
		Use:   "edit NAME",
		Short: "Update fields of an existing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r *registry.Registry, _ storage.Store) error {
				p := registry.EditParams{}
				if cmd.Flags().Changed("cron") {
					p.Cron = &cron
				}
				if cmd.Flags().Changed("command") {
					p.Command = &command
				}
				if cmd.Flags().Changed("dir") {
					p.WorkingDir = &dir
				}
				if cmd.Flags().Changed("timeout") {
					p.TimeoutSeconds = &timeout
				}
				if cmd.Flags().Changed("tags") {
					p.Tags = &tags
				}
				job, err := r.Edit(ctx, args[0], p)
				if err != nil {
					return err
				}
				fmt.Printf("updated job %q\n", job.Name)
				if job.NextRun != nil {
					fmt.Printf("next run: %s\n", job.NextRun.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", "new cron expression")
	cmd.Flags().StringVar(&command, "command", "", "new command")
	cmd.Flags().StringVar(&dir, "dir", "", "new working directory")
	cmd.Flags().IntVar(&timeout, "timeout", 300, "new timeout in seconds")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "new tags")
	return cmd
}

func newEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable NAME",
		Short: "Enable a job and schedule its next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r *registry.Registry, _ storage.Store) error {
				if err := r.Enable(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("enabled job %q\n", args[0])
				return nil
			})
		},
	}
}

func newDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable NAME",
		Short: "Disable a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r *registry.Registry, _ storage.Store) error {
				if err := r.Disable(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("disabled job %q\n", args[0])
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a job definition (run history is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r *registry.Registry, _ storage.Store) error {
				if err := r.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted job %q\n", args[0])
				return nil
			})
		},
	}
}

func newTriggerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger NAME",
		Short: "Make a job due immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(func(ctx context.Context, r *registry.Registry, _ storage.Store) error {
				if err := r.Trigger(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("job %q will run on the next scheduler pass\n", args[0])
				return nil
			})
		},
	}
}

func newRunsCmd() *cobra.Command {
	var (
		limit  int
		failed bool
		since  string
	)
	cmd := &cobra.Command{
		Use:   "runs [NAME]",
		Short: "List run history, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st storage.Store) error {
				opts := storage.ListRunsOptions{Limit: limit, FailedOnly: failed}
				if len(args) == 1 {
					opts.JobName = args[0]
				}
				if since != "" {
					d, err := time.ParseDuration(since)
					if err != nil {
						return fmt.Errorf("invalid --since %q: %w", since, err)
					}
					opts.Since = time.Now().UTC().Add(-d)
				}
				runs, err := st.ListRuns(ctx, opts)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Println("no runs")
					return nil
				}
				fmt.Printf("%-6s %-24s %-20s %-8s %-8s %s\n", "ID", "JOB", "STARTED", "STATUS", "EXIT", "DURATION")
				for _, r := range runs {
					exit := "-"
					if r.ExitCode != nil {
						exit = fmt.Sprintf("%d", *r.ExitCode)
					}
					fmt.Printf("%-6d %-24s %-20s %-8s %-8s %.1fs\n",
						r.ID, r.JobName, r.StartedAt.Format("2006-01-02 15:04:05"),
						r.Status(), exit, r.DurationSeconds)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().BoolVar(&failed, "failed", false, "only failed, timed-out, or interrupted runs")
	cmd.Flags().StringVar(&since, "since", "", "only runs started within this window (e.g. 24h)")
	return cmd
}

func newLastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last NAME",
		Short: "Show the most recent run of a job, including output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st storage.Store) error {
				run, err := st.GetLastRun(ctx, args[0])
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("no runs for job %q", args[0])
				}
				fmt.Printf("run:      %d\n", run.ID)
				fmt.Printf("job:      %s\n", run.JobName)
				fmt.Printf("started:  %s\n", run.StartedAt.Format(time.RFC3339))
				if run.EndedAt != nil {
					fmt.Printf("ended:    %s (%.1fs)\n", run.EndedAt.Format(time.RFC3339), run.DurationSeconds)
				}
				fmt.Printf("status:   %s\n", run.Status())
				if run.ExitCode != nil {
					fmt.Printf("exit:     %d\n", *run.ExitCode)
				}
				if strings.TrimSpace(run.Stdout) != "" {
					fmt.Printf("--- stdout ---\n%s\n", run.Stdout)
				}
				if strings.TrimSpace(run.Stderr) != "" {
					fmt.Printf("--- stderr ---\n%s\n", run.Stderr)
				}
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize jobs and recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st storage.Store) error {
				jobs, err := st.ListJobs(ctx, storage.ListJobsOptions{IncludeDisabled: true})
				if err != nil {
					return err
				}
				enabled := 0
				for _, j := range jobs {
					if j.Enabled {
						enabled++
					}
				}
				due, err := st.GetDueJobs(ctx)
				if err != nil {
					return err
				}
				since := time.Now().UTC().Add(-24 * time.Hour)
				recentFailed, err := st.ListRuns(ctx, storage.ListRunsOptions{FailedOnly: true, Since: since, Limit: 100})
				if err != nil {
					return err
				}
				open, err := st.ListRuns(ctx, storage.ListRunsOptions{Limit: 100})
				if err != nil {
					return err
				}
				running := 0
				for _, r := range open {
					if r.EndedAt == nil {
						running++
					}
				}
				fmt.Printf("jobs:            %d (%d enabled)\n", len(jobs), enabled)
				fmt.Printf("due now:         %d\n", len(due))
				fmt.Printf("running:         %d\n", running)
				fmt.Printf("failed (24h):    %d\n", len(recentFailed))
				return nil
			})
		},
	}
}

func newCronCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cron EXPR",
		Short: "Validate and describe a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := args[0]
			if !cronspec.IsValid(expr) {
				return fmt.Errorf("invalid cron expression: %q", expr)
			}
			fmt.Println(cronspec.Describe(expr))
			return nil
		},
	}
}

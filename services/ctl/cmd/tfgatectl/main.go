package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"tfgate/pkg/auth"
	"tfgate/pkg/bus"
	"tfgate/pkg/config"
	"tfgate/pkg/db"
	"tfgate/services/ctl"
	"tfgate/services/runs"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tfgatectl",
		Short:         "Operator utility for tfgate provisioning runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newOutputsCommand())
	cmd.AddCommand(newRunsCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func loadConfig(ctx context.Context) (config.Config, error) {
	return config.Load(ctx)
}

func newOutputsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outputs",
		Short: "Infrastructure output operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newOutputsSyncCommand())
	return cmd
}

func newOutputsSyncCommand() *cobra.Command {
	var (
		runID            string
		dir              string
		terraformBin     string
		includeSensitive bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Report terraform outputs of a working directory for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			outputs, err := ctl.ReadTerraformOutputs(ctx, dir, terraformBin, includeSensitive)
			if err != nil {
				return err
			}
			if len(outputs) == 0 {
				return errors.New("terraform reported no outputs")
			}

			var sink ctl.OutputSink
			if cfg.NATS.URL != "" {
				b, err := bus.New(cfg.NATS.URL)
				if err != nil {
					return fmt.Errorf("connect nats: %w", err)
				}
				defer b.Close()
				sink = ctl.BusSink{Pub: b}
			} else {
				if err := cfg.RequireDB(); err != nil {
					return fmt.Errorf("set NATS_URL or DB_DSN: %w", err)
				}
				pool, err := db.Open(ctx, cfg.DB.DSN)
				if err != nil {
					return err
				}
				defer pool.Close()
				orm, err := db.ORM(pool)
				if err != nil {
					return err
				}
				store, err := runs.NewStore(orm)
				if err != nil {
					return err
				}
				sink = ctl.StoreSink{Store: store}
			}

			n, err := sink.SyncOutputs(ctx, runID, outputs)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(outputs))
			for k := range outputs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d outputs for run %s: %v\n", n, runID, keys)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run id the outputs belong to")
	cmd.Flags().StringVar(&dir, "dir", ".", "Terraform working directory")
	cmd.Flags().StringVar(&terraformBin, "terraform", "terraform", "Path to the terraform binary")
	cmd.Flags().BoolVar(&includeSensitive, "include-sensitive", false, "Also report outputs marked sensitive")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect provisioning runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newRunsWaitCommand())
	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	return cmd
}

func newRunsWaitCommand() *cobra.Command {
	var (
		apiBaseURL string
		token      string
		jobID      int64
		timeout    time.Duration
		format     string
	)

	cmd := &cobra.Command{
		Use:   "wait RUN_ID",
		Short: "Poll the API until a run leaves pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if token == "" {
				token = os.Getenv("TFGATE_TOKEN")
			}

			client, err := ctl.NewClient(apiBaseURL, token, nil)
			if err != nil {
				return err
			}
			rs, err := client.WaitRun(ctx, args[0], ctl.WaitOptions{
				JobID: jobID,
				OnPoll: func(rs ctl.RunStatus) {
					fmt.Fprintf(cmd.ErrOrStderr(), "run %s still %s\n", rs.RunID, rs.Status)
				},
			})
			if err != nil {
				return err
			}
			if err := ctl.Print(cmd.OutOrStdout(), format, rs); err != nil {
				return err
			}
			if rs.Status == string(runs.StatusFailed) {
				return fmt.Errorf("run %s failed", rs.RunID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&apiBaseURL, "api", "", "Base URL of the tfgate API (e.g. https://tfgate.example.com)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (defaults to $TFGATE_TOKEN)")
	cmd.Flags().Int64Var(&jobID, "job-id", 0, "Workflow job id to bind an unknown run to")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Give up after this long (0 waits forever)")
	cmd.Flags().StringVarP(&format, "output", "o", ctl.FormatYAML, "Output format: json, yaml or text")
	_ = cmd.MarkFlagRequired("api")
	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		status string
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, closeDB, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			rows, err := ctl.ListRuns(ctx, pool, status, limit)
			if err != nil {
				return err
			}
			return ctl.Print(cmd.OutOrStdout(), format, rows)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list runs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of runs")
	cmd.Flags().StringVarP(&format, "output", "o", ctl.FormatYAML, "Output format: json, yaml or text")
	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run and its transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, closeDB, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			detail, err := ctl.ShowRun(ctx, pool, args[0])
			if err != nil {
				return err
			}
			return ctl.Print(cmd.OutOrStdout(), format, detail)
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", ctl.FormatYAML, "Output format: json, yaml or text")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "API token operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newTokenIssueCommand())
	return cmd
}

func newTokenIssueCommand() *cobra.Command {
	var (
		subject string
		scope   string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue an API bearer token signed with AUTH_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(commandContext(cmd))
			if err != nil {
				return err
			}
			if err := cfg.RequireAuth(); err != nil {
				return err
			}
			signer, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, expires, err := signer.Issue(subject, scope, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, usually the caller's name")
	cmd.Flags().StringVar(&scope, "scope", "runs", "Token scope")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			pool, closeDB, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func openPool(ctx context.Context) (*pgxpool.Pool, func(), error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.RequireDB(); err != nil {
		return nil, nil, err
	}
	pool, err := db.Open(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

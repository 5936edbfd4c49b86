package commands

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"dataset-job-orchestrator/internal/bootstrap"
	"dataset-job-orchestrator/internal/config"
	"dataset-job-orchestrator/internal/store"
)

// Opener connects the stores a command works on.
type Opener func(ctx context.Context, migrate bool) (*bootstrap.Deps, error)

// DefaultOpener opens the stores from environment configuration.
func DefaultOpener(cfg config.Config) Opener {
	return func(ctx context.Context, migrate bool) (*bootstrap.Deps, error) {
		return bootstrap.Open(ctx, cfg, migrate)
	}
}

// NewRootCmd creates the root command
func NewRootCmd(open Opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "jobctl",
		Short:         "Defer, inspect, cancel and retry dataset jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newInitDBCommand(open),
		newDeferEntitiesCommand(open),
		newDeferJobsCommand(open),
		newStatusCommand(open),
		newCancelCommand(open),
		newRetryCommand(open),
	)

	return rootCmd
}

func withDeps(cmd *cobra.Command, open Opener, migrate bool, fn func(ctx context.Context, d *bootstrap.Deps) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	d, err := open(ctx, migrate)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

func newInitDBCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Args:  cobra.NoArgs,
		Short: "Create or upgrade the job and entity tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, open, true, func(_ context.Context, d *bootstrap.Deps) error {
				d.Log.Info("database initialized")
				return nil
			})
		},
	}
}

// filterFlags binds the job filter flags shared by cancel and retry.
type filterFlags struct {
	dataset, batch, queue, task, status string
}

func (f *filterFlags) bind(cmd *cobra.Command, withStatus bool) {
	cmd.Flags().StringVarP(&f.dataset, "dataset", "d", "", "dataset name")
	cmd.Flags().StringVarP(&f.batch, "batch", "b", "", "batch name")
	cmd.Flags().StringVarP(&f.queue, "queue", "q", "", "queue name")
	cmd.Flags().StringVarP(&f.task, "task", "t", "", "task name")
	if withStatus {
		cmd.Flags().StringVarP(&f.status, "status", "s", "", "job status")
	}
}

func (f filterFlags) filter() store.Filter {
	opt := func(v string) *string {
		if v == "" {
			return nil
		}
		return &v
	}
	return store.Filter{
		Dataset: opt(f.dataset),
		Batch:   opt(f.batch),
		Queue:   opt(f.queue),
		Task:    opt(f.task),
		Status:  opt(f.status),
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

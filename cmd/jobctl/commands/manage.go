package commands

import (
	"context"

	"github.com/spf13/cobra"

	"dataset-job-orchestrator/internal/bootstrap"
	"dataset-job-orchestrator/internal/manage"
)

func newStatusCommand(open Opener) *cobra.Command {
	var (
		dataset string
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Args:  cobra.NoArgs,
		Short: "Show job status per dataset, batch, queue and task",
		Long:  `Show the job status tree. Only datasets with pending or running jobs are listed unless --all is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, open, false, func(ctx context.Context, d *bootstrap.Deps) error {
				m := manage.New(d.Jobs, d.Log)
				if dataset != "" {
					ds, err := m.GetDatasetStatus(ctx, dataset, !all)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), ds)
				}
				datasets, err := m.GetStatus(ctx, nil, !all)
				if err != nil {
					return err
				}
				if datasets == nil {
					datasets = []manage.DatasetStatus{}
				}
				return printJSON(cmd.OutOrStdout(), datasets)
			})
		},
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "only this dataset")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include inactive datasets")
	return cmd
}

func newCancelCommand(open Opener) *cobra.Command {
	var f filterFlags
	cmd := &cobra.Command{
		Use:   "cancel",
		Args:  cobra.NoArgs,
		Short: "Cancel pending jobs and request abort of running jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, open, false, func(ctx context.Context, d *bootstrap.Deps) error {
				res, err := manage.New(d.Jobs, d.Log).CancelJobs(ctx, f.filter())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	f.bind(cmd, true)
	return cmd
}

func newRetryCommand(open Opener) *cobra.Command {
	var f filterFlags
	cmd := &cobra.Command{
		Use:   "retry",
		Args:  cobra.NoArgs,
		Short: "Move failed jobs back to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, open, false, func(ctx context.Context, d *bootstrap.Deps) error {
				n, err := manage.New(d.Jobs, d.Log).RetryJobs(ctx, f.filter())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int64{"retried": n})
			})
		},
	}
	f.bind(cmd, false)
	return cmd
}

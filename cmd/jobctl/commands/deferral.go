package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"dataset-job-orchestrator/internal/bootstrap"
	"dataset-job-orchestrator/internal/models"
	"dataset-job-orchestrator/internal/pipeline"
	"dataset-job-orchestrator/internal/telemetry"
)

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(path)
}

// decodeStream calls fn for every JSON value in r, one after another.
func decodeStream(r io.Reader, fn func(json.RawMessage) error) error {
	dec := json.NewDecoder(r)
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrInvalidJob, err)
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
}

func newDeferEntitiesCommand(open Opener) *cobra.Command {
	var (
		dataset, queue, task, stage, input string
		chunk, priority                    int
		persist                            bool
	)
	cmd := &cobra.Command{
		Use:   "defer-entities",
		Args:  cobra.NoArgs,
		Short: "Defer jobs for the entities of a dataset",
		Long: `Defer one job per chunk of entities. Entities are read as a JSON stream
from --input ("-" for stdin), or from the entity store when no input is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, open, false, func(ctx context.Context, d *bootstrap.Deps) error {
				target := models.Stage{Queue: queue, Task: task}
				if stage != "" {
					st, err := pipeline.New(d.Config.Defer).Stage(stage)
					if err != nil {
						return err
					}
					target = st
				}
				if target.Queue == "" || target.Task == "" {
					return errors.New("either --stage or both --queue and --task are required")
				}

				var entities []models.Entity
				if input != "" {
					r, err := openInput(cmd, input)
					if err != nil {
						return err
					}
					defer r.Close()
					err = decodeStream(r, func(raw json.RawMessage) error {
						var v map[string]any
						if err := json.Unmarshal(raw, &v); err != nil {
							return fmt.Errorf("%w: %v", models.ErrInvalidJob, err)
						}
						e, err := models.EntityFromValue(v)
						if err != nil {
							return err
						}
						entities = append(entities, e)
						return nil
					})
					if err != nil {
						return err
					}
					if persist {
						if err := d.Entities.Put(ctx, dataset, "jobctl", entities); err != nil {
							return err
						}
					}
				} else {
					all, err := models.Collect(d.Entities.All(ctx, dataset))
					if err != nil {
						return err
					}
					entities = all
				}

				q := telemetry.Metered{Enqueuer: d.Jobs}
				n, err := pipeline.DeferEntities(ctx, q, dataset, target, entities, chunk, models.WithPriority(priority))
				d.Log.WithField("dataset", dataset).WithField("jobs", n).WithField("entities", len(entities)).Info("deferred entities")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"jobs": n, "entities": len(entities)})
			})
		},
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "dataset name")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "target queue")
	cmd.Flags().StringVarP(&task, "task", "t", "", "target task")
	cmd.Flags().StringVar(&stage, "stage", "", "named pipeline stage instead of --queue/--task")
	cmd.Flags().StringVarP(&input, "input", "i", "", `entity stream file, "-" for stdin`)
	cmd.Flags().IntVar(&chunk, "chunk", 100, "entities per job")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority")
	cmd.Flags().BoolVar(&persist, "store", false, "also write input entities to the entity store")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func newDeferJobsCommand(open Opener) *cobra.Command {
	var (
		input    string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "defer-jobs",
		Args:  cobra.NoArgs,
		Short: "Defer serialized job records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeps(cmd, open, false, func(ctx context.Context, d *bootstrap.Deps) error {
				r, err := openInput(cmd, input)
				if err != nil {
					return err
				}
				defer r.Close()
				q := telemetry.Metered{Enqueuer: d.Jobs}
				n := 0
				err = decodeStream(r, func(raw json.RawMessage) error {
					job, err := models.Unpack(raw)
					if err != nil {
						return fmt.Errorf("record %d: %w", n+1, err)
					}
					if err := models.Defer(ctx, q, job, models.WithPriority(priority)); err != nil {
						return err
					}
					n++
					return nil
				})
				d.Log.WithField("jobs", n).Info("deferred jobs")
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"jobs": n})
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", `record stream file, "-" for stdin`)
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority")
	return cmd
}

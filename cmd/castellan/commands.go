package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/castellan-sh/castellan/pkg/engine"
	"github.com/castellan-sh/castellan/pkg/models"
	"github.com/castellan-sh/castellan/pkg/statestore"
)

func workflowCommand() *cli.Command {
	return &cli.Command{
		Name:    "workflow",
		Aliases: []string{"wf"},
		Usage:   "Manage workflow definitions",
		Commands: []*cli.Command{
			{
				Name:  "register",
				Usage: "Validate a workflow definition file and persist it",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "Path to a workflow definition JSON file",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return registerWorkflow(ctx, cmd)
				},
			},
			{
				Name:  "list",
				Usage: "List persisted workflow definitions",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					ids, err := store.ListWorkflows(ctx)
					if err != nil {
						return err
					}

					return printJSON(ids)
				},
			},
			{
				Name:  "show",
				Usage: "Show one persisted workflow definition",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					definition, err := store.LoadWorkflowDefinition(ctx, cmd.Args().First())
					if err != nil {
						return err
					}

					if definition == nil {
						return fmt.Errorf("workflow %s not found", cmd.Args().First())
					}

					return printJSON(definition)
				},
			},
			{
				Name:  "delete",
				Usage: "Delete one persisted workflow definition",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					return store.DeleteWorkflowDefinition(ctx, cmd.Args().First())
				},
			},
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a persisted workflow by id",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data",
				Aliases: []string{"d"},
				Usage:   "Trigger data as a JSON object",
				Value:   "{}",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Pass the dry-run flag through to step handlers",
			},
			&cli.BoolFlag{
				Name:  "follow",
				Usage: "Log every lifecycle event while the run progresses",
			},
			&cli.DurationFlag{
				Name:    "step-timeout",
				Usage:   "Timeout per step attempt",
				Sources: cli.EnvVars("CASTELLAN_STEP_TIMEOUT"),
				Value:   engine.DefaultStepTimeout,
			},
			&cli.IntFlag{
				Name:    "max-retries",
				Usage:   "Retry budget for the execution",
				Sources: cli.EnvVars("CASTELLAN_MAX_RETRIES"),
				Value:   engine.DefaultMaxRetries,
			},
			&cli.BoolFlag{
				Name:    "per-step-retries",
				Usage:   "Scope the retry budget per step instead of per execution",
				Sources: cli.EnvVars("CASTELLAN_PER_STEP_RETRIES"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for this run",
				Sources: cli.EnvVars("CASTELLAN_TRACING"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runWorkflow(ctx, cmd)
		},
	}
}

func executionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "executions",
		Aliases: []string{"exec"},
		Usage:   "Inspect persisted execution records",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List persisted execution ids",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					ids, err := store.ListExecutions(ctx)
					if err != nil {
						return err
					}

					return printJSON(ids)
				},
			},
			{
				Name:  "show",
				Usage: "Show one persisted execution record",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					execution, err := store.LoadExecutionState(ctx, cmd.Args().First())
					if err != nil {
						return err
					}

					if execution == nil {
						return fmt.Errorf("execution %s not found", cmd.Args().First())
					}

					return printJSON(execution)
				},
			},
			{
				Name:  "delete",
				Usage: "Delete an execution record and its snapshots",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					return store.DeleteExecutionState(ctx, cmd.Args().First())
				},
			},
		},
	}
}

func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshot",
		Usage: "Manage point-in-time execution snapshots",
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Snapshot a persisted execution's current state",
				ArgsUsage: "<execution-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					executionID := cmd.Args().First()

					execution, err := store.LoadExecutionState(ctx, executionID)
					if err != nil {
						return err
					}

					if execution == nil {
						return fmt.Errorf("execution %s not found", executionID)
					}

					snapshotID, err := store.CreateSnapshot(ctx, executionID, execution.CurrentStepIndex, execution)
					if err != nil {
						return err
					}

					return printJSON(map[string]string{"snapshot_id": snapshotID})
				},
			},
			{
				Name:      "restore",
				Usage:     "Restore an execution record from a snapshot",
				ArgsUsage: "<snapshot-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					var execution models.Execution
					if err := store.RestoreSnapshot(ctx, cmd.Args().First(), &execution); err != nil {
						return err
					}

					if err := store.SaveExecutionState(ctx, &execution); err != nil {
						return err
					}

					return printJSON(&execution)
				},
			},
			{
				Name:      "list",
				Usage:     "List snapshots, optionally for one execution",
				ArgsUsage: "[execution-id]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					ids, err := store.ListSnapshots(ctx, cmd.Args().First())
					if err != nil {
						return err
					}

					return printJSON(ids)
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete one snapshot",
				ArgsUsage: "<snapshot-id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					return store.DeleteSnapshot(ctx, cmd.Args().First())
				},
			},
		},
	}
}

func stateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "State store maintenance",
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "Show record counts and on-disk size",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					stats, err := store.GetStateStatistics(ctx)
					if err != nil {
						return err
					}

					return printJSON(stats)
				},
			},
			{
				Name:  "cleanup",
				Usage: "Delete execution and snapshot files older than the threshold",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "older-than",
						Usage: "Age threshold in days",
						Value: 30,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					store, err := setupStore(cmd)
					if err != nil {
						return err
					}

					deleted, err := store.Cleanup(ctx, int(cmd.Int("older-than")))
					if err != nil {
						return err
					}

					return printJSON(map[string]int{"deleted": deleted})
				},
			},
		},
	}
}

func registerWorkflow(ctx context.Context, cmd *cli.Command) error {
	store, err := setupStore(cmd)
	if err != nil {
		return err
	}

	document, err := os.ReadFile(cmd.String("file"))
	if err != nil {
		return fmt.Errorf("failed to read workflow file: %w", err)
	}

	if err := statestore.ValidateDefinitionDocument(document); err != nil {
		return err
	}

	var definition models.WorkflowDefinition
	if err := json.Unmarshal(document, &definition); err != nil {
		return fmt.Errorf("failed to parse workflow file: %w", err)
	}

	if err := definition.Validate(); err != nil {
		return err
	}

	if definition.ID == "" {
		definition.ID = fmt.Sprintf("wf-%d", time.Now().UnixMilli())
	}

	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = time.Now().UTC()
	}

	if err := store.SaveWorkflowDefinition(ctx, &definition); err != nil {
		return err
	}

	return printJSON(map[string]string{"workflow_id": definition.ID})
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

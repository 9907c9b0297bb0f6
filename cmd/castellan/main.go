package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/castellan-sh/castellan/pkg/log"
)

func main() {
	cmd := &cli.Command{
		Name:                  "castellan",
		Usage:                 "Security-automation workflow runner",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state-dir",
				Usage:   "Root directory for encrypted workflow state",
				Sources: cli.EnvVars("CASTELLAN_STATE_DIR"),
				Value:   ".castellan/state",
			},
			&cli.StringFlag{
				Name:    "key-file",
				Usage:   "Path to the local key material file",
				Sources: cli.EnvVars("CASTELLAN_KEY_FILE"),
				Value:   ".castellan/castellan.key",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("CASTELLAN_LOG_LEVEL"),
				Value:   "info",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			log.Setup(cmd.String("log-level"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			workflowCommand(),
			runCommand(),
			executionsCommand(),
			snapshotCommand(),
			stateCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.WithModule("cli").Error("Command failed", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"class-mirror-backend/internal/logging"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "./config/config.yaml",
		Sources: cli.EnvVars("CONFIG_PATH"),
	}

	app := &cli.Command{
		Name:   "mirrord",
		Usage:  "Mirror a WebUntis timetable into a calendar",
		Flags:  []cli.Flag{configFlag},
		Action: runForever,
		Commands: []*cli.Command{
			{
				Name:   "rewrite",
				Usage:  "Delete every mirrored event from today on and insert the current window again",
				Action: rewriteOnce,
			},
			{
				Name:  "update",
				Usage: "Run one update pass over the mirrored events without starting the loop",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "from",
						Usage: "First day to check (YYYY-MM-DD), defaults to today",
					},
				},
				Action: updateOnce,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logging.New(os.Stderr, "info").Fatal("application error", "err", err)
	}
}

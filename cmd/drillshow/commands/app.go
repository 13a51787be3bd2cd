// Package commands implements the drillshow subcommands.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	cli "github.com/urfave/cli/v3"

	"github.com/livetemplate/drillshow/internal/config"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "load configuration from `FILE` instead of DIR/" + config.FileName,
}

// App builds the command tree.
func App(version string) *cli.Command {
	return &cli.Command{
		Name:            "drillshow",
		Usage:           "present markdown slide decks with drill-down navigation",
		Version:         version,
		HideHelpCommand: true,
		OnUsageError:    usageErrorHandler,
		Commands: []*cli.Command{
			serveCommand(),
			validateCommand(),
			stepsCommand(),
			{
				Name:  "version",
				Usage: "Show version",
				Action: func(_ context.Context, cmd *cli.Command) error {
					fmt.Fprintf(out(cmd), "drillshow version %s\n", version)
					return nil
				},
			},
		},
	}
}

// Errors are returned from subcommands and printed once by main.
func usageErrorHandler(_ context.Context, _ *cli.Command, err error, _ bool) error {
	return err
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

// deckDir resolves the DIR argument, defaulting to the working directory.
func deckDir(cmd *cli.Command) (string, error) {
	dir := cmd.Args().First()
	if dir == "" {
		dir = "."
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("directory does not exist: %s", dir)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return absDir, nil
}

// loadConfig reads --config when given, else DIR/drillshow.yaml, else the
// defaults.
func loadConfig(cmd *cli.Command, dir string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := cmd.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromDir(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"

	"github.com/livetemplate/drillshow/internal/deck"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check that every deck parses and every drill link resolves",
		ArgsUsage: "[DIR]",
		Flags:     []cli.Flag{configFlag},
		Action:    runValidate,
	}
}

func runValidate(_ context.Context, cmd *cli.Command) error {
	dir, err := deckDir(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, dir)
	if err != nil {
		return err
	}

	lib := deck.NewLibrary(dir, cfg.Ignore, nil)
	errs := lib.Discover()
	// Links into decks that failed to parse are reported once, by the parse error.
	if errs == nil {
		errs = lib.Validate()
	}

	w := out(cmd)
	problems := multierr.Errors(errs)
	if len(problems) == 0 {
		fmt.Fprintf(w, "✓ %d decks OK\n", len(lib.IDs()))
		return nil
	}

	stderr := cmd.Root().ErrWriter
	if stderr == nil {
		stderr = os.Stderr
	}
	for _, e := range problems {
		var pe *deck.ParseError
		if errors.As(e, &pe) {
			fmt.Fprintln(stderr, pe.Format())
			continue
		}
		fmt.Fprintf(stderr, "%v\n\n", e)
	}
	return fmt.Errorf("validation failed: %d problem(s)", len(problems))
}

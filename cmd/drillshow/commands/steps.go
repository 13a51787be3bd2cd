package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/livetemplate/drillshow/internal/deck"
	"github.com/livetemplate/drillshow/internal/steps"
)

func stepsCommand() *cli.Command {
	return &cli.Command{
		Name:      "steps",
		Usage:     "Show how each slide's author steps map to clicks",
		ArgsUsage: "[DIR] [DECK]",
		Flags:     []cli.Flag{configFlag},
		Action:    runSteps,
	}
}

func runSteps(_ context.Context, cmd *cli.Command) error {
	dir, err := deckDir(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, dir)
	if err != nil {
		return err
	}

	lib := deck.NewLibrary(dir, cfg.Ignore, nil)
	if err := lib.Discover(); err != nil {
		return err
	}

	decks := lib.Decks()
	if id := cmd.Args().Get(1); id != "" {
		d, ok := lib.Get(id)
		if !ok {
			return fmt.Errorf("deck not found: %s", id)
		}
		decks = []*deck.Deck{d}
	}

	w := out(cmd)
	perDecimal := cfg.Navigation.GetDelayPerDecimal()
	for _, d := range decks {
		printSteps(w, d, perDecimal)
	}
	return nil
}

func printSteps(w io.Writer, d *deck.Deck, perDecimal time.Duration) {
	fmt.Fprintf(w, "%s (%s, %d slides)\n", d.ID, d.Kind, len(d.Slides))

	show, isShow := d.Show()
	for _, s := range d.Slides {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "  slide %d: %s\n", s.Index, title)

		mapping := s.StepMap()
		authored := make([]int, 0, len(mapping))
		for step := range mapping {
			authored = append(authored, step)
		}
		sort.Ints(authored)
		for _, step := range authored {
			click := mapping[step]
			if isShow {
				fmt.Fprintf(w, "    {%d} -> click %d (fragment %d)\n", step, click, show.GlobalStep(s.Index, click))
			} else {
				fmt.Fprintf(w, "    {%d} -> click %d\n", step, click)
			}
		}

		for _, f := range s.Fragments {
			if delay := steps.AnimationDelay(f.Step, perDecimal); delay > 0 {
				fmt.Fprintf(w, "    line %d: {%s} waits %s\n", f.Line, strconv.FormatFloat(f.Step, 'f', -1, 64), delay)
			}
		}
		for _, l := range s.Links {
			at := "static"
			if !l.Static() {
				at = "click " + strconv.Itoa(l.LocalStep)
			}
			fmt.Fprintf(w, "    drill %s at %s%s\n", l.Target, at, linkFlags(l))
		}
	}
}

func linkFlags(l deck.Link) string {
	var flags string
	if l.AutoDrill {
		flags += " " + deck.FlagAuto
	}
	if l.ReturnHere {
		flags += " " + deck.FlagReturnHere
	}
	if flags == "" {
		return ""
	}
	return " [" + flags[1:] + "]"
}

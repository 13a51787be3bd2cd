package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livetemplate/drillshow/internal/config"
	"github.com/livetemplate/drillshow/internal/deck"
	"github.com/livetemplate/drillshow/internal/server"
	"github.com/livetemplate/drillshow/internal/storage"
)

// shutdownTimeout bounds how long open connections get to finish.
const shutdownTimeout = 5 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Start the presentation server",
		ArgsUsage: "[DIR]",
		Flags: []cli.Flag{
			configFlag,
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "listen on `PORT`"},
			&cli.StringFlag{Name: "host", Usage: "listen on `HOST`"},
			&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "reload decks when files change (overrides features.hot_reload)"},
			&cli.StringFlag{Name: "storage", Usage: "navigation state `DRIVER` (none, memory, sqlite, postgres)"},
			&cli.StringFlag{Name: "log-level", Usage: "logging `LEVEL` (none, normal, debug)"},
			&cli.StringFlag{Name: "presenter", Usage: "presenter `NAME` shown to viewers (default: $USER)"},
			&cli.BoolFlag{Name: "allow-clear", Usage: "let viewers erase saved navigation progress"},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) (err error) {
	dir, err := deckDir(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, dir)
	if err != nil {
		return err
	}

	// CLI flags override config
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("watch") {
		cfg.Features.HotReload = cmd.Bool("watch")
	}
	if cmd.IsSet("storage") {
		cfg.Storage.Driver = cmd.String("storage")
	}
	if cmd.IsSet("log-level") {
		cfg.Logging.Level = cmd.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	config.SetPresenter(cmd.String("presenter"))
	config.SetAllowClear(cmd.Bool("allow-clear"))

	logger, err := cfg.Logging.Build()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts := cfg.Storage.Options(dir)
	opts.Logger = logger
	st, err := storage.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if st != nil {
		defer func() {
			err = multierr.Append(err, st.Close())
		}()
	}

	lib := deck.NewLibrary(dir, cfg.Ignore, logger)
	srv := server.New(lib, st, cfg, logger)

	// Broken decks are reported and skipped; the rest are served.
	if loadErr := srv.Load(); loadErr != nil {
		for _, e := range multierr.Errors(loadErr) {
			logger.Warn("skipping deck", zap.Error(e))
		}
	}
	for _, e := range multierr.Errors(lib.Validate()) {
		logger.Warn("broken drill link", zap.Error(e))
	}

	w := out(cmd)
	fmt.Fprintf(w, "📚 %s\n\n", cfg.Title)
	fmt.Fprintf(w, "Serving: %s\n", dir)
	fmt.Fprintf(w, "\nDecks discovered:\n")
	for _, d := range lib.Decks() {
		fmt.Fprintf(w, "  %-30s %d slides\n", d.ID, len(d.Slides))
	}

	if cfg.Features.HotReload {
		if err := srv.EnableWatch(); err != nil {
			return fmt.Errorf("failed to enable watch mode: %w", err)
		}
		defer func() {
			err = multierr.Append(err, srv.StopWatch())
		}()
		fmt.Fprintf(w, "\n👀 Watch mode enabled - decks reload on save\n")
	}

	addr := cfg.Server.Addr()
	fmt.Fprintf(w, "\n🌐 Server running at http://%s\n", addr)
	if p := config.GetPresenter(); p != "" {
		fmt.Fprintf(w, "👤 Presenter: %s\n", p)
	}
	if config.IsClearAllowed() {
		fmt.Fprintf(w, "⚠️  Viewers may clear saved progress (--allow-clear)\n")
	}
	fmt.Fprintf(w, "Press Ctrl+C to stop\n\n")

	handler, err := srv.Handler()
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Int("sessions", srv.SessionCount()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

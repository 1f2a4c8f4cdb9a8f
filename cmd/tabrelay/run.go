package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HsiangNianian/tabrelay/internal/app"
	"github.com/HsiangNianian/tabrelay/internal/browser"
	"github.com/HsiangNianian/tabrelay/internal/events"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay daemon",
		Long: `Connects to Chrome through its remote debugging endpoint, restores the
last bound tab, connects to the stored or configured endpoint and serves the
local HTTP API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), flags)
		},
	}
}

func runDaemon(parent context.Context, flags *rootFlags) error {
	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := events.NewBus(events.WithLogger(logger))
	chrome := browser.New(cfg.Browser.DebuggerURL, bus, logger)
	if err := chrome.Start(ctx); err != nil {
		bus.Close()
		return err
	}
	defer chrome.Close()

	relay, err := app.New(cfg, app.Deps{Logger: logger, Store: st, Browser: chrome, Bus: bus})
	if err != nil {
		bus.Close()
		return err
	}
	defer relay.Close(context.Background())
	relay.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           relay.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("tabrelay listening", "addr", cfg.Server.ListenAddr, "relay_path", cfg.Server.RelayPath)
	if err := serve(ctx, srv); err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}
	logger.Info("tabrelay stopped")
	return nil
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

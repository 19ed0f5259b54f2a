package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andi/xmlconv/backend/api"
	"github.com/andi/xmlconv/backend/watcher"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.log.Info().Msg("=== xmlconv starting ===")

	hub := api.NewJobHub(rt.log)
	if err := rt.wire(ctx, hub); err != nil {
		hub.Stop()
		return err
	}
	rt.recoverHistory(ctx)
	cfg := rt.cfg

	var watch *watcher.Watcher
	if cfg.Watch.InboxDir != "" {
		watch, err = watcher.New(cfg.Watch.InboxDir, rt.svc, cfg.Watch.Debounce, rt.log)
		if err != nil {
			hub.Stop()
			return fmt.Errorf("failed to initialize inbox watcher: %w", err)
		}
		if err := watch.Start(); err != nil {
			rt.log.Error().Err(err).Msg("inbox watcher failed to start")
			watch = nil
		} else {
			rt.log.Info().Str("inbox", cfg.Watch.InboxDir).Msg("inbox watcher started")
		}
	}

	server := api.New(rt.svc, hub, api.Options{
		LogDir:       cfg.Logging.Dir,
		BodyLimit:    cfg.Server.BodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		JobLogPath:   rt.exec.LogPath,
	}, rt.log)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		color.Green("xmlconv is running on http://%s", addr)
		if rt.svc.IsDemo() {
			color.Yellow("demo mode: conversions produce placeholder artifacts")
		}
		if err := server.Start(addr); err != nil {
			serverErrors <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		rt.log.Error().Err(err).Msg("server error")
		runErr = err
	case sig := <-quit:
		rt.log.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	}

	shutdownCtx, cancel := shutdownContext()
	defer cancel()

	rt.log.Info().Msg("stopping HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.log.Error().Err(err).Msg("error shutting down server")
	}

	if watch != nil {
		rt.log.Info().Msg("stopping inbox watcher")
		watch.Stop()
	}

	hub.Stop()
	rt.log.Info().Msg("shutdown complete")
	return runErr
}

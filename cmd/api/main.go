package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"certificate-backend/internal/bootstrap"
	"certificate-backend/internal/shared/config"
	"certificate-backend/internal/shared/server"
	"certificate-backend/internal/shared/telemetry"
)

const (
	sweepInterval   = 10 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		telemetry.Error("api.exit", map[string]any{"error": err})
		telemetry.Sync()
		os.Exit(1)
	}
	telemetry.Sync()
}

func run() error {
	flags := pflag.NewFlagSet("api", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML file of env-style settings (same as CONFIG_FILE)")
	port := flags.StringP("port", "p", "", "listen port, overrides PORT")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *configPath != "" {
		if err := os.Setenv("CONFIG_FILE", *configPath); err != nil {
			return fmt.Errorf("set CONFIG_FILE: %w", err)
		}
	}

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	app.SweepScratch()
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				app.SweepScratch()
			}
		}
	}()

	// No write timeout: archive exports stream for as long as they take.
	srv := &http.Server{
		Addr:              server.Addr(cfg.Port),
		Handler:           app.Router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		telemetry.Info("api.listening", map[string]any{
			"addr":    srv.Addr,
			"env":     cfg.Env,
			"backend": cfg.BlobBackend,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	telemetry.Info("api.shutting_down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	telemetry.Info("api.stopped", nil)
	return nil
}

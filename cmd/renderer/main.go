package main

// Standalone PDF page renderer used when the API runs with RENDERER=http:
//   go run ./cmd/renderer --port 8090

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"certificate-backend/internal/render"
	"certificate-backend/internal/shared/config"
	"certificate-backend/internal/shared/server"
	"certificate-backend/internal/shared/server/middleware"
	"certificate-backend/internal/shared/telemetry"
)

func main() {
	flags := pflag.NewFlagSet("renderer", pflag.ContinueOnError)
	port := flags.StringP("port", "p", "8090", "listen port")
	maxBytes := flags.Int64("max-bytes", 0, "largest accepted PDF, defaults to MAX_UPLOAD_BYTES")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		telemetry.Error("renderer.flags", map[string]any{"error": err})
		os.Exit(2)
	}

	cfg := config.Load()
	if *maxBytes <= 0 {
		*maxBytes = cfg.MaxUploadBytes
	}

	poppler := render.NewPoppler(cfg.PopplerPath, cfg.RenderDPI, cfg.RenderFormat)
	if err := poppler.Available(); err != nil {
		telemetry.Warn("renderer.poppler_missing", map[string]any{"error": err})
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logging(), middleware.Recovery())
	rs := &render.Server{Renderer: poppler, ScratchDir: cfg.ScratchDir, MaxBytes: *maxBytes}
	rs.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              server.Addr(*port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			telemetry.Warn("renderer.shutdown", map[string]any{"error": err})
		}
	}()

	telemetry.Info("renderer.listening", map[string]any{"addr": srv.Addr, "dpi": poppler.DPI, "format": poppler.Format})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		telemetry.Error("renderer.exit", map[string]any{"error": err})
		telemetry.Sync()
		os.Exit(1)
	}
	telemetry.Sync()
}

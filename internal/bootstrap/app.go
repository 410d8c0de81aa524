package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"certificate-backend/internal/account"
	"certificate-backend/internal/archive"
	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/blobstore/gridfs"
	"certificate-backend/internal/blobstore/objectstore"
	"certificate-backend/internal/certificates"
	"certificate-backend/internal/ingest"
	"certificate-backend/internal/queue"
	"certificate-backend/internal/render"
	"certificate-backend/internal/shared/auth"
	"certificate-backend/internal/shared/config"
	"certificate-backend/internal/shared/metrics"
	"certificate-backend/internal/shared/server"
	"certificate-backend/internal/shared/server/middleware"
	"certificate-backend/internal/shared/storage/db"
	"certificate-backend/internal/shared/storage/object"
	localstore "certificate-backend/internal/shared/storage/object/local"
	s3store "certificate-backend/internal/shared/storage/object/s3"
	"certificate-backend/internal/shared/telemetry"
	"certificate-backend/internal/staging"
)

const (
	devMongoURI      = "mongodb://localhost:27017"
	startupTimeout   = 10 * time.Second
	requestFormExtra = 1 << 20

	// Rendered pages arrive base64 encoded and outweigh their source PDF.
	renderResponseFactor = 16
)

// App holds the wired process. Close releases the store connections.
type App struct {
	Config   config.Config
	Router   *gin.Engine
	Store    blobstore.Store
	Renderer render.Renderer
	Events   queue.Client
	Stager   *staging.Stager

	Ingest   *ingest.Service
	Exporter *archive.Exporter
	Account  *account.Service

	closers []func()
}

// Build connects nothing eagerly except what it must verify at startup; the
// stores dial lazily and report ErrUnavailable until they can connect.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	app := &App{Config: cfg}

	store, err := app.buildStore(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Store = store

	if app.Renderer, err = buildRenderer(cfg); err != nil {
		app.Close()
		return nil, err
	}
	if app.Events, err = buildQueue(ctx, cfg); err != nil {
		app.Close()
		return nil, err
	}
	if app.Stager, err = staging.New(cfg.ScratchDir, cfg.MaxUploadBytes, cfg.MaxUploadFiles); err != nil {
		app.Close()
		return nil, fmt.Errorf("scratch dir: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.Env, cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Ingest = &ingest.Service{
		Store:       app.Store,
		Renderer:    app.Renderer,
		Events:      app.Events,
		Concurrency: cfg.IngestConcurrency,
	}
	app.Exporter = &archive.Exporter{Store: app.Store, MaxIDs: cfg.ExportMaxIDs}
	app.Account = account.NewService(app.Store)

	certHandler := certificates.NewHandler(app.Store, app.Stager, app.Ingest, app.Exporter)
	if cfg.MaxUploadBytes > 0 && cfg.MaxUploadFiles > 0 {
		certHandler.MaxRequestBytes = cfg.MaxUploadBytes*int64(cfg.MaxUploadFiles) + requestFormExtra
	}

	app.Router = server.NewRouter(server.RouterDeps{
		Config:       cfg,
		Verifier:     verifier,
		Store:        app.Store,
		Certificates: certHandler,
		Account:      account.NewHandler(app.Account),
		RateLimiter:  middleware.NewRateLimiter(nil),
	})
	return app, nil
}

func (a *App) buildStore(ctx context.Context) (blobstore.Store, error) {
	cfg := a.Config
	switch cfg.BlobBackend {
	case "object":
		return a.buildObjectStore(ctx)
	default:
		uri := strings.TrimSpace(cfg.MongoURI)
		if uri == "" {
			if cfg.Env == "production" {
				return nil, errors.New("MONGODB_URI is required")
			}
			uri = devMongoURI
			telemetry.Warn("bootstrap.mongo_default", map[string]any{"uri": uri})
		}
		h := gridfs.NewHandle(uri, cfg.MongoDatabase, cfg.StoreProbeInterval)
		a.closers = append(a.closers, h.Close)

		store := gridfs.New(h, cfg.GridFSBucket)
		ictx, cancel := context.WithTimeout(ctx, startupTimeout)
		defer cancel()
		if err := store.EnsureIndexes(ictx); err != nil {
			telemetry.Warn("bootstrap.gridfs_indexes", map[string]any{"error": err})
		}
		return store, nil
	}
}

func (a *App) buildObjectStore(ctx context.Context) (blobstore.Store, error) {
	cfg := a.Config
	var objects object.ObjectStore
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, errors.New("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		s3, err := s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
		if err != nil {
			return nil, err
		}
		objects = s3
	default:
		objects = localstore.New(cfg.LocalStoreDir)
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if cfg.Env == "production" {
			return nil, errors.New("BLOB_BACKEND=object requires DATABASE_URL")
		}
		telemetry.Warn("bootstrap.memory_catalog", map[string]any{"reason": "DATABASE_URL empty"})
		return objectstore.New(objects, objectstore.NewMemoryCatalog()), nil
	}

	h := db.NewHandle(cfg.DatabaseURL, db.OptionsFromEnv(db.DefaultServerOptions()))
	a.closers = append(a.closers, func() {
		if err := h.Close(); err != nil {
			telemetry.Warn("bootstrap.db_close", map[string]any{"error": err})
		}
	})
	if cfg.MigrateOnStart {
		mctx, cancel := context.WithTimeout(ctx, startupTimeout)
		defer cancel()
		if err := migrate(mctx, h); err != nil {
			telemetry.Warn("bootstrap.migrate_failed", map[string]any{"error": err})
		}
	}
	return objectstore.New(objects, &objectstore.PGCatalog{DB: h}), nil
}

func migrate(ctx context.Context, h *db.Handle) error {
	sqlDB, err := h.Acquire(ctx)
	if err != nil {
		return err
	}
	return db.RunMigrations(ctx, sqlDB)
}

func buildRenderer(cfg config.Config) (render.Renderer, error) {
	if cfg.Renderer == "http" {
		if strings.TrimSpace(cfg.RendererURL) == "" {
			return nil, errors.New("RENDERER=http requires RENDERER_URL")
		}
		client := render.NewClient(cfg.RendererURL, cfg.RendererTimeout)
		if cfg.MaxUploadBytes > 0 {
			client.MaxResponseBytes = cfg.MaxUploadBytes * renderResponseFactor
		}
		return client, nil
	}
	p := render.NewPoppler(cfg.PopplerPath, cfg.RenderDPI, cfg.RenderFormat)
	if err := p.Available(); err != nil {
		// PDFs fail with renderer_unavailable until poppler is installed.
		telemetry.Warn("bootstrap.poppler_missing", map[string]any{"error": err})
	}
	return p, nil
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.EventsQueueURL) == "" {
		return queue.Noop{}, nil
	}
	return queue.NewSQSClient(ctx, cfg.AWSRegion, cfg.EventsQueueURL)
}

// SweepScratch removes staging leftovers older than the configured age.
func (a *App) SweepScratch() {
	if a.Stager == nil {
		return
	}
	n, err := a.Stager.Sweep(a.Config.ScratchMaxAge)
	metrics.AddScratchSwept(n)
	if err != nil {
		telemetry.Warn("scratch.sweep_failed", map[string]any{"error": err, "removed": n})
		return
	}
	if n > 0 {
		telemetry.Info("scratch.swept", map[string]any{"removed": n})
	}
}

// Close releases store connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

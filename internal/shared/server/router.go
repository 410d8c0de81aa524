package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"certificate-backend/internal/account"
	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/certificates"
	"certificate-backend/internal/shared/auth"
	"certificate-backend/internal/shared/config"
	"certificate-backend/internal/shared/metrics"
	"certificate-backend/internal/shared/server/middleware"
	"certificate-backend/internal/shared/server/respond"
	"certificate-backend/internal/shared/telemetry"
)

const healthTimeout = 2 * time.Second

// RouterDeps carries everything NewRouter mounts. Nil handlers leave their
// routes unregistered.
type RouterDeps struct {
	Config       config.Config
	Verifier     *auth.Verifier
	Store        blobstore.Store
	Certificates *certificates.Handler
	Account      *account.Handler
	RateLimiter  *middleware.RateLimiter
}

// DefaultRateRules are applied per caller. Upload and export buckets are
// far smaller than the default.
func DefaultRateRules() map[string]middleware.RateLimitRule {
	return map[string]middleware.RateLimitRule{
		middleware.RateGroupDefault: {Rate: 20, Burst: 40},
		middleware.RateGroupIngest:  {Rate: 2, Burst: 10},
		middleware.RateGroupExport:  {Rate: 0.5, Burst: 3},
	}
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(cfg.CORSAllowOrigin),
	)
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	if cfg.RateLimitEnabled {
		api.Use(middleware.RateLimit(middleware.RateLimitConfig{
			Rules:    DefaultRateRules(),
			GroupFor: middleware.CertificateGroup,
			Limiter:  deps.RateLimiter,
		}))
	}
	api.GET("/health", healthHandler(deps.Store))

	if deps.Certificates != nil {
		deps.Certificates.RegisterRoutes(api)
	}

	owner := api.Group("")
	owner.Use(middleware.Auth(deps.Verifier))
	registerMeRoutes(owner)
	if deps.Certificates != nil {
		deps.Certificates.RegisterOwnerRoutes(owner)
	}
	if deps.Account != nil {
		deps.Account.RegisterRoutes(owner)
	}

	return r
}

func healthHandler(store blobstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil {
			respond.JSON(c, http.StatusOK, gin.H{"ok": true})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			telemetry.Warn("health.store_unavailable", map[string]any{"error": err})
			respond.JSON(c, http.StatusServiceUnavailable, gin.H{"ok": false, "store": "unavailable"})
			return
		}
		respond.JSON(c, http.StatusOK, gin.H{"ok": true, "store": "ok"})
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}

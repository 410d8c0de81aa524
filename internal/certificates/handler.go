// Package certificates exposes certificate upload, download, export and
// owner management over HTTP.
package certificates

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"certificate-backend/internal/archive"
	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/ingest"
	"certificate-backend/internal/shared/server/respond"
	"certificate-backend/internal/staging"
)

// Handler wires HTTP handlers to the pipeline and the content store.
type Handler struct {
	Store    blobstore.Store
	Stager   *staging.Stager
	Ingest   *ingest.Service
	Exporter *archive.Exporter
	// MaxRequestBytes caps a whole upload request; zero means no cap.
	MaxRequestBytes int64
}

// NewHandler constructs a Handler.
func NewHandler(store blobstore.Store, stager *staging.Stager, svc *ingest.Service, exporter *archive.Exporter) *Handler {
	return &Handler{Store: store, Stager: stager, Ingest: svc, Exporter: exporter}
}

// RegisterRoutes attaches the routes that identify blobs by id or take the
// owner from the form.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/certificates", h.upload)
	rg.POST("/certificates/export", h.export)
	rg.GET("/certificates/:id", h.download)
}

// RegisterOwnerRoutes attaches routes that act on the caller's own blobs.
// The group must run the auth middleware.
func (h *Handler) RegisterOwnerRoutes(rg *gin.RouterGroup) {
	rg.GET("/certificates", h.list)
	rg.PATCH("/certificates/:id", h.rename)
	rg.DELETE("/certificates/:id", h.remove)
}

// storeError writes the response for an error returned by the content store.
func storeError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, blobstore.ErrInvalidID):
		respond.Error(c, http.StatusBadRequest, "invalid_id", "certificate id is not valid", nil)
	case errors.Is(err, blobstore.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "certificate not found", nil)
	case errors.Is(err, blobstore.ErrUnavailable):
		respond.Retryable(c, http.StatusInternalServerError, "store_unavailable", "storage is temporarily unavailable", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to "+action, nil)
	}
}

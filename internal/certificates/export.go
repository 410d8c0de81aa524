package certificates

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"certificate-backend/internal/archive"
	"certificate-backend/internal/shared/server/middleware"
	"certificate-backend/internal/shared/server/respond"
)

const archiveFilename = "certificates.zip"

func (h *Handler) export(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	ids := make([]string, 0, len(req.FileIDs))
	for _, id := range req.FileIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	w := &streamWriter{c: c}
	rep, err := h.Exporter.Export(c.Request.Context(), ids, w)
	c.Set(middleware.LogArchiveSize, len(rep.Entries))
	if err == nil {
		return
	}
	if rep.Started() {
		// Part of the archive is already out. Abort the connection.
		panic(http.ErrAbortHandler)
	}

	switch {
	case errors.Is(err, archive.ErrNoFileIDs):
		respond.Error(c, http.StatusBadRequest, "validation_error", "fileIds must be a non-empty list", []map[string]string{
			{"field": "fileIds", "issue": "required"},
		})
	case errors.Is(err, archive.ErrTooManyIDs):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), []map[string]string{
			{"field": "fileIds", "issue": "too_many"},
		})
	case c.Request.Context().Err() != nil:
		c.Abort()
	default:
		respond.Error(c, http.StatusInternalServerError, "export_failed", "failed to build archive", nil)
	}
}

// streamWriter sends the zip headers with the first archive bytes and flushes
// every write so the client receives data as it is encoded.
type streamWriter struct {
	c       *gin.Context
	started bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.started = true
		h := w.c.Writer.Header()
		h.Set("Content-Type", "application/zip")
		h.Set("Content-Disposition", `attachment; filename="`+archiveFilename+`"`)
		h.Set("Cache-Control", "no-store")
		w.c.Status(http.StatusOK)
	}
	n, err := w.c.Writer.Write(p)
	if err != nil {
		return n, err
	}
	w.c.Writer.Flush()
	return n, nil
}

package certificates

import (
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/shared/server/middleware"
	"certificate-backend/internal/shared/server/respond"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxNameLength    = 255
)

func (h *Handler) list(c *gin.Context) {
	owner := middleware.UserIDFromContext(c)

	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			respond.Error(c, http.StatusBadRequest, "validation_error", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	recs, err := h.Store.Find(c.Request.Context(), blobstore.Query{OwnerID: owner, Limit: limit}, blobstore.ProjectionSummary)
	if err != nil {
		storeError(c, err, "list certificates")
		return
	}
	items := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toRecordResponse(rec))
	}
	respond.OK(c, gin.H{"items": items})
}

func (h *Handler) rename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	name := strings.TrimSpace(req.OriginalName)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength || strings.ContainsAny(name, "/\\\x00") {
		respond.Error(c, http.StatusBadRequest, "validation_error", "originalName is invalid", []map[string]string{
			{"field": "originalName", "issue": "invalid"},
		})
		return
	}

	rec, ok := h.ownedRecord(c)
	if !ok {
		return
	}
	if err := h.Store.SetOriginalName(c.Request.Context(), rec.ID, name); err != nil {
		storeError(c, err, "rename certificate")
		return
	}
	rec.Metadata.OriginalName = name
	respond.OK(c, toRecordResponse(rec))
}

func (h *Handler) remove(c *gin.Context) {
	rec, ok := h.ownedRecord(c)
	if !ok {
		return
	}
	if err := h.Store.Delete(c.Request.Context(), rec.ID); err != nil {
		storeError(c, err, "delete certificate")
		return
	}
	respond.NoContent(c)
}

// ownedRecord loads the blob named in the path and checks that the caller
// owns it. It writes the error response itself when it returns false.
func (h *Handler) ownedRecord(c *gin.Context) (blobstore.Record, bool) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set(middleware.LogBlobID, id)

	rec, err := h.Store.Get(c.Request.Context(), id)
	if err != nil {
		storeError(c, err, "load certificate")
		return blobstore.Record{}, false
	}
	owner := middleware.UserIDFromContext(c)
	if owner == "" || rec.Metadata.OwnerID != owner {
		respond.Error(c, http.StatusForbidden, "forbidden", "certificate belongs to another user", nil)
		return blobstore.Record{}, false
	}
	return rec, true
}

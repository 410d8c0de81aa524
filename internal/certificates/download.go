package certificates

import (
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"certificate-backend/internal/archive"
	"certificate-backend/internal/shared/server/middleware"
)

const immutableCache = "public, max-age=31536000, immutable"

func (h *Handler) download(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	c.Set(middleware.LogBlobID, id)

	r, err := h.Store.OpenRead(c.Request.Context(), id)
	if err != nil {
		storeError(c, err, "read certificate")
		return
	}
	defer r.Close()

	rec := r.Record()
	headers := map[string]string{
		"Cache-Control": immutableCache,
		"Content-Disposition": mime.FormatMediaType("inline", map[string]string{
			"filename": archive.EntryName(rec),
		}),
	}
	if !rec.UploadedAt.IsZero() {
		headers["Last-Modified"] = rec.UploadedAt.UTC().Format(http.TimeFormat)
	}
	if sum := rec.Metadata.Checksum; sum != "" {
		etag := fmt.Sprintf("%q", sum)
		headers["ETag"] = etag
		if etagMatch(c.GetHeader("If-None-Match"), etag) {
			for k, v := range headers {
				c.Header(k, v)
			}
			c.Status(http.StatusNotModified)
			return
		}
	}

	c.DataFromReader(http.StatusOK, rec.SizeBytes, rec.ContentType, r, headers)
}

func etagMatch(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

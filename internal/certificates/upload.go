package certificates

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"certificate-backend/internal/ingest"
	"certificate-backend/internal/shared/server/middleware"
	"certificate-backend/internal/shared/server/respond"
	"certificate-backend/internal/staging"
)

func (h *Handler) upload(c *gin.Context) {
	if h.MaxRequestBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxRequestBytes)
	}
	requestID := middleware.RequestIDFromContext(c)

	err := h.Stager.With(c.Request.Context(), c.Request, requestID, func(form *staging.Form) error {
		res, err := h.Ingest.Ingest(c.Request.Context(), ingest.Request{
			OwnerID:   form.Value("ownerId"),
			RequestID: requestID,
			Form:      form,
		})
		if err != nil {
			return err
		}
		writeIngestResult(c, res)
		return nil
	})
	if err != nil {
		uploadError(c, err)
	}
}

func writeIngestResult(c *gin.Context, res ingest.Result) {
	stored := res.Stored()
	failures := res.Failures()
	c.Set(middleware.LogFilesStored, len(stored))
	c.Set(middleware.LogFilesFailed, len(failures))

	if len(stored) == 1 {
		respond.Created(c, "/api/v1/certificates/"+stored[0].FileID, toIngestResponse(res))
		return
	}
	if len(stored) > 1 {
		respond.Created(c, "", toIngestResponse(res))
		return
	}

	details := gin.H{"requestId": res.RequestID, "failures": toFailures(failures)}
	switch worstCode(failures) {
	case ingest.CodeUnsupportedMedia:
		respond.Error(c, http.StatusUnsupportedMediaType, "unsupported_media_type", "no file had a supported type", details)
	case ingest.CodeRenderFailed, ingest.CodeRendererUnavailable, ingest.CodePageFailed:
		respond.Error(c, http.StatusBadGateway, "render_failed", "PDF conversion failed", details)
	case ingest.CodeStoreUnavailable:
		respond.Retryable(c, http.StatusInternalServerError, "store_unavailable", "storage is temporarily unavailable", details)
	case ingest.CodeStoreWriteFailed:
		respond.Retryable(c, http.StatusInternalServerError, "store_write_failed", "files could not be stored", details)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "upload failed", details)
	}
}

// worstCode picks the failure that decides the status when nothing was
// stored. Unsupported media only wins when every file was unsupported.
func worstCode(failures []ingest.Failure) string {
	rank := map[string]int{
		ingest.CodeUnsupportedMedia:    0,
		ingest.CodeStoreWriteFailed:    1,
		ingest.CodePageFailed:          2,
		ingest.CodeRenderFailed:        2,
		ingest.CodeRendererUnavailable: 2,
		ingest.CodeStoreUnavailable:    3,
		ingest.CodeInternal:            4,
	}
	worst, best := ingest.CodeUnsupportedMedia, -1
	for _, f := range failures {
		r, ok := rank[f.Code]
		if !ok {
			r = rank[ingest.CodeInternal]
		}
		if r > best {
			worst, best = f.Code, r
		}
	}
	return worst
}

func uploadError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ingest.ErrMissingOwner):
		respond.Error(c, http.StatusBadRequest, "validation_error", "ownerId is required", []map[string]string{
			{"field": "ownerId", "issue": "required"},
		})
	case errors.Is(err, ingest.ErrNoFiles):
		respond.Error(c, http.StatusBadRequest, "validation_error", "at least one file is required", []map[string]string{
			{"field": "files", "issue": "required"},
		})
	case errors.As(err, &tooLarge), errors.Is(err, staging.ErrFileTooLarge):
		respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "upload exceeds the size limit", nil)
	case errors.Is(err, staging.ErrTooManyFiles):
		respond.Error(c, http.StatusBadRequest, "too_many_files", "too many files in one request", nil)
	case errors.Is(err, staging.ErrNotMultipart), errors.Is(err, staging.ErrMalformed), errors.Is(err, staging.ErrFieldTooLong):
		respond.Error(c, http.StatusBadRequest, "validation_error", "request must be multipart/form-data", nil)
	case c.Request.Context().Err() != nil:
		c.Abort()
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "upload failed", nil)
	}
}

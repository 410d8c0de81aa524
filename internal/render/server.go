package render

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"certificate-backend/internal/shared/server/respond"
	"certificate-backend/internal/shared/telemetry"
	"certificate-backend/internal/shared/util"
)

// Server exposes a Renderer over HTTP for Client to call.
type Server struct {
	Renderer Renderer
	// ScratchDir receives uploaded PDFs and rendered pages for the
	// duration of one request.
	ScratchDir string
	MaxBytes   int64
}

// RegisterRoutes attaches the renderer endpoints.
func (s *Server) RegisterRoutes(r gin.IRoutes) {
	r.POST("/render", s.render)
	r.GET("/healthz", s.health)
}

func (s *Server) health(c *gin.Context) {
	if p, ok := s.Renderer.(*Poppler); ok {
		if err := p.Available(); err != nil {
			respond.Error(c, http.StatusServiceUnavailable, "renderer_unavailable", err.Error(), nil)
			return
		}
	}
	respond.OK(c, gin.H{"ok": true})
}

func (s *Server) render(c *gin.Context) {
	if s.MaxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.MaxBytes)
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}

	work, err := os.MkdirTemp(s.ScratchDir, "render-*")
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to allocate scratch space", nil)
		return
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			telemetry.Warn("render.cleanup_failed", map[string]any{"path": work, "error": err})
		}
	}()

	original := c.PostForm("originalFilename")
	if original == "" {
		original = fileHeader.Filename
	}
	pdfPath := filepath.Join(work, "input_"+util.SafeName(original))
	if err := c.SaveUploadedFile(fileHeader, pdfPath); err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to buffer upload", nil)
		return
	}

	res, err := s.Renderer.Render(c.Request.Context(), Request{
		PDFPath:          pdfPath,
		OwnerID:          c.PostForm("ownerId"),
		OriginalFilename: original,
		WorkDir:          filepath.Join(work, "pages"),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnavailable):
			respond.Error(c, http.StatusServiceUnavailable, "renderer_unavailable", "renderer is not available", nil)
		case errors.Is(err, ErrFailed):
			respond.Error(c, http.StatusUnprocessableEntity, "render_failed", err.Error(), nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "rendering failed", nil)
		}
		return
	}

	out := wireResult{Pages: make([]wirePage, 0, len(res.Pages))}
	for _, p := range res.Pages {
		content, err := os.ReadFile(p.Path)
		if err != nil {
			out.Failures = append(out.Failures, wireFailure{PageNumber: p.Number, Reason: "page output unreadable"})
			continue
		}
		out.Pages = append(out.Pages, wirePage{PageNumber: p.Number, ContentType: p.ContentType, Content: content})
	}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, wireFailure{PageNumber: f.Number, Reason: f.Reason})
	}

	telemetry.Info("render.complete", map[string]any{
		"file":     original,
		"pages":    len(out.Pages),
		"failures": len(out.Failures),
	})
	respond.OK(c, out)
}

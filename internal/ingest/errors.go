package ingest

import (
	"errors"
	"fmt"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/render"
)

var (
	ErrMissingOwner     = errors.New("ownerId is required")
	ErrNoFiles          = errors.New("at least one file is required")
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// Phases a file passes through.
const (
	PhaseDispatch = "dispatch"
	PhaseRender   = "render"
	PhaseRead     = "read"
	PhaseStore    = "store"
)

// Failure codes reported per file.
const (
	CodeUnsupportedMedia    = "unsupported_media_type"
	CodeRenderFailed        = "render_failed"
	CodeRendererUnavailable = "renderer_unavailable"
	CodePageFailed          = "page_render_failed"
	CodeStoreUnavailable    = "store_unavailable"
	CodeStoreWriteFailed    = "store_write_failed"
	CodeInternal            = "internal_error"
)

// FileError ties a low-level error to the file and phase it happened in.
type FileError struct {
	Name  string
	Phase string
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Name, e.Phase, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

func fileError(name, phase string, err error) *FileError {
	return &FileError{Name: name, Phase: phase, Err: err}
}

// codeFor maps an error to the stable key reported to the client.
func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedMedia):
		return CodeUnsupportedMedia
	case render.IsUnavailable(err):
		return CodeRendererUnavailable
	case errors.Is(err, render.ErrFailed):
		return CodeRenderFailed
	case errors.Is(err, blobstore.ErrUnavailable):
		return CodeStoreUnavailable
	}
	var fe *FileError
	if errors.As(err, &fe) {
		switch fe.Phase {
		case PhaseStore, PhaseRead:
			return CodeStoreWriteFailed
		case PhaseRender:
			return CodeRenderFailed
		}
	}
	return CodeInternal
}

func reasonFor(code string) string {
	switch code {
	case CodeUnsupportedMedia:
		return "only JPEG, PNG, GIF, WebP images and PDF documents are accepted"
	case CodeRenderFailed:
		return "the PDF could not be converted to images"
	case CodeRendererUnavailable:
		return "the PDF converter is not available"
	case CodePageFailed:
		return "this page could not be converted"
	case CodeStoreUnavailable:
		return "storage is temporarily unavailable"
	case CodeStoreWriteFailed:
		return "the file could not be stored"
	default:
		return "unexpected error"
	}
}

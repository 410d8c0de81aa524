// Package render turns a PDF into one image per page. The work happens
// across a process or network boundary: a local poppler binary or a remote
// renderer service.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ledongthuc/pdf"
)

var (
	// ErrUnavailable means the renderer could not be reached or started.
	ErrUnavailable = errors.New("page renderer unavailable")
	// ErrFailed means the renderer ran but produced no pages.
	ErrFailed = errors.New("page rendering failed")
)

// Request describes one PDF to render. Page images are written into WorkDir.
type Request struct {
	PDFPath          string
	OwnerID          string
	OriginalFilename string
	WorkDir          string
}

// Page is one rendered page image on disk.
type Page struct {
	Number      int
	ContentType string
	Path        string
}

// PageFailure records a page that could not be rendered.
type PageFailure struct {
	Number int
	Reason string
}

// Result holds the rendered pages in page order plus any per-page failures.
type Result struct {
	Pages    []Page
	Failures []PageFailure
}

// Renderer converts a PDF into page images. A non-nil error means no page
// was produced; per-page problems are reported in Result.Failures.
type Renderer interface {
	Render(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Renderer.
type Func func(ctx context.Context, req Request) (Result, error)

// Render calls f.
func (f Func) Render(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// CountPages reads the page count from the document catalog.
func CountPages(path string) (n int, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	defer f.Close()
	n = r.NumPage()
	if n <= 0 {
		return 0, errors.New("pdf has no pages")
	}
	return n, nil
}

func extensionFor(contentType string) string {
	if contentType == "image/jpeg" {
		return ".jpg"
	}
	return ".png"
}

func ensureWorkDir(dir string) error {
	if dir == "" {
		return errors.New("render: work dir is required")
	}
	return os.MkdirAll(dir, 0o700)
}

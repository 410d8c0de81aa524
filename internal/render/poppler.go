package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"certificate-backend/internal/shared/telemetry"
)

const pdftoppm = "pdftoppm"

// Poppler renders pages by running pdftoppm once per page.
type Poppler struct {
	// Dir holds the poppler binaries; empty means search PATH.
	Dir    string
	DPI    int
	Format string
}

// NewPoppler returns a renderer for the given poppler install directory.
func NewPoppler(dir string, dpi int, format string) *Poppler {
	if dpi <= 0 {
		dpi = 300
	}
	if format != "jpeg" {
		format = "png"
	}
	return &Poppler{Dir: strings.TrimSpace(dir), DPI: dpi, Format: format}
}

// Available reports whether the pdftoppm binary can be found.
func (p *Poppler) Available() error {
	_, err := p.binary()
	return err
}

func (p *Poppler) binary() (string, error) {
	if p.Dir != "" {
		path := filepath.Join(p.Dir, pdftoppm)
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return "", fmt.Errorf("%w: %s is not executable", ErrUnavailable, path)
		}
		return path, nil
	}
	path, err := exec.LookPath(pdftoppm)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return path, nil
}

func (p *Poppler) contentType() string {
	if p.Format == "jpeg" {
		return "image/jpeg"
	}
	return "image/png"
}

// Render writes page-<n>.<ext> files into req.WorkDir.
func (p *Poppler) Render(ctx context.Context, req Request) (Result, error) {
	bin, err := p.binary()
	if err != nil {
		return Result{}, err
	}
	if err := ensureWorkDir(req.WorkDir); err != nil {
		return Result{}, err
	}

	n, err := CountPages(req.PDFPath)
	if err != nil {
		telemetry.Warn("render.page_count_failed", map[string]any{"file": req.OriginalFilename, "error": err})
		return p.renderAll(ctx, bin, req)
	}

	var res Result
	for i := 1; i <= n; i++ {
		prefix := filepath.Join(req.WorkDir, fmt.Sprintf("page-%d", i))
		args := []string{"-" + p.Format, "-r", strconv.Itoa(p.DPI), "-f", strconv.Itoa(i), "-l", strconv.Itoa(i), "-singlefile", req.PDFPath, prefix}
		out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		if err != nil {
			res.Failures = append(res.Failures, PageFailure{Number: i, Reason: reason(out, err)})
			continue
		}
		path := prefix + extensionFor(p.contentType())
		if _, err := os.Stat(path); err != nil {
			res.Failures = append(res.Failures, PageFailure{Number: i, Reason: "no output produced"})
			continue
		}
		res.Pages = append(res.Pages, Page{Number: i, ContentType: p.contentType(), Path: path})
	}

	if len(res.Pages) == 0 {
		return Result{}, fmt.Errorf("%w: %s: %s", ErrFailed, req.OriginalFilename, firstReason(res.Failures))
	}
	return res, nil
}

var pageSuffix = regexp.MustCompile(`-(\d+)\.(png|jpg)$`)

// renderAll runs a single pdftoppm over the whole document when the page
// count could not be read up front.
func (p *Poppler) renderAll(ctx context.Context, bin string, req Request) (Result, error) {
	prefix := filepath.Join(req.WorkDir, "page")
	args := []string{"-" + p.Format, "-r", strconv.Itoa(p.DPI), req.PDFPath, prefix}
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %s", ErrFailed, req.OriginalFilename, reason(out, err))
	}

	entries, err := os.ReadDir(req.WorkDir)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, e := range entries {
		m := pageSuffix.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		res.Pages = append(res.Pages, Page{Number: num, ContentType: p.contentType(), Path: filepath.Join(req.WorkDir, e.Name())})
	}
	sort.Slice(res.Pages, func(i, j int) bool { return res.Pages[i].Number < res.Pages[j].Number })
	if len(res.Pages) == 0 {
		return Result{}, fmt.Errorf("%w: %s: no pages produced", ErrFailed, req.OriginalFilename)
	}
	return res, nil
}

func reason(out []byte, err error) string {
	msg := strings.TrimSpace(string(bytes.TrimSpace(out)))
	if msg == "" {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Sprintf("pdftoppm exited with %d", exitErr.ExitCode())
		}
		return err.Error()
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

func firstReason(failures []PageFailure) string {
	if len(failures) == 0 {
		return "no pages produced"
	}
	return failures[0].Reason
}

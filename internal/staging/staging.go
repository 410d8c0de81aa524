// Package staging buffers multipart uploads to request-private scratch files
// and removes them once the request is done with them.
package staging

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"certificate-backend/internal/shared/telemetry"
	"certificate-backend/internal/shared/util"
)

const (
	dirName          = "certificate-staging"
	defaultFieldSize = 64 << 10
	sniffLen         = 3072
)

var (
	ErrNotMultipart = errors.New("request is not multipart/form-data")
	ErrTooManyFiles = errors.New("too many files in request")
	ErrFileTooLarge = errors.New("file exceeds upload size limit")
	ErrFieldTooLong = errors.New("form field exceeds size limit")
	ErrMalformed    = errors.New("malformed multipart body")
)

// Part is one uploaded file buffered to disk.
type Part struct {
	FieldName        string
	OriginalFilename string
	MimeType         string
	SniffedType      string
	SizeBytes        int64
	Checksum         string
	TempPath         string
}

// Form is a parsed multipart request. Every path it created or was asked to
// track is removed by Release.
type Form struct {
	Fields map[string]string
	Files  []Part

	dir      string
	mu       sync.Mutex
	paths    []string
	released bool
}

// Value returns the trimmed value of a form field.
func (f *Form) Value(name string) string {
	return strings.TrimSpace(f.Fields[name])
}

// Track registers an extra path, file or directory, for removal on Release.
func (f *Form) Track(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
}

// TempDir creates a tracked scratch directory next to the staged files.
func (f *Form) TempDir(pattern string) (string, error) {
	dir, err := os.MkdirTemp(f.dir, pattern)
	if err != nil {
		return "", err
	}
	f.Track(dir)
	return dir, nil
}

// Paths returns every tracked path.
func (f *Form) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

// Release removes every tracked path. It is safe to call more than once;
// removal failures are logged and otherwise ignored.
func (f *Form) Release() {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return
	}
	f.released = true
	paths := f.paths
	f.mu.Unlock()

	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			telemetry.Warn("staging.unlink_failed", map[string]any{"path": p, "error": err})
		}
	}
}

// Stager writes uploads under Dir with collision-free names.
type Stager struct {
	dir          string
	maxFileBytes int64
	maxFiles     int
	maxField     int64
	seq          atomic.Uint64
	now          func() time.Time
}

// New returns a Stager using a private directory under scratchDir.
func New(scratchDir string, maxFileBytes int64, maxFiles int) (*Stager, error) {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	dir := filepath.Join(scratchDir, dirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Stager{
		dir:          dir,
		maxFileBytes: maxFileBytes,
		maxFiles:     maxFiles,
		maxField:     defaultFieldSize,
		now:          time.Now,
	}, nil
}

// Dir returns the directory staged files are written to.
func (s *Stager) Dir() string { return s.dir }

// With stages r, calls fn, and releases the form on every exit path.
func (s *Stager) With(ctx context.Context, r *http.Request, requestID string, fn func(*Form) error) error {
	form, err := s.Stage(ctx, r, requestID)
	if err != nil {
		return err
	}
	defer form.Release()
	return fn(form)
}

// Stage reads the whole multipart body, writing each file part once to its
// own scratch file. On error nothing it created is left behind.
func (s *Stager) Stage(ctx context.Context, r *http.Request, requestID string) (*Form, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMultipart, err)
	}

	form := &Form{Fields: map[string]string{}, dir: s.dir}
	if err := s.readParts(ctx, mr, form, requestID); err != nil {
		form.Release()
		return nil, err
	}
	return form, nil
}

func (s *Stager) readParts(ctx context.Context, mr *multipart.Reader, form *Form, requestID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}

		if part.FileName() == "" {
			val, err := io.ReadAll(io.LimitReader(part, s.maxField+1))
			part.Close()
			if err != nil {
				return fmt.Errorf("read field %s: %w", part.FormName(), err)
			}
			if int64(len(val)) > s.maxField {
				return fmt.Errorf("%w: %s", ErrFieldTooLong, part.FormName())
			}
			form.Fields[part.FormName()] = string(val)
			continue
		}

		if s.maxFiles > 0 && len(form.Files) >= s.maxFiles {
			part.Close()
			return fmt.Errorf("%w: limit %d", ErrTooManyFiles, s.maxFiles)
		}
		staged, err := s.writePart(part, form, requestID)
		part.Close()
		if err != nil {
			return err
		}
		form.Files = append(form.Files, staged)
	}
}

func (s *Stager) writePart(part *multipart.Part, form *Form, requestID string) (Part, error) {
	name := s.scratchName(requestID, part.FileName())
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return Part{}, fmt.Errorf("create scratch file: %w", err)
	}
	form.Track(path)

	head := &prefixBuffer{limit: sniffLen}
	hash := util.NewContentHash()
	dst := io.MultiWriter(f, hash, head)

	var src io.Reader = part
	if s.maxFileBytes > 0 {
		src = io.LimitReader(part, s.maxFileBytes+1)
	}
	n, copyErr := io.Copy(dst, src)
	closeErr := f.Close()
	if copyErr != nil {
		return Part{}, fmt.Errorf("stage %s: %w", part.FileName(), copyErr)
	}
	if closeErr != nil {
		return Part{}, fmt.Errorf("stage %s: %w", part.FileName(), closeErr)
	}
	if s.maxFileBytes > 0 && n > s.maxFileBytes {
		return Part{}, fmt.Errorf("%w: %s", ErrFileTooLarge, part.FileName())
	}

	return Part{
		FieldName:        part.FormName(),
		OriginalFilename: part.FileName(),
		MimeType:         part.Header.Get("Content-Type"),
		SniffedType:      mimetype.Detect(head.Bytes()).String(),
		SizeBytes:        n,
		Checksum:         util.EncodeContentHash(hash),
		TempPath:         path,
	}, nil
}

// scratchName combines request id, time, a process-wide counter and random
// bits, so two parts with the same name in one millisecond never collide.
func (s *Stager) scratchName(requestID, filename string) string {
	rid := util.SafeName(requestID)
	if requestID == "" {
		rid = "req"
	}
	return fmt.Sprintf("%s_%d_%d_%s_%s",
		rid,
		s.now().UnixMilli(),
		s.seq.Add(1),
		randomHex(4),
		util.SafeName(filename),
	)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// prefixBuffer keeps the first limit bytes written to it.
type prefixBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (p *prefixBuffer) Write(b []byte) (int, error) {
	if room := p.limit - p.buf.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		p.buf.Write(b[:room])
	}
	return len(b), nil
}

func (p *prefixBuffer) Bytes() []byte { return p.buf.Bytes() }

// Sweep removes entries in the staging directory older than maxAge, left
// behind by a process that exited mid-request. It returns how many were removed.
func (s *Stager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			telemetry.Warn("staging.sweep_failed", map[string]any{"path": path, "error": err})
			continue
		}
		removed++
	}
	return removed, nil
}

package staging

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type filePart struct {
	field, name, contentType string
	body                     []byte
}

func newMultipartRequest(t *testing.T, fields map[string]string, files ...filePart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="` + f.field + `"; filename="` + f.name + `"`}
		if f.contentType != "" {
			h["Content-Type"] = []string{f.contentType}
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := w.Write(f.body); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/certificates", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func newStager(t *testing.T, maxBytes int64, maxFiles int) *Stager {
	t.Helper()
	s, err := New(t.TempDir(), maxBytes, maxFiles)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStageWritesFilesAndFields(t *testing.T) {
	s := newStager(t, 1<<20, 10)
	req := newMultipartRequest(t, map[string]string{"ownerId": " u1 "},
		filePart{field: "files", name: "cert.png", contentType: "application/octet-stream", body: pngHeader},
		filePart{field: "files", name: "cert.png", contentType: "image/png", body: pngHeader},
	)

	form, err := s.Stage(context.Background(), req, "req-1")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	defer form.Release()

	if form.Value("ownerId") != "u1" {
		t.Fatalf("unexpected owner %q", form.Value("ownerId"))
	}
	if len(form.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(form.Files))
	}
	a, b := form.Files[0], form.Files[1]
	if a.TempPath == b.TempPath {
		t.Fatal("expected distinct scratch paths for identical names")
	}
	if a.SniffedType != "image/png" {
		t.Fatalf("expected sniffed png, got %q", a.SniffedType)
	}
	if a.MimeType != "application/octet-stream" {
		t.Fatalf("expected declared type to be kept, got %q", a.MimeType)
	}
	if a.SizeBytes != int64(len(pngHeader)) {
		t.Fatalf("unexpected size %d", a.SizeBytes)
	}
	if !strings.HasPrefix(a.Checksum, "blake3:") || a.Checksum != b.Checksum {
		t.Fatalf("unexpected checksums %q %q", a.Checksum, b.Checksum)
	}
	if !strings.HasPrefix(filepath.Base(a.TempPath), "req-1_") || !strings.HasSuffix(a.TempPath, "_cert.png") {
		t.Fatalf("unexpected scratch name %s", a.TempPath)
	}
	got, err := os.ReadFile(a.TempPath)
	if err != nil || !bytes.Equal(got, pngHeader) {
		t.Fatalf("scratch content mismatch: %v", err)
	}
}

func TestReleaseRemovesEverything(t *testing.T) {
	s := newStager(t, 1<<20, 10)
	req := newMultipartRequest(t, nil, filePart{field: "files", name: "a.png", body: pngHeader})

	form, err := s.Stage(context.Background(), req, "r")
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	dir, err := form.TempDir("render-*")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "page-1.png"), pngHeader, 0o600); err != nil {
		t.Fatalf("write page: %v", err)
	}

	form.Release()
	form.Release()

	for _, p := range form.Paths() {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, stat err=%v", p, err)
		}
	}
	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 0 {
		t.Fatalf("expected empty staging dir, found %d entries", len(entries))
	}
}

func TestWithReleasesOnError(t *testing.T) {
	s := newStager(t, 1<<20, 10)
	req := newMultipartRequest(t, nil, filePart{field: "files", name: "a.png", body: pngHeader})

	boom := errors.New("boom")
	var staged []string
	err := s.With(context.Background(), req, "r", func(f *Form) error {
		staged = f.Paths()
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if len(staged) != 1 {
		t.Fatalf("expected one staged path, got %d", len(staged))
	}
	if _, err := os.Stat(staged[0]); !os.IsNotExist(err) {
		t.Fatalf("expected scratch file removed, stat err=%v", err)
	}
}

func TestStageLimits(t *testing.T) {
	tests := []struct {
		name     string
		maxBytes int64
		maxFiles int
		files    []filePart
		want     error
	}{
		{
			name:     "too large",
			maxBytes: 4,
			maxFiles: 10,
			files:    []filePart{{field: "files", name: "big.png", body: pngHeader}},
			want:     ErrFileTooLarge,
		},
		{
			name:     "too many",
			maxBytes: 1 << 20,
			maxFiles: 1,
			files: []filePart{
				{field: "files", name: "a.png", body: pngHeader},
				{field: "files", name: "b.png", body: pngHeader},
			},
			want: ErrTooManyFiles,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newStager(t, tt.maxBytes, tt.maxFiles)
			req := newMultipartRequest(t, nil, tt.files...)
			form, err := s.Stage(context.Background(), req, "r")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if form != nil {
				t.Fatal("expected nil form on error")
			}
			entries, _ := os.ReadDir(s.Dir())
			if len(entries) != 0 {
				t.Fatalf("expected no leftovers, found %d", len(entries))
			}
		})
	}
}

func TestStageRejectsNonMultipart(t *testing.T) {
	s := newStager(t, 1<<20, 10)
	req := httptest.NewRequest(http.MethodPost, "/certificates", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	if _, err := s.Stage(context.Background(), req, "r"); !errors.Is(err, ErrNotMultipart) {
		t.Fatalf("expected ErrNotMultipart, got %v", err)
	}
}

func TestSweepRemovesOnlyStaleEntries(t *testing.T) {
	s := newStager(t, 1<<20, 10)
	stale := filepath.Join(s.Dir(), "old_1_1_aa_x.png")
	fresh := filepath.Join(s.Dir(), "new_1_2_bb_y.png")
	for _, p := range []string{stale, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	n, err := s.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file should remain: %v", err)
	}
}

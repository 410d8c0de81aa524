package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"certificate-backend/internal/shared/storage/object"
)

func TestPutOpenDelete(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	n, err := store.Put(ctx, "owner/cert.png", "image/png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != int64(len("png-bytes")) {
		t.Fatalf("expected %d bytes, got %d", len("png-bytes"), n)
	}

	rc, err := store.Open(ctx, "owner/cert.png")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "png-bytes" {
		t.Fatalf("unexpected body %q", body)
	}

	if err := store.Delete(ctx, "owner/cert.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Open(ctx, "owner/cert.png"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "owner/cert.png"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("disk on fire") }

func TestPutFailureLeavesNothingBehind(t *testing.T) {
	base := t.TempDir()
	store := New(base)

	if _, err := store.Put(context.Background(), "owner/broken.png", "image/png", io.MultiReader(strings.NewReader("abc"), failingReader{})); err == nil {
		t.Fatal("expected error")
	}

	entries, err := os.ReadDir(filepath.Join(base, "owner"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, found %d entries", len(entries))
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	store := New(t.TempDir())
	for _, key := range []string{"../etc/passwd", "/abs/path", ""} {
		if _, err := store.Open(context.Background(), key); err == nil || errors.Is(err, object.ErrNotFound) {
			t.Fatalf("expected invalid key error for %q, got %v", key, err)
		}
	}
}

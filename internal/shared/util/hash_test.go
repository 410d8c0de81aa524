package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashUserKey(t *testing.T) {
	id := "google:12345"
	got := HashUserKey(id)
	if got != HashUserKey(id) {
		t.Fatalf("expected stable hash, got %s", got)
	}
	for _, ch := range got {
		if !((ch >= 'a' && ch <= 'f') || (ch >= '0' && ch <= '9')) {
			t.Fatalf("hash contains non-hex character: %c", ch)
		}
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(got))
	}
}

func TestFileChecksumMatchesStreamingHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cert.png")
	body := []byte("not really a png but bytes are bytes")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := FileChecksum(path)
	if err != nil {
		t.Fatalf("FileChecksum: %v", err)
	}

	h := NewContentHash()
	_, _ = h.Write(body)
	want := EncodeContentHash(h)
	if got != want {
		t.Fatalf("checksum mismatch: %s vs %s", got, want)
	}
	if !strings.HasPrefix(got, "blake3:") {
		t.Fatalf("expected algorithm prefix, got %s", got)
	}
}

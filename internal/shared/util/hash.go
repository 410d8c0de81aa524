package util

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashUserKey returns a filesystem-safe identifier for a user ID.
func HashUserKey(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NewContentHash returns the hasher used for stored content checksums.
func NewContentHash() hash.Hash {
	return blake3.New()
}

// EncodeContentHash renders a finished content hash the way it is stored.
func EncodeContentHash(h hash.Hash) string {
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}

// FileChecksum hashes the file at path with the content hash.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := NewContentHash()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return EncodeContentHash(h), nil
}

package object

import (
	"context"
	"errors"
	"io"
	"path"

	"certificate-backend/internal/shared/util"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("object not found")

// ObjectStore defines the contract for saving and retrieving binary objects.
// Put must not make a partial object visible under key if r fails mid-stream.
type ObjectStore interface {
	Put(ctx context.Context, key string, contentType string, r io.Reader) (sizeBytes int64, err error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// KeyFor returns the storage key for a blob owned by ownerID.
func KeyFor(ownerID, name string) string {
	return path.Join(util.HashUserKey(ownerID), name)
}

package objectstore

import (
	"context"
	"errors"

	"certificate-backend/internal/blobstore"
)

var errCatalogNotFound = errors.New("catalog entry not found")

// Entry is a catalog row: the blob record plus where its bytes live.
type Entry struct {
	Record    blobstore.Record
	ObjectKey string
}

// Catalog persists blob records for the object-backed store.
type Catalog interface {
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	Find(ctx context.Context, q blobstore.Query) ([]Entry, error)
	Delete(ctx context.Context, id string) error
	SetOriginalName(ctx context.Context, id, name string) error
	Reassign(ctx context.Context, fromOwner, toOwner string) (int64, error)
	Ping(ctx context.Context) error
}

// Package blobstore defines the durable content store certificates are kept
// in: streamed writes that yield an id on commit, streamed reads, metadata
// queries and deletes.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// MetadataVersion is written with every record so older layouts can be told apart.
const MetadataVersion = 1

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidID   = errors.New("invalid blob id")
	ErrUnavailable = errors.New("content store unavailable")
)

// Metadata is the fixed set of attributes stored alongside a blob.
// PageNumber is zero and SourceDocument empty for blobs that are not PDF pages.
type Metadata struct {
	Version        int
	OwnerID        string
	OriginalName   string
	ContentType    string
	UploadedAt     time.Time
	CorrelationID  string
	PageNumber     int
	SourceDocument string
	Checksum       string
}

// Record describes a committed blob.
type Record struct {
	ID          string
	Filename    string
	ContentType string
	SizeBytes   int64
	UploadedAt  time.Time
	Metadata    Metadata
}

// Query selects records. Zero fields match everything; results are ordered
// newest first.
type Query struct {
	OwnerID string
	IDs     []string
	Limit   int
}

// Projection controls how much of each record Find returns.
type Projection int

const (
	ProjectionFull Projection = iota
	ProjectionSummary
)

// Apply trims r to the fields p selects.
func (p Projection) Apply(r Record) Record {
	if p != ProjectionSummary {
		return r
	}
	r.Metadata.CorrelationID = ""
	r.Metadata.Checksum = ""
	r.Metadata.SourceDocument = ""
	return r
}

// Writer streams one blob into the store. Nothing is visible to readers
// until Commit returns; Abort discards everything written so far.
type Writer interface {
	io.Writer
	Commit() (Record, error)
	Abort() error
}

// Reader streams one committed blob.
type Reader interface {
	io.ReadCloser
	Record() Record
}

// Store is the content store contract shared by every backend.
type Store interface {
	OpenWrite(ctx context.Context, filename, contentType string, meta Metadata) (Writer, error)
	OpenRead(ctx context.Context, id string) (Reader, error)
	Get(ctx context.Context, id string) (Record, error)
	Find(ctx context.Context, q Query, p Projection) ([]Record, error)
	Delete(ctx context.Context, id string) error
	SetOriginalName(ctx context.Context, id, name string) error
	Reassign(ctx context.Context, fromOwner, toOwner string) (int64, error)
	Ping(ctx context.Context) error
}

// Put copies r into a new blob and commits it. The writer is aborted if the
// copy fails, so a failed Put leaves no queryable record.
func Put(ctx context.Context, s Store, filename, contentType string, meta Metadata, r io.Reader) (Record, error) {
	w, err := s.OpenWrite(ctx, filename, contentType, meta)
	if err != nil {
		return Record{}, err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return Record{}, fmt.Errorf("copy blob %s: %w", filename, err)
	}
	return w.Commit()
}

// Unavailable wraps err so callers can match it with ErrUnavailable.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

var extensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"application/pdf": ".pdf",
}

// Supported reports whether contentType may be stored.
func Supported(contentType string) bool {
	_, ok := extensions[NormalizeType(contentType)]
	return ok
}

// IsImage reports whether contentType is one of the stored image types.
func IsImage(contentType string) bool {
	ct := NormalizeType(contentType)
	return Supported(ct) && strings.HasPrefix(ct, "image/")
}

// ExtensionFor returns the file extension used for contentType, or "" when unknown.
func ExtensionFor(contentType string) string {
	return extensions[NormalizeType(contentType)]
}

// NormalizeType lowercases a media type and drops any parameters.
func NormalizeType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "image/jpg" || ct == "image/pjpeg" {
		return "image/jpeg"
	}
	return ct
}

// Validate checks the fields every backend requires before a write.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.OwnerID) == "" {
		return errors.New("metadata: owner id is required")
	}
	if !Supported(m.ContentType) {
		return fmt.Errorf("metadata: unsupported content type %q", m.ContentType)
	}
	if m.PageNumber < 0 {
		return fmt.Errorf("metadata: negative page number %d", m.PageNumber)
	}
	return nil
}

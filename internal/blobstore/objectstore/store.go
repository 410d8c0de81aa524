// Package objectstore implements blobstore.Store on top of an object store
// for the bytes and a catalog for the records.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/shared/storage/object"
	"certificate-backend/internal/shared/telemetry"
)

var (
	errWriterDone = errors.New("blob writer already finished")
	errAborted    = errors.New("blob write aborted")
)

// Store keeps blob bytes in an ObjectStore and their records in a Catalog.
// A record is inserted only after its bytes are fully stored.
type Store struct {
	objects object.ObjectStore
	catalog Catalog
	now     func() time.Time
}

// New constructs a Store.
func New(objects object.ObjectStore, catalog Catalog) *Store {
	return &Store{
		objects: objects,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type putResult struct {
	n   int64
	err error
}

type writer struct {
	store *Store
	ctx   context.Context
	entry Entry
	pw    *io.PipeWriter
	done  chan putResult

	mu       sync.Mutex
	finished bool
}

// OpenWrite starts streaming a new blob into the object store.
func (s *Store) OpenWrite(ctx context.Context, filename, contentType string, meta blobstore.Metadata) (blobstore.Writer, error) {
	meta.ContentType = blobstore.NormalizeType(contentType)
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if meta.Version == 0 {
		meta.Version = blobstore.MetadataVersion
	}
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = s.now()
	}

	id := uuid.NewString()
	entry := Entry{
		Record: blobstore.Record{
			ID:          id,
			Filename:    filename,
			ContentType: meta.ContentType,
			UploadedAt:  meta.UploadedAt,
			Metadata:    meta,
		},
		ObjectKey: object.KeyFor(meta.OwnerID, id),
	}

	pr, pw := io.Pipe()
	w := &writer{
		store: s,
		ctx:   ctx,
		entry: entry,
		pw:    pw,
		done:  make(chan putResult, 1),
	}
	go func() {
		n, err := s.objects.Put(ctx, entry.ObjectKey, meta.ContentType, pr)
		// Unblocks Write if Put gave up before reaching EOF.
		pr.CloseWithError(err)
		w.done <- putResult{n: n, err: err}
	}()
	return w, nil
}

func (w *writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	finished := w.finished
	w.mu.Unlock()
	if finished {
		return 0, errWriterDone
	}
	return w.pw.Write(p)
}

func (w *writer) finish() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return false
	}
	w.finished = true
	return true
}

// Commit waits for the object to be stored and then records it.
func (w *writer) Commit() (blobstore.Record, error) {
	if !w.finish() {
		return blobstore.Record{}, errWriterDone
	}
	_ = w.pw.Close()
	res := <-w.done
	if res.err != nil {
		return blobstore.Record{}, fmt.Errorf("store object %s: %w", w.entry.Record.Filename, res.err)
	}

	w.entry.Record.SizeBytes = res.n
	if err := w.store.catalog.Insert(w.ctx, w.entry); err != nil {
		w.store.discard(w.ctx, w.entry.ObjectKey)
		return blobstore.Record{}, fmt.Errorf("record blob %s: %w", w.entry.Record.Filename, err)
	}
	return w.entry.Record, nil
}

// Abort stops the upload and removes anything that reached the object store.
func (w *writer) Abort() error {
	if !w.finish() {
		return nil
	}
	w.pw.CloseWithError(errAborted)
	if res := <-w.done; res.err == nil {
		w.store.discard(w.ctx, w.entry.ObjectKey)
	}
	return nil
}

func (s *Store) discard(ctx context.Context, key string) {
	if err := s.objects.Delete(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, object.ErrNotFound) {
		telemetry.Warn("blobstore.discard_failed", map[string]any{"object_key": key, "error": err})
	}
}

type reader struct {
	io.ReadCloser
	record blobstore.Record
}

func (r *reader) Record() blobstore.Record { return r.record }

// OpenRead streams a committed blob.
func (s *Store) OpenRead(ctx context.Context, id string) (blobstore.Reader, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := s.objects.Open(ctx, e.ObjectKey)
	if errors.Is(err, object.ErrNotFound) {
		return nil, blobstore.ErrNotFound
	}
	if err != nil {
		return nil, blobstore.Unavailable(fmt.Errorf("open object %s: %w", id, err))
	}
	return &reader{ReadCloser: rc, record: e.Record}, nil
}

// Get returns the record for id.
func (s *Store) Get(ctx context.Context, id string) (blobstore.Record, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return blobstore.Record{}, err
	}
	return e.Record, nil
}

// Find lists records matching q.
func (s *Store) Find(ctx context.Context, q blobstore.Query, p blobstore.Projection) ([]blobstore.Record, error) {
	if len(q.IDs) > 0 {
		valid := make([]string, 0, len(q.IDs))
		for _, id := range q.IDs {
			if parsed, err := parseID(id); err == nil {
				valid = append(valid, parsed)
			}
		}
		if len(valid) == 0 {
			return []blobstore.Record{}, nil
		}
		q.IDs = valid
	}
	entries, err := s.catalog.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]blobstore.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, p.Apply(e.Record))
	}
	return out, nil
}

// Delete removes the record first, then the bytes.
func (s *Store) Delete(ctx context.Context, id string) error {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := s.catalog.Delete(ctx, e.Record.ID); err != nil {
		return mapCatalogErr(err)
	}
	s.discard(ctx, e.ObjectKey)
	return nil
}

// SetOriginalName updates the display name of a blob.
func (s *Store) SetOriginalName(ctx context.Context, id, name string) error {
	parsed, err := parseID(id)
	if err != nil {
		return err
	}
	return mapCatalogErr(s.catalog.SetOriginalName(ctx, parsed, name))
}

// Reassign moves every blob owned by fromOwner to toOwner. Object keys are
// left where they are; the catalog is the source of truth for ownership.
func (s *Store) Reassign(ctx context.Context, fromOwner, toOwner string) (int64, error) {
	return s.catalog.Reassign(ctx, fromOwner, toOwner)
}

// Ping reports whether the catalog is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.catalog.Ping(ctx)
}

func (s *Store) lookup(ctx context.Context, id string) (Entry, error) {
	parsed, err := parseID(id)
	if err != nil {
		return Entry{}, err
	}
	e, err := s.catalog.Get(ctx, parsed)
	if err != nil {
		return Entry{}, mapCatalogErr(err)
	}
	return e, nil
}

func parseID(id string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("%w: %q", blobstore.ErrInvalidID, id)
	}
	return parsed.String(), nil
}

func mapCatalogErr(err error) error {
	if errors.Is(err, errCatalogNotFound) {
		return blobstore.ErrNotFound
	}
	return err
}

var _ blobstore.Store = (*Store)(nil)

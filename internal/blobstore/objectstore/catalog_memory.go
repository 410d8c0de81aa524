package objectstore

import (
	"context"
	"sort"
	"sync"

	"certificate-backend/internal/blobstore"
)

// MemoryCatalog is an in-memory Catalog.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCatalog constructs a MemoryCatalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{entries: make(map[string]Entry)}
}

func (m *MemoryCatalog) Insert(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Record.ID] = e
	return nil
}

func (m *MemoryCatalog) Get(ctx context.Context, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, errCatalogNotFound
	}
	return e, nil
}

func (m *MemoryCatalog) Find(ctx context.Context, q blobstore.Query) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids map[string]struct{}
	if len(q.IDs) > 0 {
		ids = make(map[string]struct{}, len(q.IDs))
		for _, id := range q.IDs {
			ids[id] = struct{}{}
		}
	}

	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if q.OwnerID != "" && e.Record.Metadata.OwnerID != q.OwnerID {
			continue
		}
		if ids != nil {
			if _, ok := ids[e.Record.ID]; !ok {
				continue
			}
		}
		out = append(out, e)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Record, out[j].Record
		if a.UploadedAt.Equal(b.UploadedAt) {
			return a.ID > b.ID
		}
		return a.UploadedAt.After(b.UploadedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryCatalog) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return errCatalogNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryCatalog) SetOriginalName(ctx context.Context, id, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return errCatalogNotFound
	}
	e.Record.Metadata.OriginalName = name
	m.entries[id] = e
	return nil
}

func (m *MemoryCatalog) Reassign(ctx context.Context, fromOwner, toOwner string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.entries {
		if e.Record.Metadata.OwnerID != fromOwner {
			continue
		}
		e.Record.Metadata.OwnerID = toOwner
		m.entries[id] = e
		n++
	}
	return n, nil
}

func (m *MemoryCatalog) Ping(ctx context.Context) error {
	return ctx.Err()
}

var _ Catalog = (*MemoryCatalog)(nil)

package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"certificate-backend/internal/blobstore"
)

// Acquirer hands out the shared database pool, connecting lazily.
type Acquirer interface {
	Acquire(ctx context.Context) (*sql.DB, error)
}

// PGCatalog implements Catalog using the Postgres blobs table.
type PGCatalog struct {
	DB Acquirer
}

const blobColumns = `id, filename, object_key, content_type, size_bytes, uploaded_at, owner_id, original_name, correlation_id, page_number, source_document, checksum, metadata_version`

func (c *PGCatalog) conn(ctx context.Context) (*sql.DB, error) {
	db, err := c.DB.Acquire(ctx)
	if err != nil {
		return nil, blobstore.Unavailable(err)
	}
	return db, nil
}

// Insert adds a committed blob.
func (c *PGCatalog) Insert(ctx context.Context, e Entry) error {
	db, err := c.conn(ctx)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO blobs (` + blobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	r := e.Record
	var page sql.NullInt32
	if r.Metadata.PageNumber > 0 {
		page = sql.NullInt32{Int32: int32(r.Metadata.PageNumber), Valid: true}
	}
	_, err = db.ExecContext(
		ctx,
		query,
		r.ID,
		r.Filename,
		e.ObjectKey,
		r.ContentType,
		r.SizeBytes,
		r.UploadedAt,
		r.Metadata.OwnerID,
		r.Metadata.OriginalName,
		r.Metadata.CorrelationID,
		page,
		r.Metadata.SourceDocument,
		r.Metadata.Checksum,
		r.Metadata.Version,
	)
	return err
}

// Get returns one entry by id.
func (c *PGCatalog) Get(ctx context.Context, id string) (Entry, error) {
	db, err := c.conn(ctx)
	if err != nil {
		return Entry{}, err
	}
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE id = $1`
	e, err := scanEntry(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, errCatalogNotFound
	}
	return e, err
}

// Find lists entries newest first.
func (c *PGCatalog) Find(ctx context.Context, q blobstore.Query) ([]Entry, error) {
	db, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if q.OwnerID != "" {
		args = append(args, q.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if len(q.IDs) > 0 {
		holders := make([]string, len(q.IDs))
		for i, id := range q.IDs {
			args = append(args, id)
			holders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "id IN ("+strings.Join(holders, ", ")+")")
	}

	query := `SELECT ` + blobColumns + ` FROM blobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY uploaded_at DESC, id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes an entry.
func (c *PGCatalog) Delete(ctx context.Context, id string) error {
	db, err := c.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM blobs WHERE id = $1`, id)
	return requireRow(res, err)
}

// SetOriginalName renames the display name of an entry.
func (c *PGCatalog) SetOriginalName(ctx context.Context, id, name string) error {
	db, err := c.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `UPDATE blobs SET original_name = $2 WHERE id = $1`, id, name)
	return requireRow(res, err)
}

// Reassign moves every entry from one owner to another.
func (c *PGCatalog) Reassign(ctx context.Context, fromOwner, toOwner string) (int64, error) {
	db, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `UPDATE blobs SET owner_id = $2 WHERE owner_id = $1`, fromOwner, toOwner)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping verifies the database is reachable.
func (c *PGCatalog) Ping(ctx context.Context) error {
	db, err := c.conn(ctx)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return blobstore.Unavailable(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e    Entry
		page sql.NullInt32
	)
	r := &e.Record
	err := row.Scan(
		&r.ID,
		&r.Filename,
		&e.ObjectKey,
		&r.ContentType,
		&r.SizeBytes,
		&r.UploadedAt,
		&r.Metadata.OwnerID,
		&r.Metadata.OriginalName,
		&r.Metadata.CorrelationID,
		&page,
		&r.Metadata.SourceDocument,
		&r.Metadata.Checksum,
		&r.Metadata.Version,
	)
	if err != nil {
		return Entry{}, err
	}
	if page.Valid {
		r.Metadata.PageNumber = int(page.Int32)
	}
	r.Metadata.ContentType = r.ContentType
	r.Metadata.UploadedAt = r.UploadedAt
	return e, nil
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errCatalogNotFound
	}
	return nil
}

var _ Catalog = (*PGCatalog)(nil)

package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"certificate-backend/internal/blobstore"
)

type staticDB struct {
	db  *sql.DB
	err error
}

func (s staticDB) Acquire(ctx context.Context) (*sql.DB, error) { return s.db, s.err }

func newMockCatalog(t *testing.T) (*PGCatalog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &PGCatalog{DB: staticDB{db: db}}, mock
}

func TestPGCatalogInsertPageRecord(t *testing.T) {
	catalog, mock := newMockCatalog(t)
	now := time.Now().UTC()
	e := Entry{
		ObjectKey: "owner/id-1",
		Record: blobstore.Record{
			ID:          "id-1",
			Filename:    "u1_1700000000000_course_p2.png",
			ContentType: "image/png",
			SizeBytes:   42,
			UploadedAt:  now,
			Metadata: blobstore.Metadata{
				Version:        1,
				OwnerID:        "u1",
				OriginalName:   "course_p2.png",
				CorrelationID:  "req-1",
				PageNumber:     2,
				SourceDocument: "course.pdf",
				Checksum:       "blake3:ab",
			},
		},
	}

	mock.ExpectExec("INSERT INTO blobs").
		WithArgs(
			"id-1",
			e.Record.Filename,
			"owner/id-1",
			"image/png",
			int64(42),
			now,
			"u1",
			"course_p2.png",
			"req-1",
			sqlmock.AnyArg(), // page_number
			"course.pdf",
			"blake3:ab",
			1,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := catalog.Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGCatalogGetScansRow(t *testing.T) {
	catalog, mock := newMockCatalog(t)
	now := time.Now().UTC()
	cols := []string{"id", "filename", "object_key", "content_type", "size_bytes", "uploaded_at", "owner_id", "original_name", "correlation_id", "page_number", "source_document", "checksum", "metadata_version"}

	mock.ExpectQuery("SELECT (.+) FROM blobs WHERE id = \\$1").
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("id-1", "f.png", "k", "image/png", int64(3), now, "u1", "f.png", "", nil, "", "", 1))

	e, err := catalog.Get(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.ObjectKey != "k" || e.Record.Metadata.OwnerID != "u1" || e.Record.Metadata.PageNumber != 0 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.Record.Metadata.ContentType != "image/png" {
		t.Fatalf("expected metadata content type to mirror record, got %q", e.Record.Metadata.ContentType)
	}

	mock.ExpectQuery("SELECT (.+) FROM blobs WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := catalog.Get(context.Background(), "missing"); !errors.Is(err, errCatalogNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPGCatalogFindBuildsFilter(t *testing.T) {
	catalog, mock := newMockCatalog(t)
	cols := []string{"id", "filename", "object_key", "content_type", "size_bytes", "uploaded_at", "owner_id", "original_name", "correlation_id", "page_number", "source_document", "checksum", "metadata_version"}

	mock.ExpectQuery("FROM blobs WHERE owner_id = \\$1 AND id IN \\(\\$2, \\$3\\) ORDER BY uploaded_at DESC, id DESC LIMIT \\$4").
		WithArgs("u1", "a", "b", 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("b", "b.pdf", "kb", "application/pdf", int64(9), time.Now(), "u1", "b.pdf", "", nil, "", "", 1).
			AddRow("a", "a_p1.png", "ka", "image/png", int64(4), time.Now(), "u1", "a_p1.png", "", int32(1), "a.pdf", "", 1))

	entries, err := catalog.Find(context.Background(), blobstore.Query{OwnerID: "u1", IDs: []string{"a", "b"}, Limit: 10})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(entries) != 2 || entries[1].Record.Metadata.PageNumber != 1 {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestPGCatalogDeleteMissing(t *testing.T) {
	catalog, mock := newMockCatalog(t)
	mock.ExpectExec("DELETE FROM blobs WHERE id = \\$1").
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := catalog.Delete(context.Background(), "gone"); !errors.Is(err, errCatalogNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPGCatalogReassign(t *testing.T) {
	catalog, mock := newMockCatalog(t)
	mock.ExpectExec("UPDATE blobs SET owner_id = \\$2 WHERE owner_id = \\$1").
		WithArgs("guest:g1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := catalog.Reassign(context.Background(), "guest:g1", "u1")
	if err != nil || n != 3 {
		t.Fatalf("Reassign: n=%d err=%v", n, err)
	}
}

func TestPGCatalogUnavailable(t *testing.T) {
	catalog := &PGCatalog{DB: staticDB{err: errors.New("dial tcp: refused")}}
	if err := catalog.Ping(context.Background()); !errors.Is(err, blobstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := catalog.Get(context.Background(), "x"); !errors.Is(err, blobstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

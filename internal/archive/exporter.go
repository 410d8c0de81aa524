// Package archive streams stored certificates to a client as one zip file.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/shared/metrics"
	"certificate-backend/internal/shared/telemetry"
)

const defaultMaxIDs = 500

var (
	ErrNoFileIDs  = errors.New("fileIds must be a non-empty list")
	ErrTooManyIDs = errors.New("too many fileIds")
)

// Skip reasons recorded in a Report.
const (
	SkipInvalidID   = "invalid_id"
	SkipNotFound    = "not_found"
	SkipUnavailable = "store_unavailable"
)

// Entry is one blob written to the archive.
type Entry struct {
	BlobID    string
	Name      string
	SizeBytes int64
}

// Skipped is a requested id that is not in the archive.
type Skipped struct {
	BlobID string
	Reason string
}

// Report describes what one Export call produced.
type Report struct {
	State   State
	Entries []Entry
	Skipped []Skipped
	// BytesWritten counts archive bytes handed to the destination writer.
	BytesWritten int64
}

// Started reports whether any archive bytes reached the destination.
func (r Report) Started() bool { return r.BytesWritten > 0 }

// Exporter writes blobs from Store into zip archives.
type Exporter struct {
	Store  blobstore.Store
	MaxIDs int
}

// Export writes one zip entry per resolvable id, in the order given, to w.
// Missing or invalid ids are skipped. When an error is returned after bytes
// were written, the archive in w is truncated and must not be finalized by
// the caller.
func (e *Exporter) Export(ctx context.Context, ids []string, w io.Writer) (Report, error) {
	if len(ids) == 0 {
		return Report{}, ErrNoFileIDs
	}
	if limit := e.maxIDs(); len(ids) > limit {
		return Report{}, fmt.Errorf("%w: limit %d", ErrTooManyIDs, limit)
	}

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	names := newNamer()
	rep := Report{State: StateIdle}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return e.fail(rep, cw, err)
		}
		r, err := e.Store.OpenRead(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return e.fail(rep, cw, ctx.Err())
			}
			rep.Skipped = append(rep.Skipped, Skipped{BlobID: id, Reason: skipReason(err)})
			telemetry.Warn("archive.entry_skipped", map[string]any{
				"request_id": telemetry.RequestID(ctx),
				"blob_id":    id,
				"error":      err,
			})
			continue
		}
		if rep.State == StateIdle {
			if err := rep.State.transition(StateStreaming); err != nil {
				r.Close()
				return e.fail(rep, cw, err)
			}
		}
		entry, err := writeEntry(ctx, zw, r, names)
		r.Close()
		if err != nil {
			return e.fail(rep, cw, fmt.Errorf("write %s: %w", id, err))
		}
		rep.Entries = append(rep.Entries, entry)
		// Entries reach the client as they complete.
		if err := zw.Flush(); err != nil {
			return e.fail(rep, cw, fmt.Errorf("flush %s: %w", id, err))
		}
	}

	if rep.State == StateIdle {
		if err := rep.State.transition(StateStreaming); err != nil {
			return e.fail(rep, cw, err)
		}
	}
	if err := zw.Close(); err != nil {
		return e.fail(rep, cw, fmt.Errorf("finalize archive: %w", err))
	}
	if err := rep.State.transition(StateFinalized); err != nil {
		return e.fail(rep, cw, err)
	}
	rep.BytesWritten = cw.n

	metrics.IncExportFinalized()
	metrics.AddExportEntriesSkipped(len(rep.Skipped))
	telemetry.Info("archive.finalized", map[string]any{
		"request_id": telemetry.RequestID(ctx),
		"requested":  len(ids),
		"entries":    len(rep.Entries),
		"skipped":    len(rep.Skipped),
		"bytes":      rep.BytesWritten,
	})
	return rep, nil
}

func (e *Exporter) maxIDs() int {
	if e.MaxIDs > 0 {
		return e.MaxIDs
	}
	return defaultMaxIDs
}

func (e *Exporter) fail(rep Report, cw *countingWriter, err error) (Report, error) {
	if !rep.State.Terminal() {
		rep.State = StateErrored
	}
	rep.BytesWritten = cw.n
	metrics.IncExportErrored()
	telemetry.Error("archive.errored", map[string]any{
		"entries": len(rep.Entries),
		"bytes":   rep.BytesWritten,
		"error":   err,
	})
	return rep, err
}

func writeEntry(ctx context.Context, zw *zip.Writer, r blobstore.Reader, names *namer) (Entry, error) {
	rec := r.Record()
	name := names.unique(EntryName(rec))

	method := zip.Deflate
	if blobstore.IsImage(rec.ContentType) {
		// Already compressed formats.
		method = zip.Store
	}
	dst, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: rec.UploadedAt,
	})
	if err != nil {
		return Entry{}, err
	}
	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return Entry{}, err
	}
	return Entry{BlobID: rec.ID, Name: name, SizeBytes: n}, nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, blobstore.ErrInvalidID):
		return SkipInvalidID
	case errors.Is(err, blobstore.ErrUnavailable):
		return SkipUnavailable
	default:
		return SkipNotFound
	}
}

// ctxReader stops a copy once the request context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

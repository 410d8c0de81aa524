// Package ingest stores uploaded certificate files. Images are stored as
// they are; PDFs are rendered to one image per page and each page is stored.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/queue"
	"certificate-backend/internal/render"
	"certificate-backend/internal/shared/metrics"
	"certificate-backend/internal/shared/telemetry"
	"certificate-backend/internal/shared/util"
	"certificate-backend/internal/staging"
)

const defaultConcurrency = 4

// Service runs the ingestion pipeline.
type Service struct {
	Store    blobstore.Store
	Renderer render.Renderer
	Events   queue.Client
	Now      func() time.Time
	// Concurrency bounds how many files of one request are processed at once.
	Concurrency int
}

// Request is one staged upload.
type Request struct {
	OwnerID   string
	RequestID string
	Form      *staging.Form
}

// Stored is one blob written by the pipeline.
type Stored struct {
	OriginalName string
	FileID       string
	Filename     string
	ContentType  string
	PageNumber   int
	SizeBytes    int64
}

// Failure is a file, or a single page of one, that was not stored.
type Failure struct {
	OriginalName string
	Code         string
	Reason       string
	PageNumber   int
	Err          error
}

// FileResult is the outcome for one submitted file.
type FileResult struct {
	OriginalName string
	ContentType  string
	Stored       []Stored
	Failures     []Failure
}

// Result holds one FileResult per submitted file, in submission order.
type Result struct {
	RequestID string
	Files     []FileResult
}

// Stored flattens every stored blob in submission and page order.
func (r Result) Stored() []Stored {
	var out []Stored
	for _, f := range r.Files {
		out = append(out, f.Stored...)
	}
	return out
}

// Failures flattens every failure in submission and page order.
func (r Result) Failures() []Failure {
	var out []Failure
	for _, f := range r.Files {
		out = append(out, f.Failures...)
	}
	return out
}

// Ingest dispatches every staged file and waits for all of them. Per-file
// problems are reported in the result; the error is only set for invalid
// input or cancellation.
func (s *Service) Ingest(ctx context.Context, req Request) (Result, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return Result{}, ErrMissingOwner
	}
	if req.Form == nil || len(req.Form.Files) == 0 {
		return Result{}, ErrNoFiles
	}
	if req.RequestID == "" {
		req.RequestID = telemetry.RequestID(ctx)
	}

	start := time.Now()
	files := req.Form.Files
	results := make([]FileResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency())
	for i := range files {
		i := i
		g.Go(func() error {
			results[i] = s.ingestFile(gctx, owner, req, files[i])
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{RequestID: req.RequestID, Files: results}
	stored := res.Stored()
	metrics.AddFilesStored(len(stored))
	metrics.ObserveIngestDurationMs(metrics.SinceMillis(start))
	telemetry.Info("ingest.complete", map[string]any{
		"request_id": req.RequestID,
		"owner_id":   owner,
		"files":      len(files),
		"stored":     len(stored),
		"failures":   len(res.Failures()),
	})

	if len(stored) > 0 {
		s.publish(ctx, owner, req.RequestID, stored)
	}
	return res, nil
}

func (s *Service) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return defaultConcurrency
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) ingestFile(ctx context.Context, owner string, req Request, part staging.Part) FileResult {
	ct := DetectType(part)
	out := FileResult{OriginalName: part.OriginalFilename, ContentType: ct}

	switch {
	case ct == "application/pdf":
		s.ingestPDF(ctx, owner, req, part, &out)
	case blobstore.IsImage(ct):
		rec, err := s.storeFile(ctx, part.TempPath, directFilename(owner, s.now(), part.OriginalFilename), blobstore.Metadata{
			OwnerID:       owner,
			OriginalName:  part.OriginalFilename,
			ContentType:   ct,
			CorrelationID: req.RequestID,
			Checksum:      part.Checksum,
		})
		if err != nil {
			out.fail(0, fileError(part.OriginalFilename, phaseOf(err), err))
			metrics.IncFileFailed()
			return out
		}
		out.Stored = append(out.Stored, storedFrom(part.OriginalFilename, rec))
	default:
		out.fail(0, fileError(part.OriginalFilename, PhaseDispatch, fmt.Errorf("%w: %s", ErrUnsupportedMedia, ct)))
		metrics.IncFileRejected()
	}
	return out
}

func (s *Service) ingestPDF(ctx context.Context, owner string, req Request, part staging.Part, out *FileResult) {
	name := part.OriginalFilename
	if s.Renderer == nil {
		out.fail(0, fileError(name, PhaseRender, render.ErrUnavailable))
		metrics.IncFileFailed()
		return
	}
	work, err := req.Form.TempDir("pages-*")
	if err != nil {
		out.fail(0, fileError(name, PhaseRender, err))
		metrics.IncFileFailed()
		return
	}

	rendered, err := s.Renderer.Render(ctx, render.Request{
		PDFPath:          part.TempPath,
		OwnerID:          owner,
		OriginalFilename: name,
		WorkDir:          work,
	})
	if err != nil {
		out.fail(0, fileError(name, PhaseRender, err))
		metrics.IncFileFailed()
		return
	}
	metrics.AddPagesRendered(len(rendered.Pages))

	stem := util.SafeName(stripExtension(name))
	ts := s.now()
	for _, page := range rendered.Pages {
		ct := blobstore.NormalizeType(page.ContentType)
		pageName := fmt.Sprintf("%s_p%d%s", stem, page.Number, blobstore.ExtensionFor(ct))
		checksum, err := util.FileChecksum(page.Path)
		if err != nil {
			out.fail(page.Number, fileError(name, PhaseRead, err))
			continue
		}
		rec, err := s.storeFile(ctx, page.Path, directFilename(owner, ts, pageName), blobstore.Metadata{
			OwnerID:        owner,
			OriginalName:   pageName,
			ContentType:    ct,
			CorrelationID:  req.RequestID,
			PageNumber:     page.Number,
			SourceDocument: name,
			Checksum:       checksum,
		})
		if err != nil {
			out.fail(page.Number, fileError(name, phaseOf(err), err))
			continue
		}
		out.Stored = append(out.Stored, storedFrom(pageName, rec))
	}

	for _, f := range rendered.Failures {
		telemetry.Warn("ingest.page_failed", map[string]any{
			"request_id": req.RequestID,
			"file":       name,
			"page":       f.Number,
			"reason":     f.Reason,
		})
		out.Failures = append(out.Failures, Failure{
			OriginalName: name,
			Code:         CodePageFailed,
			Reason:       reasonFor(CodePageFailed),
			PageNumber:   f.Number,
			Err:          fileError(name, PhaseRender, errors.New(f.Reason)),
		})
	}
	metrics.AddPagesFailed(len(out.Failures))
	if len(out.Stored) == 0 {
		metrics.IncFileFailed()
	}
}

// errRead marks failures reading the staged source, as opposed to writing the store.
type errRead struct{ err error }

func (e errRead) Error() string { return e.err.Error() }
func (e errRead) Unwrap() error { return e.err }

func phaseOf(err error) string {
	var re errRead
	if errors.As(err, &re) {
		return PhaseRead
	}
	return PhaseStore
}

func (s *Service) storeFile(ctx context.Context, path, filename string, meta blobstore.Metadata) (blobstore.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return blobstore.Record{}, errRead{err}
	}
	defer f.Close()

	meta.Version = blobstore.MetadataVersion
	meta.UploadedAt = s.now()
	return blobstore.Put(ctx, s.Store, filename, meta.ContentType, meta, f)
}

func (s *Service) publish(ctx context.Context, owner, requestID string, stored []Stored) {
	if s.Events == nil {
		return
	}
	ids := make([]string, 0, len(stored))
	for _, st := range stored {
		ids = append(ids, st.FileID)
	}
	msg := queue.Message{
		Event:      queue.EventCertificatesIngested,
		OwnerID:    owner,
		BlobIDs:    ids,
		RequestID:  requestID,
		EnqueuedAt: s.now().Format(time.RFC3339),
		Version:    queue.MessageVersion,
	}
	if err := s.Events.Send(ctx, msg); err != nil {
		telemetry.Warn("ingest.event_publish_failed", map[string]any{
			"request_id": requestID,
			"owner_id":   owner,
			"error":      err,
		})
	}
}

func (r *FileResult) fail(page int, err *FileError) {
	code := codeFor(err)
	telemetry.Warn("ingest.file_failed", map[string]any{
		"file":  err.Name,
		"phase": err.Phase,
		"page":  page,
		"code":  code,
		"error": err.Err,
	})
	r.Failures = append(r.Failures, Failure{
		OriginalName: err.Name,
		Code:         code,
		Reason:       reasonFor(code),
		PageNumber:   page,
		Err:          err,
	})
}

func storedFrom(originalName string, rec blobstore.Record) Stored {
	return Stored{
		OriginalName: originalName,
		FileID:       rec.ID,
		Filename:     rec.Filename,
		ContentType:  rec.ContentType,
		PageNumber:   rec.Metadata.PageNumber,
		SizeBytes:    rec.SizeBytes,
	}
}

// DetectType picks the media type used for dispatch. The sniffed type wins
// unless sniffing found nothing specific.
func DetectType(part staging.Part) string {
	sniffed := blobstore.NormalizeType(part.SniffedType)
	if sniffed != "" && sniffed != "application/octet-stream" {
		return sniffed
	}
	return blobstore.NormalizeType(part.MimeType)
}

func directFilename(owner string, ts time.Time, name string) string {
	return fmt.Sprintf("%s_%d_%s", util.SafeName(owner), ts.UnixMilli(), util.SafeName(name))
}

var strippable = map[string]bool{
	".pdf": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

func stripExtension(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	ext := filepath.Ext(base)
	if strippable[strings.ToLower(ext)] {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	filesStoredTotal   atomic.Uint64
	filesRejectedTotal atomic.Uint64
	filesFailedTotal   atomic.Uint64
	pagesRenderedTotal atomic.Uint64
	pagesFailedTotal   atomic.Uint64
	exportsFinalized   atomic.Uint64
	exportsErrored     atomic.Uint64
	exportEntrySkipped atomic.Uint64
	scratchSweptTotal  atomic.Uint64

	ingestDuration = newHistogram([]float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000})
)

// AddFilesStored counts blobs committed to the content store.
func AddFilesStored(n int) {
	add(&filesStoredTotal, n)
}

// IncFileRejected counts files refused for an unsupported media type.
func IncFileRejected() {
	filesRejectedTotal.Add(1)
}

// IncFileFailed counts files that produced a failure entry.
func IncFileFailed() {
	filesFailedTotal.Add(1)
}

// AddPagesRendered counts page images returned by the renderer.
func AddPagesRendered(n int) {
	add(&pagesRenderedTotal, n)
}

// AddPagesFailed counts pages the renderer could not produce or that failed to store.
func AddPagesFailed(n int) {
	add(&pagesFailedTotal, n)
}

// IncExportFinalized counts archives written through to the end.
func IncExportFinalized() {
	exportsFinalized.Add(1)
}

// IncExportErrored counts archives that ended truncated.
func IncExportErrored() {
	exportsErrored.Add(1)
}

// AddExportEntriesSkipped counts requested ids left out of an archive.
func AddExportEntriesSkipped(n int) {
	add(&exportEntrySkipped, n)
}

// AddScratchSwept counts stale scratch files removed at startup.
func AddScratchSwept(n int) {
	add(&scratchSweptTotal, n)
}

// ObserveIngestDurationMs records an ingest request duration in milliseconds.
func ObserveIngestDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	ingestDuration.Observe(value)
}

func add(counter *atomic.Uint64, n int) {
	if n > 0 {
		counter.Add(uint64(n))
	}
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "certificates_stored_total", "Total blobs stored", filesStoredTotal.Load())
	writeCounter(&buf, "certificates_rejected_total", "Total files rejected as unsupported", filesRejectedTotal.Load())
	writeCounter(&buf, "certificates_failed_total", "Total files with a failure entry", filesFailedTotal.Load())
	writeCounter(&buf, "pdf_pages_rendered_total", "Total PDF pages rendered", pagesRenderedTotal.Load())
	writeCounter(&buf, "pdf_pages_failed_total", "Total PDF pages not stored", pagesFailedTotal.Load())
	writeCounter(&buf, "exports_finalized_total", "Total archives finalized", exportsFinalized.Load())
	writeCounter(&buf, "exports_errored_total", "Total archives ended in error", exportsErrored.Load())
	writeCounter(&buf, "export_entries_skipped_total", "Total requested ids skipped during export", exportEntrySkipped.Load())
	writeCounter(&buf, "scratch_files_swept_total", "Total stale scratch files removed", scratchSweptTotal.Load())
	writeHistogram(&buf, "ingest_duration_ms", "Ingest request duration in milliseconds", ingestDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// SinceMillis returns the elapsed time since start in milliseconds.
func SinceMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

package certificates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/zip"

	"certificate-backend/internal/archive"
	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/blobstore/objectstore"
	"certificate-backend/internal/ingest"
	"certificate-backend/internal/render"
	"certificate-backend/internal/shared/auth"
	"certificate-backend/internal/shared/server/middleware"
	"certificate-backend/internal/shared/storage/object/local"
	"certificate-backend/internal/staging"
)

var (
	pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDRpng-body")
	pdfBytes = []byte("%PDF-1.4\n%fake\n")
)

type testFile struct {
	name, contentType string
	body              []byte
}

type testEnv struct {
	router  *gin.Engine
	store   blobstore.Store
	stager  *staging.Stager
	handler *Handler
}

func pagesRenderer(pages int) render.Renderer {
	return render.Func(func(ctx context.Context, req render.Request) (render.Result, error) {
		var res render.Result
		for i := 1; i <= pages; i++ {
			path := filepath.Join(req.WorkDir, fmt.Sprintf("page-%d.png", i))
			if err := os.WriteFile(path, append(append([]byte{}, pngBytes...), byte('0'+i)), 0o600); err != nil {
				return render.Result{}, err
			}
			res.Pages = append(res.Pages, render.Page{Number: i, ContentType: "image/png", Path: path})
		}
		return res, nil
	})
}

func testVerifier(t *testing.T) *auth.Verifier {
	t.Helper()
	v, err := auth.NewVerifier("test", "certificates-test", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return v
}

func newTestEnv(t *testing.T, r render.Renderer) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	stager, err := staging.New(t.TempDir(), 1<<20, 5)
	if err != nil {
		t.Fatalf("staging: %v", err)
	}
	store := objectstore.New(local.New(t.TempDir()), objectstore.NewMemoryCatalog())
	h := NewHandler(store, stager, &ingest.Service{Store: store, Renderer: r}, &archive.Exporter{Store: store})

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Recovery())
	api := router.Group("/api/v1")
	h.RegisterRoutes(api)
	owner := api.Group("")
	owner.Use(middleware.Auth(testVerifier(t)))
	h.RegisterOwnerRoutes(owner)

	return testEnv{router: router, store: store, stager: stager, handler: h}
}

func (e testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func uploadRequest(t *testing.T, owner string, files ...testFile) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if owner != "" {
		if err := mw.WriteField("ownerId", owner); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, f.name))
		h.Set("Content-Type", f.contentType)
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		w.Write(f.body)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/certificates", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func exportRequestFor(ids ...string) *http.Request {
	body, _ := json.Marshal(map[string]any{"fileIds": ids})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/certificates/export", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeIngest(t *testing.T, resp *httptest.ResponseRecorder) ingestResponse {
	t.Helper()
	var out ingestResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v body=%s", err, resp.Body.String())
	}
	return out
}

type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var out errorEnvelope
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error: %v body=%s", err, resp.Body.String())
	}
	return out
}

func TestCoursePDFUploadDownloadExport(t *testing.T) {
	env := newTestEnv(t, pagesRenderer(2))

	resp := env.do(uploadRequest(t, "u1", testFile{"course.pdf", "application/pdf", pdfBytes}))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	out := decodeIngest(t, resp)
	if len(out.Files) != 2 || len(out.Failures) != 0 || out.RequestID == "" {
		t.Fatalf("unexpected body %+v", out)
	}

	var ids []string
	for i, f := range out.Files {
		if f.PageNumber != i+1 || f.ContentType != "image/png" {
			t.Fatalf("unexpected file %+v", f)
		}
		ids = append(ids, f.FileID)

		get := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/certificates/"+f.FileID, nil))
		if get.Code != http.StatusOK {
			t.Fatalf("download expected 200, got %d", get.Code)
		}
		if get.Header().Get("Content-Type") != "image/png" || get.Header().Get("Cache-Control") != immutableCache {
			t.Fatalf("unexpected headers %v", get.Header())
		}
		if get.Header().Get("Content-Length") != fmt.Sprint(len(pngBytes)+1) {
			t.Fatalf("unexpected content length %q", get.Header().Get("Content-Length"))
		}
		again := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/certificates/"+f.FileID, nil))
		if !bytes.Equal(again.Body.Bytes(), get.Body.Bytes()) {
			t.Fatal("retrieval is not idempotent")
		}

		cond := httptest.NewRequest(http.MethodGet, "/api/v1/certificates/"+f.FileID, nil)
		cond.Header.Set("If-None-Match", get.Header().Get("ETag"))
		if notMod := env.do(cond); notMod.Code != http.StatusNotModified {
			t.Fatalf("expected 304, got %d", notMod.Code)
		}
	}

	exp := env.do(exportRequestFor(ids...))
	if exp.Code != http.StatusOK {
		t.Fatalf("export expected 200, got %d: %s", exp.Code, exp.Body.String())
	}
	if exp.Header().Get("Content-Type") != "application/zip" {
		t.Fatalf("unexpected content type %q", exp.Header().Get("Content-Type"))
	}
	if exp.Header().Get("Content-Disposition") != `attachment; filename="certificates.zip"` {
		t.Fatalf("unexpected disposition %q", exp.Header().Get("Content-Disposition"))
	}
	zr, err := zip.NewReader(bytes.NewReader(exp.Body.Bytes()), int64(exp.Body.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 2 || zr.File[0].Name != "course_p1.png" || zr.File[1].Name != "course_p2.png" {
		t.Fatalf("unexpected entries %v", zr.File)
	}
}

func TestUploadValidation(t *testing.T) {
	env := newTestEnv(t, pagesRenderer(1))

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
		code   string
	}{
		{
			name:   "missing owner",
			req:    func() *http.Request { return uploadRequest(t, "", testFile{"cert.png", "image/png", pngBytes}) },
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name:   "no files",
			req:    func() *http.Request { return uploadRequest(t, "u1") },
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name: "not multipart",
			req: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/certificates", bytes.NewBufferString(`{}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			status: http.StatusBadRequest,
			code:   "validation_error",
		},
		{
			name: "only unsupported",
			req: func() *http.Request {
				return uploadRequest(t, "u1", testFile{"notes.txt", "text/plain", []byte("hello")}, testFile{"a.txt", "text/plain", []byte("world")})
			},
			status: http.StatusUnsupportedMediaType,
			code:   "unsupported_media_type",
		},
		{
			name: "too many files",
			req: func() *http.Request {
				var files []testFile
				for i := 0; i < 6; i++ {
					files = append(files, testFile{fmt.Sprintf("c%d.png", i), "image/png", pngBytes})
				}
				return uploadRequest(t, "u1", files...)
			},
			status: http.StatusBadRequest,
			code:   "too_many_files",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(tt.req())
			if resp.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, resp.Code, resp.Body.String())
			}
			if got := decodeError(t, resp).Error.Code; got != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, got)
			}
		})
	}

	recs, err := env.store.Find(context.Background(), blobstore.Query{OwnerID: "u1"}, blobstore.ProjectionFull)
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected no records, got %d err=%v", len(recs), err)
	}
	entries, _ := os.ReadDir(env.stager.Dir())
	if len(entries) != 0 {
		t.Fatalf("expected staging dir to be empty, found %d entries", len(entries))
	}
}

func TestUploadPartialSuccess(t *testing.T) {
	env := newTestEnv(t, pagesRenderer(1))
	resp := env.do(uploadRequest(t, "u1",
		testFile{"cert.png", "image/png", pngBytes},
		testFile{"notes.txt", "text/plain", []byte("hello")},
	))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	out := decodeIngest(t, resp)
	if len(out.Files) != 1 || out.Files[0].OriginalName != "cert.png" {
		t.Fatalf("unexpected files %+v", out.Files)
	}
	if len(out.Failures) != 1 || out.Failures[0].Code != ingest.CodeUnsupportedMedia {
		t.Fatalf("unexpected failures %+v", out.Failures)
	}
}

func TestUploadRenderFailure(t *testing.T) {
	env := newTestEnv(t, render.Func(func(ctx context.Context, req render.Request) (render.Result, error) {
		return render.Result{}, render.ErrFailed
	}))
	resp := env.do(uploadRequest(t, "u1", testFile{"course.pdf", "application/pdf", pdfBytes}))
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	if got := decodeError(t, resp).Error.Code; got != "render_failed" {
		t.Fatalf("expected render_failed, got %s", got)
	}
}

type downStore struct{ blobstore.Store }

func (downStore) OpenWrite(ctx context.Context, filename, contentType string, meta blobstore.Metadata) (blobstore.Writer, error) {
	return nil, blobstore.Unavailable(io.ErrUnexpectedEOF)
}

func (downStore) OpenRead(ctx context.Context, id string) (blobstore.Reader, error) {
	return nil, blobstore.Unavailable(io.ErrUnexpectedEOF)
}

func TestStoreUnavailableIsRetryable(t *testing.T) {
	env := newTestEnv(t, pagesRenderer(1))
	env.handler.Store = downStore{}
	env.handler.Ingest.Store = downStore{}

	resp := env.do(uploadRequest(t, "u1", testFile{"cert.png", "image/png", pngBytes}))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	body := decodeError(t, resp)
	if body.Error.Code != "store_unavailable" || !body.Error.Retryable {
		t.Fatalf("unexpected error %+v", body.Error)
	}

	get := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/certificates/00000000-0000-0000-0000-000000000000", nil))
	if get.Code != http.StatusInternalServerError || !decodeError(t, get).Error.Retryable {
		t.Fatalf("expected retryable 500, got %d %s", get.Code, get.Body.String())
	}
}

func TestDownloadErrors(t *testing.T) {
	env := newTestEnv(t, pagesRenderer(1))
	tests := []struct {
		id     string
		status int
	}{
		{"not-a-uuid", http.StatusBadRequest},
		{"00000000-0000-0000-0000-000000000000", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/certificates/"+tt.id, nil))
		if resp.Code != tt.status {
			t.Fatalf("%s: expected %d, got %d", tt.id, tt.status, resp.Code)
		}
	}
}

func TestExportValidationAndMissingIDs(t *testing.T) {
	env := newTestEnv(t, pagesRenderer(1))

	if resp := env.do(exportRequestFor()); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty list, got %d", resp.Code)
	}
	bad := httptest.NewRequest(http.MethodPost, "/api/v1/certificates/export", bytes.NewBufferString(`{"fileIds": "x"}`))
	bad.Header.Set("Content-Type", "application/json")
	if resp := env.do(bad); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.Code)
	}

	up := decodeIngest(t, env.do(uploadRequest(t, "u1", testFile{"cert.png", "image/png", pngBytes})))
	resp := env.do(exportRequestFor("00000000-0000-0000-0000-000000000000", up.Files[0].FileID, "junk"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	zr, err := zip.NewReader(bytes.NewReader(resp.Body.Bytes()), int64(resp.Body.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "cert.png" {
		t.Fatalf("unexpected entries %v", zr.File)
	}
}

func TestOwnerRoutes(t *testing.T) {
	env := newTestEnv(t, pagesRenderer(1))
	owner := middleware.GuestUserID("g1")
	up := decodeIngest(t, env.do(uploadRequest(t, owner, testFile{"cert.png", "image/png", pngBytes})))
	id := up.Files[0].FileID

	asGuest := func(method, path, guest, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		if guest != "" {
			req.Header.Set("X-Guest-Id", guest)
		}
		return env.do(req)
	}

	if resp := asGuest(http.MethodGet, "/api/v1/certificates", "", ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", resp.Code)
	}

	list := asGuest(http.MethodGet, "/api/v1/certificates", "g1", "")
	var listed struct {
		Items []recordResponse `json:"items"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &listed); err != nil || len(listed.Items) != 1 || listed.Items[0].ID != id {
		t.Fatalf("unexpected list %s err=%v", list.Body.String(), err)
	}

	if resp := asGuest(http.MethodPatch, "/api/v1/certificates/"+id, "g2", `{"originalName":"x.png"}`); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 rename by other owner, got %d", resp.Code)
	}
	if resp := asGuest(http.MethodPatch, "/api/v1/certificates/"+id, "g1", `{"originalName":"  "}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank name, got %d", resp.Code)
	}
	rename := asGuest(http.MethodPatch, "/api/v1/certificates/"+id, "g1", `{"originalName":"Diploma 2024.png"}`)
	if rename.Code != http.StatusOK {
		t.Fatalf("expected 200 rename, got %d", rename.Code)
	}
	rec, err := env.store.Get(context.Background(), id)
	if err != nil || rec.Metadata.OriginalName != "Diploma 2024.png" {
		t.Fatalf("rename not persisted: %+v err=%v", rec.Metadata, err)
	}

	if resp := asGuest(http.MethodDelete, "/api/v1/certificates/"+id, "g2", ""); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 delete by other owner, got %d", resp.Code)
	}
	if resp := asGuest(http.MethodDelete, "/api/v1/certificates/00000000-0000-0000-0000-000000000000", "g1", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if resp := asGuest(http.MethodDelete, "/api/v1/certificates/"+id, "g1", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/certificates/"+id, nil)); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.Code)
	}
}

func TestETagMatch(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{`"blake3:ab"`, true},
		{`W/"blake3:ab"`, true},
		{`"other", "blake3:ab"`, true},
		{`*`, true},
		{`"other"`, false},
		{``, false},
	}
	for _, tt := range tests {
		if got := etagMatch(tt.header, `"blake3:ab"`); got != tt.want {
			t.Fatalf("etagMatch(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

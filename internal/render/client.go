package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type wirePage struct {
	PageNumber  int    `json:"pageNumber"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

type wireFailure struct {
	PageNumber int    `json:"pageNumber"`
	Reason     string `json:"reason"`
}

type wireResult struct {
	Pages    []wirePage    `json:"pages"`
	Failures []wireFailure `json:"failures,omitempty"`
}

type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

const defaultMaxResponseBytes = 512 << 20

var errResponseTooLarge = errors.New("render response exceeds limit")

// Client calls a remote renderer service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client

	// MaxResponseBytes caps the JSON body read from the renderer.
	MaxResponseBytes int64
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},

		MaxResponseBytes: defaultMaxResponseBytes,
	}
}

// Render uploads the PDF and writes the returned pages into req.WorkDir.
func (c *Client) Render(ctx context.Context, req Request) (Result, error) {
	if c.baseURL == "" {
		return Result{}, fmt.Errorf("%w: renderer url not configured", ErrUnavailable)
	}
	if err := ensureWorkDir(req.WorkDir); err != nil {
		return Result{}, err
	}

	pr, pw := io.Pipe()
	// Closing the read side stops the form writer if the request ends early.
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeRenderForm(mw, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", pr)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, decodeError(resp)
	}

	limit := c.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseBytes
	}
	var body wireResult
	if err := json.NewDecoder(&cappedReader{r: resp.Body, left: limit}).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %w", ErrFailed, err)
	}
	return writePages(req, body)
}

// cappedReader is io.LimitReader that fails instead of reporting EOF.
type cappedReader struct {
	r    io.Reader
	left int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.left <= 0 {
		return 0, errResponseTooLarge
	}
	if int64(len(p)) > c.left {
		p = p[:c.left]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	return n, err
}

func writeRenderForm(mw *multipart.Writer, req Request) error {
	if err := mw.WriteField("ownerId", req.OwnerID); err != nil {
		return err
	}
	if err := mw.WriteField("originalFilename", req.OriginalFilename); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(req.OriginalFilename))
	if err != nil {
		return err
	}
	f, err := os.Open(req.PDFPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	return mw.Close()
}

func decodeError(resp *http.Response) error {
	var body wireError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error.Message
	if msg == "" {
		msg = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	default:
		return fmt.Errorf("%w: %s", ErrFailed, msg)
	}
}

func writePages(req Request, body wireResult) (Result, error) {
	var res Result
	for _, f := range body.Failures {
		res.Failures = append(res.Failures, PageFailure{Number: f.PageNumber, Reason: f.Reason})
	}
	for _, p := range body.Pages {
		ct := strings.ToLower(strings.TrimSpace(p.ContentType))
		if ct != "image/png" && ct != "image/jpeg" {
			res.Failures = append(res.Failures, PageFailure{Number: p.PageNumber, Reason: "unexpected content type " + ct})
			continue
		}
		path := filepath.Join(req.WorkDir, fmt.Sprintf("page-%d%s", p.PageNumber, extensionFor(ct)))
		if err := os.WriteFile(path, p.Content, 0o600); err != nil {
			return Result{}, fmt.Errorf("write page %d: %w", p.PageNumber, err)
		}
		res.Pages = append(res.Pages, Page{Number: p.PageNumber, ContentType: ct, Path: path})
	}
	if len(res.Pages) == 0 {
		return Result{}, fmt.Errorf("%w: %s: %s", ErrFailed, req.OriginalFilename, firstReason(res.Failures))
	}
	return res, nil
}

// IsUnavailable reports whether err means the renderer could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

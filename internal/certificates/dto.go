package certificates

import (
	"time"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/ingest"
)

type storedResponse struct {
	OriginalName string `json:"originalName"`
	FileID       string `json:"fileId"`
	Filename     string `json:"filename"`
	ContentType  string `json:"contentType"`
	PageNumber   int    `json:"pageNumber,omitempty"`
	SizeBytes    int64  `json:"sizeBytes"`
}

type failureResponse struct {
	OriginalName string `json:"originalName"`
	Code         string `json:"code"`
	Reason       string `json:"reason"`
	PageNumber   int    `json:"pageNumber,omitempty"`
}

type ingestResponse struct {
	RequestID string            `json:"requestId"`
	Files     []storedResponse  `json:"files"`
	Failures  []failureResponse `json:"failures"`
}

func toIngestResponse(res ingest.Result) ingestResponse {
	out := ingestResponse{
		RequestID: res.RequestID,
		Files:     []storedResponse{},
		Failures:  toFailures(res.Failures()),
	}
	for _, s := range res.Stored() {
		out.Files = append(out.Files, storedResponse{
			OriginalName: s.OriginalName,
			FileID:       s.FileID,
			Filename:     s.Filename,
			ContentType:  s.ContentType,
			PageNumber:   s.PageNumber,
			SizeBytes:    s.SizeBytes,
		})
	}
	return out
}

func toFailures(failures []ingest.Failure) []failureResponse {
	out := make([]failureResponse, 0, len(failures))
	for _, f := range failures {
		out = append(out, failureResponse{
			OriginalName: f.OriginalName,
			Code:         f.Code,
			Reason:       f.Reason,
			PageNumber:   f.PageNumber,
		})
	}
	return out
}

type recordResponse struct {
	ID             string    `json:"id"`
	Filename       string    `json:"filename"`
	OriginalName   string    `json:"originalName"`
	ContentType    string    `json:"contentType"`
	SizeBytes      int64     `json:"sizeBytes"`
	UploadedAt     time.Time `json:"uploadedAt"`
	PageNumber     int       `json:"pageNumber,omitempty"`
	SourceDocument string    `json:"sourceDocument,omitempty"`
}

func toRecordResponse(rec blobstore.Record) recordResponse {
	return recordResponse{
		ID:             rec.ID,
		Filename:       rec.Filename,
		OriginalName:   rec.Metadata.OriginalName,
		ContentType:    rec.ContentType,
		SizeBytes:      rec.SizeBytes,
		UploadedAt:     rec.UploadedAt,
		PageNumber:     rec.Metadata.PageNumber,
		SourceDocument: rec.Metadata.SourceDocument,
	}
}

type exportRequest struct {
	FileIDs []string `json:"fileIds"`
}

type renameRequest struct {
	OriginalName string `json:"originalName"`
}

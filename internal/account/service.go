package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/shared/telemetry"
)

// Service runs owner-wide operations on stored certificates.
type Service struct {
	Store blobstore.Store
}

type ClaimResult struct {
	MigratedCertificates int64 `json:"migratedCertificates"`
}

type PurgeResult struct {
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

func NewService(store blobstore.Store) *Service {
	return &Service{Store: store}
}

// ClaimGuest moves every certificate uploaded under a guest identity to the
// signed-in owner.
func (s *Service) ClaimGuest(ctx context.Context, guestUserID, authedUserID string) (ClaimResult, error) {
	if strings.TrimSpace(guestUserID) == "" || strings.TrimSpace(authedUserID) == "" {
		return ClaimResult{}, errors.New("guestUserID and authedUserID are required")
	}
	n, err := s.Store.Reassign(ctx, guestUserID, authedUserID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("reassign certificates: %w", err)
	}
	return ClaimResult{MigratedCertificates: n}, nil
}

// Purge deletes every certificate the owner has. It keeps going past
// individual failures and reports them in the result and the error.
func (s *Service) Purge(ctx context.Context, ownerID string) (PurgeResult, error) {
	if strings.TrimSpace(ownerID) == "" {
		return PurgeResult{}, errors.New("ownerID is required")
	}
	recs, err := s.Store.Find(ctx, blobstore.Query{OwnerID: ownerID}, blobstore.ProjectionSummary)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("list certificates: %w", err)
	}

	var res PurgeResult
	var firstErr error
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := s.Store.Delete(ctx, rec.ID)
		switch {
		case err == nil, errors.Is(err, blobstore.ErrNotFound):
			res.Deleted++
		default:
			res.Failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("delete %s: %w", rec.ID, err)
			}
			telemetry.Warn("account.purge_delete_failed", map[string]any{
				"request_id": telemetry.RequestID(ctx),
				"owner_id":   ownerID,
				"blob_id":    rec.ID,
				"error":      err,
			})
		}
	}
	telemetry.Info("account.purged", map[string]any{
		"request_id": telemetry.RequestID(ctx),
		"owner_id":   ownerID,
		"deleted":    res.Deleted,
		"failed":     res.Failed,
	})
	return res, firstErr
}

package account

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"certificate-backend/internal/blobstore"
	"certificate-backend/internal/shared/server/middleware"
	"certificate-backend/internal/shared/server/respond"
)

type Handler struct {
	Svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/account/claim-guest", h.claimGuest)
	rg.DELETE("/account/certificates", h.purge)
}

type claimRequest struct {
	GuestID string `json:"guestId"`
}

// guestIDFrom reads the guest id from the JSON body, falling back to the
// X-Guest-Id header browsers already send on every request.
func guestIDFrom(c *gin.Context) (string, string) {
	var body claimRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			return "", "body"
		}
	}
	if id := strings.TrimSpace(body.GuestID); id != "" {
		return id, "guestId"
	}
	return strings.TrimSpace(c.GetHeader("X-Guest-Id")), "X-Guest-Id"
}

func (h *Handler) claimGuest(c *gin.Context) {
	if h.Svc == nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "service unavailable", nil)
		return
	}
	authedUserID := strings.TrimSpace(middleware.UserIDFromContext(c))
	if middleware.IsGuest(c) || authedUserID == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "login required", nil)
		return
	}

	guestID, field := guestIDFrom(c)
	issue := ""
	switch {
	case field == "body":
		issue = "malformed"
	case guestID == "":
		issue = "required"
	default:
		if _, err := uuid.Parse(guestID); err != nil {
			issue = "invalid"
		}
	}
	if issue != "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "a valid guest id is required", []map[string]string{
			{"field": field, "issue": issue},
		})
		return
	}

	result, err := h.Svc.ClaimGuest(c.Request.Context(), middleware.GuestUserID(guestID), authedUserID)
	if err != nil {
		if errors.Is(err, blobstore.ErrUnavailable) {
			respond.Retryable(c, http.StatusInternalServerError, "store_unavailable", "storage is temporarily unavailable", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to claim guest data", nil)
		return
	}
	respond.JSON(c, http.StatusOK, result)
}

func (h *Handler) purge(c *gin.Context) {
	if h.Svc == nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "service unavailable", nil)
		return
	}
	owner := strings.TrimSpace(middleware.UserIDFromContext(c))
	if owner == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}

	result, err := h.Svc.Purge(c.Request.Context(), owner)
	if err != nil {
		respond.Retryable(c, http.StatusInternalServerError, "purge_incomplete", "not every certificate could be deleted", result)
		return
	}
	respond.JSON(c, http.StatusOK, result)
}

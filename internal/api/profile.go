package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"medibot/internal/models"
	"medibot/internal/pipeline"
	"medibot/internal/profile"
)

// ProfileStore manages the caller's health profile.
type ProfileStore interface {
	Get(ctx context.Context, ownerID string) (*models.HealthProfile, error)
	AddItem(ctx context.Context, ownerID string, kind models.ProfileKind, item models.ProfileItem) (*models.HealthProfile, bool, error)
	RemoveItem(ctx context.Context, ownerID string, kind models.ProfileKind, name string) (*models.HealthProfile, error)
	UpdateBasics(ctx context.Context, ownerID string, b models.ProfileBasics) (*models.HealthProfile, error)
	Delete(ctx context.Context, ownerID string) error
}

// CacheWarmer precomputes answers for common questions.
type CacheWarmer interface {
	Warm(ctx context.Context, queries []string, skipExisting bool) (pipeline.WarmResult, error)
}

type profileItemRequest struct {
	Name   string `json:"name" binding:"required,max=200"`
	Dosage string `json:"dosage" binding:"omitempty,max=100"`
}

type warmRequest struct {
	Queries      []string `json:"queries" binding:"max=50,dive,max=500"`
	SkipExisting *bool    `json:"skip_existing"`
}

// profile
func (h *Handler) getProfile(c *gin.Context) {
	p, err := h.profiles.Get(c.Request.Context(), h.caller(c).ID)
	if err != nil {
		h.profileError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) updateProfileBasics(c *gin.Context) {
	var req models.ProfileBasics
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid_request"})
		return
	}
	p, err := h.profiles.UpdateBasics(c.Request.Context(), h.caller(c).ID, req)
	if err != nil {
		h.profileError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) addProfileItem(c *gin.Context) {
	var req profileItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid_request"})
		return
	}
	kind := models.ProfileKind(c.Param("kind"))
	item := models.ProfileItem{Name: req.Name, Source: models.SourceManual}
	if kind == models.ProfileMedications {
		item.Dosage = req.Dosage
	}
	p, added, err := h.profiles.AddItem(c.Request.Context(), h.caller(c).ID, kind, item)
	if err != nil {
		h.profileError(c, "add", err)
		return
	}
	status := http.StatusCreated
	if !added {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"added": added, "profile": p})
}

func (h *Handler) removeProfileItem(c *gin.Context) {
	kind := models.ProfileKind(c.Param("kind"))
	p, err := h.profiles.RemoveItem(c.Request.Context(), h.caller(c).ID, kind, c.Param("name"))
	if err != nil {
		h.profileError(c, "remove", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) deleteProfile(c *gin.Context) {
	if err := h.profiles.Delete(c.Request.Context(), h.caller(c).ID); err != nil {
		h.profileError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) profileError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, profile.ErrUnknownKind):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown profile list"})
	case errors.Is(err, profile.ErrItemNotFound), errors.Is(err, profile.ErrNoProfile):
		c.JSON(http.StatusNotFound, gin.H{"error": "profile entry not found"})
	case errors.Is(err, profile.ErrEmptyItem):
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required", "code": "invalid_request"})
	default:
		h.logger.Error("profile "+op+" failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile " + op + " failed"})
	}
}

// cache
func (h *Handler) warmCache(c *gin.Context) {
	var req warmRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid_request"})
		return
	}
	skip := true
	if req.SkipExisting != nil {
		skip = *req.SkipExisting
	}
	res, err := h.warmer.Warm(c.Request.Context(), req.Queries, skip)
	if errors.Is(err, pipeline.ErrCacheDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "response cache is disabled"})
		return
	}
	h.audit.Record(models.AuditEvent{
		Type:     models.AuditAdmin,
		Action:   "cache_warmed",
		ActorID:  h.caller(c).ID,
		Severity: models.SeverityInfo,
		Details: map[string]string{
			"warmed":  strconv.Itoa(res.Warmed),
			"skipped": strconv.Itoa(res.Skipped),
			"failed":  strconv.Itoa(res.Failed),
		},
	})
	if err != nil {
		h.logger.Warn("cache warm interrupted", "error", err)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "cache warm interrupted", "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

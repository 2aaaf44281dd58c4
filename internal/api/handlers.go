package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"medibot/internal/audit"
	"medibot/internal/auth"
	"medibot/internal/guest"
	"medibot/internal/history"
	"medibot/internal/metrics"
	"medibot/internal/models"
	"medibot/internal/objectstore"
	"medibot/internal/pipeline"
	"medibot/internal/safety"
	"medibot/internal/worker"
)

// ChatRunner executes chat requests, normally the worker dispatcher.
type ChatRunner interface {
	Submit(ctx context.Context, req models.ChatRequest, caller models.Caller) (*models.ChatResponse, error)
	SubmitStream(ctx context.Context, req models.ChatRequest, caller models.Caller, emit pipeline.Emit) (*models.ChatResponse, error)
}

type HistoryStore interface {
	Get(ctx context.Context, ownerID, chatID string) (*models.ChatRecord, error)
	List(ctx context.Context, ownerID string, limit int, before string) (*models.ChatPage, error)
	Delete(ctx context.Context, ownerID, chatID string) error
	DeleteAll(ctx context.Context, ownerID string) (int, error)
}

type GuestQuota interface {
	Check(ctx context.Context, guestID string) models.GuestStatus
	Reset(ctx context.Context, guestID, actor string) error
}

type TokenRevoker interface {
	RevokeToken(ctx context.Context, token string) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options configures a Handler. Tokens, Objects, Media, Profiles, Warmer and
// Checks are optional.
type Options struct {
	Chat      ChatRunner
	History   HistoryStore
	Guests    GuestQuota
	Profiles  ProfileStore
	Warmer    CacheWarmer
	Auth      *auth.Authenticator
	Tokens    TokenRevoker
	Objects   objectstore.Store
	Media     *objectstore.LocalStore
	Admins    []string
	RateLimit rate.Limit
	RateBurst int
	Metrics   *metrics.Pipeline
	Audit     audit.Recorder
	Logger    *slog.Logger
	Checks    map[string]HealthCheck
}

// Handler wires HTTP routes to the chat pipeline and its supporting stores.
type Handler struct {
	chat     ChatRunner
	history  HistoryStore
	guests   GuestQuota
	profiles ProfileStore
	warmer   CacheWarmer
	auth     *auth.Authenticator
	tokens   TokenRevoker
	objects  objectstore.Store
	media    *objectstore.LocalStore
	admins   map[string]bool
	limiter  *ipLimiter
	metrics  *metrics.Pipeline
	audit    audit.Recorder
	logger   *slog.Logger
	checks   map[string]HealthCheck
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		chat:     opts.Chat,
		history:  opts.History,
		guests:   opts.Guests,
		profiles: opts.Profiles,
		warmer:   opts.Warmer,
		auth:     opts.Auth,
		tokens:   opts.Tokens,
		objects:  opts.Objects,
		media:    opts.Media,
		admins:   make(map[string]bool, len(opts.Admins)),
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		logger:   opts.Logger,
		checks:   opts.Checks,
	}
	for _, subject := range opts.Admins {
		h.admins[subject] = true
	}
	if opts.RateLimit > 0 {
		h.limiter = newIPLimiter(opts.RateLimit, opts.RateBurst)
	}
	if h.audit == nil {
		h.audit = audit.Discard{}
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "api")
	return h
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	if h.media != nil {
		router.GET("/media/*key", h.serveMedia)
	}

	api := router.Group("/api")
	api.Use(h.rateLimit())
	api.GET("/guest/status", h.auth.Optional(), h.guestStatus)

	chat := api.Group("")
	chat.Use(h.auth.Optional())
	chat.POST("/chat", h.chatJSON)
	chat.POST("/v1/chat", h.chatJSON)
	chat.POST("/chat/stream", h.chatStream)
	if h.objects != nil {
		chat.POST("/uploads", h.uploadAttachment)
	}

	userRoutes := api.Group("")
	userRoutes.Use(h.auth.Require())
	userRoutes.GET("/history", h.listHistory)
	userRoutes.GET("/history/:chat_id", h.getHistory)
	userRoutes.DELETE("/history/:chat_id", h.deleteHistory)
	userRoutes.DELETE("/history", h.deleteAllHistory)
	userRoutes.POST("/auth/logout", h.logout)
	if h.profiles != nil {
		userRoutes.GET("/profile", h.getProfile)
		userRoutes.PATCH("/profile", h.updateProfileBasics)
		userRoutes.DELETE("/profile", h.deleteProfile)
		userRoutes.POST("/profile/:kind", h.addProfileItem)
		userRoutes.DELETE("/profile/:kind/:name", h.removeProfileItem)
	}

	admin := api.Group("/admin")
	admin.Use(h.auth.Require(), h.requireAdmin())
	admin.POST("/guests/:guest_id/reset", h.resetGuest)
	if h.warmer != nil {
		admin.POST("/cache/warm", h.warmCache)
	}
}

// caller resolves the verified user, or derives the guest id from the client signal.
func (h *Handler) caller(c *gin.Context) models.Caller {
	ip, ua, fp := auth.ClientInfo(c)
	if id, ok := auth.IdentityFromContext(c); ok {
		return models.Caller{
			Kind:    models.IdentityUser,
			ID:      id.Subject,
			Email:   id.Email,
			IP:      ip,
			IsAdmin: h.admins[id.Subject],
		}
	}
	return models.Caller{Kind: models.IdentityGuest, ID: guest.ID(ip, ua, fp), IP: ip}
}

func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.caller(c).IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

func (h *Handler) health(c *gin.Context) {
	status := http.StatusOK
	payload := gin.H{"status": "ok", "time": time.Now().UTC()}
	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		deps := gin.H{}
		for name, check := range h.checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				status = http.StatusServiceUnavailable
				payload["status"] = "degraded"
				continue
			}
			deps[name] = "ok"
		}
		payload["dependencies"] = deps
	}
	if s, ok := h.chat.(interface{ Stats() (int, int, int) }); ok {
		pending, running, idle := s.Stats()
		payload["workers"] = gin.H{"pending": pending, "running": running, "idle": idle}
	}
	c.JSON(status, payload)
}

// chat
type chatRequest struct {
	Query          string              `json:"query" binding:"required,max=20000"`
	Language       string              `json:"language" binding:"omitempty,max=32"`
	History        []models.Turn       `json:"history" binding:"max=50"`
	Attachments    []models.Attachment `json:"attachments" binding:"max=5"`
	GenerateImages *bool               `json:"generate_images"`
	ThinkingMode   bool                `json:"thinking_mode"`
}

func (h *Handler) bindChat(c *gin.Context) (models.ChatRequest, models.Caller, bool) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "code": "invalid_request"})
		return models.ChatRequest{}, models.Caller{}, false
	}
	caller := h.caller(c)
	prefix := uploadPrefix(caller)
	for _, a := range req.Attachments {
		if a.Key != "" && !strings.HasPrefix(a.Key, prefix) {
			c.JSON(http.StatusForbidden, gin.H{"error": "attachment does not belong to caller", "code": "forbidden"})
			return models.ChatRequest{}, models.Caller{}, false
		}
	}
	generate := true
	if req.GenerateImages != nil {
		generate = *req.GenerateImages
	}
	return models.ChatRequest{
		Query:          req.Query,
		Language:       req.Language,
		History:        models.RecentTurns(req.History),
		Attachments:    req.Attachments,
		GenerateImages: generate,
		ThinkingMode:   req.ThinkingMode,
	}, caller, true
}

func (h *Handler) chatJSON(c *gin.Context) {
	req, caller, ok := h.bindChat(c)
	if !ok {
		return
	}
	resp, err := h.chat.Submit(c.Request.Context(), req, caller)
	if err != nil {
		status, code, msg := classifyChatError(err)
		switch {
		case errors.Is(err, pipeline.ErrQuotaExceeded):
			c.JSON(status, h.quotaBody(c, caller))
		case resp != nil:
			c.JSON(status, resp)
		default:
			c.JSON(status, gin.H{"error": msg, "code": code})
		}
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) quotaBody(c *gin.Context, caller models.Caller) gin.H {
	st := h.guests.Check(c.Request.Context(), caller.ID)
	return gin.H{
		"error":            safety.Fallback(safety.FallbackQuota),
		"code":             models.ReasonQuotaExceeded,
		"outcome":          models.OutcomeRejected,
		"degraded_reasons": []string{models.ReasonQuotaExceeded},
		"guest":            st,
	}
}

func (h *Handler) chatStream(c *gin.Context) {
	req, caller, ok := h.bindChat(c)
	if !ok {
		return
	}
	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	var terminal atomic.Bool
	emit := func(e pipeline.Event) error {
		switch e.Type {
		case pipeline.EventAck:
			payload := gin.H{"request_id": e.RequestID, "language": e.Language}
			if e.Decision != nil {
				payload["route"] = e.Decision
			}
			return sendEvent(string(e.Type), payload)
		case pipeline.EventAnswer:
			return sendEvent(string(e.Type), gin.H{"content": e.Delta})
		case pipeline.EventStepImages:
			return sendEvent(string(e.Type), gin.H{"step_images": e.Steps, "steps_count": len(e.Steps)})
		case pipeline.EventDone:
			terminal.Store(true)
			return sendEvent(string(e.Type), e.Response)
		case pipeline.EventError:
			terminal.Store(true)
			return sendEvent(string(e.Type), h.streamError(c, caller, e.Err))
		}
		return nil
	}

	_, err := h.chat.SubmitStream(c.Request.Context(), req, caller, emit)
	if err != nil && !terminal.Load() {
		_ = sendEvent(string(pipeline.EventError), h.streamError(c, caller, err))
	}
}

func (h *Handler) streamError(c *gin.Context, caller models.Caller, err error) gin.H {
	if errors.Is(err, pipeline.ErrQuotaExceeded) {
		return h.quotaBody(c, caller)
	}
	_, code, msg := classifyChatError(err)
	return gin.H{"error": msg, "code": code}
}

// classifyChatError maps pipeline and dispatcher failures to a status, a
// stable code and a message safe to show to users.
func classifyChatError(err error) (int, string, string) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyQuery):
		return http.StatusBadRequest, "empty_query", "query is required"
	case errors.Is(err, pipeline.ErrQuotaExceeded):
		return http.StatusTooManyRequests, models.ReasonQuotaExceeded, safety.Fallback(safety.FallbackQuota)
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests, "busy", "server is busy, please retry"
	case errors.Is(err, worker.ErrDispatcherClosed):
		return http.StatusServiceUnavailable, "shutting_down", "server is shutting down, please retry"
	case errors.Is(err, pipeline.ErrModelUnavailable):
		return http.StatusServiceUnavailable, models.ReasonModelUnavailable, safety.Fallback(safety.FallbackError)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, models.ReasonDeadline, safety.Fallback(safety.FallbackError)
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "canceled", "request canceled"
	default:
		return http.StatusInternalServerError, "internal", safety.Fallback(safety.FallbackError)
	}
}

// guest quota
func (h *Handler) guestStatus(c *gin.Context) {
	caller := h.caller(c)
	if caller.Authenticated() {
		c.JSON(http.StatusOK, gin.H{"authenticated": true})
		return
	}
	st := h.guests.Check(c.Request.Context(), caller.ID)
	c.JSON(http.StatusOK, gin.H{
		"authenticated": false,
		"guest_id":      caller.ID,
		"allowed":       st.Allowed,
		"remaining":     st.Remaining,
		"message_count": st.MessageCount,
		"limit":         st.Limit,
	})
}

func (h *Handler) resetGuest(c *gin.Context) {
	guestID := c.Param("guest_id")
	if guestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "guest_id is required"})
		return
	}
	if err := h.guests.Reset(c.Request.Context(), guestID, h.caller(c).ID); err != nil {
		h.logger.Error("reset guest failed", "guest", guestID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset guest failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// history
func (h *Handler) listHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	page, err := h.history.List(c.Request.Context(), h.caller(c).ID, limit, c.Query("before"))
	if err != nil {
		h.logger.Error("list history failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list history failed"})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) getHistory(c *gin.Context) {
	rec, err := h.history.Get(c.Request.Context(), h.caller(c).ID, c.Param("chat_id"))
	if err != nil {
		h.historyError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) deleteHistory(c *gin.Context) {
	if err := h.history.Delete(c.Request.Context(), h.caller(c).ID, c.Param("chat_id")); err != nil {
		h.historyError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteAllHistory(c *gin.Context) {
	n, err := h.history.DeleteAll(c.Request.Context(), h.caller(c).ID)
	if err != nil {
		h.historyError(c, "delete all", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) historyError(c *gin.Context, op string, err error) {
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
		return
	}
	h.logger.Error("history "+op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "history " + op + " failed"})
}

func (h *Handler) logout(c *gin.Context) {
	id, _ := auth.IdentityFromContext(c)
	token, _ := auth.AuthTokenFromContext(c)
	if h.tokens != nil && id.Method == auth.MethodToken && token != "" {
		if err := h.tokens.RevokeToken(c.Request.Context(), token); err != nil {
			h.logger.Error("revoke token failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
			return
		}
	}
	h.audit.Record(models.AuditEvent{
		Type:     models.AuditAuth,
		Action:   "logout",
		ActorID:  id.Subject,
		Severity: models.SeverityInfo,
		Details:  map[string]string{"method": id.Method},
	})
	c.Status(http.StatusNoContent)
}

// media
func (h *Handler) serveMedia(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.media.Verify(key, c.Query("exp"), c.Query("sig")); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired link"})
		return
	}
	data, err := h.media.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		h.logger.Error("read media failed", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read media failed"})
		return
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, contentType, data)
}

// uploadPrefix scopes uploaded attachment keys to their owner.
func uploadPrefix(caller models.Caller) string {
	sum := sha256.Sum256([]byte(caller.Kind + ":" + caller.ID))
	return "uploads/" + hex.EncodeToString(sum[:8]) + "/"
}

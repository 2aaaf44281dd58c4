package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"medibot/internal/audit"
	"medibot/internal/auth"
	"medibot/internal/config"
	"medibot/internal/guest"
	"medibot/internal/history"
	"medibot/internal/metrics"
	"medibot/internal/models"
	"medibot/internal/objectstore"
	"medibot/internal/pipeline"
	"medibot/internal/profile"
	"medibot/internal/storage"
	"medibot/internal/worker"
)

const (
	testBaseURL = "http://localhost:8090"
	testIP      = "192.0.2.10"
	adminSub    = "admin-1"
)

func TestChatAsGuest(t *testing.T) {
	s := newTestServer(t, Options{})
	s.runner.resp = &models.ChatResponse{Answer: "Cool the burn.", Outcome: models.OutcomeCompleted}

	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/chat",
		map[string]any{"query": "How do I treat a burn?", "language": "Telugu"},
		map[string]string{auth.FingerprintHeader: "fp-1"})
	assertStatus(t, rec, http.StatusOK)

	var body models.ChatResponse
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Answer != "Cool the burn." {
		t.Fatalf("unexpected answer %q", body.Answer)
	}
	req, caller := s.runner.last(t)
	if caller.Kind != models.IdentityGuest || caller.ID != guest.ID(testIP, "", "fp-1") {
		t.Fatalf("unexpected caller %+v", caller)
	}
	if !req.GenerateImages {
		t.Fatalf("generate_images should default to true")
	}
	if req.Language != "Telugu" {
		t.Fatalf("language not forwarded: %q", req.Language)
	}
}

func TestChatAsUserTrimsHistory(t *testing.T) {
	s := newTestServer(t, Options{})
	s.runner.resp = &models.ChatResponse{Outcome: models.OutcomeCompleted}
	headers := s.login(t, adminSub)

	turns := make([]map[string]string, 7)
	for i := range turns {
		turns[i] = map[string]string{"role": "user", "content": fmt.Sprintf("turn %d", i)}
	}
	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/v1/chat",
		map[string]any{"query": "and now?", "history": turns, "generate_images": false}, headers)
	assertStatus(t, rec, http.StatusOK)

	req, caller := s.runner.last(t)
	if caller.Kind != models.IdentityUser || caller.ID != adminSub || !caller.IsAdmin {
		t.Fatalf("unexpected caller %+v", caller)
	}
	if len(req.History) != models.MaxHistoryTurns || req.History[0].Content != "turn 3" {
		t.Fatalf("history not trimmed to the latest turns: %+v", req.History)
	}
	if req.GenerateImages {
		t.Fatalf("generate_images=false was ignored")
	}
}

func TestChatErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "empty query", err: pipeline.ErrEmptyQuery, status: http.StatusBadRequest, code: "empty_query"},
		{name: "busy", err: worker.ErrDispatcherBusy, status: http.StatusTooManyRequests, code: "busy"},
		{name: "closed", err: worker.ErrDispatcherClosed, status: http.StatusServiceUnavailable, code: "shutting_down"},
		{name: "quota", err: pipeline.ErrQuotaExceeded, status: http.StatusTooManyRequests, code: models.ReasonQuotaExceeded},
		{name: "deadline", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: models.ReasonDeadline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, Options{})
			s.runner.err = tc.err
			rec := doJSONRequest(t, s.router, http.MethodPost, "/api/chat", map[string]any{"query": "hi"}, nil)
			assertStatus(t, rec, tc.status)
			var body struct {
				Code  string              `json:"code"`
				Guest *models.GuestStatus `json:"guest"`
			}
			decodeJSON(t, rec.Body.Bytes(), &body)
			if body.Code != tc.code {
				t.Fatalf("want code %q, got %q", tc.code, body.Code)
			}
			if errors.Is(tc.err, pipeline.ErrQuotaExceeded) && (body.Guest == nil || body.Guest.Limit != 3) {
				t.Fatalf("quota response should carry guest status: %s", rec.Body.String())
			}
		})
	}
}

func TestChatModelUnavailableReturnsFallback(t *testing.T) {
	s := newTestServer(t, Options{})
	s.runner.resp = &models.ChatResponse{
		Answer:          "I apologize",
		Outcome:         models.OutcomeFatal,
		DegradedReasons: []string{models.ReasonModelUnavailable},
	}
	s.runner.err = fmt.Errorf("%w: %w", pipeline.ErrModelUnavailable, errors.New("both tiers failed"))

	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/chat", map[string]any{"query": "hi"}, nil)
	assertStatus(t, rec, http.StatusServiceUnavailable)
	var body models.ChatResponse
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Outcome != models.OutcomeFatal || body.Answer != "I apologize" {
		t.Fatalf("expected fallback response body, got %s", rec.Body.String())
	}
}

func TestChatValidation(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/chat", map[string]any{"language": "Hindi"}, nil)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, s.router, http.MethodPost, "/api/chat", map[string]any{
		"query":       "what is this rash?",
		"attachments": []map[string]string{{"filename": "x.png", "type": "image", "key": "uploads/someoneelse/x.png"}},
	}, nil)
	assertStatus(t, rec, http.StatusForbidden)

	if n := s.runner.count(); n != 0 {
		t.Fatalf("runner should not be called, got %d calls", n)
	}
}

func TestChatStreamEvents(t *testing.T) {
	s := newTestServer(t, Options{})
	final := &models.ChatResponse{Answer: "Step 1: Cool it.", Outcome: models.OutcomeCompleted, StepsCount: 1}
	s.runner.resp = final
	s.runner.events = []pipeline.Event{
		{Type: pipeline.EventAck, RequestID: "req-1", Language: models.LanguageEnglish},
		{Type: pipeline.EventAnswer, Delta: "Step 1: "},
		{Type: pipeline.EventAnswer, Delta: "Cool it."},
		{Type: pipeline.EventStepImages, Steps: []models.StepIllustration{{StepNumber: 1, Title: "Cool it"}}},
		{Type: pipeline.EventDone, Response: final},
	}

	rec := postSSE(t, s.router, "/api/chat/stream", map[string]any{"query": "burn"}, nil)
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := parseSSE(t, rec.Body.String())
	want := []string{"ack", "answer", "answer", "step_images", "done"}
	if len(events) != len(want) {
		t.Fatalf("expected %d SSE events, got %d: %s", len(want), len(events), rec.Body.String())
	}
	for i, name := range want {
		if events[i].Name != name {
			t.Fatalf("event %d: want %s, got %s", i, name, events[i].Name)
		}
	}
	var chunk struct {
		Content string `json:"content"`
	}
	decodeJSON(t, []byte(events[1].Data), &chunk)
	if chunk.Content != "Step 1: " {
		t.Fatalf("unexpected answer chunk %q", chunk.Content)
	}
	var done models.ChatResponse
	decodeJSON(t, []byte(events[4].Data), &done)
	if done.Answer != final.Answer || done.StepsCount != 1 {
		t.Fatalf("done payload mismatch: %s", events[4].Data)
	}
}

func TestChatStreamErrorWithoutEvents(t *testing.T) {
	s := newTestServer(t, Options{})
	s.runner.err = worker.ErrDispatcherBusy

	rec := postSSE(t, s.router, "/api/chat/stream", map[string]any{"query": "burn"}, nil)
	assertStatus(t, rec, http.StatusOK)
	events := parseSSE(t, rec.Body.String())
	if len(events) != 1 || events[0].Name != "error" {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if !strings.Contains(events[0].Data, `"code":"busy"`) {
		t.Fatalf("unexpected error payload %s", events[0].Data)
	}
}

func TestChatStreamErrorNotDuplicated(t *testing.T) {
	s := newTestServer(t, Options{})
	s.runner.err = pipeline.ErrEmptyQuery
	s.runner.events = []pipeline.Event{{Type: pipeline.EventError, Err: pipeline.ErrEmptyQuery}}

	rec := postSSE(t, s.router, "/api/chat/stream", map[string]any{"query": "  "}, nil)
	events := parseSSE(t, rec.Body.String())
	if len(events) != 1 {
		t.Fatalf("expected one error event, got %d", len(events))
	}
}

func TestGuestStatus(t *testing.T) {
	s := newTestServer(t, Options{})
	id := guest.ID(testIP, "", "")
	for i := 0; i < 2; i++ {
		if _, err := s.tracker.Charge(context.Background(), id, "q"); err != nil {
			t.Fatalf("charge: %v", err)
		}
	}

	rec := doJSONRequest(t, s.router, http.MethodGet, "/api/guest/status", nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Authenticated bool   `json:"authenticated"`
		GuestID       string `json:"guest_id"`
		Allowed       bool   `json:"allowed"`
		Remaining     int    `json:"remaining"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Authenticated || body.GuestID != id || !body.Allowed || body.Remaining != 1 {
		t.Fatalf("unexpected status %+v", body)
	}

	rec = doJSONRequest(t, s.router, http.MethodGet, "/api/guest/status", nil, s.login(t, "user-1"))
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"authenticated":true`) {
		t.Fatalf("expected authenticated status, got %s", rec.Body.String())
	}
}

func TestHistoryRoutes(t *testing.T) {
	s := newTestServer(t, Options{})
	headers := s.login(t, "user-1")
	chat := &models.ChatRecord{
		OwnerID:  "user-1",
		Query:    "How do I treat a burn?",
		Answer:   "Cool it under running water.",
		Language: models.LanguageEnglish,
	}
	if err := s.history.Save(context.Background(), chat); err != nil {
		t.Fatalf("save chat: %v", err)
	}

	rec := doJSONRequest(t, s.router, http.MethodGet, "/api/history", nil, nil)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = doJSONRequest(t, s.router, http.MethodGet, "/api/history?limit=5", nil, headers)
	assertStatus(t, rec, http.StatusOK)
	var page models.ChatPage
	decodeJSON(t, rec.Body.Bytes(), &page)
	if len(page.Chats) != 1 || page.Chats[0].ChatID != chat.ChatID {
		t.Fatalf("unexpected page %+v", page)
	}

	rec = doJSONRequest(t, s.router, http.MethodGet, "/api/history?limit=abc", nil, headers)
	assertStatus(t, rec, http.StatusBadRequest)

	rec = doJSONRequest(t, s.router, http.MethodGet, "/api/history/"+chat.ChatID, nil, headers)
	assertStatus(t, rec, http.StatusOK)

	other := s.login(t, "user-2")
	rec = doJSONRequest(t, s.router, http.MethodGet, "/api/history/"+chat.ChatID, nil, other)
	assertStatus(t, rec, http.StatusNotFound)

	rec = doJSONRequest(t, s.router, http.MethodDelete, "/api/history/"+chat.ChatID, nil, headers)
	assertStatus(t, rec, http.StatusNoContent)
	rec = doJSONRequest(t, s.router, http.MethodGet, "/api/history/"+chat.ChatID, nil, headers)
	assertStatus(t, rec, http.StatusNotFound)

	rec = doJSONRequest(t, s.router, http.MethodDelete, "/api/history", nil, headers)
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"deleted":0`) {
		t.Fatalf("unexpected delete-all body %s", rec.Body.String())
	}
}

func TestAdminResetGuest(t *testing.T) {
	s := newTestServer(t, Options{})
	id := guest.ID("198.51.100.7", "curl/8", "")
	for i := 0; i < 3; i++ {
		if _, err := s.tracker.Charge(context.Background(), id, "q"); err != nil {
			t.Fatalf("charge: %v", err)
		}
	}

	path := "/api/admin/guests/" + id + "/reset"
	rec := doJSONRequest(t, s.router, http.MethodPost, path, nil, s.login(t, "user-1"))
	assertStatus(t, rec, http.StatusForbidden)

	rec = doJSONRequest(t, s.router, http.MethodPost, path, nil, s.login(t, adminSub))
	assertStatus(t, rec, http.StatusNoContent)
	if !s.tracker.Check(context.Background(), id).Allowed {
		t.Fatalf("guest should be allowed after reset")
	}
	if n := len(s.audit.OfType(models.AuditAdmin)); n != 1 {
		t.Fatalf("expected one admin audit event, got %d", n)
	}
}

func TestRateLimitPerIP(t *testing.T) {
	s := newTestServer(t, Options{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		rec := doJSONRequest(t, s.router, http.MethodGet, "/api/guest/status", nil, nil)
		assertStatus(t, rec, http.StatusOK)
	}
	rec := doJSONRequest(t, s.router, http.MethodGet, "/api/guest/status", nil, nil)
	assertStatus(t, rec, http.StatusTooManyRequests)

	rec = doJSONRequest(t, s.router, http.MethodGet, "/api/guest/status", nil, map[string]string{"X-Forwarded-For": "203.0.113.5"})
	assertStatus(t, rec, http.StatusOK)

	if got := testutil.ToFloat64(s.metrics.RateLimited); got != 1 {
		t.Fatalf("expected 1 rate limit hit, got %v", got)
	}
	if n := len(s.audit.OfType(models.AuditRateLimit)); n != 1 {
		t.Fatalf("expected one rate limit audit event, got %d", n)
	}

	rec = doJSONRequest(t, s.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, rec, http.StatusOK)
}

func TestHealthReportsFailingDependency(t *testing.T) {
	s := newTestServer(t, Options{Checks: map[string]HealthCheck{
		"database": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return errors.New("connection refused") },
	}})

	rec := doJSONRequest(t, s.router, http.MethodGet, "/healthz", nil, nil)
	assertStatus(t, rec, http.StatusServiceUnavailable)
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Status != "degraded" || body.Dependencies["database"] != "ok" || body.Dependencies["redis"] != "connection refused" {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}

func TestServeMediaRequiresSignature(t *testing.T) {
	s := newTestServer(t, Options{})
	ctx := context.Background()
	key := "illustrations/abc/step-1.png"
	if err := s.media.Put(ctx, key, []byte("\x89PNG\r\n\x1a\nfake"), "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	signed, err := s.media.SignedURL(ctx, key, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := doJSONRequest(t, s.router, http.MethodGet, strings.TrimPrefix(signed, testBaseURL), nil, nil)
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}

	rec = doJSONRequest(t, s.router, http.MethodGet, "/media/"+key+"?exp=9999999999&sig=deadbeef", nil, nil)
	assertStatus(t, rec, http.StatusForbidden)
}

func TestUploadThenAttach(t *testing.T) {
	s := newTestServer(t, Options{})
	s.runner.resp = &models.ChatResponse{Outcome: models.OutcomeCompleted}
	headers := s.login(t, "user-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("blood pressure 120/80 on monday"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &buf)
	req.RemoteAddr = testIP + ":40000"
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusCreated)

	var att models.Attachment
	decodeJSON(t, rec.Body.Bytes(), &att)
	if att.Type != "document" || !strings.HasPrefix(att.Key, "uploads/") {
		t.Fatalf("unexpected attachment %+v", att)
	}

	rec = doJSONRequest(t, s.router, http.MethodPost, "/api/chat",
		map[string]any{"query": "summarize my notes", "attachments": []models.Attachment{att}}, headers)
	assertStatus(t, rec, http.StatusOK)

	rec = doJSONRequest(t, s.router, http.MethodPost, "/api/chat",
		map[string]any{"query": "summarize my notes", "attachments": []models.Attachment{att}}, s.login(t, "user-2"))
	assertStatus(t, rec, http.StatusForbidden)
}

func TestLogoutRevokesToken(t *testing.T) {
	s := newTestServer(t, Options{})
	headers := s.login(t, "user-1")

	rec := doJSONRequest(t, s.router, http.MethodPost, "/api/auth/logout", nil, headers)
	assertStatus(t, rec, http.StatusNoContent)

	rec = doJSONRequest(t, s.router, http.MethodGet, "/api/history", nil, headers)
	assertStatus(t, rec, http.StatusUnauthorized)
}

type fakeRunner struct {
	mu      sync.Mutex
	resp    *models.ChatResponse
	err     error
	events  []pipeline.Event
	reqs    []models.ChatRequest
	callers []models.Caller
}

func (f *fakeRunner) record(req models.ChatRequest, caller models.Caller) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	f.callers = append(f.callers, caller)
}

func (f *fakeRunner) Submit(_ context.Context, req models.ChatRequest, caller models.Caller) (*models.ChatResponse, error) {
	f.record(req, caller)
	return f.resp, f.err
}

func (f *fakeRunner) SubmitStream(_ context.Context, req models.ChatRequest, caller models.Caller, emit pipeline.Emit) (*models.ChatResponse, error) {
	f.record(req, caller)
	for _, e := range f.events {
		if err := emit(e); err != nil {
			break
		}
	}
	return f.resp, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeRunner) last(t *testing.T) (models.ChatRequest, models.Caller) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatalf("runner was not called")
	}
	return f.reqs[len(f.reqs)-1], f.callers[len(f.callers)-1]
}

type testServer struct {
	router  *gin.Engine
	db      *sql.DB
	runner  *fakeRunner
	tokens  *auth.TokenService
	tracker *guest.Tracker
	history *history.Persister
	profile *profile.Service
	media   *objectstore.LocalStore
	metrics *metrics.Pipeline
	audit   *audit.Memory
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	media, err := objectstore.NewLocalStore(t.TempDir(), testBaseURL, "secret")
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	s := &testServer{
		db:      db,
		runner:  &fakeRunner{},
		tokens:  auth.NewTokenService(db, nil, time.Hour, nil),
		media:   media,
		metrics: metrics.NewNop(),
		audit:   &audit.Memory{},
	}
	s.tracker = guest.NewTracker(guest.NewSQLStore(db, "sqlite3"), 3, time.Hour, s.metrics, s.audit, nil)
	s.history = history.New(db, media, history.Options{}, s.metrics, s.audit, nil)
	s.profile = profile.New(profile.NewStore(db, "sqlite3"), s.audit, nil)

	opts.Chat = s.runner
	opts.History = s.history
	opts.Guests = s.tracker
	opts.Profiles = s.profile
	opts.Auth = auth.NewAuthenticator(s.tokens, s.metrics, s.audit)
	opts.Tokens = s.tokens
	opts.Objects = media
	opts.Media = media
	opts.Admins = []string{adminSub}
	opts.Metrics = s.metrics
	opts.Audit = s.audit

	s.router = gin.New()
	NewHandler(opts).RegisterRoutes(s.router)
	return s
}

func (s *testServer) login(t *testing.T, subject string) map[string]string {
	t.Helper()
	token, err := s.tokens.IssueToken(context.Background(), auth.Identity{Subject: subject})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				evt.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		events = append(events, evt)
	}
	return events
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = testIP + ":40000"
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body, headers)
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

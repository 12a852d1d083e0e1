package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"queryhub/internal/api/middleware"
	"queryhub/internal/model"
	"queryhub/internal/pkg/gemini"
	"queryhub/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

type mockGenerator struct {
	result *gemini.Result
	err    error
	calls  int
}

func (m *mockGenerator) Generate(_ context.Context, _ string, _ gemini.Options) (*gemini.Result, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockReleaser struct {
	released []string
	ctxErrs  []error
}

func (m *mockReleaser) Release(ctx context.Context, subID string) error {
	m.released = append(m.released, subID)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	return nil
}

type appendedLog struct {
	userID   string
	logType  string
	message  string
	severity int
}

type mockLogStore struct {
	appended  []appendedLog
	recent    []model.Log
	incidents []model.Log
	analysis  *model.QueryAnalysis
}

func (m *mockLogStore) Append(_ context.Context, userID, logType, message string, _ map[string]interface{}, severity int) error {
	m.appended = append(m.appended, appendedLog{userID, logType, message, severity})
	return nil
}

func (m *mockLogStore) RecentByUser(_ context.Context, _, _ string, _ int) ([]model.Log, error) {
	return m.recent, nil
}

func (m *mockLogStore) IncidentsByUser(_ context.Context, _ string, _ int) ([]model.Log, error) {
	return m.incidents, nil
}

func (m *mockLogStore) AnalysisByUser(_ context.Context, _ string) (*model.QueryAnalysis, error) {
	if m.analysis == nil {
		return &model.QueryAnalysis{}, nil
	}
	return m.analysis, nil
}

func newTestRouter(gen *mockGenerator, sub *model.Subscription) (*gin.Engine, *mockReleaser, *mockLogStore) {
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics()

	releaser := &mockReleaser{}
	logs := &mockLogStore{}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := NewHandler(gen, releaser, logs, logger)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("userID", "u1")
		if sub != nil {
			c.Set(middleware.SubscriptionContextKey, sub)
		}
	})
	r.POST("/api/ai/query", h.Query)
	r.GET("/api/ai/logs", h.GetLogs)
	r.GET("/api/ai/analysis", h.GetAnalysis)
	r.GET("/api/ai/incidents", h.GetIncidents)
	return r, releaser, logs
}

func limitedSub() *model.Subscription {
	return &model.Subscription{
		ID:           "sub-1",
		UserID:       "u1",
		Plan:         model.PlanFree,
		Status:       model.SubscriptionActive,
		MonthlyQuota: 100,
		QuotaUsed:    5,
	}
}

func doQuery(t *testing.T, r *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/ai/query", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestQuerySuccess(t *testing.T) {
	gen := &mockGenerator{result: &gemini.Result{Text: "the answer", FinishReason: "STOP", TotalTokens: 17}}
	r, releaser, logs := newTestRouter(gen, limitedSub())

	w := doQuery(t, r, gin.H{"query": "what is Go?"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != true || body["response"] != "the answer" {
		t.Errorf("body = %v", body)
	}
	if body["quotaRemaining"] != float64(95) {
		t.Errorf("quotaRemaining = %v", body["quotaRemaining"])
	}
	if len(releaser.released) != 0 {
		t.Errorf("quota released on success: %v", releaser.released)
	}
	if len(logs.appended) != 1 || logs.appended[0].logType != model.LogAIQuery {
		t.Errorf("appended logs = %v", logs.appended)
	}
}

func TestQueryValidationReleasesQuota(t *testing.T) {
	gen := &mockGenerator{result: &gemini.Result{Text: "x"}}
	r, releaser, _ := newTestRouter(gen, limitedSub())

	w := doQuery(t, r, gin.H{"query": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if msg := decodeBody(t, w)["message"]; msg != "Query is required" {
		t.Errorf("message = %v", msg)
	}
	if gen.calls != 0 {
		t.Error("generator called for invalid query")
	}
	if len(releaser.released) != 1 || releaser.released[0] != "sub-1" {
		t.Errorf("released = %v", releaser.released)
	}
}

func TestQueryTooLong(t *testing.T) {
	gen := &mockGenerator{result: &gemini.Result{Text: "x"}}
	r, _, _ := newTestRouter(gen, limitedSub())

	w := doQuery(t, r, gin.H{"query": strings.Repeat("a", 2001)})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if msg := decodeBody(t, w)["message"]; msg != "Query cannot exceed 2000 characters" {
		t.Errorf("message = %v", msg)
	}
}

func TestQueryUpstreamFailure(t *testing.T) {
	gen := &mockGenerator{err: errors.New("upstream blew up")}
	r, releaser, logs := newTestRouter(gen, limitedSub())

	w := doQuery(t, r, gin.H{"query": "hello"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if msg := decodeBody(t, w)["message"]; msg != "Error processing AI query" {
		t.Errorf("message = %v", msg)
	}
	// 失败的调用不消耗配额。
	if len(releaser.released) != 1 {
		t.Errorf("released = %v", releaser.released)
	}
	if len(logs.appended) != 1 || logs.appended[0].logType != model.LogError || logs.appended[0].severity != 2 {
		t.Errorf("appended logs = %+v", logs.appended)
	}
}

// 客户端断开导致生成失败时，归还配额的补偿操作不能跟着请求上下文一起死。
func TestReleaseSurvivesCancelledRequest(t *testing.T) {
	gen := &mockGenerator{err: errors.New("context canceled")}
	r, releaser, _ := newTestRouter(gen, limitedSub())

	raw, err := json.Marshal(gin.H{"query": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/ai/query", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")

	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if len(releaser.released) != 1 {
		t.Fatalf("released = %v", releaser.released)
	}
	if releaser.ctxErrs[0] != nil {
		t.Errorf("release ran on a dead context: %v", releaser.ctxErrs[0])
	}
}

func TestQueryUnlimitedNeverReleases(t *testing.T) {
	gen := &mockGenerator{err: errors.New("upstream blew up")}
	sub := limitedSub()
	sub.MonthlyQuota = model.UnlimitedQuota
	r, releaser, _ := newTestRouter(gen, sub)

	w := doQuery(t, r, gin.H{"query": "hello"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if len(releaser.released) != 0 {
		t.Errorf("unlimited plan released quota: %v", releaser.released)
	}
}

func TestGetLogs(t *testing.T) {
	gen := &mockGenerator{}
	r, _, logs := newTestRouter(gen, nil)
	logs.recent = []model.Log{
		{ID: "l1", Type: model.LogAIQuery, Message: "AI query processed", Metadata: `{"tokens":17}`, CreatedAt: time.Now()},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/ai/logs", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	entries, _ := decodeBody(t, w)["logs"].([]any)
	if len(entries) != 1 {
		t.Fatalf("logs = %v", entries)
	}
	entry := entries[0].(map[string]any)
	if entry["id"] != "l1" {
		t.Errorf("entry = %v", entry)
	}
	meta, _ := entry["metadata"].(map[string]any)
	if meta["tokens"] != float64(17) {
		t.Errorf("metadata = %v", entry["metadata"])
	}
}

func TestGetAnalysis(t *testing.T) {
	gen := &mockGenerator{}
	r, _, logs := newTestRouter(gen, nil)
	logs.analysis = &model.QueryAnalysis{TotalQueries: 12, AvgTokens: 33.5, MaxTokens: 120}

	req := httptest.NewRequest(http.MethodGet, "/api/ai/analysis", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["totalQueries"] != float64(12) || body["avgTokens"] != 33.5 || body["maxTokens"] != float64(120) {
		t.Errorf("analysis = %v", body)
	}
}

func TestGetAnalysisEmptyHistory(t *testing.T) {
	gen := &mockGenerator{}
	r, _, _ := newTestRouter(gen, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/ai/analysis", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["totalQueries"] != float64(0) {
		t.Errorf("analysis = %v", body)
	}
}

func TestGetIncidents(t *testing.T) {
	gen := &mockGenerator{}
	r, _, logs := newTestRouter(gen, nil)
	logs.incidents = []model.Log{
		{ID: "i1", Type: model.LogError, Message: "AI query failed", Severity: 2, CreatedAt: time.Now()},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/ai/incidents", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	entries, _ := decodeBody(t, w)["incidents"].([]any)
	if len(entries) != 1 {
		t.Fatalf("incidents = %v", entries)
	}
	entry := entries[0].(map[string]any)
	if entry["severity"] != float64(2) {
		t.Errorf("entry = %v", entry)
	}
}

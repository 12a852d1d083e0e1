package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"queryhub/internal/model"
	"queryhub/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type mockSubStore struct {
	subs map[string]*model.Subscription
}

func newMockSubStore() *mockSubStore {
	return &mockSubStore{subs: make(map[string]*model.Subscription)}
}

func (m *mockSubStore) ActiveByUser(_ context.Context, userID string) (*model.Subscription, error) {
	for _, s := range m.subs {
		if s.UserID == userID && s.Status == model.SubscriptionActive {
			copied := *s
			return &copied, nil
		}
	}
	return nil, store.ErrNoSubscription
}

func (m *mockSubStore) Create(_ context.Context, sub *model.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	copied := *sub
	m.subs[sub.ID] = &copied
	return nil
}

func (m *mockSubStore) Save(_ context.Context, sub *model.Subscription) error {
	copied := *sub
	m.subs[sub.ID] = &copied
	return nil
}

type mockAudit struct {
	entries []string
}

func (m *mockAudit) Append(_ context.Context, _, _, message string, _ map[string]interface{}, _ int) error {
	m.entries = append(m.entries, message)
	return nil
}

func newTestRouter(userID string) (*gin.Engine, *mockSubStore, *mockAudit) {
	gin.SetMode(gin.TestMode)

	subs := newMockSubStore()
	audit := &mockAudit{}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h := NewHandler(subs, audit, logger)

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("userID", userID) })
	r.GET("/api/subscriptions/plans", h.GetPlans)
	r.GET("/api/subscriptions/my-subscription", h.GetMySubscription)
	r.GET("/api/subscriptions/quota", h.GetQuota)
	r.POST("/api/subscriptions/subscribe", h.Subscribe)
	r.PUT("/api/subscriptions/upgrade", h.Upgrade)
	r.PUT("/api/subscriptions/cancel", h.Cancel)
	r.GET("/api/subscriptions/usage", h.GetUsage)
	return r, subs, audit
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
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

func TestGetPlans(t *testing.T) {
	r, _, _ := newTestRouter("u1")

	w := doJSON(t, r, http.MethodGet, "/api/subscriptions/plans", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	plans, _ := decodeBody(t, w)["plans"].([]any)
	if len(plans) != 3 {
		t.Fatalf("expected 3 plans, got %d", len(plans))
	}
	premium := plans[2].(map[string]any)
	if premium["id"] != "premium" || premium["monthlyQuota"] != float64(-1) {
		t.Errorf("premium plan = %v", premium)
	}
}

func TestSubscribe(t *testing.T) {
	r, subs, audit := newTestRouter("u1")

	w := doJSON(t, r, http.MethodPost, "/api/subscriptions/subscribe", gin.H{"plan": "basic"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	sub := body["subscription"].(map[string]any)
	if sub["plan"] != "basic" || sub["monthlyQuota"] != float64(1000) || sub["status"] != "active" {
		t.Errorf("subscription = %v", sub)
	}
	if got, _ := subs.ActiveByUser(context.Background(), "u1"); got == nil {
		t.Error("subscription not persisted")
	}
	if len(audit.entries) != 1 || audit.entries[0] != "Subscription created" {
		t.Errorf("audit entries = %v", audit.entries)
	}
}

func TestSubscribeDuplicate(t *testing.T) {
	r, _, _ := newTestRouter("u1")

	doJSON(t, r, http.MethodPost, "/api/subscriptions/subscribe", gin.H{"plan": "free"})
	w := doJSON(t, r, http.MethodPost, "/api/subscriptions/subscribe", gin.H{"plan": "basic"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if msg := decodeBody(t, w)["message"]; msg != "Active subscription already exists" {
		t.Errorf("message = %v", msg)
	}
}

func TestSubscribeInvalidPlan(t *testing.T) {
	r, _, _ := newTestRouter("u1")

	w := doJSON(t, r, http.MethodPost, "/api/subscriptions/subscribe", gin.H{"plan": "platinum"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if msg := decodeBody(t, w)["message"]; msg != "Invalid plan selected" {
		t.Errorf("message = %v", msg)
	}
}

func TestUpgradeResetsPeriod(t *testing.T) {
	r, subs, _ := newTestRouter("u1")

	doJSON(t, r, http.MethodPost, "/api/subscriptions/subscribe", gin.H{"plan": "basic"})

	// 造一些已消耗的用量，升档后应当清零。
	active, _ := subs.ActiveByUser(context.Background(), "u1")
	active.QuotaUsed = 42
	_ = subs.Save(context.Background(), active)

	w := doJSON(t, r, http.MethodPut, "/api/subscriptions/upgrade", gin.H{"plan": "premium"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	sub := decodeBody(t, w)["subscription"].(map[string]any)
	if sub["plan"] != "premium" || sub["monthlyQuota"] != float64(-1) || sub["quotaUsed"] != float64(0) {
		t.Errorf("subscription = %v", sub)
	}
}

func TestUpgradeRejectsDowngradeAndSamePlan(t *testing.T) {
	r, _, _ := newTestRouter("u1")

	doJSON(t, r, http.MethodPost, "/api/subscriptions/subscribe", gin.H{"plan": "basic"})

	for _, plan := range []string{"free", "basic"} {
		w := doJSON(t, r, http.MethodPut, "/api/subscriptions/upgrade", gin.H{"plan": plan})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("upgrade to %s status = %d", plan, w.Code)
		}
		want := "Cannot downgrade or set same plan. Use cancel and resubscribe for downgrades."
		if msg := decodeBody(t, w)["message"]; msg != want {
			t.Errorf("upgrade to %s message = %v", plan, msg)
		}
	}
}

func TestCancel(t *testing.T) {
	r, subs, _ := newTestRouter("u1")

	doJSON(t, r, http.MethodPost, "/api/subscriptions/subscribe", gin.H{"plan": "basic"})

	w := doJSON(t, r, http.MethodPut, "/api/subscriptions/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	sub := decodeBody(t, w)["subscription"].(map[string]any)
	if sub["status"] != "cancelled" {
		t.Errorf("status = %v", sub["status"])
	}
	if sub["endDate"] == nil {
		t.Error("cancelled subscription missing endDate")
	}

	// 取消后不再有 active 订阅。
	if _, err := subs.ActiveByUser(context.Background(), "u1"); err != store.ErrNoSubscription {
		t.Errorf("expected ErrNoSubscription, got %v", err)
	}
	if w = doJSON(t, r, http.MethodPut, "/api/subscriptions/cancel", nil); w.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d", w.Code)
	}
}

func TestGetUsage(t *testing.T) {
	r, subs, _ := newTestRouter("u1")

	doJSON(t, r, http.MethodPost, "/api/subscriptions/subscribe", gin.H{"plan": "free"})
	active, _ := subs.ActiveByUser(context.Background(), "u1")
	active.QuotaUsed = 30
	_ = subs.Save(context.Background(), active)

	w := doJSON(t, r, http.MethodGet, "/api/subscriptions/usage", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["quota"] != float64(100) || body["used"] != float64(30) || body["remaining"] != float64(70) {
		t.Errorf("usage = %v", body)
	}
}

func TestGetUsageUnlimited(t *testing.T) {
	r, subs, _ := newTestRouter("u1")

	_ = subs.Create(context.Background(), &model.Subscription{
		UserID:       "u1",
		Plan:         model.PlanPremium,
		Status:       model.SubscriptionActive,
		MonthlyQuota: model.UnlimitedQuota,
		QuotaUsed:    12345,
		StartDate:    time.Now(),
	})

	w := doJSON(t, r, http.MethodGet, "/api/subscriptions/usage", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["remaining"] != "unlimited" {
		t.Errorf("remaining = %v", body["remaining"])
	}
}

func TestGetQuota(t *testing.T) {
	r, subs, _ := newTestRouter("u1")

	doJSON(t, r, http.MethodPost, "/api/subscriptions/subscribe", gin.H{"plan": "free"})
	active, _ := subs.ActiveByUser(context.Background(), "u1")
	active.QuotaUsed = 99
	_ = subs.Save(context.Background(), active)

	w := doJSON(t, r, http.MethodGet, "/api/subscriptions/quota", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if remaining := decodeBody(t, w)["remaining"]; remaining != float64(1) {
		t.Errorf("remaining = %v", remaining)
	}
}

func TestGetMySubscriptionNotFound(t *testing.T) {
	r, _, _ := newTestRouter("nobody")

	w := doJSON(t, r, http.MethodGet, "/api/subscriptions/my-subscription", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if msg := decodeBody(t, w)["message"]; msg != "No active subscription found" {
		t.Errorf("message = %v", msg)
	}
}

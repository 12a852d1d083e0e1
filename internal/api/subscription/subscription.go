package subscription

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"queryhub/internal/model"
	"queryhub/internal/store"

	"github.com/gin-gonic/gin"
)

// SubscriptionStore 是订阅接口需要的持久化操作。
type SubscriptionStore interface {
	ActiveByUser(ctx context.Context, userID string) (*model.Subscription, error)
	Create(ctx context.Context, sub *model.Subscription) error
	Save(ctx context.Context, sub *model.Subscription) error
}

// AuditLog 记录订阅变更的审计事件。
type AuditLog interface {
	Append(ctx context.Context, userID, logType, message string, metadata map[string]interface{}, severity int) error
}

// Plan 是对外展示的套餐描述。
type Plan struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Price        float64  `json:"price"`
	MonthlyQuota int      `json:"monthlyQuota"`
	Features     []string `json:"features"`
}

var planCatalogue = []Plan{
	{
		ID:           model.PlanFree,
		Name:         "Free",
		Price:        0,
		MonthlyQuota: model.PlanQuota(model.PlanFree),
		Features:     []string{"100 AI queries per month", "Basic support"},
	},
	{
		ID:           model.PlanBasic,
		Name:         "Basic",
		Price:        9.99,
		MonthlyQuota: model.PlanQuota(model.PlanBasic),
		Features:     []string{"1000 AI queries per month", "Priority support", "Query history"},
	},
	{
		ID:           model.PlanPremium,
		Name:         "Premium",
		Price:        29.99,
		MonthlyQuota: model.PlanQuota(model.PlanPremium),
		Features:     []string{"Unlimited AI queries", "Priority support", "Query history", "Incident reports"},
	},
}

// Handler 提供订阅管理接口。
type Handler struct {
	subs   SubscriptionStore
	audit  AuditLog
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler 创建 Subscription Handler。
func NewHandler(subs SubscriptionStore, audit AuditLog, logger *slog.Logger) *Handler {
	return &Handler{subs: subs, audit: audit, logger: logger, now: time.Now}
}

type planRequest struct {
	Plan string `json:"plan" binding:"required"`
}

type subscriptionResponse struct {
	ID           string     `json:"id"`
	Plan         string     `json:"plan"`
	Status       string     `json:"status"`
	MonthlyQuota int        `json:"monthlyQuota"`
	QuotaUsed    int        `json:"quotaUsed"`
	StartDate    time.Time  `json:"startDate"`
	EndDate      *time.Time `json:"endDate,omitempty"`
}

func toResponse(sub *model.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:           sub.ID,
		Plan:         sub.Plan,
		Status:       sub.Status,
		MonthlyQuota: sub.MonthlyQuota,
		QuotaUsed:    sub.QuotaUsed,
		StartDate:    sub.StartDate,
		EndDate:      sub.EndDate,
	}
}

// GetPlans 返回套餐目录。公开接口，不需要认证。
//
// GET /plans
func (h *Handler) GetPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": planCatalogue})
}

// GetMySubscription 返回当前用户的 active 订阅。
//
// GET /my-subscription
func (h *Handler) GetMySubscription(c *gin.Context) {
	sub, ok := h.activeOr404(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": toResponse(sub)})
}

// Subscribe 为当前用户开通订阅。
//
// 同一用户同一时刻最多一条 active 订阅；重复开通直接拒绝，
// 换套餐走 upgrade 或 cancel 后重订。
//
// POST /subscribe
func (h *Handler) Subscribe(c *gin.Context) {
	userID := c.GetString("userID")

	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Plan is required"})
		return
	}
	if model.PlanRank(req.Plan) < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid plan selected"})
		return
	}

	_, err := h.subs.ActiveByUser(c.Request.Context(), userID)
	if err == nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Active subscription already exists"})
		return
	}
	if !errors.Is(err, store.ErrNoSubscription) {
		h.internalError(c, "Error creating subscription", err)
		return
	}

	sub := model.Subscription{
		UserID:       userID,
		Plan:         req.Plan,
		Status:       model.SubscriptionActive,
		MonthlyQuota: model.PlanQuota(req.Plan),
		QuotaUsed:    0,
		StartDate:    h.now(),
		// 支付流程未接入，开通即视为已完成。
		PaymentStatus: "completed",
	}
	if err := h.subs.Create(c.Request.Context(), &sub); err != nil {
		h.internalError(c, "Error creating subscription", err)
		return
	}

	h.appendAudit(c, userID, "Subscription created", map[string]interface{}{"plan": sub.Plan})
	h.logger.Info("subscription created", slog.String("user_id", userID), slog.String("plan", sub.Plan))
	c.JSON(http.StatusCreated, gin.H{
		"message":      "Subscription created successfully",
		"subscription": toResponse(&sub),
	})
}

// Upgrade 把 active 订阅升到更高档位。
//
// 只允许升档；降档或原地不动一律拒绝，避免绕过配额周期重置。
// 升档后配额按新套餐全额发放，用量清零，周期从当下重新起算。
//
// PUT /upgrade
func (h *Handler) Upgrade(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Plan is required"})
		return
	}
	if model.PlanRank(req.Plan) < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid plan selected"})
		return
	}

	sub, ok := h.activeOr404(c)
	if !ok {
		return
	}

	if model.PlanRank(req.Plan) <= model.PlanRank(sub.Plan) {
		c.JSON(http.StatusBadRequest, gin.H{
			"message": "Cannot downgrade or set same plan. Use cancel and resubscribe for downgrades.",
		})
		return
	}

	previousPlan := sub.Plan
	sub.Plan = req.Plan
	sub.MonthlyQuota = model.PlanQuota(req.Plan)
	sub.QuotaUsed = 0
	sub.StartDate = h.now()
	if err := h.subs.Save(c.Request.Context(), sub); err != nil {
		h.internalError(c, "Error upgrading subscription", err)
		return
	}

	h.appendAudit(c, sub.UserID, "Subscription upgraded", map[string]interface{}{
		"from": previousPlan,
		"to":   sub.Plan,
	})
	h.logger.Info("subscription upgraded",
		slog.String("user_id", sub.UserID),
		slog.String("from", previousPlan),
		slog.String("to", sub.Plan),
	)
	c.JSON(http.StatusOK, gin.H{
		"message":      "Subscription upgraded successfully",
		"subscription": toResponse(sub),
	})
}

// Cancel 取消 active 订阅。
//
// 订阅立即进入 cancelled，服务保留到本期结束（end_date），
// 到期后由调度器标记为 expired。
//
// PUT /cancel
func (h *Handler) Cancel(c *gin.Context) {
	sub, ok := h.activeOr404(c)
	if !ok {
		return
	}

	periodEnd := sub.StartDate.AddDate(0, 1, 0)
	if now := h.now(); periodEnd.Before(now) {
		periodEnd = now
	}
	sub.Status = model.SubscriptionCancelled
	sub.EndDate = &periodEnd
	if err := h.subs.Save(c.Request.Context(), sub); err != nil {
		h.internalError(c, "Error cancelling subscription", err)
		return
	}

	h.appendAudit(c, sub.UserID, "Subscription cancelled", map[string]interface{}{"plan": sub.Plan})
	h.logger.Info("subscription cancelled", slog.String("user_id", sub.UserID), slog.String("plan", sub.Plan))
	c.JSON(http.StatusOK, gin.H{
		"message":      "Subscription cancelled successfully",
		"subscription": toResponse(sub),
	})
}

// GetUsage 返回本期配额使用情况。不限量套餐的 remaining 返回 "unlimited"。
//
// GET /usage
func (h *Handler) GetUsage(c *gin.Context) {
	sub, ok := h.activeOr404(c)
	if !ok {
		return
	}

	var remaining interface{} = sub.Remaining()
	if sub.MonthlyQuota == model.UnlimitedQuota {
		remaining = "unlimited"
	}
	c.JSON(http.StatusOK, gin.H{
		"plan":      sub.Plan,
		"quota":     sub.MonthlyQuota,
		"used":      sub.QuotaUsed,
		"remaining": remaining,
	})
}

// GetQuota 返回剩余配额。不限量套餐返回 -1。
//
// GET /quota
func (h *Handler) GetQuota(c *gin.Context) {
	sub, ok := h.activeOr404(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining": sub.Remaining()})
}

func (h *Handler) activeOr404(c *gin.Context) (*model.Subscription, bool) {
	userID := c.GetString("userID")
	sub, err := h.subs.ActiveByUser(c.Request.Context(), userID)
	if errors.Is(err, store.ErrNoSubscription) {
		c.JSON(http.StatusNotFound, gin.H{"message": "No active subscription found"})
		return nil, false
	}
	if err != nil {
		h.internalError(c, "Error fetching subscription", err)
		return nil, false
	}
	return sub, true
}

// appendAudit 写审计日志。失败只记 warning，不影响主流程。
func (h *Handler) appendAudit(c *gin.Context, userID, message string, metadata map[string]interface{}) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Append(c.Request.Context(), userID, model.LogInfo, message, metadata, 1); err != nil {
		h.logger.Warn("append audit log failed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

func (h *Handler) internalError(c *gin.Context, message string, err error) {
	h.logger.Error(message, slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{"message": message})
}

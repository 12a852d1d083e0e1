package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"queryhub/internal/api/middleware"
	"queryhub/internal/model"
	"queryhub/internal/pkg/gemini"
	"queryhub/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// maxQueryLength 是单次查询允许的最大字符数。
const maxQueryLength = 2000

// Generator 执行一次模型生成调用。
type Generator interface {
	Generate(ctx context.Context, query string, opts gemini.Options) (*gemini.Result, error)
}

// QuotaReleaser 归还预占的配额单位。
type QuotaReleaser interface {
	Release(ctx context.Context, subID string) error
}

// LogStore 读写 AI 查询的审计日志。
type LogStore interface {
	Append(ctx context.Context, userID, logType, message string, metadata map[string]interface{}, severity int) error
	RecentByUser(ctx context.Context, userID, logType string, limit int) ([]model.Log, error)
	IncidentsByUser(ctx context.Context, userID string, limit int) ([]model.Log, error)
	AnalysisByUser(ctx context.Context, userID string) (*model.QueryAnalysis, error)
}

// Handler 提供 AI 查询代理与查询历史接口。
type Handler struct {
	generator Generator
	subs      QuotaReleaser
	logs      LogStore
	logger    *slog.Logger
}

// NewHandler 创建 AI Handler。
func NewHandler(generator Generator, subs QuotaReleaser, logs LogStore, logger *slog.Logger) *Handler {
	return &Handler{generator: generator, subs: subs, logs: logs, logger: logger}
}

type queryRequest struct {
	Query   string          `json:"query"`
	Options *gemini.Options `json:"options"`
}

type logResponse struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Severity  int             `json:"severity,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Query 把查询转发给模型并记录审计日志。
//
// 配额预占在前置中间件完成；这里只在生成失败时归还，
// 保证只有成功的调用消耗配额。
//
// POST /query
func (h *Handler) Query(c *gin.Context) {
	userID := c.GetString("userID")

	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectAndRelease(c, http.StatusBadRequest, "Query is required")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		h.rejectAndRelease(c, http.StatusBadRequest, "Query is required")
		return
	}
	if len(query) > maxQueryLength {
		h.rejectAndRelease(c, http.StatusBadRequest, "Query cannot exceed 2000 characters")
		return
	}

	opts := gemini.Options{}
	if req.Options != nil {
		opts = *req.Options
	}

	start := time.Now()
	result, err := h.generator.Generate(c.Request.Context(), query, opts)
	metrics.AIQueryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.AIQueryFailedTotal.Inc()
		h.logger.Error("ai query failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		h.appendLog(c, userID, model.LogError, "AI query failed", map[string]interface{}{
			"error": err.Error(),
		}, 2)
		h.releaseReserved(c)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error processing AI query"})
		return
	}

	metrics.AIQueryTotal.Inc()
	h.appendLog(c, userID, model.LogAIQuery, "AI query processed", map[string]interface{}{
		"queryLength":  len(query),
		"tokens":       result.TotalTokens,
		"finishReason": result.FinishReason,
	}, 1)

	resp := gin.H{
		"success":  true,
		"response": result.Text,
		"tokens":   result.TotalTokens,
	}
	if sub := reservedSubscription(c); sub != nil && sub.MonthlyQuota != model.UnlimitedQuota {
		resp["quotaRemaining"] = sub.Remaining()
	}
	c.JSON(http.StatusOK, resp)
}

// GetLogs 返回当前用户最近的 AI 查询记录。
//
// GET /logs?limit=N
func (h *Handler) GetLogs(c *gin.Context) {
	userID := c.GetString("userID")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	entries, err := h.logs.RecentByUser(c.Request.Context(), userID, model.LogAIQuery, limit)
	if err != nil {
		h.logger.Error("fetch ai logs failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error fetching logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": toLogResponses(entries, false)})
}

// GetAnalysis 返回当前用户 AI 查询的聚合统计。
//
// GET /analysis
func (h *Handler) GetAnalysis(c *gin.Context) {
	userID := c.GetString("userID")

	analysis, err := h.logs.AnalysisByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("query analysis failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error generating analysis"})
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// GetIncidents 返回当前用户的高严重度错误记录。
//
// GET /incidents
func (h *Handler) GetIncidents(c *gin.Context) {
	userID := c.GetString("userID")

	entries, err := h.logs.IncidentsByUser(c.Request.Context(), userID, 50)
	if err != nil {
		h.logger.Error("fetch incidents failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Error fetching incidents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": toLogResponses(entries, true)})
}

// rejectAndRelease 拒绝请求并归还中间件预占的配额。
// 校验失败的请求不应消耗配额。
func (h *Handler) rejectAndRelease(c *gin.Context, status int, message string) {
	h.releaseReserved(c)
	c.JSON(status, gin.H{"message": message})
}

func (h *Handler) releaseReserved(c *gin.Context) {
	sub := reservedSubscription(c)
	if sub == nil || sub.MonthlyQuota == model.UnlimitedQuota {
		return
	}
	// 客户端断开也要把预占的配额还回去，补偿操作脱离请求上下文执行。
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.subs.Release(ctx, sub.ID); err != nil {
		h.logger.Warn("release quota failed", slog.String("subscription_id", sub.ID), slog.String("error", err.Error()))
	}
}

func reservedSubscription(c *gin.Context) *model.Subscription {
	v, ok := c.Get(middleware.SubscriptionContextKey)
	if !ok {
		return nil
	}
	sub, _ := v.(*model.Subscription)
	return sub
}

func (h *Handler) appendLog(c *gin.Context, userID, logType, message string, metadata map[string]interface{}, severity int) {
	if err := h.logs.Append(c.Request.Context(), userID, logType, message, metadata, severity); err != nil {
		h.logger.Warn("append log failed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

func toLogResponses(entries []model.Log, withSeverity bool) []logResponse {
	out := make([]logResponse, 0, len(entries))
	for _, e := range entries {
		item := logResponse{
			ID:        e.ID,
			Type:      e.Type,
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
		}
		if e.Metadata != "" {
			item.Metadata = json.RawMessage(e.Metadata)
		}
		if withSeverity {
			item.Severity = e.Severity
		}
		out = append(out, item)
	}
	return out
}

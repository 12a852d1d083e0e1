package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AIQueryTotal 统计成功的 AI 查询次数。
	AIQueryTotal prometheus.Counter
	// AIQueryFailedTotal 统计上游模型调用失败次数。
	AIQueryFailedTotal prometheus.Counter
	// AIQueryDuration 记录上游模型调用耗时。
	AIQueryDuration prometheus.Histogram
	// QuotaExceededTotal 统计因配额耗尽被拒绝的请求数。
	QuotaExceededTotal prometheus.Counter
	// RateLimitRejectedTotal 统计被限流拒绝的请求数，按路由组区分。
	RateLimitRejectedTotal *prometheus.CounterVec
	// HTTPRequestDuration 记录各端点的响应耗时。
	HTTPRequestDuration *prometheus.HistogramVec

	initOnce sync.Once
)

// InitMetrics 注册全部 Prometheus 指标。重复调用是安全的。
func InitMetrics() {
	initOnce.Do(func() {
		AIQueryTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queryhub_ai_query_total",
			Help: "Total number of successful AI queries.",
		})
		AIQueryFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queryhub_ai_query_failed_total",
			Help: "Total number of failed AI queries.",
		})
		AIQueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "queryhub_ai_query_duration_seconds",
			Help:    "Latency of upstream model calls.",
			Buckets: prometheus.DefBuckets,
		})
		QuotaExceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queryhub_quota_exceeded_total",
			Help: "Requests rejected because the monthly quota was exhausted.",
		})
		RateLimitRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queryhub_ratelimit_rejected_total",
			Help: "Requests rejected by the per-route rate limiter.",
		}, []string{"route"})
		HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queryhub_http_request_duration_seconds",
			Help:    "HTTP request latency by method and path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})

		prometheus.MustRegister(
			AIQueryTotal,
			AIQueryFailedTotal,
			AIQueryDuration,
			QuotaExceededTotal,
			RateLimitRejectedTotal,
			HTTPRequestDuration,
		)
	})
}

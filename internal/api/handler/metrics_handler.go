package handler

import (
	"context"

	"match-engine-go/internal/enrich"
	"match-engine-go/pkg/ratelimit"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// MetricsHandler 暴露理由生成管线的运行指标
type MetricsHandler struct {
	metrics *enrich.Metrics
	limiter *ratelimit.SlidingWindow
}

// NewMetricsHandler 创建指标查询处理器
func NewMetricsHandler(metrics *enrich.Metrics, limiter *ratelimit.SlidingWindow) *MetricsHandler {
	return &MetricsHandler{
		metrics: metrics,
		limiter: limiter,
	}
}

// EnrichmentMetricsResponse GET /api/v1/enrichment/metrics 的响应体
type EnrichmentMetricsResponse struct {
	enrich.MetricsSnapshot
	LimiterWindowUsed  int `json:"limiter_window_used"`
	LimiterWindowLimit int `json:"limiter_window_limit"`
}

// HandleEnrichmentMetrics 返回理由生成指标快照与限流器当前水位。
// GET /api/v1/enrichment/metrics
func (h *MetricsHandler) HandleEnrichmentMetrics(ctx context.Context, c *app.RequestContext) {
	var resp EnrichmentMetricsResponse
	if h.metrics != nil {
		resp.MetricsSnapshot = h.metrics.Snapshot()
	}
	if h.limiter != nil {
		resp.LimiterWindowUsed, resp.LimiterWindowLimit = h.limiter.Usage()
	}
	c.JSON(consts.StatusOK, resp)
}

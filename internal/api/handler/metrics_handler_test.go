package handler_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"match-engine-go/internal/api/handler"
	"match-engine-go/internal/enrich"
	"match-engine-go/pkg/ratelimit"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEnrichmentMetrics(t *testing.T) {
	metrics := enrich.NewMetrics()
	metrics.RecordProviderSuccess("watsonx")
	metrics.RecordProviderSuccess("watsonx")
	metrics.RecordProviderFailure("gemini")
	metrics.RecordCacheHit()
	metrics.RecordCacheMiss()

	limiter := ratelimit.NewSlidingWindow(5, time.Minute)
	require.True(t, limiter.TryAcquire())

	h := handler.NewMetricsHandler(metrics, limiter)
	c := app.NewContext(16)
	c.Request.Header.SetMethod(consts.MethodGet)
	h.HandleEnrichmentMetrics(context.Background(), c)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	var resp handler.EnrichmentMetricsResponse
	require.NoError(t, json.Unmarshal(c.Response.Body(), &resp))
	assert.Equal(t, int64(3), resp.ProviderCalls)
	assert.Equal(t, int64(1), resp.CacheHits)
	assert.Equal(t, int64(1), resp.CacheMisses)
	assert.Equal(t, int64(2), resp.Providers["watsonx"].Success)
	assert.Equal(t, int64(0), resp.Providers["watsonx"].Failure)
	assert.Equal(t, int64(1), resp.Providers["gemini"].Failure)
	assert.Equal(t, 1, resp.LimiterWindowUsed)
	assert.Equal(t, 5, resp.LimiterWindowLimit)
}

func TestHandleEnrichmentMetrics_NilDependencies(t *testing.T) {
	// 理由生成被整体关闭时指标与限流器都可能为nil，接口仍应可用
	h := handler.NewMetricsHandler(nil, nil)
	c := app.NewContext(16)
	h.HandleEnrichmentMetrics(context.Background(), c)
	assert.Equal(t, consts.StatusOK, c.Response.StatusCode())
}

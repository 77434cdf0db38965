package router

import (
	"context"

	"match-engine-go/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// RegisterRoutes 挂载排序、历史查询、画像维护与指标端点。
func RegisterRoutes(
	h *server.Hertz,
	rankHandler *handler.RankHandler,
	historyHandler *handler.MatchHistoryHandler,
	metricsHandler *handler.MetricsHandler,
	profileHandler *handler.ProfileHandler,
) {
	api := h.Group("/api/v1")

	api.POST("/jobs/rank", rankHandler.HandleRankJobs)
	api.GET("/resumes/:resume_id/matches", historyHandler.HandleListMatches)
	api.PUT("/resumes/:resume_id/profile", profileHandler.HandlePutProfile)
	api.GET("/enrichment/metrics", metricsHandler.HandleEnrichmentMetrics)

	api.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok", "service": "match-engine"})
	})
}

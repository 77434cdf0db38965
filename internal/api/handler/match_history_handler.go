package handler

import (
	"context"
	"log"
	"os"
	"strconv"

	"match-engine-go/internal/storage"
	"match-engine-go/internal/storage/models"
	"match-engine-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// MatchHistoryStore 历史匹配明细查询，由 storage.MySQL 实现
type MatchHistoryStore interface {
	ListMatchRecords(ctx context.Context, resumeID string, offset, limit int) ([]models.MatchRecord, int64, error)
}

// MatchHistoryHandler 处理历史匹配明细的分页查询
type MatchHistoryHandler struct {
	store  MatchHistoryStore
	logger *log.Logger
}

// NewMatchHistoryHandler 创建历史匹配查询处理器
func NewMatchHistoryHandler(store MatchHistoryStore) *MatchHistoryHandler {
	return &MatchHistoryHandler{
		store:  store,
		logger: log.New(os.Stdout, "[MatchHistory] ", log.LstdFlags),
	}
}

// MatchHistoryResponse GET /api/v1/resumes/:resume_id/matches 的响应体
type MatchHistoryResponse struct {
	ResumeID   string                `json:"resume_id"`
	Matches    []types.EnrichedMatch `json:"matches"`
	TotalCount int64                 `json:"total_count"`
	Offset     int                   `json:"offset"`
	Limit      int                   `json:"limit"`
}

// HandleListMatches 分页返回某简历的历史匹配明细，按混合分降序。
// GET /api/v1/resumes/:resume_id/matches
func (h *MatchHistoryHandler) HandleListMatches(ctx context.Context, c *app.RequestContext) {
	resumeID := c.Param("resume_id")
	if resumeID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "resume_id 不能为空"})
		return
	}

	offset := 0
	limit := 20 // 默认值
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	records, total, err := h.store.ListMatchRecords(ctx, resumeID, offset, limit)
	if err != nil {
		h.logger.Printf("查询历史匹配明细失败 for ResumeID %s: %v", resumeID, err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "查询历史匹配失败"})
		return
	}

	matches := make([]types.EnrichedMatch, 0, len(records))
	for i := range records {
		match, convErr := storage.RecordToEnrichedMatch(&records[i])
		if convErr != nil {
			// 单条明细损坏不拖垮整页结果
			h.logger.Printf("还原匹配明细失败: ResumeID=%s, JobID=%s: %v", resumeID, records[i].JobID, convErr)
			continue
		}
		matches = append(matches, match)
	}

	c.JSON(consts.StatusOK, MatchHistoryResponse{
		ResumeID:   resumeID,
		Matches:    matches,
		TotalCount: total,
		Offset:     offset,
		Limit:      limit,
	})
}

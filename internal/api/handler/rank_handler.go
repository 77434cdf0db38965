package handler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"match-engine-go/internal/config"
	"match-engine-go/internal/constants"
	"match-engine-go/internal/storage"
	"match-engine-go/internal/storage/models"
	"match-engine-go/internal/tracing"
	"match-engine-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel/trace"
)

// RankRequest POST /api/v1/jobs/rank 的请求体
type RankRequest struct {
	ResumeID string            `json:"resume_id"`
	Options  types.RankOptions `json:"options"`
}

// RankService 排序服务，由 ranker.Ranker 实现
type RankService interface {
	RankJobs(ctx context.Context, resumeID string, opts types.RankOptions) (*types.RankResponse, error)
}

// ResultCache 排序结果缓存与分布式锁，由 storage.Redis 实现
type ResultCache interface {
	GetCachedRankResults(ctx context.Context, resumeID, optionsHash string, cursor, limit int64) ([]string, int64, error)
	CacheRankResults(ctx context.Context, resumeID, optionsHash string, jobIDs []string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error)
}

// MatchStore 匹配明细持久化，由 storage.MySQL 实现
type MatchStore interface {
	UpsertMatchRecords(ctx context.Context, records []models.MatchRecord, outboxMsg *models.OutboxMessage) error
	GetMatchRecordsByJobIDs(ctx context.Context, resumeID string, jobIDs []string) ([]models.MatchRecord, error)
}

// RankHandler 负责处理岗位匹配排序请求。
type RankHandler struct {
	cfg    *config.Config
	ranker RankService
	cache  ResultCache
	store  MatchStore
	logger *log.Logger
}

// NewRankHandler 创建一个新的 RankHandler 实例。
func NewRankHandler(cfg *config.Config, ranker RankService, cache ResultCache, store MatchStore) *RankHandler {
	return &RankHandler{
		cfg:    cfg,
		ranker: ranker,
		cache:  cache,
		store:  store,
		logger: log.New(os.Stdout, "[RankHandler] ", log.LstdFlags|log.Lshortfile),
	}
}

// HandleRankJobs 处理岗位匹配排序请求。
// POST /api/v1/jobs/rank
func (h *RankHandler) HandleRankJobs(ctx context.Context, c *app.RequestContext) {
	span := trace.SpanFromContext(ctx)

	// 1. 解析并校验请求
	var req RankRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "请求体不是合法的JSON"})
		return
	}
	if req.ResumeID == "" {
		err := fmt.Errorf("resume_id 不能为空")
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	opts := req.Options.Normalize()
	optionsHash := rankOptionsHash(opts)
	requestID := uuid.Must(uuid.NewV7()).String()

	h.logger.Printf("开始处理排序请求: ResumeID=%s, OptionsHash=%s, RequestID=%s", req.ResumeID, optionsHash, requestID)

	// 2. 检查"黄金结果集"缓存
	cacheable := !h.cfg.Ranker.DisableCache
	if cacheable {
		if resp, ok := h.readCachedResponse(ctx, req.ResumeID, optionsHash, opts.Limit); ok {
			h.logger.Printf("缓存命中: ResumeID=%s, OptionsHash=%s, 返回 %d 条匹配", req.ResumeID, optionsHash, len(resp.Matches))
			c.JSON(consts.StatusOK, resp)
			return
		}
	}

	// 3. 缓存未命中，通过分布式锁避免并发重复计算相同的排序
	if cacheable {
		lockKey := fmt.Sprintf(constants.KeyRankLock, req.ResumeID, optionsHash)
		lockValue, err := h.cache.AcquireLock(ctx, lockKey, constants.RankLockDuration)
		switch {
		case err != nil:
			h.logger.Printf("获取分布式锁失败 for ResumeID %s: %v，继续执行可能导致重复计算", req.ResumeID, err)
		case lockValue == "":
			// 已有请求在计算相同的排序，轮询等待其结果落入缓存
			h.logger.Printf("相同排序正在计算中: ResumeID=%s, OptionsHash=%s，等待锁持有者写入缓存", req.ResumeID, optionsHash)
			if resp, ok := h.waitForCachedResponse(ctx, req.ResumeID, optionsHash, opts.Limit); ok {
				c.JSON(consts.StatusOK, resp)
				return
			}
			h.logger.Printf("等待锁持有者超时: ResumeID=%s，本次直接计算且不写缓存", req.ResumeID)
			cacheable = false
		default:
			defer func() {
				released, rerr := h.cache.ReleaseLock(ctx, lockKey, lockValue)
				if rerr != nil || !released {
					h.logger.Printf("释放排序锁失败 for ResumeID %s: %v, released: %v", req.ResumeID, rerr, released)
				}
			}()
		}
	}

	// 4. 执行完整排序管线
	response, err := h.ranker.RankJobs(ctx, req.ResumeID, opts)
	if err != nil {
		if errors.Is(err, storage.ErrProfileNotFound) {
			c.JSON(consts.StatusNotFound, map[string]string{"error": fmt.Sprintf("未找到简历 %s 的候选人画像", req.ResumeID)})
			return
		}
		h.logger.Printf("排序计算失败 for ResumeID %s: %v", req.ResumeID, err)
		tracing.RecordHTTPError(span, err, consts.StatusInternalServerError)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "岗位匹配排序失败"})
		return
	}

	// 5. 落库并回填缓存，空结果不落库也不缓存
	if len(response.Matches) > 0 {
		if err := h.persistMatches(ctx, req.ResumeID, requestID, response); err != nil {
			// 落库失败不阻塞响应返回，同时跳过缓存避免缓存指向不存在的明细行
			h.logger.Printf("匹配明细落库失败 for ResumeID %s: %v", req.ResumeID, err)
		} else if cacheable {
			h.cacheResponse(ctx, req.ResumeID, optionsHash, response)
		}
	}

	h.logger.Printf("排序请求处理完成: ResumeID=%s, 匹配 %d 条, 评估 %d 个岗位, 方式 %s",
		req.ResumeID, len(response.Matches), response.Metadata.TotalEvaluated, response.Metadata.ScoringMethod)
	c.JSON(consts.StatusOK, response)
}

// readCachedResponse 尝试用缓存的岗位ID列表还原完整响应。
// 任何一步失败都按缓存未命中处理，由调用方重新计算。
func (h *RankHandler) readCachedResponse(ctx context.Context, resumeID, optionsHash string, limit int) (*types.RankResponse, bool) {
	jobIDs, _, err := h.cache.GetCachedRankResults(ctx, resumeID, optionsHash, 0, int64(limit))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Printf("读取排序结果缓存失败 for ResumeID %s: %v", resumeID, err)
		}
		return nil, false
	}
	if len(jobIDs) == 0 {
		return nil, false
	}

	metaKey := fmt.Sprintf(constants.KeyRankMeta, resumeID, optionsHash)
	metaJSON, err := h.cache.Get(ctx, metaKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Printf("读取排序元信息缓存失败 for ResumeID %s: %v", resumeID, err)
		}
		return nil, false
	}
	var metadata types.RankMetadata
	if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
		h.logger.Printf("解析排序元信息缓存失败 for ResumeID %s: %v", resumeID, err)
		return nil, false
	}

	records, err := h.store.GetMatchRecordsByJobIDs(ctx, resumeID, jobIDs)
	if err != nil {
		h.logger.Printf("按缓存回查匹配明细失败 for ResumeID %s: %v", resumeID, err)
		return nil, false
	}
	recordByJob := make(map[string]*models.MatchRecord, len(records))
	for i := range records {
		recordByJob[records[i].JobID] = &records[i]
	}

	// 按ZSET中的排名还原顺序，任何一条明细缺失都视为缓存不完整
	matches := make([]types.EnrichedMatch, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		record, ok := recordByJob[jobID]
		if !ok {
			h.logger.Printf("缓存与明细不一致: ResumeID=%s 缺少岗位 %s 的明细，按缓存未命中处理", resumeID, jobID)
			return nil, false
		}
		match, convErr := storage.RecordToEnrichedMatch(record)
		if convErr != nil {
			h.logger.Printf("还原匹配明细失败: ResumeID=%s, JobID=%s: %v", resumeID, jobID, convErr)
			return nil, false
		}
		matches = append(matches, match)
	}

	return &types.RankResponse{Matches: matches, Metadata: metadata}, true
}

// waitForCachedResponse 未抢到锁时轮询等待持有者把结果写入缓存
func (h *RankHandler) waitForCachedResponse(ctx context.Context, resumeID, optionsHash string, limit int) (*types.RankResponse, bool) {
	interval := time.Duration(h.cfg.Ranker.LockWaitMS) * time.Millisecond
	for attempt := 1; attempt <= h.cfg.Ranker.LockWaitAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(interval):
		}
		if resp, ok := h.readCachedResponse(ctx, resumeID, optionsHash, limit); ok {
			h.logger.Printf("等待 %d 轮后命中锁持有者写入的缓存: ResumeID=%s", attempt, resumeID)
			return resp, true
		}
	}
	return nil, false
}

// persistMatches 将排序产出写入匹配明细表，并在同一事务中写入匹配完成事件。
func (h *RankHandler) persistMatches(ctx context.Context, resumeID, requestID string, response *types.RankResponse) error {
	records := make([]models.MatchRecord, 0, len(response.Matches))
	jobIDs := make([]string, 0, len(response.Matches))
	rationaleCount := 0
	for i := range response.Matches {
		match := &response.Matches[i]
		record, err := storage.MatchToRecord(resumeID, response.Metadata.ScoringMethod, match)
		if err != nil {
			return err
		}
		records = append(records, record)
		jobIDs = append(jobIDs, match.Job.JobID)
		if match.Rationale != nil {
			rationaleCount++
		}
	}

	payload, err := json.Marshal(storage.MatchCompletedMessage{
		ResumeID:       resumeID,
		ScoringMethod:  string(response.Metadata.ScoringMethod),
		TopJobIDs:      jobIDs,
		MatchCount:     len(jobIDs),
		TotalEvaluated: response.Metadata.TotalEvaluated,
		RationaleCount: rationaleCount,
		RankedAt:       time.Now(),
		RequestID:      requestID,
	})
	if err != nil {
		return fmt.Errorf("序列化匹配完成事件失败: %w", err)
	}

	outboxMsg := &models.OutboxMessage{
		AggregateID:      resumeID,
		EventType:        storage.EventTypeMatchCompleted,
		Payload:          string(payload),
		TargetExchange:   h.cfg.RabbitMQ.MatchEventsExchange,
		TargetRoutingKey: h.cfg.RabbitMQ.MatchCompletedRoutingKey,
	}
	return h.store.UpsertMatchRecords(ctx, records, outboxMsg)
}

// cacheResponse 将岗位ID列表与响应元信息写入缓存，失败只记录日志
func (h *RankHandler) cacheResponse(ctx context.Context, resumeID, optionsHash string, response *types.RankResponse) {
	jobIDs := make([]string, 0, len(response.Matches))
	for i := range response.Matches {
		jobIDs = append(jobIDs, response.Matches[i].Job.JobID)
	}

	ttl := config.GetDuration(h.cfg.Ranker.ResultCacheTTL, constants.RankResultCacheDuration)
	if err := h.cache.CacheRankResults(ctx, resumeID, optionsHash, jobIDs, ttl); err != nil {
		h.logger.Printf("缓存排序结果失败 for ResumeID %s: %v", resumeID, err)
		return
	}

	metaJSON, err := json.Marshal(response.Metadata)
	if err != nil {
		h.logger.Printf("序列化排序元信息失败 for ResumeID %s: %v", resumeID, err)
		return
	}
	metaKey := fmt.Sprintf(constants.KeyRankMeta, resumeID, optionsHash)
	if err := h.cache.Set(ctx, metaKey, string(metaJSON), ttl); err != nil {
		h.logger.Printf("缓存排序元信息失败 for ResumeID %s: %v", resumeID, err)
	}
}

// rankOptionsHash 对规整后的选项做摘要，作为缓存键与锁键的一部分。
// 序列化按固定的结构体字段顺序输出，相同选项必然得到相同摘要。
func rankOptionsHash(opts types.RankOptions) string {
	data, err := json.Marshal(opts)
	if err != nil {
		// RankOptions 只含基础类型字段，序列化不会失败
		return "invalid"
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

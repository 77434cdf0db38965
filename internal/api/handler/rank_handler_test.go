package handler_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"match-engine-go/internal/api/handler"
	"match-engine-go/internal/config"
	"match-engine-go/internal/constants"
	"match-engine-go/internal/similarity"
	"match-engine-go/internal/storage"
	"match-engine-go/internal/storage/models"
	"match-engine-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRankService 返回预设的排序结果
type stubRankService struct {
	response *types.RankResponse
	err      error
	calls    int
	gotID    string
	gotOpts  types.RankOptions
}

func (s *stubRankService) RankJobs(ctx context.Context, resumeID string, opts types.RankOptions) (*types.RankResponse, error) {
	s.calls++
	s.gotID = resumeID
	s.gotOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}

// stubResultCache 用内存map模拟Redis侧的结果ZSET、元信息与分布式锁
type stubResultCache struct {
	zsets      map[string][]string
	metas      map[string]string
	locks      map[string]string
	lockBusy   bool // 模拟锁被其他请求持有
	lockErr    error
	hitAfter   int // 前N-1次列表读取返回空，模拟持有者稍后才写入缓存
	readCalls  int
	cacheCalls int
	acquires   int
	releases   int
}

func newStubResultCache() *stubResultCache {
	return &stubResultCache{
		zsets: make(map[string][]string),
		metas: make(map[string]string),
		locks: make(map[string]string),
	}
}

func resultKey(resumeID, optionsHash string) string {
	return fmt.Sprintf(constants.KeyRankResult, resumeID, optionsHash)
}

func (s *stubResultCache) GetCachedRankResults(ctx context.Context, resumeID, optionsHash string, cursor, limit int64) ([]string, int64, error) {
	s.readCalls++
	if s.readCalls < s.hitAfter {
		return nil, 0, nil
	}
	ids := s.zsets[resultKey(resumeID, optionsHash)]
	total := int64(len(ids))
	if total > limit {
		ids = ids[:limit]
	}
	return ids, total, nil
}

func (s *stubResultCache) CacheRankResults(ctx context.Context, resumeID, optionsHash string, jobIDs []string, ttl time.Duration) error {
	s.cacheCalls++
	s.zsets[resultKey(resumeID, optionsHash)] = append([]string(nil), jobIDs...)
	return nil
}

func (s *stubResultCache) Get(ctx context.Context, key string) (string, error) {
	value, ok := s.metas[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return value, nil
}

func (s *stubResultCache) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	s.metas[key] = value
	return nil
}

func (s *stubResultCache) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	s.acquires++
	if s.lockErr != nil {
		return "", s.lockErr
	}
	if s.lockBusy {
		return "", nil
	}
	if _, held := s.locks[lockKey]; held {
		return "", nil
	}
	token := fmt.Sprintf("lock-token-%d", s.acquires)
	s.locks[lockKey] = token
	return token, nil
}

func (s *stubResultCache) ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error) {
	s.releases++
	if s.locks[lockKey] != lockValue {
		return false, nil
	}
	delete(s.locks, lockKey)
	return true, nil
}

// stubMatchStore 记住每次落库的明细与事件，回查时补上岗位快照
type stubMatchStore struct {
	jobs        map[string]*models.Job
	upserted    []models.MatchRecord
	outbox      *models.OutboxMessage
	upsertErr   error
	getErr      error
	upsertCalls int
}

func newStubMatchStore() *stubMatchStore {
	return &stubMatchStore{jobs: make(map[string]*models.Job)}
}

func (s *stubMatchStore) UpsertMatchRecords(ctx context.Context, records []models.MatchRecord, outboxMsg *models.OutboxMessage) error {
	s.upsertCalls++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserted = records
	s.outbox = outboxMsg
	return nil
}

// GetMatchRecordsByJobIDs 与真实实现一样不保证返回顺序，这里固定按
// 落库时的倒序返回，迫使调用方按缓存里的排名重排。
func (s *stubMatchStore) GetMatchRecordsByJobIDs(ctx context.Context, resumeID string, jobIDs []string) ([]models.MatchRecord, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	wanted := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		wanted[id] = true
	}
	var out []models.MatchRecord
	for i := len(s.upserted) - 1; i >= 0; i-- {
		rec := s.upserted[i]
		if rec.ResumeID != resumeID || !wanted[rec.JobID] {
			continue
		}
		job, ok := s.jobs[rec.JobID]
		if !ok {
			// 岗位快照缺失，该明细无法还原
			continue
		}
		rec.Job = job
		out = append(out, rec)
	}
	return out, nil
}

func rankTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Ranker.ResultCacheTTL = "10m"
	cfg.Ranker.LockWaitMS = 1
	cfg.Ranker.LockWaitAttempts = 3
	cfg.RabbitMQ.MatchEventsExchange = "match.events"
	cfg.RabbitMQ.MatchCompletedRoutingKey = "match.completed"
	return cfg
}

func enriched(jobID string, blended, semantic float64) types.EnrichedMatch {
	sem := semantic
	return types.EnrichedMatch{
		MatchResult: types.MatchResult{
			Job: types.JobPosting{JobID: jobID, Title: "Go开发工程师", Skills: []string{"go"}},
			Composite: types.ScoreBreakdown{
				SkillsScore:     100,
				ExperienceScore: 50,
				RecencyScore:    50,
				SalaryScore:     50,
				Total:           80,
				MatchedSkills:   []string{"go"},
				MissingSkills:   []string{},
			},
			SemanticScore:   &sem,
			SimilarityLabel: similarity.LabelVerySimilar,
			Confidence:      similarity.ConfidenceHigh,
			BlendedScore:    blended,
		},
	}
}

func hybridResponse(matches ...types.EnrichedMatch) *types.RankResponse {
	return &types.RankResponse{
		Matches: matches,
		Metadata: types.RankMetadata{
			ScoringMethod:    types.ScoringHybrid,
			TotalEvaluated:   len(matches),
			ProcessingTimeMs: 7,
		},
	}
}

// optionsHashOf 按处理器的缓存键规则计算选项摘要
func optionsHashOf(t *testing.T, opts types.RankOptions) string {
	t.Helper()
	data, err := json.Marshal(opts.Normalize())
	require.NoError(t, err)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func performRank(h *handler.RankHandler, body string) *app.RequestContext {
	c := app.NewContext(16)
	c.Request.Header.SetMethod(consts.MethodPost)
	c.Request.SetRequestURI("/api/v1/jobs/rank")
	c.Request.Header.SetContentTypeBytes([]byte("application/json"))
	c.Request.SetBody([]byte(body))
	h.HandleRankJobs(context.Background(), c)
	return c
}

func decodeRankResponse(t *testing.T, c *app.RequestContext) types.RankResponse {
	t.Helper()
	var resp types.RankResponse
	require.NoError(t, json.Unmarshal(c.Response.Body(), &resp), "解析响应失败")
	return resp
}

func TestHandleRankJobs_InvalidRequest(t *testing.T) {
	h := handler.NewRankHandler(rankTestConfig(), &stubRankService{}, newStubResultCache(), newStubMatchStore())

	// 非法JSON
	c := performRank(h, "{not-json")
	assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())

	// 缺少resume_id
	c = performRank(h, `{"options":{"limit":5}}`)
	assert.Equal(t, consts.StatusBadRequest, c.Response.StatusCode())

	var errResp map[string]string
	require.NoError(t, json.Unmarshal(c.Response.Body(), &errResp))
	assert.Contains(t, errResp["error"], "resume_id")
}

func TestHandleRankJobs_ComputePersistAndCache(t *testing.T) {
	svc := &stubRankService{response: hybridResponse(enriched("job-b", 91, 0.9), enriched("job-a", 88, 0.85))}
	cache := newStubResultCache()
	store := newStubMatchStore()
	h := handler.NewRankHandler(rankTestConfig(), svc, cache, store)

	// 1. 发起请求并验证响应
	c := performRank(h, `{"resume_id":"resume-001","options":{"limit":10}}`)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	resp := decodeRankResponse(t, c)
	require.Len(t, resp.Matches, 2)
	assert.Equal(t, "job-b", resp.Matches[0].Job.JobID)
	assert.Equal(t, types.ScoringHybrid, resp.Metadata.ScoringMethod)

	// 2. 排序服务收到规整后的选项
	assert.Equal(t, 1, svc.calls)
	assert.Equal(t, "resume-001", svc.gotID)
	assert.Equal(t, 10, svc.gotOpts.Limit)
	require.NotNil(t, svc.gotOpts.IncludeRemote)
	assert.True(t, *svc.gotOpts.IncludeRemote)

	// 3. 明细与事件在同一次落库调用中写入
	require.Len(t, store.upserted, 2)
	assert.Equal(t, "resume-001", store.upserted[0].ResumeID)
	assert.Equal(t, "job-b", store.upserted[0].JobID)
	assert.Equal(t, 91.0, store.upserted[0].BlendedScore)

	require.NotNil(t, store.outbox)
	assert.Equal(t, "resume-001", store.outbox.AggregateID)
	assert.Equal(t, storage.EventTypeMatchCompleted, store.outbox.EventType)
	assert.Equal(t, "match.events", store.outbox.TargetExchange)
	assert.Equal(t, "match.completed", store.outbox.TargetRoutingKey)

	var event storage.MatchCompletedMessage
	require.NoError(t, json.Unmarshal([]byte(store.outbox.Payload), &event))
	assert.Equal(t, []string{"job-b", "job-a"}, event.TopJobIDs)
	assert.Equal(t, 2, event.MatchCount)
	assert.Equal(t, 2, event.TotalEvaluated)
	assert.NotEmpty(t, event.RequestID)

	// 4. 岗位ID列表与元信息都已回填缓存
	assert.Equal(t, 1, cache.cacheCalls)
	hash := optionsHashOf(t, types.RankOptions{Limit: 10})
	assert.Equal(t, []string{"job-b", "job-a"}, cache.zsets[resultKey("resume-001", hash)])
	assert.NotEmpty(t, cache.metas[fmt.Sprintf(constants.KeyRankMeta, "resume-001", hash)])

	// 5. 锁已获取并释放
	assert.Equal(t, 1, cache.acquires)
	assert.Equal(t, 1, cache.releases)
	assert.Empty(t, cache.locks)
}

func TestHandleRankJobs_SecondRequestServedFromCache(t *testing.T) {
	svc := &stubRankService{response: hybridResponse(enriched("job-b", 91, 0.9), enriched("job-a", 88, 0.85))}
	cache := newStubResultCache()
	store := newStubMatchStore()
	store.jobs["job-a"] = &models.Job{JobID: "job-a", Title: "Go开发工程师"}
	store.jobs["job-b"] = &models.Job{JobID: "job-b", Title: "Go开发工程师"}
	h := handler.NewRankHandler(rankTestConfig(), svc, cache, store)

	// 第一次请求走完整计算并回填缓存
	c := performRank(h, `{"resume_id":"resume-001"}`)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	require.Equal(t, 1, svc.calls)

	// 第二次请求写法不同但规整后等价，应命中同一个缓存键
	c2 := performRank(h, `{"resume_id":"resume-001","options":{"limit":20}}`)
	require.Equal(t, consts.StatusOK, c2.Response.StatusCode())
	assert.Equal(t, 1, svc.calls, "缓存命中后不应重新计算")

	resp := decodeRankResponse(t, c2)
	require.Len(t, resp.Matches, 2)
	// 条目顺序由缓存里的排名决定，与明细表的返回顺序无关
	assert.Equal(t, "job-b", resp.Matches[0].Job.JobID)
	assert.Equal(t, "job-a", resp.Matches[1].Job.JobID)
	assert.Equal(t, types.ScoringHybrid, resp.Metadata.ScoringMethod)
	assert.Equal(t, 2, resp.Metadata.TotalEvaluated)
}

func TestHandleRankJobs_IncompleteCacheRecomputes(t *testing.T) {
	svc := &stubRankService{response: hybridResponse(enriched("job-b", 91, 0.9), enriched("job-a", 88, 0.85))}
	cache := newStubResultCache()
	store := newStubMatchStore()
	// job-a 的岗位快照缺失，回查时该明细无法还原
	store.jobs["job-b"] = &models.Job{JobID: "job-b", Title: "Go开发工程师"}
	h := handler.NewRankHandler(rankTestConfig(), svc, cache, store)

	c := performRank(h, `{"resume_id":"resume-001"}`)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	require.Equal(t, 1, svc.calls)

	// 缓存里有两个岗位ID但只能还原一条明细，按未命中处理并重新计算
	c2 := performRank(h, `{"resume_id":"resume-001"}`)
	require.Equal(t, consts.StatusOK, c2.Response.StatusCode())
	assert.Equal(t, 2, svc.calls)

	resp := decodeRankResponse(t, c2)
	assert.Len(t, resp.Matches, 2)
}

func TestHandleRankJobs_ProfileNotFound(t *testing.T) {
	svc := &stubRankService{err: fmt.Errorf("加载候选人画像失败: %w", storage.ErrProfileNotFound)}
	h := handler.NewRankHandler(rankTestConfig(), svc, newStubResultCache(), newStubMatchStore())

	c := performRank(h, `{"resume_id":"resume-miss"}`)
	assert.Equal(t, consts.StatusNotFound, c.Response.StatusCode())
}

func TestHandleRankJobs_RankerFailure(t *testing.T) {
	svc := &stubRankService{err: errors.New("岗位目录查询超时")}
	cache := newStubResultCache()
	store := newStubMatchStore()
	h := handler.NewRankHandler(rankTestConfig(), svc, cache, store)

	c := performRank(h, `{"resume_id":"resume-001"}`)
	assert.Equal(t, consts.StatusInternalServerError, c.Response.StatusCode())
	assert.Equal(t, 0, store.upsertCalls)
	assert.Equal(t, 0, cache.cacheCalls)
}

func TestHandleRankJobs_EmptyMatchesNotPersisted(t *testing.T) {
	svc := &stubRankService{response: &types.RankResponse{
		Matches: []types.EnrichedMatch{},
		Metadata: types.RankMetadata{
			ScoringMethod: types.ScoringHybrid,
			Message:       "没有符合过滤条件的岗位",
		},
	}}
	cache := newStubResultCache()
	store := newStubMatchStore()
	h := handler.NewRankHandler(rankTestConfig(), svc, cache, store)

	c := performRank(h, `{"resume_id":"resume-001"}`)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())

	resp := decodeRankResponse(t, c)
	assert.Empty(t, resp.Matches)
	assert.NotEmpty(t, resp.Metadata.Message)
	assert.Equal(t, 0, store.upsertCalls, "空结果不落库")
	assert.Equal(t, 0, cache.cacheCalls, "空结果不缓存")
}

func TestHandleRankJobs_PersistFailureSkipsCache(t *testing.T) {
	svc := &stubRankService{response: hybridResponse(enriched("job-a", 88, 0.85))}
	cache := newStubResultCache()
	store := newStubMatchStore()
	store.upsertErr = errors.New("数据库连接断开")
	h := handler.NewRankHandler(rankTestConfig(), svc, cache, store)

	c := performRank(h, `{"resume_id":"resume-001"}`)
	assert.Equal(t, consts.StatusOK, c.Response.StatusCode(), "落库失败不阻塞响应")
	assert.Equal(t, 0, cache.cacheCalls, "落库失败后跳过缓存，避免缓存指向缺失的明细")

	resp := decodeRankResponse(t, c)
	assert.Len(t, resp.Matches, 1)
}

func TestHandleRankJobs_LockBusyWaitsForHolder(t *testing.T) {
	svc := &stubRankService{response: hybridResponse(enriched("job-a", 88, 0.85))}
	cache := newStubResultCache()
	cache.lockBusy = true
	cache.hitAfter = 2 // 首次读取未命中，等待一轮后读到持有者写入的结果
	store := newStubMatchStore()
	store.jobs["job-a"] = &models.Job{JobID: "job-a", Title: "Go开发工程师"}

	// 预先放入"锁持有者"写好的缓存与明细
	hash := optionsHashOf(t, types.RankOptions{})
	cache.zsets[resultKey("resume-001", hash)] = []string{"job-a"}
	meta, err := json.Marshal(types.RankMetadata{ScoringMethod: types.ScoringHybrid, TotalEvaluated: 1})
	require.NoError(t, err)
	cache.metas[fmt.Sprintf(constants.KeyRankMeta, "resume-001", hash)] = string(meta)

	match := enriched("job-a", 88, 0.85)
	rec, err := storage.MatchToRecord("resume-001", types.ScoringHybrid, &match)
	require.NoError(t, err)
	store.upserted = []models.MatchRecord{rec}

	h := handler.NewRankHandler(rankTestConfig(), svc, cache, store)
	c := performRank(h, `{"resume_id":"resume-001"}`)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, 0, svc.calls, "等到缓存后不再自行计算")

	resp := decodeRankResponse(t, c)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "job-a", resp.Matches[0].Job.JobID)
	assert.Equal(t, 1, resp.Metadata.TotalEvaluated)
}

func TestHandleRankJobs_LockWaitTimeoutComputesUncached(t *testing.T) {
	svc := &stubRankService{response: hybridResponse(enriched("job-a", 88, 0.85))}
	cache := newStubResultCache()
	cache.lockBusy = true // 缓存始终为空，等待必然超时
	store := newStubMatchStore()
	h := handler.NewRankHandler(rankTestConfig(), svc, cache, store)

	c := performRank(h, `{"resume_id":"resume-001"}`)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, 1, svc.calls)
	assert.Equal(t, 1, store.upsertCalls, "等待超时后照常落库")
	assert.Equal(t, 0, cache.cacheCalls, "未持锁算出的结果不写缓存")
	assert.Equal(t, 0, cache.releases, "没有拿到锁就没有释放动作")
}

func TestHandleRankJobs_LockErrorStillComputesAndCaches(t *testing.T) {
	svc := &stubRankService{response: hybridResponse(enriched("job-a", 88, 0.85))}
	cache := newStubResultCache()
	cache.lockErr = errors.New("redis连接中断")
	store := newStubMatchStore()
	h := handler.NewRankHandler(rankTestConfig(), svc, cache, store)

	// 锁服务不可用时退化为无锁计算，缓存回填照常进行
	c := performRank(h, `{"resume_id":"resume-001"}`)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, 1, svc.calls)
	assert.Equal(t, 1, cache.cacheCalls)
	assert.Equal(t, 0, cache.releases)
}

func TestHandleRankJobs_DisableCache(t *testing.T) {
	cfg := rankTestConfig()
	cfg.Ranker.DisableCache = true
	svc := &stubRankService{response: hybridResponse(enriched("job-a", 88, 0.85))}
	cache := newStubResultCache()
	store := newStubMatchStore()
	h := handler.NewRankHandler(cfg, svc, cache, store)

	c := performRank(h, `{"resume_id":"resume-001"}`)
	require.Equal(t, consts.StatusOK, c.Response.StatusCode())
	assert.Equal(t, 1, svc.calls)
	assert.Equal(t, 0, cache.readCalls)
	assert.Equal(t, 0, cache.acquires)
	assert.Equal(t, 0, cache.cacheCalls)
	assert.Equal(t, 1, store.upsertCalls, "禁用缓存不影响落库")
}

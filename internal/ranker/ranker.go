package ranker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"match-engine-go/internal/enrich"
	"match-engine-go/internal/logger"
	"match-engine-go/internal/scoring"
	"match-engine-go/internal/similarity"
	"match-engine-go/internal/skills"
	"match-engine-go/internal/storage"
	"match-engine-go/internal/types"

	"github.com/rs/zerolog"
)

// 混合分权重：语义相似度换算到百分制后占大头，规则分兜底。
const (
	BlendSemanticWeight  = 0.70
	BlendCompositeWeight = 0.30
)

// DefaultCandidateLimit 单次参与打分的岗位数量上限默认值
const DefaultCandidateLimit = 300

// ProfileStore 候选人画像读取接口，由 storage.MinIO 实现。
type ProfileStore interface {
	GetParsedProfile(ctx context.Context, resumeID string) (*types.CandidateProfile, error)
}

// JobCatalog 岗位目录查询接口，由 storage.MySQL 实现。
type JobCatalog interface {
	FindCandidateJobs(ctx context.Context, filter storage.CatalogFilter) ([]types.JobPosting, error)
}

// VectorSource 向量获取接口，由 processor.Vectorizer 实现。
type VectorSource interface {
	ProfileVector(ctx context.Context, profile *types.CandidateProfile) ([]float64, error)
	JobVectors(ctx context.Context, jobIDs []string) (map[string][]float64, error)
}

// Ranker 把画像加载、规则打分、语义打分、混合排序与理由生成串成一次完整的岗位匹配。
type Ranker struct {
	profiles       ProfileStore
	catalog        JobCatalog
	vectors        VectorSource
	enricher       *enrich.RationaleGenerator
	normalizer     *skills.Normalizer
	scorer         *scoring.Scorer
	candidateLimit int
	log            zerolog.Logger
}

// Option 定义了 Ranker 的配置选项函数类型。
type Option func(*Ranker)

// WithCandidateLimit 设置单次参与打分的岗位数量上限。
func WithCandidateLimit(limit int) Option {
	return func(r *Ranker) {
		if limit > 0 {
			r.candidateLimit = limit
		}
	}
}

// WithNormalizer 替换默认的技能规范化器。
func WithNormalizer(n *skills.Normalizer) Option {
	return func(r *Ranker) {
		if n != nil {
			r.normalizer = n
		}
	}
}

// WithScorer 替换默认的规则打分器。
func WithScorer(s *scoring.Scorer) Option {
	return func(r *Ranker) {
		if s != nil {
			r.scorer = s
		}
	}
}

// NewRanker 创建排序引擎。
func NewRanker(profiles ProfileStore, catalog JobCatalog, vectors VectorSource, enricher *enrich.RationaleGenerator, options ...Option) (*Ranker, error) {
	if profiles == nil {
		return nil, fmt.Errorf("ProfileStore 不能为空")
	}
	if catalog == nil {
		return nil, fmt.Errorf("JobCatalog 不能为空")
	}
	if vectors == nil {
		return nil, fmt.Errorf("VectorSource 不能为空")
	}
	if enricher == nil {
		return nil, fmt.Errorf("RationaleGenerator 不能为空")
	}

	r := &Ranker{
		profiles:       profiles,
		catalog:        catalog,
		vectors:        vectors,
		enricher:       enricher,
		normalizer:     skills.NewNormalizer(),
		scorer:         scoring.NewScorer(),
		candidateLimit: DefaultCandidateLimit,
		log:            logger.Component("Ranker"),
	}

	for _, option := range options {
		option(r)
	}

	return r, nil
}

// scoredMatch 携带打分结果与技能重合度百分比，后者用于语义分的重合度加成。
type scoredMatch struct {
	match      types.MatchResult
	overlapPct float64
}

// RankJobs 为一位候选人对候选岗位做完整的匹配排序。
// 画像或岗位目录加载失败会使整个调用失败；语义通道的任何故障只会
// 降级为纯规则打分，绝不中断调用。
func (r *Ranker) RankJobs(ctx context.Context, resumeID string, opts types.RankOptions) (*types.RankResponse, error) {
	start := time.Now()
	opts = opts.Normalize()

	profile, err := r.profiles.GetParsedProfile(ctx, resumeID)
	if err != nil {
		return nil, fmt.Errorf("加载候选人画像失败: %w", err)
	}

	filter := storage.CatalogFilter{
		IncludeRemote:  *opts.IncludeRemote,
		EmploymentType: string(opts.EmploymentTypeFilter),
		Limit:          r.candidateLimit,
	}
	jobs, err := r.catalog.FindCandidateJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("获取候选岗位失败: %w", err)
	}

	if len(jobs) == 0 {
		r.log.Info().Str("resume_id", resumeID).Msg("候选岗位集合为空，返回空结果")
		return &types.RankResponse{
			Matches: []types.EnrichedMatch{},
			Metadata: types.RankMetadata{
				ScoringMethod:    requestedMethod(opts),
				TotalEvaluated:   0,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
				Message:          "没有符合条件的岗位",
			},
		}, nil
	}

	// 规则打分，过滤低于下限的岗位。被过滤的岗位同样计入 TotalEvaluated。
	entries := make([]scoredMatch, 0, len(jobs))
	for _, job := range jobs {
		overlap := r.normalizer.ComputeOverlap(profile.Skills, job.Skills)
		breakdown := r.scorer.Composite(*profile, job, overlap)
		if breakdown.Total < opts.MinCompositeScore {
			continue
		}
		entries = append(entries, scoredMatch{
			match:      types.MatchResult{Job: job, Composite: breakdown},
			overlapPct: overlap.Ratio * 100,
		})
	}
	totalEvaluated := len(jobs)

	if len(entries) == 0 {
		r.log.Info().Str("resume_id", resumeID).Int("total_evaluated", totalEvaluated).
			Float64("min_composite_score", opts.MinCompositeScore).Msg("所有岗位均低于最低规则分，返回空结果")
		return &types.RankResponse{
			Matches: []types.EnrichedMatch{},
			Metadata: types.RankMetadata{
				ScoringMethod:    requestedMethod(opts),
				TotalEvaluated:   totalEvaluated,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
				Message:          "没有岗位达到最低规则分要求",
			},
		}, nil
	}

	method := types.ScoringClassical
	if *opts.UseSemanticScoring {
		method = r.applySemanticScores(ctx, profile, entries)
	}

	for i := range entries {
		m := &entries[i].match
		if m.SemanticScore != nil {
			m.BlendedScore = round2(BlendSemanticWeight*(*m.SemanticScore)*100 + BlendCompositeWeight*m.Composite.Total)
		} else {
			m.BlendedScore = m.Composite.Total
		}
	}

	// 混合分降序，规则分降序，最后按岗位ID升序保证确定性。
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].match, entries[j].match
		if a.BlendedScore != b.BlendedScore {
			return a.BlendedScore > b.BlendedScore
		}
		if a.Composite.Total != b.Composite.Total {
			return a.Composite.Total > b.Composite.Total
		}
		return a.Job.JobID < b.Job.JobID
	})

	if len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	results := make([]types.MatchResult, len(entries))
	for i := range entries {
		results[i] = entries[i].match
	}

	callsBefore := r.enricher.Metrics().ProviderCallCount()
	enriched := r.enricher.Enrich(ctx, *profile, results, opts.GenerateRationale)
	providerCalls := r.enricher.Metrics().ProviderCallCount() - callsBefore

	elapsed := time.Since(start).Milliseconds()
	r.log.Info().Str("resume_id", resumeID).
		Int("total_evaluated", totalEvaluated).
		Int("matches", len(enriched)).
		Str("scoring_method", string(method)).
		Int64("provider_calls", providerCalls).
		Int64("elapsed_ms", elapsed).
		Msg("岗位匹配排序完成")

	return &types.RankResponse{
		Matches: enriched,
		Metadata: types.RankMetadata{
			ScoringMethod:     method,
			TotalEvaluated:    totalEvaluated,
			ProcessingTimeMs:  elapsed,
			ProviderCallCount: providerCalls,
		},
	}, nil
}

// applySemanticScores 为一批打分结果计算语义相似度并就地附加。
// 返回本批次实际生效的打分方式：
//   - 画像向量、岗位向量批量获取或任一余弦计算失败时，丢弃全部语义分，
//     整批回退为规则打分；
//   - 仅当批量获取成功而个别岗位缺少预计算向量时，该岗位单独保持纯规则分，
//     不影响其余岗位的语义分。
func (r *Ranker) applySemanticScores(ctx context.Context, profile *types.CandidateProfile, entries []scoredMatch) types.ScoringMethod {
	profileVec, err := r.vectors.ProfileVector(ctx, profile)
	if err != nil {
		r.log.Warn().Err(err).Str("resume_id", profile.ResumeID).Msg("候选人画像向量不可用，本次全部使用规则分")
		return types.ScoringClassical
	}

	jobIDs := make([]string, len(entries))
	for i := range entries {
		jobIDs[i] = entries[i].match.Job.JobID
	}
	jobVecs, err := r.vectors.JobVectors(ctx, jobIDs)
	if err != nil {
		r.log.Warn().Err(err).Str("resume_id", profile.ResumeID).Msg("批量获取岗位向量失败，本次全部使用规则分")
		return types.ScoringClassical
	}

	type semanticScore struct {
		idx        int
		score      float64
		label      string
		confidence string
	}
	pending := make([]semanticScore, 0, len(entries))
	for i := range entries {
		jobID := entries[i].match.Job.JobID
		vec, ok := jobVecs[jobID]
		if !ok {
			r.log.Debug().Str("job_id", jobID).Msg("岗位缺少预计算向量，该岗位只使用规则分")
			continue
		}
		score, err := similarity.Cosine(profileVec, vec)
		if err != nil {
			r.log.Warn().Err(err).Str("resume_id", profile.ResumeID).Str("job_id", jobID).
				Msg("余弦相似度计算失败，本次全部使用规则分")
			return types.ScoringClassical
		}
		boosted := similarity.OverlapBoost(score, entries[i].overlapPct)
		label, confidence := similarity.Classify(boosted)
		pending = append(pending, semanticScore{idx: i, score: boosted, label: label, confidence: confidence})
	}

	// 全部余弦计算成功后才提交，保证整批回退时不残留部分语义分。
	for _, s := range pending {
		score := s.score
		entries[s.idx].match.SemanticScore = &score
		entries[s.idx].match.SimilarityLabel = s.label
		entries[s.idx].match.Confidence = s.confidence
	}
	return types.ScoringHybrid
}

// requestedMethod 返回请求声明的打分方式，用于没有岗位参与打分的响应。
func requestedMethod(opts types.RankOptions) types.ScoringMethod {
	if opts.UseSemanticScoring != nil && *opts.UseSemanticScoring {
		return types.ScoringHybrid
	}
	return types.ScoringClassical
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

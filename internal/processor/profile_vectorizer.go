package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"match-engine-go/internal/storage"
	"match-engine-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
)

// TextEmbedder 批量把文本转成向量，选项沿用eino的embedding.Option。
type TextEmbedder interface {
	// EmbedStrings 返回与texts等长的向量切片
	EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error)

	// GetDimensions 当前模型输出的向量维度
	GetDimensions() int
}

// VectorCache 向量缓存接口，由 storage.Redis 实现。
type VectorCache interface {
	GetResumeVector(ctx context.Context, resumeID string) ([]float64, string, error)
	SetResumeVector(ctx context.Context, resumeID string, vector []float64, modelVersion string) error
	GetJobVector(ctx context.Context, jobID string) ([]float64, string, error)
	SetJobVector(ctx context.Context, jobID string, vector []float64, modelVersion string) error
}

// JobVectorCatalog 岗位向量目录接口，由 storage.MySQL 实现。
// 岗位向量由上游摄入流程预计算并写入 job_vectors 表，本服务只读。
type JobVectorCatalog interface {
	GetJobVectors(ctx context.Context, jobIDs []string, modelVersion string) (map[string][]float64, error)
}

// Vectorizer 负责候选人画像与岗位的向量获取，优先走 Redis 缓存。
type Vectorizer struct {
	embedder     TextEmbedder
	cache        VectorCache
	catalog      JobVectorCatalog
	modelVersion string
	logger       *log.Logger
}

// NewVectorizer 组装向量获取器，前四个依赖都不可缺省。
func NewVectorizer(embedder TextEmbedder, cache VectorCache, catalog JobVectorCatalog, modelVersion string, options ...VectorizerOption) (*Vectorizer, error) {
	if embedder == nil {
		return nil, fmt.Errorf("TextEmbedder 不能为空")
	}
	if cache == nil {
		return nil, fmt.Errorf("VectorCache 不能为空")
	}
	if catalog == nil {
		return nil, fmt.Errorf("JobVectorCatalog 不能为空")
	}
	if modelVersion == "" {
		return nil, fmt.Errorf("modelVersion 不能为空")
	}

	v := &Vectorizer{
		embedder:     embedder,
		cache:        cache,
		catalog:      catalog,
		modelVersion: modelVersion,
		logger:       log.New(os.Stdout, "[Vectorizer] ", log.LstdFlags|log.Lshortfile),
	}

	for _, option := range options {
		option(v)
	}

	v.logger.Printf("Vectorizer 初始化完成，使用 Embedder: %T, Model: %s", embedder, modelVersion)
	return v, nil
}

// ProfileVector 获取候选人画像的向量表示。
// 它会先尝试从 Redis 缓存获取，如果未命中或模型版本不一致，则调用嵌入服务重新生成并存入缓存。
// ctx: 上下文。
// profile: 候选人画像，ProfileText 作为向量化输入。
// 返回生成的向量和可能的错误。
func (v *Vectorizer) ProfileVector(ctx context.Context, profile *types.CandidateProfile) ([]float64, error) {
	if profile == nil || profile.ResumeID == "" {
		return nil, fmt.Errorf("候选人画像不能为空")
	}
	if profile.ProfileText == "" {
		return nil, fmt.Errorf("画像文本不能为空, ResumeID: %s", profile.ResumeID)
	}

	// 1. 尝试从 Redis 缓存获取
	cachedVector, modelVersion, err := v.cache.GetResumeVector(ctx, profile.ResumeID)
	if err == nil && len(cachedVector) > 0 {
		// 检查模型版本是否匹配
		if modelVersion == v.modelVersion {
			v.logger.Printf("从 Redis 缓存命中画像向量 for ResumeID: %s, Model: %s", profile.ResumeID, modelVersion)
			return cachedVector, nil
		}
		v.logger.Printf("Redis 缓存中的画像向量模型版本不匹配 (缓存: %s, 当前: %s)，将重新生成", modelVersion, v.modelVersion)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		// Redis 读取本身出错，记录日志但继续执行，因为向量生成是核心路径
		v.logger.Printf("从 Redis 获取画像向量失败 for ResumeID: %s, Error: %v. 将继续生成新向量", profile.ResumeID, err)
	}

	v.logger.Printf("开始为 ResumeID: %s 的画像文本生成新向量...", profile.ResumeID)

	// 2. 缓存未命中，调用 embedder 进行向量化
	vectors, err := v.embedder.EmbedStrings(ctx, []string{profile.ProfileText})
	if err != nil {
		v.logger.Printf("画像文本向量化失败 for ResumeID: %s: %v", profile.ResumeID, err)
		return nil, fmt.Errorf("画像文本向量化失败: %w", err)
	}

	if len(vectors) == 0 || len(vectors[0]) == 0 {
		v.logger.Printf("画像文本向量化结果为空 for ResumeID: %s", profile.ResumeID)
		return nil, fmt.Errorf("画像文本向量化结果为空")
	}

	newVector := vectors[0]
	v.logger.Printf("画像向量生成成功 for ResumeID: %s，向量维度: %d", profile.ResumeID, len(newVector))

	// 3. 将新生成的向量存入 Redis 缓存
	err = v.cache.SetResumeVector(ctx, profile.ResumeID, newVector, v.modelVersion)
	if err != nil {
		// 缓存失败不应阻塞主流程，但需要记录日志
		v.logger.Printf("将画像向量存入 Redis 失败 for ResumeID: %s: %v", profile.ResumeID, err)
	}

	return newVector, nil
}

// JobVectors 批量获取岗位向量，返回 jobID 到向量的映射。
// 每个岗位先查 Redis 缓存，未命中的批量回源 job_vectors 表并回填缓存。
// 目录中没有预计算向量的岗位不会出现在返回结果中，由调用方决定降级策略。
func (v *Vectorizer) JobVectors(ctx context.Context, jobIDs []string) (map[string][]float64, error) {
	result := make(map[string][]float64, len(jobIDs))
	if len(jobIDs) == 0 {
		return result, nil
	}

	var misses []string
	for _, jobID := range jobIDs {
		cachedVector, modelVersion, err := v.cache.GetJobVector(ctx, jobID)
		if err == nil && len(cachedVector) > 0 && modelVersion == v.modelVersion {
			result[jobID] = cachedVector
			continue
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			v.logger.Printf("从 Redis 获取岗位向量失败 for JobID: %s, Error: %v. 将回源数据库", jobID, err)
		}
		misses = append(misses, jobID)
	}

	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := v.catalog.GetJobVectors(ctx, misses, v.modelVersion)
	if err != nil {
		return nil, fmt.Errorf("从数据库批量获取岗位向量失败: %w", err)
	}

	for jobID, vector := range fetched {
		result[jobID] = vector
		if cacheErr := v.cache.SetJobVector(ctx, jobID, vector, v.modelVersion); cacheErr != nil {
			v.logger.Printf("回填岗位向量缓存失败 for JobID: %s: %v", jobID, cacheErr)
		}
	}

	v.logger.Printf("岗位向量获取完成: 请求 %d, 缓存命中 %d, 数据库回源 %d, 缺失 %d",
		len(jobIDs), len(jobIDs)-len(misses), len(fetched), len(misses)-len(fetched))

	return result, nil
}

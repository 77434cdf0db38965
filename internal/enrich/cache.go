package enrich

import (
	"context"
	"fmt"
	"sync"

	"match-engine-go/internal/types"
)

// ResponseCache 缓存已生成的匹配理由，键为 (resumeID, jobID)。
// 未命中时返回 (nil, nil)。缓存条目不设过期时间，
// 提示词或模型升级时通过键中的版本号整体作废。
type ResponseCache interface {
	GetRationale(ctx context.Context, resumeID, jobID string) (*types.Rationale, error)
	SetRationale(ctx context.Context, resumeID, jobID string, rationale *types.Rationale) error
}

// MemoryResponseCache 进程内理由缓存，用于测试和无Redis的部署
type MemoryResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*types.Rationale
}

// NewMemoryResponseCache 创建一个进程内理由缓存
func NewMemoryResponseCache() *MemoryResponseCache {
	return &MemoryResponseCache{
		entries: make(map[string]*types.Rationale),
	}
}

var _ ResponseCache = (*MemoryResponseCache)(nil)

func memoryCacheKey(resumeID, jobID string) string {
	return fmt.Sprintf("%s:%s", resumeID, jobID)
}

// GetRationale 查询缓存，未命中返回 (nil, nil)
func (c *MemoryResponseCache) GetRationale(ctx context.Context, resumeID, jobID string) (*types.Rationale, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rationale, ok := c.entries[memoryCacheKey(resumeID, jobID)]
	if !ok {
		return nil, nil
	}
	// 返回副本，避免调用方修改缓存内容
	out := *rationale
	return &out, nil
}

// SetRationale 写入缓存
func (c *MemoryResponseCache) SetRationale(ctx context.Context, resumeID, jobID string, rationale *types.Rationale) error {
	if rationale == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := *rationale
	c.entries[memoryCacheKey(resumeID, jobID)] = &entry
	return nil
}

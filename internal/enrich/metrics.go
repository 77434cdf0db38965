package enrich

import (
	"sync"
	"sync/atomic"
)

// Metrics 统计理由生成过程中的模型调用与缓存命中情况。
// 通过构造函数注入，所有计数器并发安全。
type Metrics struct {
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	mu        sync.RWMutex
	providers map[string]*providerCounter
}

type providerCounter struct {
	success atomic.Int64
	failure atomic.Int64
}

// NewMetrics 创建一个空的指标收集器
func NewMetrics() *Metrics {
	return &Metrics{
		providers: make(map[string]*providerCounter),
	}
}

func (m *Metrics) counter(provider string) *providerCounter {
	m.mu.RLock()
	c, ok := m.providers[provider]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.providers[provider]; ok {
		return c
	}
	c = &providerCounter{}
	m.providers[provider] = c
	return c
}

// RecordProviderSuccess 记录一次成功的模型调用
func (m *Metrics) RecordProviderSuccess(provider string) {
	m.counter(provider).success.Add(1)
}

// RecordProviderFailure 记录一次失败的模型调用（含响应解析失败）
func (m *Metrics) RecordProviderFailure(provider string) {
	m.counter(provider).failure.Add(1)
}

// RecordCacheHit 记录一次理由缓存命中
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCacheMiss 记录一次理由缓存未命中
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// ProviderCallCount 返回所有提供方累计的模型调用次数（成功加失败）
func (m *Metrics) ProviderCallCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, c := range m.providers {
		total += c.success.Load() + c.failure.Load()
	}
	return total
}

// ProviderStats 单个提供方的调用统计
type ProviderStats struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// MetricsSnapshot 指标的一次性只读快照，用于指标接口输出
type MetricsSnapshot struct {
	ProviderCalls int64                    `json:"provider_calls"`
	CacheHits     int64                    `json:"cache_hits"`
	CacheMisses   int64                    `json:"cache_misses"`
	Providers     map[string]ProviderStats `json:"providers"`
}

// Snapshot 导出当前计数器的快照
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		CacheHits:   m.cacheHits.Load(),
		CacheMisses: m.cacheMisses.Load(),
		Providers:   make(map[string]ProviderStats, len(m.providers)),
	}
	for name, c := range m.providers {
		stats := ProviderStats{
			Success: c.success.Load(),
			Failure: c.failure.Load(),
		}
		snapshot.Providers[name] = stats
		snapshot.ProviderCalls += stats.Success + stats.Failure
	}
	return snapshot
}

package enrich

import (
	"context"
	"sync"
	"testing"

	"match-engine-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()

	m.RecordProviderSuccess("watsonx")
	m.RecordProviderSuccess("watsonx")
	m.RecordProviderFailure("watsonx")
	m.RecordProviderSuccess("gemini")
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheMiss()

	snapshot := m.Snapshot()

	assert.Equal(t, int64(2), snapshot.Providers["watsonx"].Success)
	assert.Equal(t, int64(1), snapshot.Providers["watsonx"].Failure)
	assert.Equal(t, int64(1), snapshot.Providers["gemini"].Success)
	assert.Equal(t, int64(4), snapshot.ProviderCalls)
	assert.Equal(t, int64(1), snapshot.CacheHits)
	assert.Equal(t, int64(2), snapshot.CacheMisses)
	assert.Equal(t, int64(4), m.ProviderCallCount())
}

func TestMetricsConcurrent(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordProviderSuccess("watsonx")
			m.RecordProviderFailure("gemini")
			m.RecordCacheHit()
		}()
	}
	wg.Wait()

	snapshot := m.Snapshot()
	assert.Equal(t, int64(50), snapshot.Providers["watsonx"].Success)
	assert.Equal(t, int64(50), snapshot.Providers["gemini"].Failure)
	assert.Equal(t, int64(50), snapshot.CacheHits)
	assert.Equal(t, int64(100), snapshot.ProviderCalls)
}

func TestMemoryResponseCache(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryResponseCache()

	t.Run("未命中返回nil", func(t *testing.T) {
		rationale, err := cache.GetRationale(ctx, "r1", "j1")
		require.NoError(t, err)
		assert.Nil(t, rationale)
	})

	t.Run("写入后可读取且相互隔离", func(t *testing.T) {
		original := &types.Rationale{Headline: "结论", Strengths: []string{"亮点"}}
		require.NoError(t, cache.SetRationale(ctx, "r1", "j1", original))

		got, err := cache.GetRationale(ctx, "r1", "j1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "结论", got.Headline)

		// 修改返回值不应影响缓存内容
		got.Headline = "被篡改"
		again, err := cache.GetRationale(ctx, "r1", "j1")
		require.NoError(t, err)
		assert.Equal(t, "结论", again.Headline)
	})

	t.Run("不同岗位互不干扰", func(t *testing.T) {
		require.NoError(t, cache.SetRationale(ctx, "r1", "j2", &types.Rationale{Headline: "另一条"}))

		first, _ := cache.GetRationale(ctx, "r1", "j1")
		second, _ := cache.GetRationale(ctx, "r1", "j2")
		assert.Equal(t, "结论", first.Headline)
		assert.Equal(t, "另一条", second.Headline)
	})

	t.Run("nil理由不写入", func(t *testing.T) {
		require.NoError(t, cache.SetRationale(ctx, "r9", "j9", nil))
		got, err := cache.GetRationale(ctx, "r9", "j9")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

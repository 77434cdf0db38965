package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试用的LLM模型模拟器
type mockChatModel struct {
	// 模拟响应
	mockResponse string
	// 用于测试的错误
	Err error
	// 用于测试的调用次数
	CallCount int
	// 第N次调用后成功（0表示一直返回Err）
	SucceedAfterNCalls int
}

func (m *mockChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	m.CallCount++
	if m.Err != nil && (m.SucceedAfterNCalls <= 0 || m.CallCount < m.SucceedAfterNCalls) {
		return nil, m.Err
	}
	return &schema.Message{
		Role:    "assistant",
		Content: m.mockResponse,
	}, nil
}

func (m *mockChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, nil
}

func (m *mockChatModel) BindTools(tools []*schema.ToolInfo) error {
	return nil
}

func (m *mockChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func TestSlidingWindowTryAcquire(t *testing.T) {
	sw := NewSlidingWindow(3, 200*time.Millisecond)

	t.Run("窗口未满时放行", func(t *testing.T) {
		assert.True(t, sw.TryAcquire(), "第1个请求应被放行")
		assert.True(t, sw.TryAcquire(), "第2个请求应被放行")
		assert.True(t, sw.TryAcquire(), "第3个请求应被放行")
	})

	t.Run("窗口已满时拒绝", func(t *testing.T) {
		assert.False(t, sw.TryAcquire(), "超过窗口上限的请求应被拒绝")
	})

	t.Run("旧记录滑出窗口后重新放行", func(t *testing.T) {
		time.Sleep(250 * time.Millisecond)
		assert.True(t, sw.TryAcquire(), "窗口滑动后应重新放行请求")
	})
}

func TestSlidingWindowUsage(t *testing.T) {
	sw := NewSlidingWindow(3, 120*time.Millisecond)

	used, limit := sw.Usage()
	assert.Equal(t, 0, used)
	assert.Equal(t, 3, limit)

	require.True(t, sw.TryAcquire())
	require.True(t, sw.TryAcquire())

	used, limit = sw.Usage()
	assert.Equal(t, 2, used, "已放行2个请求")
	assert.Equal(t, 3, limit)

	// Usage只读不占配额
	used, _ = sw.Usage()
	assert.Equal(t, 2, used, "连续查询不应改变计数")

	// 旧记录滑出窗口后水位回落
	time.Sleep(150 * time.Millisecond)
	used, _ = sw.Usage()
	assert.Equal(t, 0, used, "窗口滑动后水位应回落")
}

func TestSlidingWindowAcquireBlocksUntilSlot(t *testing.T) {
	sw := NewSlidingWindow(2, 150*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, sw.Acquire(ctx))
	require.NoError(t, sw.Acquire(ctx))

	// 窗口已满，第三次获取需要等待最早的记录滑出
	start := time.Now()
	err := sw.Acquire(ctx)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "Acquire应阻塞到窗口滑动后才返回")
}

func TestSlidingWindowAcquireContextCancel(t *testing.T) {
	sw := NewSlidingWindow(1, time.Minute)
	require.True(t, sw.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sw.Acquire(ctx)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.DeadlineExceeded, "上下文超时后Acquire应返回错误")
	assert.Less(t, elapsed, time.Second, "上下文取消后不应继续等待整个窗口")
}

func TestSlidingWindowConcurrentTryAcquire(t *testing.T) {
	sw := NewSlidingWindow(5, time.Minute)

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sw.TryAcquire() {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), granted, "并发场景下放行数量不应超过窗口上限")
}

func TestSlidingWindowDefaults(t *testing.T) {
	sw := NewSlidingWindow(0, 0)
	assert.Equal(t, 10, sw.maxRequests, "默认窗口上限应为10个请求")
	assert.Equal(t, 60*time.Second, sw.window, "默认窗口长度应为60秒")
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("可重试错误最终成功", func(t *testing.T) {
		sw := NewSlidingWindow(100, time.Minute).WithRetryPolicy(10*time.Millisecond, 3)

		calls := 0
		err := sw.RetryWithBackoff(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("request timeout")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls, "应在第3次调用时成功")
	})

	t.Run("不可重试错误立即返回", func(t *testing.T) {
		sw := NewSlidingWindow(100, time.Minute).WithRetryPolicy(10*time.Millisecond, 3)

		calls := 0
		err := sw.RetryWithBackoff(context.Background(), func() error {
			calls++
			return errors.New("invalid request payload")
		})

		require.Error(t, err)
		assert.Equal(t, 1, calls, "不可重试错误不应触发重试")
	})

	t.Run("重试次数耗尽后返回最后一个错误", func(t *testing.T) {
		sw := NewSlidingWindow(100, time.Minute).WithRetryPolicy(time.Millisecond, 2)

		calls := 0
		err := sw.RetryWithBackoff(context.Background(), func() error {
			calls++
			return errors.New("429 Too Many Requests")
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "429", "应返回最后一次的错误")
		assert.Equal(t, 3, calls, "初次调用加2次重试共3次")
	})
}

func TestRateLimitedLLMModelGenerate(t *testing.T) {
	t.Run("代理透传正常响应", func(t *testing.T) {
		mock := &mockChatModel{mockResponse: "ok"}
		limited := NewRateLimitedLLMModel(mock, 600)

		resp, err := limited.Generate(context.Background(), []*schema.Message{
			schema.UserMessage("hello"),
		})

		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, "ok", resp.Content)
		assert.Equal(t, 1, mock.CallCount)
	})

	t.Run("可重试错误自动重试后成功", func(t *testing.T) {
		mock := &mockChatModel{
			mockResponse:       "recovered",
			Err:                errors.New("rate limit exceeded"),
			SucceedAfterNCalls: 2,
		}
		limited := NewRateLimitedLLMModel(mock, 600).WithRetryPolicy(10*time.Millisecond, 3)

		resp, err := limited.Generate(context.Background(), []*schema.Message{
			schema.UserMessage("hello"),
		})

		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, "recovered", resp.Content)
		assert.Equal(t, 2, mock.CallCount, "第2次调用应成功")
	})
}

func TestNewLLMWithRateLimit(t *testing.T) {
	mock := &mockChatModel{mockResponse: "ok"}

	limited := NewLLMWithRateLimit(mock, "gemini-2.5-flash", map[string]int{
		"gemini-2.5-flash": 1000,
	}, 0, 0, time.Second)

	rl, ok := limited.(*RateLimitedLLMModel)
	require.True(t, ok)
	// 1000 QPM 的90%作为安全值
	assert.Equal(t, 900, rl.limiter.maxRequests)

	resp, err := limited.Generate(context.Background(), []*schema.Message{
		schema.UserMessage("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

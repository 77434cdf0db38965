package ratelimit

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	defaultProxyQPM        = 30
	defaultProxyMaxRetries = 3
	// qpmSafetyFactor 对配置的QPM上限留出余量，避免贴线触发提供方限流
	qpmSafetyFactor = 0.9
)

// RateLimitedLLMModel 包装一个 ChatModel，把所有调用收敛到同一个滑动窗口限流器，
// 并对可重试错误按退避策略自动重试。包装后仍满足 model.ToolCallingChatModel。
type RateLimitedLLMModel struct {
	base    model.ToolCallingChatModel
	limiter *SlidingWindow
}

// NewRateLimitedLLMModel 按每分钟 qpm 次的滑动窗口包装 original。
func NewRateLimitedLLMModel(original model.ToolCallingChatModel, qpm int) *RateLimitedLLMModel {
	return &RateLimitedLLMModel{
		base:    original,
		limiter: NewSlidingWindow(qpm, time.Minute),
	}
}

// WithRetryPolicy 调整重试间隔与次数，返回自身便于链式调用。
func (rl *RateLimitedLLMModel) WithRetryPolicy(waitTime time.Duration, maxRetries int) *RateLimitedLLMModel {
	rl.limiter.WithRetryPolicy(waitTime, maxRetries)
	return rl
}

// Generate 先过限流器再调用底层模型，可重试错误按策略自动重试。
func (rl *RateLimitedLLMModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	var resp *schema.Message
	err := rl.limiter.RetryWithBackoff(ctx, func() error {
		var callErr error
		resp, callErr = rl.base.Generate(ctx, messages, options...)
		return callErr
	})
	return resp, err
}

// Stream 与 Generate 相同的限流与重试语义。
func (rl *RateLimitedLLMModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	var sr *schema.StreamReader[*schema.Message]
	err := rl.limiter.RetryWithBackoff(ctx, func() error {
		var callErr error
		sr, callErr = rl.base.Stream(ctx, messages, options...)
		return callErr
	})
	return sr, err
}

// WithTools 把工具绑定透传给底层模型，绑定出的新模型共用同一个限流器。
func (rl *RateLimitedLLMModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	bound, err := rl.base.WithTools(tools)
	if err != nil {
		return nil, err
	}
	return &RateLimitedLLMModel{
		base:    bound,
		limiter: rl.limiter,
	}, nil
}

// NewLLMWithRateLimit 按模型名从 qpmLimits 取限流配置并包装 original。
// 命中配置时取其90%作为实际上限，未命中用 customQPM，两者都没有则退回默认值。
func NewLLMWithRateLimit(original model.ToolCallingChatModel, modelName string, qpmLimits map[string]int, customQPM int, maxRetries int, retryWaitTime time.Duration) model.ToolCallingChatModel {
	qpm := customQPM
	if modelName != "" {
		if configured, ok := qpmLimits[modelName]; ok && configured > 0 {
			qpm = int(float64(configured) * qpmSafetyFactor)
		}
	}
	if qpm <= 0 {
		qpm = defaultProxyQPM
	}
	if maxRetries <= 0 {
		maxRetries = defaultProxyMaxRetries
	}
	return NewRateLimitedLLMModel(original, qpm).WithRetryPolicy(retryWaitTime, maxRetries)
}

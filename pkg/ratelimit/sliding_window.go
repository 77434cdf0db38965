package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SlidingWindow 实现滑动窗口算法的限流器
// 在任意长度为 window 的时间区间内，最多放行 maxRequests 个请求
type SlidingWindow struct {
	maxRequests   int           // 窗口内允许的最大请求数
	window        time.Duration // 滑动窗口的长度
	timestamps    []time.Time   // 窗口内已放行请求的时间戳，按时间升序
	mutex         sync.Mutex    // 互斥锁，保证并发安全
	retryWaitTime time.Duration // 重试等待时间
	maxRetries    int           // 最大重试次数
}

// NewSlidingWindow 创建一个新的滑动窗口限流器
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	if maxRequests <= 0 {
		maxRequests = 10 // 默认窗口内10个请求
	}
	if window <= 0 {
		window = 60 * time.Second // 默认60秒窗口
	}

	return &SlidingWindow{
		maxRequests:   maxRequests,
		window:        window,
		timestamps:    make([]time.Time, 0, maxRequests),
		retryWaitTime: 1 * time.Second, // 默认重试等待1秒
		maxRetries:    3,               // 默认最大重试3次
	}
}

// WithRetryPolicy 设置重试策略
func (sw *SlidingWindow) WithRetryPolicy(waitTime time.Duration, maxRetries int) *SlidingWindow {
	sw.retryWaitTime = waitTime
	sw.maxRetries = maxRetries
	return sw
}

// prune 移除已经滑出窗口的时间戳，调用方必须持有锁
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.window)
	idx := 0
	for idx < len(sw.timestamps) && !sw.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		sw.timestamps = append(sw.timestamps[:0], sw.timestamps[idx:]...)
	}
}

// TryAcquire 非阻塞地尝试获取一个请求配额
func (sw *SlidingWindow) TryAcquire() bool {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()

	now := time.Now()
	sw.prune(now)

	if len(sw.timestamps) < sw.maxRequests {
		sw.timestamps = append(sw.timestamps, now)
		return true
	}
	return false
}

// Usage 返回当前窗口内已放行的请求数与配额上限，只读不占配额
func (sw *SlidingWindow) Usage() (used, limit int) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()

	sw.prune(time.Now())
	return len(sw.timestamps), sw.maxRequests
}

// Acquire 阻塞直到获取到一个请求配额，或上下文被取消
// 采用循环等待而非递归，等待时长按最早一条记录滑出窗口的时间计算
func (sw *SlidingWindow) Acquire(ctx context.Context) error {
	for {
		sw.mutex.Lock()
		now := time.Now()
		sw.prune(now)

		if len(sw.timestamps) < sw.maxRequests {
			sw.timestamps = append(sw.timestamps, now)
			sw.mutex.Unlock()
			return nil
		}

		// 计算最早一条记录滑出窗口还需要的时间
		waitTime := sw.timestamps[0].Add(sw.window).Sub(now)
		sw.mutex.Unlock()

		if waitTime <= 0 {
			waitTime = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			// 继续尝试获取配额
		}
	}
}

// RetryWithBackoff 在限流配额内执行fn，对可重试错误按指数退避重试。
// 每次重试同样要先过限流窗口，避免重试流量挤占正常请求。
func (sw *SlidingWindow) RetryWithBackoff(ctx context.Context, fn func() error) error {
	var err error
	for retry := 0; retry <= sw.maxRetries; retry++ {
		if err = sw.Acquire(ctx); err != nil {
			return err
		}
		if err = fn(); err == nil {
			return nil
		}
		if !isRetryableError(err) || retry >= sw.maxRetries {
			return err
		}

		// 等待时间按1倍、2倍、4倍递增
		backoff := sw.retryWaitTime * time.Duration(1<<uint(retry))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

// retryableErrorHints 错误消息中出现这些片段时值得重试，
// 覆盖网络抖动与上游限流两类故障。
var retryableErrorHints = []string{
	"timeout", "deadline exceeded", "EOF",
	"connection reset", "connection refused", "no such host",
	"429 Too Many Requests", "rate limit",
	"服务器繁忙", "请求超过限额", "QPS限制",
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, hint := range retryableErrorHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

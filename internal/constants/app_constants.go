package constants

import "time"

const (
	// EmbeddingModelVersion 当前使用的向量模型版本，缓存命中时校验
	EmbeddingModelVersion = "all-MiniLM-L6-v2"
	// EmbeddingDimension 向量维度
	EmbeddingDimension = 384

	// VectorCacheDuration 向量缓存时长（简历与岗位向量共用）
	VectorCacheDuration = 24 * time.Hour
	// RankResultCacheDuration 排序结果缓存时长
	RankResultCacheDuration = 10 * time.Minute
	// RankLockDuration 排序分布式锁的自动过期时长
	RankLockDuration = 30 * time.Second

	// MatchEventsExchange 匹配事件交换机
	MatchEventsExchange = "match.events"
	// MatchCompletedRoutingKey 匹配完成事件路由键
	MatchCompletedRoutingKey = "match.completed"
	// MatchCompletedQueue 匹配完成事件队列
	MatchCompletedQueue = "match.completed.queue"
)

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"match-engine-go/internal/config"
	"match-engine-go/internal/constants"
	"match-engine-go/internal/tracing"
	"match-engine-go/internal/types"

	"github.com/google/uuid"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotFound 键不存在时返回，包一层 redis.Nil 让上层不依赖驱动细节。
var ErrNotFound = redis.Nil

// 为Redis操作定义专用tracer
var redisTracer = otel.Tracer("match-engine-go/storage/redis")

// 各key前缀的span采样率，高频缓存读写只留少量样本
var redisKeySamplingRates = map[string]float64{
	"app:rank:result:":        0.25, // 排序结果缓存
	"app:rank:meta:":          0.05, // 排序元信息
	"app:rank:lock:":          0.5,  // 分布式锁
	"app:job:vector:":         0.05, // 岗位向量缓存
	"app:resume:vector:":      0.1,  // 简历向量缓存
	"app:rationale:response:": 0.1,  // 推荐理由缓存
}

// 未在采样表里的前缀默认采样5%
const defaultRedisSampleRate = 0.05

// shouldSampleRedisOp 决定这次操作要不要单独建span
func shouldSampleRedisOp(key string) bool {
	if key == "" {
		return false
	}
	rate := defaultRedisSampleRate
	for prefix, p := range redisKeySamplingRates {
		if strings.HasPrefix(key, prefix) {
			rate = p
			break
		}
	}
	return rand.Float64() < rate
}

// Redis 包装Redis客户端与本服务的缓存、锁操作
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter 创建Redis客户端，挂上otel钩子并验证连通性
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("Redis配置不能为空")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("Redis地址未配置")
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Address,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:     time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:    time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	})
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("Redis接入OpenTelemetry追踪失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接Redis (%s) 失败: %w", cfg.Address, err)
	}

	return &Redis{Client: client, config: cfg}, nil
}

// Close 关闭Redis连接
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping 检查Redis连通性
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("Redis客户端未初始化")
	}
	return r.Client.Ping(ctx).Err()
}

// SetJobVector 缓存岗位向量，模型版本与向量同键存放。
func (r *Redis) SetJobVector(ctx context.Context, jobID string, vector []float64, modelVersion string) error {
	key := fmt.Sprintf(constants.KeyJobVector, jobID)
	return r.setVectorInternal(ctx, key, vector, modelVersion)
}

// GetJobVector 读取缓存的岗位向量及其模型版本。
func (r *Redis) GetJobVector(ctx context.Context, jobID string) ([]float64, string, error) {
	key := fmt.Sprintf(constants.KeyJobVector, jobID)
	return r.getVectorInternal(ctx, key)
}

// SetResumeVector 缓存简历画像向量，模型版本与向量同键存放。
func (r *Redis) SetResumeVector(ctx context.Context, resumeID string, vector []float64, modelVersion string) error {
	key := fmt.Sprintf(constants.KeyResumeVector, resumeID)
	return r.setVectorInternal(ctx, key, vector, modelVersion)
}

// GetResumeVector 读取缓存的简历画像向量及其模型版本。
func (r *Redis) GetResumeVector(ctx context.Context, resumeID string) ([]float64, string, error) {
	key := fmt.Sprintf(constants.KeyResumeVector, resumeID)
	return r.getVectorInternal(ctx, key)
}

// DeleteResumeVector 删除简历画像向量缓存，画像更新后调用
func (r *Redis) DeleteResumeVector(ctx context.Context, resumeID string) error {
	if r.Client == nil {
		return fmt.Errorf("Redis客户端未初始化")
	}
	key := fmt.Sprintf(constants.KeyResumeVector, resumeID)
	return r.Client.Del(ctx, key).Err()
}

// setVectorInternal 向量与模型版本写进同一个HASH，共享过期时间
func (r *Redis) setVectorInternal(ctx context.Context, cacheKey string, vector []float64, modelVersion string) error {
	if r.Client == nil {
		return fmt.Errorf("Redis客户端未初始化")
	}

	vectorJSON, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("向量序列化失败: %w", err)
	}

	// 两个字段与过期时间走同一个pipeline
	pipe := r.Client.Pipeline()
	pipe.HSet(ctx, cacheKey, "vector", vectorJSON)
	pipe.HSet(ctx, cacheKey, "model_version", modelVersion)
	pipe.Expire(ctx, cacheKey, constants.VectorCacheDuration)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("设置向量缓存失败: %w", err)
	}
	return nil
}

// getVectorInternal 从HASH读出向量与模型版本
func (r *Redis) getVectorInternal(ctx context.Context, cacheKey string) ([]float64, string, error) {
	if r.Client == nil {
		return nil, "", fmt.Errorf("Redis客户端未初始化")
	}

	vals, err := r.Client.HMGet(ctx, cacheKey, "vector", "model_version").Result()
	if err != nil {
		return nil, "", err
	}
	if len(vals) < 2 || vals[0] == nil {
		return nil, "", fmt.Errorf("向量缓存未命中，key=%s: %w", cacheKey, ErrNotFound)
	}

	raw, ok := vals[0].(string)
	if !ok || raw == "" {
		return nil, "", fmt.Errorf("向量缓存字段类型异常，key=%s", cacheKey)
	}
	var vector []float64
	if err := json.Unmarshal([]byte(raw), &vector); err != nil {
		return nil, "", fmt.Errorf("反序列化向量失败: %w", err)
	}

	modelVersion, ok := vals[1].(string)
	if !ok {
		return vector, "", fmt.Errorf("向量缓存缺少模型版本，key=%s", cacheKey)
	}
	return vector, modelVersion, nil
}

// CacheRankResults 将完整的、排序后的岗位ID列表缓存到Redis的ZSET中。
func (r *Redis) CacheRankResults(ctx context.Context, resumeID, optionsHash string, jobIDs []string, ttl time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("Redis客户端未初始化")
	}
	if len(jobIDs) == 0 {
		return nil // 不缓存空结果
	}

	key := fmt.Sprintf(constants.KeyRankResult, resumeID, optionsHash)

	// 分数取倒序排名，ZREVRANGE 按分数从高到低读出即还原原始顺序
	members := make([]redis.Z, len(jobIDs))
	for i, jobID := range jobIDs {
		members[i] = redis.Z{
			Score:  float64(len(jobIDs) - i),
			Member: jobID,
		}
	}

	// 旧key先删掉，整个替换在一个pipeline里完成
	pipe := r.Client.Pipeline()
	pipe.Del(ctx, key)
	pipe.ZAdd(ctx, key, members...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetCachedRankResults 从Redis ZSET中按排名读取缓存的岗位ID列表。
func (r *Redis) GetCachedRankResults(ctx context.Context, resumeID, optionsHash string, cursor, limit int64) (jobIDs []string, totalCount int64, err error) {
	if r.Client == nil {
		return nil, 0, fmt.Errorf("Redis客户端未初始化")
	}
	key := fmt.Sprintf(constants.KeyRankResult, resumeID, optionsHash)

	ctx, span := redisTracer.Start(ctx, "GetCachedRankResults", trace.WithAttributes(
		semconv.DBSystemRedis,
		attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
		attribute.Int64("db.redis.cursor", cursor),
		attribute.Int64("db.redis.limit", limit),
	))
	defer span.End()

	pipe := r.Client.Pipeline()
	countCmd := pipe.ZCard(ctx, key)
	rangeCmd := pipe.ZRevRange(ctx, key, cursor, cursor+limit-1)
	_, err = pipe.Exec(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return nil, 0, err
	}

	jobIDs, err = rangeCmd.Result()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return nil, 0, fmt.Errorf("读取排序结果缓存失败: %w", err)
	}

	totalCount, err = countCmd.Result()
	if err != nil {
		return jobIDs, 0, err
	}

	return jobIDs, totalCount, nil
}

// GetRationale 读取缓存的推荐理由，未命中返回 (nil, nil)。
// 键带版本号且不设置TTL，换代时通过键名版本整体失效。
func (r *Redis) GetRationale(ctx context.Context, resumeID, jobID string) (*types.Rationale, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("Redis客户端未初始化")
	}

	key := fmt.Sprintf(constants.KeyRationaleResponse, resumeID, jobID)
	val, err := r.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rationale types.Rationale
	if err := json.Unmarshal([]byte(val), &rationale); err != nil {
		return nil, fmt.Errorf("反序列化推荐理由缓存失败: %w", err)
	}
	return &rationale, nil
}

// SetRationale 缓存生成的推荐理由
func (r *Redis) SetRationale(ctx context.Context, resumeID, jobID string, rationale *types.Rationale) error {
	if r.Client == nil {
		return fmt.Errorf("Redis客户端未初始化")
	}
	if rationale == nil {
		return nil // 空理由不缓存
	}

	data, err := json.Marshal(rationale)
	if err != nil {
		return fmt.Errorf("序列化推荐理由失败: %w", err)
	}

	key := fmt.Sprintf(constants.KeyRationaleResponse, resumeID, jobID)
	// 过期时间为0，v1不做TTL淘汰
	return r.Set(ctx, key, string(data), 0)
}

// AcquireLock 以 SetNX 抢占分布式锁。抢到返回随机的持有者标识，
// 没抢到返回空串，两种情况都不算错误。
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("Redis客户端未初始化")
	}

	lockValue := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, lockKey, lockValue, expiration).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return lockValue, nil
}

// 只有持有者标识匹配时才删除，整个释放动作在Redis侧原子执行
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// ReleaseLock 释放分布式锁，返回值表示锁是否确由本次调用释放。
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error) {
	if r.Client == nil {
		return false, fmt.Errorf("Redis客户端未初始化")
	}

	res, err := r.Client.Eval(ctx, unlockScript, []string{lockKey}, lockValue).Result()
	if err != nil {
		return false, err
	}
	released, ok := res.(int64)
	return ok && released == 1, nil
}

// startRedisSpan 按key的采样率决定是否为这次操作建span，未采样时返回nil span。
func startRedisSpan(ctx context.Context, op, key string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	if !shouldSampleRedisOp(key) {
		return ctx, nil
	}
	ctx, span := redisTracer.Start(ctx, "Redis."+op, trace.WithSpanKind(trace.SpanKindClient))
	attrs := []attribute.KeyValue{
		semconv.DBSystemRedis,
		attribute.String("db.operation", strings.ToUpper(op)),
		attribute.String("db.redis.key", tracing.SafeRedisKey(key)),
		// 不向子span传播，避免与redisotel钩子的span重复
		attribute.Bool("otel.propagate_to_child", false),
	}
	span.SetAttributes(append(attrs, extra...)...)
	return ctx, span
}

// Get 读取键的值。是否建span由key前缀的采样率决定。
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("Redis客户端未初始化")
	}

	ctx, span := startRedisSpan(ctx, "Get", key)
	val, err := r.Client.Get(ctx, key).Result()
	if span != nil {
		defer span.End()
		switch {
		case errors.Is(err, ErrNotFound):
			// key不存在不算错误
			span.SetStatus(codes.Ok, "key not found")
			span.SetAttributes(attribute.Bool("db.redis.key_exists", false))
		case err != nil:
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		default:
			span.SetAttributes(
				attribute.Bool("db.redis.key_exists", true),
				attribute.Int("db.redis.value_length", len(val)),
			)
			span.SetStatus(codes.Ok, "")
		}
	}

	if err != nil {
		return "", err
	}
	return val, nil
}

// Set 写入键值，expiration为0表示不过期。
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("Redis客户端未初始化")
	}

	ctx, span := startRedisSpan(ctx, "Set", key, attribute.Int("db.redis.value_length", len(value)))
	err := r.Client.Set(ctx, key, value, expiration).Err()
	if span != nil {
		defer span.End()
		if expiration > 0 {
			span.SetAttributes(attribute.Int64("db.redis.expiration_ms", expiration.Milliseconds()))
		}
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	return err
}

package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"match-engine-go/internal/config"
)

// Storage 聚合全部存储后端，负责统一创建与释放。
type Storage struct {
	MinIO    *MinIO    // 候选人画像对象存储
	RabbitMQ *RabbitMQ // 匹配事件消息队列
	MySQL    *MySQL    // 岗位目录、匹配明细与发件箱
	Redis    *Redis    // 向量缓存、结果缓存与分布式锁
}

// NewStorage 逐个初始化存储后端。单个后端失败不中断流程，
// 先收集失败原因，全部失败才整体报错。
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("存储配置不能为空")
	}

	s := &Storage{}
	var failures []string

	register := func(name string, init func() error) {
		log.Printf("初始化%s...", name)
		if err := init(); err != nil {
			log.Printf("警告: 初始化%s失败: %v", name, err)
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}

	// MinIO 客户端的内部日志只在 debug 级别输出
	minioLogger := log.New(io.Discard, "", 0)
	if cfg.Logger.Level == "debug" {
		minioLogger = log.New(os.Stderr, "[minio] ", log.LstdFlags|log.Lshortfile)
	}

	register("MinIO", func() (err error) {
		s.MinIO, err = NewMinIO(&cfg.MinIO, minioLogger)
		return
	})

	if cfg.RabbitMQ.URL != "" {
		register("RabbitMQ", func() (err error) {
			s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
			return
		})
	}

	if cfg.MySQL.Host != "" {
		register("MySQL", func() (err error) {
			s.MySQL, err = NewMySQL(&cfg.MySQL)
			return
		})
	}

	if cfg.Redis.Address != "" {
		register("Redis", func() (err error) {
			s.Redis, err = NewRedisAdapter(&cfg.Redis)
			return
		})
	} else {
		log.Printf("Redis地址未配置，跳过缓存初始化")
	}

	if s.MinIO == nil && s.RabbitMQ == nil && s.MySQL == nil && s.Redis == nil {
		return nil, fmt.Errorf("全部存储后端初始化失败: %s", strings.Join(failures, "; "))
	}
	if len(failures) > 0 {
		log.Printf("警告: 部分存储后端未就绪: %s", strings.Join(failures, "; "))
	}

	return s, nil
}

// Close 释放全部存储连接。MinIO客户端没有长连接句柄，无需关闭。
func (s *Storage) Close() {
	type closer struct {
		name string
		fn   func() error
	}
	var closers []closer
	if s.RabbitMQ != nil {
		closers = append(closers, closer{"RabbitMQ", s.RabbitMQ.Close})
	}
	if s.MySQL != nil {
		closers = append(closers, closer{"MySQL", s.MySQL.Close})
	}
	if s.Redis != nil {
		closers = append(closers, closer{"Redis", s.Redis.Close})
	}
	for _, c := range closers {
		if err := c.fn(); err != nil {
			log.Printf("关闭%s失败: %v", c.name, err)
		}
	}
}

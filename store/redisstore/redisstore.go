// Package redisstore 提供基于 Redis 的实验持久化存储.
// 实验聚合以 JSON 值写入，另维护一个 ID 集合作为列表索引。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
)

// Store Redis 实验存储
type Store struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// New 创建 Redis 实验存储并验证连接
func New(cfg config.RedisConfig, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewWithClient 复用已有客户端创建存储（测试与嵌入场景）
func NewWithClient(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "abflow"
	}
	logger.Info("redis experiment store initialized", zap.String("prefix", prefix))
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redisstore")),
	}
}

func (s *Store) expKey(id string) string {
	return s.prefix + ":exp:" + id
}

func (s *Store) indexKey() string {
	return s.prefix + ":exps"
}

// Save 保存实验
func (s *Store) Save(ctx context.Context, exp *experiment.Experiment) error {
	payload, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.expKey(exp.ID), payload, 0)
	pipe.SAdd(ctx, s.indexKey(), exp.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

// Load 加载实验
func (s *Store) Load(ctx context.Context, id string) (*experiment.Experiment, error) {
	payload, err := s.client.Get(ctx, s.expKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, experiment.ErrExperimentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment: %w", err)
	}

	var exp experiment.Experiment
	if err := json.Unmarshal(payload, &exp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment %s: %w", id, err)
	}
	return &exp, nil
}

// List 列出所有实验，按创建时间排序
func (s *Store) List(ctx context.Context) ([]*experiment.Experiment, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	experiments := make([]*experiment.Experiment, 0, len(ids))
	for _, id := range ids {
		exp, err := s.Load(ctx, id)
		if errors.Is(err, experiment.ErrExperimentNotFound) {
			// 索引与键不一致时跳过悬挂条目
			continue
		}
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}

	sort.Slice(experiments, func(i, j int) bool {
		return experiments[i].CreatedAt.Before(experiments[j].CreatedAt)
	})
	return experiments, nil
}

// Delete 删除实验
func (s *Store) Delete(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, s.expKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}
	if err := s.client.SRem(ctx, s.indexKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove experiment from index: %w", err)
	}
	if deleted == 0 {
		return experiment.ErrExperimentNotFound
	}
	return nil
}

// Close 关闭客户端
func (s *Store) Close() error {
	return s.client.Close()
}

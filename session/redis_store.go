package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// keyPrefix 是快照在 Redis 中的键前缀。
const keyPrefix = "llmstream:gen:"

// RedisStore 把生成快照镜像到 Redis，供多进程部署下的重连：
// 客户端重连到任意进程都能查到当前 offset 与已累积文本。
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 快照存储并验证连通性。
func NewRedisStore(client *redis.Client, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis ping failed: %w", err)
	}

	return &RedisStore{
		client: client,
		logger: logger.With(zap.String("component", "session_redis_store")),
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+snap.SubtaskID, data, ttl).Err(); err != nil {
		return fmt.Errorf("session: save snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, subtaskID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, keyPrefix+subtaskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session: no state for subtask %s", subtaskID)
		}
		return nil, fmt.Errorf("session: load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("session: unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisStore) Delete(ctx context.Context, subtaskID string) error {
	return s.client.Del(ctx, keyPrefix+subtaskID).Err()
}

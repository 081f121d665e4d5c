package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"AgentMiner/internal/miner"
	"AgentMiner/pkg/logger"
)

// RedisConfig 描述 Redis 快照发布目标。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	Channel  string
	// TTL 为 0 时快照不过期。
	TTL      time.Duration
	Interval time.Duration
}

type redisWriter interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher 定期把快照写入 Redis，并在频道上广播。
type RedisPublisher struct {
	client   redisWriter
	closer   func() error
	key      string
	channel  string
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewRedisPublisher 连接 Redis 并创建发布器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	p := newRedisPublisher(client, cfg)
	p.closer = client.Close
	return p, nil
}

func newRedisPublisher(client redisWriter, cfg RedisConfig) *RedisPublisher {
	if cfg.Key == "" {
		cfg.Key = "agentminer:snapshot"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &RedisPublisher{
		client:   client,
		key:      cfg.Key,
		channel:  cfg.Channel,
		ttl:      cfg.TTL,
		interval: cfg.Interval,
		logger:   logger.Named("dashboard"),
	}
}

// Publish 写入一次快照。频道为空时只写键。
func (p *RedisPublisher) Publish(ctx context.Context, snap miner.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	if err := p.client.Set(ctx, p.key, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 快照失败: %w", err)
	}
	if p.channel == "" {
		return nil
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("广播快照失败: %w", err)
	}
	return nil
}

// Run 按固定间隔发布快照，直到 ctx 取消。单次失败只记录日志。
func (p *RedisPublisher) Run(ctx context.Context, source SnapshotSource) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Publish(ctx, source.Snapshot()); err != nil && ctx.Err() == nil {
			p.logger.Warn("发布快照失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.closer == nil {
		return nil
	}
	return p.closer()
}

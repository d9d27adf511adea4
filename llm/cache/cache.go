package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/raceflow/llm"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("cache miss")

// Entry 缓存的一次成功回复
type Entry struct {
	Alias     string        `json:"alias"`
	Model     string        `json:"model"`
	Content   string        `json:"content"`
	Usage     llm.ChatUsage `json:"usage"`
	CreatedAt time.Time     `json:"created_at"`
}

// Cache 回复缓存接口
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry) error
}

// Config 缓存配置
type Config struct {
	LocalMaxSize int           // 本地缓存最大条目数，0 表示不启用本地层
	LocalTTL     time.Duration // 本地缓存 TTL
	RedisTTL     time.Duration // Redis 缓存 TTL
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		LocalMaxSize: 256,
		LocalTTL:     10 * time.Minute,
		RedisTTL:     24 * time.Hour,
	}
}

// TwoLevel 本地 LRU + 可选 Redis 的两级缓存
type TwoLevel struct {
	local  *LRU
	redis  *redis.Client
	cfg    Config
	logger *zap.Logger
}

// New 创建两级缓存；rdb 为 nil 时只使用本地层。
func New(rdb *redis.Client, cfg Config, logger *zap.Logger) *TwoLevel {
	if logger == nil {
		logger = zap.NewNop()
	}
	var local *LRU
	if cfg.LocalMaxSize > 0 {
		local = NewLRU(cfg.LocalMaxSize, cfg.LocalTTL)
	}
	return &TwoLevel{
		local:  local,
		redis:  rdb,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "reply_cache")),
	}
}

// Get 先查本地，再查 Redis；Redis 命中回填本地。
func (c *TwoLevel) Get(ctx context.Context, key string) (*Entry, error) {
	if c.local != nil {
		if e, ok := c.local.Get(key); ok {
			c.logger.Debug("local cache hit", zap.String("key", key))
			return e, nil
		}
	}

	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			var e Entry
			if err := json.Unmarshal(data, &e); err == nil {
				if c.local != nil {
					c.local.Set(key, &e)
				}
				c.logger.Debug("redis cache hit", zap.String("key", key))
				return &e, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error", zap.Error(err))
		}
	}
	return nil, ErrMiss
}

// Set 写入两级缓存，Redis 错误返回给调用方（调用方通常只记录日志）。
func (c *TwoLevel) Set(ctx context.Context, key string, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if c.local != nil {
		c.local.Set(key, e)
	}
	if c.redis != nil {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := c.redis.Set(ctx, key, data, c.cfg.RedisTTL).Err(); err != nil {
			c.logger.Warn("redis set error", zap.Error(err))
			return err
		}
	}
	return nil
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/raceflow/llm"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU(2, time.Minute)
	c.Set("k1", &Entry{Content: "1"})
	c.Set("k2", &Entry{Content: "2"})
	_, _ = c.Get("k1") // k1 变为最近使用
	c.Set("k3", &Entry{Content: "3"})

	_, ok := c.Get("k2")
	assert.False(t, ok, "k2 should have been evicted")
	_, ok = c.Get("k1")
	assert.True(t, ok)
	_, ok = c.Get("k3")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRU_TTL(t *testing.T) {
	c := NewLRU(10, 10*time.Millisecond)
	c.Set("k", &Entry{Content: "v"})
	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestKey_Deterministic(t *testing.T) {
	msgs := []llm.Message{{Role: llm.RoleUser, Content: "hello"}}
	k1 := Key("gpt52", "gpt-5.2", msgs, 8000)
	k2 := Key("gpt52", "gpt-5.2", []llm.Message{{Role: llm.RoleUser, Content: "hello"}}, 8000)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, Key("gpt51", "gpt-5.2", msgs, 8000))
	assert.NotEqual(t, k1, Key("gpt52", "gpt-5.2", msgs, 2000))
	assert.Contains(t, k1, "raceflow:reply:")
}

func TestTwoLevel_RedisRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	writer := New(rdb, Config{RedisTTL: time.Hour}, zap.NewNop())
	require.NoError(t, writer.Set(ctx, "key", &Entry{Alias: "gpt52", Content: "cached", Usage: llm.ChatUsage{TotalTokens: 7}}))
	assert.True(t, mr.Exists("key"))
	assert.Equal(t, time.Hour, mr.TTL("key"))

	// 新实例没有本地层，只能从 Redis 读到
	reader := New(rdb, Config{LocalMaxSize: 4, LocalTTL: time.Minute, RedisTTL: time.Hour}, nil)
	e, err := reader.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "cached", e.Content)
	assert.Equal(t, 7, e.Usage.TotalTokens)
	assert.Equal(t, 1, reader.local.Len(), "redis hit backfills local")

	_, err = reader.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestTwoLevel_LocalOnly(t *testing.T) {
	c := New(nil, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", &Entry{Content: "v"}))
	e, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", e.Content)
	assert.False(t, e.CreatedAt.IsZero())
}

package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEncoder 统计后端调用次数。
type countingEncoder struct {
	calls int
}

func (c *countingEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return []float32{0.1, 0.2, 0.3}, nil
}

func (c *countingEncoder) Dimensions() int { return 3 }

func TestCachedClientHitSkipsBackend(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingEncoder{}
	client := NewCachedClient(inner, rdb, "bge-m3", time.Minute)

	first, err := client.Embed(context.Background(), "深圳的订单")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)

	// 第二次命中缓存，不再访问后端
	second, err := client.Embed(context.Background(), "深圳的订单")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, first, second)

	// 不同文本各自缓存
	_, err = client.Embed(context.Background(), "上海的订单")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedClientDegradesWithoutRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	inner := &countingEncoder{}
	client := NewCachedClient(inner, rdb, "bge-m3", time.Minute)

	// 缓存不可用时直接回源，不影响调用方
	vec, err := client.Embed(context.Background(), "深圳的订单")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedClientDimensions(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	client := NewCachedClient(&countingEncoder{}, rdb, "bge-m3", time.Minute)
	assert.Equal(t, 3, client.Dimensions())
}

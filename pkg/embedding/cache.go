package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Tele-AI/nl2sql/pkg/log"
)

// cachedClient 带 Redis 缓存的装饰器，缓存键由模型名和原文决定。
// 缓存故障不影响主流程，直接回落到底层客户端。
type cachedClient struct {
	inner Client
	rdb   *redis.Client
	model string
	ttl   time.Duration
}

// NewCachedClient 用 Redis 缓存包装一个编码器客户端。
func NewCachedClient(inner Client, rdb *redis.Client, model string, ttl time.Duration) Client {
	return &cachedClient{inner: inner, rdb: rdb, model: model, ttl: ttl}
}

func (c *cachedClient) Dimensions() int { return c.inner.Dimensions() }

func (c *cachedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)

	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var vec []float32
		if err := json.Unmarshal(data, &vec); err == nil && len(vec) > 0 {
			return vec, nil
		}
	} else if err != redis.Nil {
		log.Warnf("[EmbeddingCache] 读取缓存失败, 回落直连: %v", err)
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if data, merr := json.Marshal(vec); merr == nil {
		if serr := c.rdb.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			log.Warnf("[EmbeddingCache] 写入缓存失败: %v", serr)
		}
	}
	return vec, nil
}

func (c *cachedClient) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embedding:%s:%s", c.model, hex.EncodeToString(sum[:]))
}

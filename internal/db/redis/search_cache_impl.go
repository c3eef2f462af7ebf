package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"deeprag/internal/domain/rag"
	applog "deeprag/internal/platform/log"
)

// SearchCache 本地索引检索结果的 Redis 缓存，实现 rag.CacheStore
type SearchCache struct {
	redis  redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewSearchCache 创建检索缓存
func NewSearchCache(rdb redis.UniversalClient, ttlSeconds int) *SearchCache {
	ttl := 5 * time.Minute
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &SearchCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "deeprag:retrieval:",
	}
}

// Get 从缓存获取检索结果；未命中或出错都视为 miss
func (c *SearchCache) Get(ctx context.Context, key rag.CacheKey) ([]rag.Hit, bool) {
	k := c.cacheKey(key)
	data, err := c.redis.Get(ctx, k).Bytes()
	if err != nil {
		if err != redis.Nil {
			applog.Warn("[RAG/Cache] Failed to read cache", "key", k, "error", err)
		}
		return nil, false
	}

	var hits []rag.Hit
	if err := json.Unmarshal(data, &hits); err != nil {
		applog.Warn("[RAG/Cache] Failed to unmarshal cached result", "error", err)
		return nil, false
	}

	applog.Debug("[RAG/Cache] Hit", "key", k, "source", key.Source)
	return hits, true
}

// Set 写入检索结果到缓存
func (c *SearchCache) Set(ctx context.Context, key rag.CacheKey, hits []rag.Hit) {
	k := c.cacheKey(key)
	data, err := json.Marshal(hits)
	if err != nil {
		return
	}

	if err := c.redis.Set(ctx, k, data, c.ttl).Err(); err != nil {
		applog.Warn("[RAG/Cache] Failed to set cache", "key", k, "error", err)
	}
}

// InvalidateAll 清除所有检索缓存（索引内容变化后调用）
func (c *SearchCache) InvalidateAll(ctx context.Context) (int, error) {
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	applog.Info("[RAG/Cache] All cache invalidated", "keys_deleted", len(keys))
	return len(keys), nil
}

// Ping 检查 Redis 连通性
func (c *SearchCache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// cacheKey 生成缓存 key = prefix + source + hash(query + k [+ section])
func (c *SearchCache) cacheKey(key rag.CacheKey) string {
	raw := fmt.Sprintf("%s|%d", strings.TrimSpace(key.Query), key.K)
	if key.Section != "" {
		raw += "|" + key.Section
	}
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%s:%x", c.prefix, key.Source, hash[:12])
}

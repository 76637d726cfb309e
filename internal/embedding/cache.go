package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "yume:embed:"

// CachedProvider wraps a Provider with a Redis-backed, TTL-bounded cache.
// Memory save paths re-embed the same content often (every rebuild, every
// upsert of an unchanged entry), so cache hits skip the embedding API call.
type CachedProvider struct {
	inner  Provider
	model  string
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedProvider connects to Redis and wraps inner with a cache.
// model is part of the cache key so switching models never serves stale vectors.
func NewCachedProvider(inner Provider, model, redisURL string, ttl time.Duration, logger *zap.Logger) (*CachedProvider, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &CachedProvider{inner: inner, model: model, rdb: rdb, ttl: ttl, logger: logger}, nil
}

// CacheKey derives the Redis key for a text under the given model.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Embed returns cached vectors where available and delegates the misses
// to the inner provider in a single batched call.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = CacheKey(p.model, t)
	}

	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	cached, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		// Cache trouble must never fail an embed; fall through to the provider.
		p.logger.Warn("embedding cache read failed", zap.Error(err))
		cached = make([]interface{}, len(texts))
	}
	for i, raw := range cached {
		s, ok := raw.(string)
		if !ok {
			missTexts = append(missTexts, texts[i])
			missIdx = append(missIdx, i)
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(s), &vec); err != nil || len(vec) == 0 {
			missTexts = append(missTexts, texts[i])
			missIdx = append(missIdx, i)
			continue
		}
		out[i] = vec
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := p.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(vectors), len(missTexts))
	}

	for j, vec := range vectors {
		i := missIdx[j]
		out[i] = vec
		data, err := json.Marshal(vec)
		if err != nil {
			continue
		}
		if err := p.rdb.Set(ctx, keys[i], data, p.ttl).Err(); err != nil {
			p.logger.Warn("embedding cache write failed", zap.Error(err))
		}
	}

	p.logger.Debug("embedding cache",
		zap.Int("hits", len(texts)-len(missTexts)),
		zap.Int("misses", len(missTexts)))
	return out, nil
}

// Dimension delegates to the inner provider.
func (p *CachedProvider) Dimension() int {
	return p.inner.Dimension()
}

// Close shuts down the Redis connection.
func (p *CachedProvider) Close() error {
	return p.rdb.Close()
}

package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/platform/rediscache"
)

// Cached wraps an Embedder with a redis lookaside cache keyed by model and
// text hash. Cache trouble degrades to the inner embedder, never to an
// error.
type Cached struct {
	log   *logger.Logger
	inner Embedder
	cache *rediscache.Cache
	model string
	ttl   time.Duration
}

func NewCached(log *logger.Logger, inner Embedder, cache *rediscache.Cache, model string, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cached{
		log:   log.With("service", "CachedEmbedder"),
		inner: inner,
		cache: cache,
		model: model,
		ttl:   ttl,
	}
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.cache == nil {
		return c.inner.Embed(ctx, texts)
	}

	out := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))
	for i, text := range texts {
		var vec []float32
		hit, err := c.cache.GetJSON(ctx, c.cacheKey(text), &vec)
		if err != nil {
			c.log.Warn("embedding cache read failed", "error", err)
		}
		if hit && len(vec) > 0 {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range fresh {
		out[missIdx[j]] = vec
		if err := c.cache.SetJSON(ctx, c.cacheKey(missTexts[j]), vec, c.ttl); err != nil {
			c.log.Warn("embedding cache write failed", "error", err)
		}
	}
	return out, nil
}

func (c *Cached) Ready(ctx context.Context) error {
	return c.inner.Ready(ctx)
}

func (c *Cached) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + c.model + ":" + hex.EncodeToString(sum[:16])
}

package stats

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/observability"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/rag/langpack"
)

// Sampler is the slice of the chunk store the provider needs. The store
// package satisfies it.
type Sampler interface {
	SampleChunks(ctx context.Context, limit int) ([]domain.ChunkSample, error)
}

// Provider owns the current corpus snapshot and refreshes it in the
// background. Readers call Current and get a consistent snapshot for the
// lifetime of their request.
type Provider struct {
	log     *logger.Logger
	sampler Sampler
	limit   int

	cur atomic.Pointer[Snapshot]
}

func NewProvider(log *logger.Logger, sampler Sampler, sampleLimit int) *Provider {
	if sampleLimit <= 0 {
		sampleLimit = 2000
	}
	return &Provider{log: log, sampler: sampler, limit: sampleLimit}
}

// Current returns the latest snapshot, or nil before the first refresh.
func (p *Provider) Current() *Snapshot {
	return p.cur.Load()
}

// Loaded reports whether a snapshot has been published yet. Readiness gates
// on this.
func (p *Provider) Loaded() bool {
	return p.cur.Load() != nil
}

// Refresh samples the store, builds a fresh snapshot, and publishes it.
func (p *Provider) Refresh(ctx context.Context) error {
	started := time.Now()
	samples, err := p.sampler.SampleChunks(ctx, p.limit)
	if err != nil {
		observability.Current().IncStatsRefresh("error")
		return fmt.Errorf("sample chunks: %w", err)
	}
	pack := langpack.For("en")
	tokenized := make([][]string, 0, len(samples))
	for _, s := range samples {
		tokenized = append(tokenized, TokenizeSample(pack, s.Title, s.Content))
	}
	snap := Build(tokenized, time.Now().UTC())
	p.cur.Store(snap)
	observability.Current().IncStatsRefresh("ok")
	p.log.Info("corpus stats refreshed",
		"sampled_chunks", len(samples),
		"distinct_lemmas", len(snap.df),
		"took_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// Run refreshes on a fixed interval until the context ends. The first
// refresh is the caller's job (app startup does it before serving traffic).
func (p *Provider) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.log.Warn("corpus stats refresh failed", "error", err)
			}
		}
	}
}

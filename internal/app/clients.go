package app

import (
	"strings"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/platform/embedding"
	"github.com/yungbote/querybridge-backend/internal/platform/llm"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/platform/rediscache"
	"github.com/yungbote/querybridge-backend/internal/platform/reranker"
)

type clients struct {
	embedder embedding.Embedder
	reranker reranker.Reranker
	llm      llm.Completer
}

// wireClients builds the upstream model clients. The embedder gets a redis
// lookaside cache when an address is configured; the reranker is optional
// and stays nil without a base URL, which the pipeline treats as rerank
// disabled.
func wireClients(log *logger.Logger, cfg *config.Config) (clients, error) {
	embedClient, err := embedding.NewClient(log, cfg.Embedding)
	if err != nil {
		return clients{}, err
	}
	var embedder embedding.Embedder = embedClient
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		cache, err := rediscache.New(log, addr)
		if err != nil {
			log.Warn("embedding cache disabled: redis unavailable", "error", err, "addr", addr)
		} else {
			embedder = embedding.NewCached(log, embedClient, cache, cfg.Embedding.Model, cfg.Embedding.CacheTTL.Duration)
		}
	}

	var rr reranker.Reranker
	if strings.TrimSpace(cfg.Pipeline.Rerank.BaseURL) != "" {
		client, err := reranker.NewClient(log, cfg.Pipeline.Rerank)
		if err != nil {
			return clients{}, err
		}
		rr = client
	}

	completer, err := llm.NewClient(log, cfg.LLM)
	if err != nil {
		return clients{}, err
	}

	return clients{embedder: embedder, reranker: rr, llm: completer}, nil
}

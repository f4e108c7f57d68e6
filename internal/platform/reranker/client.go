package reranker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/platform/httpx"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

// Document is one passage sent for cross-encoder scoring.
type Document struct {
	ID   string
	Text string
}

// Result is a scored document, highest relevance first.
type Result struct {
	ID    string
	Score float64
}

// Reranker scores documents against a query. Implementations must return
// results for every input document.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document) ([]Result, error)
}

// Client speaks the Cohere-compatible /v1/rerank shape served by the usual
// cross-encoder deployments (TEI rerank, Jina, Cohere itself).
type Client struct {
	log    *logger.Logger
	httpc  *http.Client
	url    string
	apiKey string
	model  string
}

func NewClient(log *logger.Logger, cfg config.RerankConfig) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("reranker base_url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/rerank"
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		log:    log.With("service", "RerankerClient"),
		httpc:  &http.Client{Timeout: timeout},
		url:    strings.TrimRight(cfg.BaseURL, "/") + path,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
	}, nil
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"relevance_score"`
	} `json:"results"`
}

func (c *Client) Rerank(ctx context.Context, query string, docs []Document) ([]Result, error) {
	const op = "rerank"
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	req := rerankRequest{Model: c.model, Query: query, Documents: texts, TopN: len(docs)}

	var resp rerankResponse
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if err := httpx.DoJSON(ctx, c.httpc, "reranker", op, http.MethodPost, c.url, header, req, &resp); err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(resp.Results))
	for _, item := range resp.Results {
		if item.Index < 0 || item.Index >= len(docs) {
			return nil, fmt.Errorf("reranker %s: result index %d out of range", op, item.Index)
		}
		out = append(out, Result{ID: docs[item.Index].ID, Score: item.Score})
	}
	if len(out) != len(docs) {
		return nil, fmt.Errorf("reranker %s: got %d results for %d documents", op, len(out), len(docs))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

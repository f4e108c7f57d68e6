package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/platform/httpx"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

// Embedder turns texts into vectors. Implementations must return one vector
// per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Ready(ctx context.Context) error
}

// Client speaks the OpenAI-compatible /v1/embeddings shape, which the
// usual self-hosted servers (TEI, vLLM, Ollama's compat layer) also expose.
type Client struct {
	log        *logger.Logger
	httpc      *http.Client
	url        string
	apiKey     string
	model      string
	dim        int
	maxRetries int
}

func NewClient(log *logger.Logger, cfg config.EmbeddingConfig) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("embedding base_url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/embeddings"
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		log:        log.With("service", "EmbeddingClient"),
		httpc:      &http.Client{Timeout: timeout},
		url:        strings.TrimRight(cfg.BaseURL, "/") + path,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dim:        cfg.VectorDim,
		maxRetries: cfg.MaxRetries,
	}, nil
}

type embedRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	const op = "embed"
	if len(texts) == 0 {
		return nil, nil
	}

	req := embedRequest{Model: c.model, Input: texts}
	var resp embedResponse
	if err := c.doWithRetry(ctx, op, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding %s: got %d vectors for %d inputs", op, len(resp.Data), len(texts))
	}
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	out := make([][]float32, len(texts))
	for i, item := range resp.Data {
		if c.dim > 0 && len(item.Embedding) != c.dim {
			return nil, fmt.Errorf("embedding %s: dimension mismatch: expected=%d got=%d", op, c.dim, len(item.Embedding))
		}
		out[i] = item.Embedding
	}
	return out, nil
}

// Ready probes the service with a one-item request and verifies the model
// still emits vectors of the configured dimension.
func (c *Client) Ready(ctx context.Context) error {
	req := embedRequest{Model: c.model, Input: []string{"readiness probe"}}
	var resp embedResponse
	if err := httpx.DoJSON(ctx, c.httpc, "embedding", "ready", http.MethodPost, c.url, c.header(), req, &resp); err != nil {
		return err
	}
	if len(resp.Data) != 1 {
		return fmt.Errorf("embedding ready: got %d vectors for 1 input", len(resp.Data))
	}
	if c.dim > 0 && len(resp.Data[0].Embedding) != c.dim {
		return fmt.Errorf("embedding ready: dimension mismatch: expected=%d got=%d", c.dim, len(resp.Data[0].Embedding))
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, op string, in, out any) error {
	attempts := c.maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return httpx.Classify("embedding", op, ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		lastErr = httpx.DoJSON(ctx, c.httpc, "embedding", op, http.MethodPost, c.url, c.header(), in, out)
		if lastErr == nil {
			return nil
		}
		var callErr *httpx.CallError
		if !errors.As(lastErr, &callErr) || !callErr.Retryable() {
			return lastErr
		}
		c.log.Warn("embedding call retrying", "op", op, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

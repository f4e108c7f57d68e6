package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/observability"
	"github.com/yungbote/querybridge-backend/internal/platform/httpx"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Response struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Completer is the synthesis backend. The pipeline only ever needs a single
// completion per request; streaming stays out of this interface.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Ready(ctx context.Context) error
}

// Client speaks /v1/chat/completions. Anything OpenAI-compatible works:
// the hosted API, vLLM, llama.cpp server, LiteLLM proxies.
type Client struct {
	log     *logger.Logger
	httpc   *http.Client
	baseURL string
	url     string
	apiKey  string
	model   string
	stream  bool
}

func NewClient(log *logger.Logger, cfg config.LLMConfig) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("llm base_url required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm model required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/chat/completions"
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		log:     log.With("service", "LLMClient"),
		httpc:   &http.Client{Timeout: timeout},
		baseURL: base,
		url:     base + path,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		stream:  cfg.Stream,
	}, nil
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	const op = "complete"

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)
	if len(messages) == 0 {
		return Response{}, fmt.Errorf("llm %s: no messages", op)
	}

	body := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	start := time.Now()
	if c.stream {
		out, err := c.completeStream(ctx, body)
		c.observe(start, out, err)
		return out, err
	}
	var resp chatResponse
	if err := httpx.DoJSON(ctx, c.httpc, "llm", op, http.MethodPost, c.url, c.header(), body, &resp); err != nil {
		c.observe(start, Response{}, err)
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		c.observe(start, Response{}, nil)
		return Response{}, fmt.Errorf("llm %s: empty choices", op)
	}
	choice := resp.Choices[0]
	out := Response{
		Content:          strings.TrimSpace(choice.Message.Content),
		FinishReason:     choice.FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	c.observe(start, out, nil)
	return out, nil
}

func (c *Client) observe(start time.Time, resp Response, err error) {
	observability.Current().ObserveLLM(c.model, callStatus(err), time.Since(start), resp.PromptTokens, resp.CompletionTokens)
}

func callStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var ce *httpx.CallError
	if errors.As(err, &ce) {
		if ce.Kind == httpx.KindStatus && ce.StatusCode > 0 {
			return strconv.Itoa(ce.StatusCode)
		}
		return string(ce.Kind)
	}
	return "error"
}

func (c *Client) Ready(ctx context.Context) error {
	return httpx.DoJSON(ctx, c.httpc, "llm", "ready", http.MethodGet, c.baseURL+"/v1/models", c.header(), nil, nil)
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

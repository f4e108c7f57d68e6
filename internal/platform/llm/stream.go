package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/yungbote/querybridge-backend/internal/platform/httpx"
)

// maxStreamLine bounds one SSE event; completions deltas are tiny but
// usage-bearing final chunks can carry the full prompt echo on some proxies.
const maxStreamLine = 1 << 20

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// completeStream posts with stream enabled and collects the SSE deltas into
// one consolidated response. The pipeline never sees partial answers.
func (c *Client) completeStream(ctx context.Context, body chatRequest) (Response, error) {
	const op = "complete_stream"
	body.Stream = true

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, &httpx.CallError{Service: "llm", Op: op, Kind: httpx.KindEncode, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, &httpx.CallError{Service: "llm", Op: op, Kind: httpx.KindEncode, Err: err}
	}
	httpReq.Header = c.header()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return Response{}, httpx.Classify("llm", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, &httpx.CallError{
			Service:    "llm",
			Op:         op,
			Kind:       httpx.KindStatus,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	out, err := collectStream(resp.Body)
	if err != nil {
		return Response{}, &httpx.CallError{Service: "llm", Op: op, Kind: httpx.KindDecode, Err: err}
	}
	return out, nil
}

// collectStream reads SSE events until the DONE sentinel or EOF, joining the
// content deltas.
func collectStream(r io.Reader) (Response, error) {
	var (
		content strings.Builder
		out     Response
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return Response{}, fmt.Errorf("malformed stream chunk: %w", err)
		}
		if len(chunk.Choices) > 0 {
			content.WriteString(chunk.Choices[0].Delta.Content)
			if fr := chunk.Choices[0].FinishReason; fr != "" {
				out.FinishReason = fr
			}
		}
		if chunk.Usage != nil {
			out.PromptTokens = chunk.Usage.PromptTokens
			out.CompletionTokens = chunk.Usage.CompletionTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{}, err
	}
	out.Content = strings.TrimSpace(content.String())
	if out.Content == "" {
		return Response{}, fmt.Errorf("stream produced no content")
	}
	return out, nil
}

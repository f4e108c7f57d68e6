package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func newTestClient(t *testing.T, rt roundTripFunc, retries int) *Client {
	t.Helper()
	c, err := NewClient(newTestLogger(t), config.EmbeddingConfig{
		BaseURL:    "http://embed.test",
		Model:      "bge-m3",
		VectorDim:  3,
		MaxRetries: retries,
		Timeout:    config.Duration{Duration: time.Second},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.httpc = &http.Client{Transport: rt, Timeout: time.Second}
	return c
}

func jsonResponse(t *testing.T, status int, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(raw)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestEmbedPreservesInputOrder(t *testing.T) {
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("path: got=%s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Input) != 2 {
			t.Fatalf("input size: want=2 got=%d", len(req.Input))
		}
		// Deliberately shuffled indices.
		return jsonResponse(t, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{4, 5, 6}},
				{"index": 0, "embedding": []float32{1, 2, 3}},
			},
		}), nil
	})
	c := newTestClient(t, rt, 0)

	vecs, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 4 {
		t.Fatalf("order: got %v", vecs)
	}
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2}}},
		}), nil
	})
	c := newTestClient(t, rt, 0)

	if _, err := c.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatalf("expected dimension error")
	}
}

func TestEmbedRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return jsonResponse(t, http.StatusTooManyRequests, map[string]any{"error": "slow down"}), nil
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2, 3}}},
		}), nil
	})
	c := newTestClient(t, rt, 2)

	vecs, err := c.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("embed after retry: %v", err)
	}
	if len(vecs) != 1 || calls.Load() != 2 {
		t.Fatalf("retry behavior: vecs=%d calls=%d", len(vecs), calls.Load())
	}
}

func TestEmbedDoesNotRetryOn400(t *testing.T) {
	var calls atomic.Int32
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonResponse(t, http.StatusBadRequest, map[string]any{"error": "bad input"}), nil
	})
	c := newTestClient(t, rt, 3)

	if _, err := c.Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatalf("expected status error")
	}
	if calls.Load() != 1 {
		t.Fatalf("400 must not be retried: calls=%d", calls.Load())
	}
}

func TestReadyRejectsDimensionDrift(t *testing.T) {
	rt := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2, 3, 4}}},
		}), nil
	})
	c := newTestClient(t, rt, 0)

	if err := c.Ready(context.Background()); err == nil {
		t.Fatalf("expected dimension error from probe")
	}
}

type fakeEmbedder struct {
	calls  [][]string
	vector []float32
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

func (f *fakeEmbedder) Ready(context.Context) error { return nil }

func TestCachedEmbedderWithoutRedisDelegates(t *testing.T) {
	inner := &fakeEmbedder{vector: []float32{1, 2, 3}}
	cached := NewCached(newTestLogger(t), inner, nil, "bge-m3", time.Minute)

	vecs, err := cached.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 2 || len(inner.calls) != 1 {
		t.Fatalf("delegation: vecs=%d calls=%d", len(vecs), len(inner.calls))
	}
}

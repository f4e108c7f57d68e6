package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDoJSONDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe") != "yes" {
			t.Fatalf("custom header not forwarded")
		}
		fmt.Fprint(w, `{"value": 42}`)
	}))
	defer srv.Close()

	var out struct {
		Value int `json:"value"`
	}
	header := http.Header{"X-Probe": []string{"yes"}}
	err := DoJSON(context.Background(), srv.Client(), "test", "probe", http.MethodPost, srv.URL, header, map[string]any{"q": 1}, &out)
	if err != nil {
		t.Fatalf("do json: %v", err)
	}
	if out.Value != 42 {
		t.Fatalf("value: want=42 got=%d", out.Value)
	}
}

func TestDoJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := DoJSON(context.Background(), srv.Client(), "test", "probe", http.MethodGet, srv.URL, nil, nil, nil)
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("want CallError, got %v", err)
	}
	if callErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status: want=429 got=%d", callErr.StatusCode)
	}
	if !callErr.Retryable() {
		t.Fatalf("429 should be retryable")
	}
	if callErr.Timeout() {
		t.Fatalf("429 is not a timeout")
	}
}

func TestDoJSONTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := DoJSON(ctx, srv.Client(), "test", "probe", http.MethodGet, srv.URL, nil, nil, nil)
	if !IsTimeout(err) {
		t.Fatalf("want timeout classification, got %v", err)
	}
	var callErr *CallError
	if !errors.As(err, &callErr) || !callErr.Retryable() {
		t.Fatalf("timeouts should be retryable: %v", err)
	}
}

func TestIsTimeoutOnPlainDeadline(t *testing.T) {
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("raw deadline should count as timeout")
	}
	if IsTimeout(errors.New("nope")) {
		t.Fatalf("arbitrary error is not a timeout")
	}
	if IsTimeout(nil) {
		t.Fatalf("nil is not a timeout")
	}
}

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/llm"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/stats"
)

type fakeCompleter struct {
	readyErr error
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{}, fmt.Errorf("not used")
}

func (f *fakeCompleter) Ready(ctx context.Context) error { return f.readyErr }

func newHealthRouter(t *testing.T, st *fakeStore, embed *fakeEmbedder, completer *fakeCompleter, refresh bool) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	provider := stats.NewProvider(log, st, 100)
	if refresh {
		if err := provider.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	h := NewHealthHandler(log, st, embed, completer, provider)
	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	return r
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()
	r := newHealthRouter(t, &fakeStore{}, &fakeEmbedder{dim: 4}, &fakeCompleter{}, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got=%d want=%d", rec.Code, http.StatusOK)
	}
}

func TestReadyzRequiresStatsSnapshot(t *testing.T) {
	t.Parallel()
	r := newHealthRouter(t, &fakeStore{}, &fakeEmbedder{dim: 4}, &fakeCompleter{}, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got=%d want=%d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "stats") {
		t.Fatalf("body should name the missing snapshot: %s", rec.Body.String())
	}
}

func TestReadyzProbesDependencies(t *testing.T) {
	t.Parallel()
	st := &fakeStore{samples: []domain.ChunkSample{{DocID: "d", Content: "some corpus text"}}}

	r := newHealthRouter(t, st, &fakeEmbedder{dim: 4}, &fakeCompleter{}, true)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status: got=%d want=%d body=%s", rec.Code, http.StatusOK, rec.Body.String())
	}

	down := newHealthRouter(t, st, &fakeEmbedder{dim: 4}, &fakeCompleter{readyErr: fmt.Errorf("llm down")}, true)
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status: got=%d want=%d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "llm") {
		t.Fatalf("body should name the failing probe: %s", rec.Body.String())
	}
}

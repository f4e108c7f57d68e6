package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/querybridge-backend/internal/platform/ctxutil"
)

func TestTraceContextHonorsInboundIDs(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	var seen *ctxutil.TraceData
	r := gin.New()
	r.Use(AttachTraceContext())
	r.GET("/ping", func(c *gin.Context) {
		seen = ctxutil.GetTraceData(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "req-inbound")
	req.Header.Set("X-Trace-Id", "trace-inbound")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if seen == nil {
		t.Fatal("trace data not attached to context")
	}
	if seen.RequestID != "req-inbound" || seen.TraceID != "trace-inbound" {
		t.Fatalf("trace data: got=%+v", *seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "req-inbound" {
		t.Fatalf("response request id: got=%q", got)
	}
	if got := rec.Header().Get("X-Trace-Id"); got != "trace-inbound" {
		t.Fatalf("response trace id: got=%q", got)
	}
}

func TestTraceContextMintsFreshIDs(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(AttachTraceContext())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id not minted")
	}
	if rec.Header().Get("X-Trace-Id") == "" {
		t.Fatal("trace id not minted")
	}
}

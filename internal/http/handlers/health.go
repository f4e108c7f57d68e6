package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/querybridge-backend/internal/http/response"
	"github.com/yungbote/querybridge-backend/internal/platform/embedding"
	"github.com/yungbote/querybridge-backend/internal/platform/llm"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/stats"
	"github.com/yungbote/querybridge-backend/internal/store"
)

const readyProbeTimeout = 2 * time.Second

type HealthHandler struct {
	log   *logger.Logger
	st    store.Store
	embed embedding.Embedder
	llm   llm.Completer
	stats *stats.Provider
}

func NewHealthHandler(log *logger.Logger, st store.Store, embed embedding.Embedder, completer llm.Completer, stats *stats.Provider) *HealthHandler {
	return &HealthHandler{
		log:   log.With("Handler", "HealthHandler"),
		st:    st,
		embed: embed,
		llm:   completer,
		stats: stats,
	}
}

// Healthz is process liveness only: the handler answering is the signal.
func (h *HealthHandler) Healthz(c *gin.Context) {
	response.RespondOK(c, gin.H{"status": "ok"})
}

// Readyz reports whether the engine can serve a query right now: corpus
// stats must be loaded and the store, embedder, and LLM must all answer a
// probe within the deadline.
func (h *HealthHandler) Readyz(c *gin.Context) {
	if !h.stats.Loaded() {
		response.RespondError(c, http.StatusServiceUnavailable, "not_ready",
			fmt.Errorf("corpus stats snapshot not loaded"))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), readyProbeTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.st.Ready(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h.embed.Ready(ctx); err != nil {
			return fmt.Errorf("embedding: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h.llm.Ready(ctx); err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, "not_ready", err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ready"})
}

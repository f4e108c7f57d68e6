// Package rerank applies the external cross-encoder to the fused candidate
// list. The stage is best-effort: on timeout or provider error it falls back
// to the fusion ordering and records a degraded signal, so the pipeline is
// never blocked on it.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/platform/reranker"
	"github.com/yungbote/querybridge-backend/internal/rag/signal"
)

// maxDocBytes bounds the passage text sent per candidate.
const maxDocBytes = 4096

type Stage struct {
	log      *logger.Logger
	client   reranker.Reranker
	topIn    int
	topOut   int
	timeout  time.Duration
	fallback bool
}

// New builds the stage. A nil client disables it: Run then passes the input
// through unchanged.
func New(log *logger.Logger, client reranker.Reranker, cfg config.RerankConfig) *Stage {
	return &Stage{
		log:      log,
		client:   client,
		topIn:    cfg.TopIn,
		topOut:   cfg.TopOut,
		timeout:  cfg.Timeout.Duration,
		fallback: cfg.FallbackEnabled == nil || *cfg.FallbackEnabled,
	}
}

type Result struct {
	IDs     []string
	Signal  domain.StageSignal
	Applied bool
}

// Run reranks the top candidates. The outcome is Degraded when the provider
// failed and the fusion order was kept; it is Failed only when fallback is
// disabled by configuration.
func (s *Stage) Run(ctx context.Context, arena *domain.Arena, ids []string, query string) (Result, domain.Outcome) {
	if s.client == nil {
		sig := domain.StageSignal{Stage: domain.StageRerank, QualityPreservation: 1, Reason: "disabled"}
		return Result{IDs: ids, Signal: sig}, domain.Ok()
	}
	if len(ids) == 0 {
		return Result{IDs: ids, Signal: signal.From(domain.StageRerank, nil)}, domain.Ok()
	}

	in := ids
	if s.topIn > 0 && len(in) > s.topIn {
		in = in[:s.topIn]
	}
	docs := make([]reranker.Document, 0, len(in))
	for _, id := range in {
		c := arena.Get(id)
		if c == nil {
			continue
		}
		docs = append(docs, reranker.Document{ID: id, Text: passage(c)})
	}

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	results, err := s.client.Rerank(rctx, query, docs)
	if err == nil && len(results) == 0 {
		err = fmt.Errorf("reranker returned no results for %d documents", len(docs))
	}
	if err != nil {
		return s.fail(ids, err)
	}

	known := make(map[string]struct{}, len(in))
	for _, id := range in {
		known[id] = struct{}{}
	}
	out := make([]string, 0, len(results))
	scores := make([]float64, 0, len(results))
	for _, r := range results {
		if _, ok := known[r.ID]; !ok {
			s.log.Warn("reranker returned unknown document", "id", r.ID)
			continue
		}
		score := r.Score
		c := arena.Get(r.ID)
		c.Scores.Rerank = &score
		out = append(out, r.ID)
		scores = append(scores, score)
		if s.topOut > 0 && len(out) == s.topOut {
			break
		}
	}
	if len(out) == 0 {
		return s.fail(ids, fmt.Errorf("reranker results matched no candidates"))
	}
	return Result{IDs: out, Signal: signal.From(domain.StageRerank, scores), Applied: true}, domain.Ok()
}

// fail applies the fallback policy: keep the fusion ordering and degrade, or
// abort when the deployment disabled the fallback.
func (s *Stage) fail(ids []string, err error) (Result, domain.Outcome) {
	reason := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	s.log.Warn("cross-encoder rerank failed, keeping fusion order",
		"reason", reason,
		"error", err.Error())
	res := Result{IDs: ids, Signal: signal.Degraded(domain.StageRerank, reason)}
	if !s.fallback {
		return res, domain.Failed(domain.KindRetrievalUnavailable, err)
	}
	return res, domain.Degraded("rerank " + reason)
}

// passage is the text sent to the cross-encoder: the header trail for
// context, then the chunk body, bounded in size.
func passage(c *domain.Candidate) string {
	text := c.Content
	if len(c.Payload.Headers) > 0 {
		text = strings.Join(c.Payload.Headers, " / ") + "\n" + text
	}
	if len(text) > maxDocBytes {
		text = text[:maxDocBytes]
	}
	return text
}

// Package retrieve runs the vector and keyword searches in parallel against
// the store, verifies every hit against the caller's filter, and loads the
// survivors into the request arena. One failed branch degrades the request;
// two failed branches abort it.
package retrieve

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/rag/signal"
	"github.com/yungbote/querybridge-backend/internal/store"
)

// Options bounds one retrieval run. TopK applies to both branches.
type Options struct {
	TopK           int
	VectorTimeout  time.Duration
	KeywordTimeout time.Duration
}

// Branch is the outcome of one search arm. IDs are in backend rank order
// after filter re-verification.
type Branch struct {
	IDs    []string
	Signal domain.StageSignal
	Err    error
}

type Result struct {
	Vector  Branch
	Keyword Branch
}

type Retriever struct {
	log *logger.Logger
	st  store.Store
}

func New(log *logger.Logger, st store.Store) *Retriever {
	return &Retriever{log: log, st: st}
}

// Run executes both branches. The returned outcome is Ok when both arms
// answered, Degraded when exactly one did, and Failed(RetrievalUnavailable)
// when neither did. An empty term list is a healthy empty keyword branch,
// not a failure.
func (r *Retriever) Run(ctx context.Context, vector []float32, terms []store.QueryTerm, f store.Filter, arena *domain.Arena, opts Options) (Result, domain.Outcome) {
	if err := f.Validate(); err != nil {
		return Result{}, domain.Failed(domain.KindInternalInvariant, err)
	}
	if opts.TopK <= 0 {
		opts.TopK = 20
	}

	var res Result
	var vecHits, keyHits []store.Hit
	var vecErr, keyErr error
	var keySkip bool
	var g errgroup.Group

	g.Go(func() error {
		vctx, cancel := context.WithTimeout(ctx, opts.VectorTimeout)
		defer cancel()
		vecHits, vecErr = r.st.VectorSearch(vctx, vector, f, opts.TopK)
		return nil
	})
	g.Go(func() error {
		if len(terms) == 0 {
			keySkip = true
			return nil
		}
		kctx, cancel := context.WithTimeout(ctx, opts.KeywordTimeout)
		defer cancel()
		keyHits, keyErr = r.st.KeywordSearch(kctx, terms, f, opts.TopK)
		return nil
	})
	_ = g.Wait()

	res.Vector = r.finishBranch(domain.StageVector, vecHits, vecErr, f, arena)
	if keySkip {
		res.Keyword = Branch{Signal: signal.From(domain.StageKeyword, nil)}
		res.Keyword.Signal.Reason = "no keyword terms"
	} else {
		res.Keyword = r.finishBranch(domain.StageKeyword, keyHits, keyErr, f, arena)
	}

	switch {
	case res.Vector.Err != nil && res.Keyword.Err != nil:
		return res, domain.Failed(domain.KindRetrievalUnavailable,
			errors.Join(res.Vector.Err, res.Keyword.Err))
	case res.Vector.Err != nil:
		return res, domain.Degraded("vector search unavailable")
	case res.Keyword.Err != nil:
		return res, domain.Degraded("keyword search unavailable")
	default:
		return res, domain.Ok()
	}
}

func (r *Retriever) finishBranch(stage domain.Stage, hits []store.Hit, err error, f store.Filter, arena *domain.Arena) Branch {
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		r.log.Warn("search branch failed",
			"stage", string(stage),
			"reason", reason,
			"error", err.Error())
		return Branch{Err: err, Signal: signal.Degraded(stage, reason)}
	}

	hits = r.verify(stage, hits, f)
	ids := make([]string, 0, len(hits))
	scores := make([]float64, 0, len(hits))
	for i, h := range hits {
		c := arena.Get(h.ID)
		if c == nil {
			c = arena.Put(&domain.Candidate{
				ID:      h.ID,
				DocID:   h.DocID,
				Content: h.Content,
				Payload: h.Payload,
			})
		}
		score := h.Score
		switch stage {
		case domain.StageVector:
			c.Scores.Vector = &score
			c.VectorRank = i + 1
		case domain.StageKeyword:
			c.Scores.Keyword = &score
			c.KeywordRank = i + 1
		}
		ids = append(ids, h.ID)
		scores = append(scores, score)
	}
	return Branch{IDs: ids, Signal: signal.From(stage, scores)}
}

// verify re-checks each hit against the filter. A mismatch means the
// push-down predicate and the in-process predicate disagreed, so the whole
// branch is withheld and a security event is logged.
func (r *Retriever) verify(stage domain.Stage, hits []store.Hit, f store.Filter) []store.Hit {
	leaked := 0
	for _, h := range hits {
		if !f.Allows(h.Payload) {
			leaked++
		}
	}
	if leaked == 0 {
		return hits
	}
	r.log.Error("tenant isolation violation: branch results withheld",
		"event", "security",
		"stage", string(stage),
		"tenant", f.Tenant,
		"leaked", leaked,
		"total", len(hits))
	return nil
}

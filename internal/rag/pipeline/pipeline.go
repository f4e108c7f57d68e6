// Package pipeline drives one query through the staged retrieval state
// machine: identity, analysis, embedding, parallel retrieval, fusion,
// keyword rescoring, reranking, section reconstruction, packing, confidence,
// the answerability gate, synthesis, and citation extraction. The pipeline
// owns the degradation policy between stages: soft failures keep the request
// alive and are recorded in stage metrics, hard failures abort with a typed
// API error.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/observability"
	"github.com/yungbote/querybridge-backend/internal/platform/apierr"
	"github.com/yungbote/querybridge-backend/internal/platform/embedding"
	"github.com/yungbote/querybridge-backend/internal/platform/llm"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/platform/reranker"
	"github.com/yungbote/querybridge-backend/internal/rag/analyze"
	"github.com/yungbote/querybridge-backend/internal/rag/citations"
	"github.com/yungbote/querybridge-backend/internal/rag/confidence"
	"github.com/yungbote/querybridge-backend/internal/rag/fusion"
	"github.com/yungbote/querybridge-backend/internal/rag/guardrail"
	"github.com/yungbote/querybridge-backend/internal/rag/identity"
	"github.com/yungbote/querybridge-backend/internal/rag/kwrank"
	"github.com/yungbote/querybridge-backend/internal/rag/pack"
	"github.com/yungbote/querybridge-backend/internal/rag/rerank"
	"github.com/yungbote/querybridge-backend/internal/rag/retrieve"
	"github.com/yungbote/querybridge-backend/internal/rag/section"
	"github.com/yungbote/querybridge-backend/internal/rag/signal"
	"github.com/yungbote/querybridge-backend/internal/rag/synth"
	"github.com/yungbote/querybridge-backend/internal/stats"
	"github.com/yungbote/querybridge-backend/internal/store"
)

// Fallbacks for timeouts a config file left unset. Effective deployments get
// these from config defaults; they exist so a hand-built Pipeline value
// cannot produce an instantly-expired context.
const (
	defaultOverallTimeout   = 45 * time.Second
	defaultEmbeddingTimeout = 5 * time.Second
	defaultVectorTimeout    = 5 * time.Second
	defaultKeywordTimeout   = 3 * time.Second
)

// Stage keys of the response's stageMetrics block.
const (
	stageAnalyze    = "analyze"
	stageEmbedding  = "embedding"
	stageVector     = "vector"
	stageKeyword    = "keyword"
	stageFusion     = "fusion"
	stageKwrank     = "kwrank"
	stageRerank     = "rerank"
	stageSection    = "section"
	stagePack       = "pack"
	stageConfidence = "confidence"
	stageGuardrail  = "guardrail"
	stageSynthesis  = "synthesis"
	stageCitations  = "citations"
)

// Deps are the long-lived collaborators of the pipeline. Reranker and Audit
// may be nil: a nil reranker disables the cross-encoder stage, a nil audit
// sink means guardrail decisions are logged but not persisted.
type Deps struct {
	Log      *logger.Logger
	Cfg      *config.Provider
	Store    store.Store
	Embedder embedding.Embedder
	Reranker reranker.Reranker
	LLM      llm.Completer
	Stats    *stats.Provider
	Audit    guardrail.AuditSink
}

// Pipeline is safe for concurrent use; per-request state lives in the run.
type Pipeline struct {
	log   *logger.Logger
	cfg   *config.Provider
	st    store.Store
	embed embedding.Embedder
	rr    reranker.Reranker
	stats *stats.Provider

	retriever *retrieve.Retriever
	guard     *guardrail.Guardrail
	synth     *synth.Synthesizer

	// Tokenizers are shared across requests: BPE vocabularies are
	// expensive to build and immutable afterwards.
	mu   sync.Mutex
	toks map[string]pack.Tokenizer
}

func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Log == nil:
		return nil, fmt.Errorf("pipeline: logger is required")
	case d.Cfg == nil:
		return nil, fmt.Errorf("pipeline: config is required")
	case d.Store == nil:
		return nil, fmt.Errorf("pipeline: store is required")
	case d.Embedder == nil:
		return nil, fmt.Errorf("pipeline: embedder is required")
	case d.LLM == nil:
		return nil, fmt.Errorf("pipeline: llm client is required")
	case d.Stats == nil:
		return nil, fmt.Errorf("pipeline: stats provider is required")
	}
	log := d.Log.With("service", "Pipeline")
	return &Pipeline{
		log:       log,
		cfg:       d.Cfg,
		st:        d.Store,
		embed:     d.Embedder,
		rr:        d.Reranker,
		stats:     d.Stats,
		retriever: retrieve.New(log, d.Store),
		guard:     guardrail.New(log, d.Audit),
		synth:     synth.New(log, d.LLM, d.Cfg.Current().LLM),
		toks:      make(map[string]pack.Tokenizer),
	}, nil
}

// Request is one caller question entering the pipeline. Authenticated is the
// identity the transport established, nil when the deployment trusts the
// body's userContext outright.
type Request struct {
	Route         string
	Authenticated *domain.CallerContext
	Caller        domain.CallerContext
	Query         domain.Query
}

// Run executes one query end to end. A non-nil error always unwraps to an
// *apierr.Error. When synthesis fails after healthy retrieval, the envelope
// is returned alongside the error so the transport can attach the retrieved
// context to the failure body; every other error returns a nil envelope.
func (p *Pipeline) Run(ctx context.Context, req Request) (*domain.AnswerEnvelope, error) {
	if strings.TrimSpace(req.Query.Text) == "" {
		return nil, apierr.InvalidRequest(fmt.Errorf("query text is empty"))
	}
	resolved, err := identity.Resolve(req.Authenticated, req.Caller)
	if err != nil {
		return nil, err
	}

	// One snapshot per request: reloads swap the provider's pointer and are
	// invisible to runs already past this line.
	pcfg := p.cfg.Current().PipelineFor(resolved.Caller.TenantID)
	if len(req.Query.Overrides) > 0 {
		pcfg, err = config.ApplyOverrides(pcfg, req.Query.Overrides)
		if err != nil {
			return nil, apierr.InvalidRequest(err)
		}
	}

	overall := pcfg.Timeouts.Overall.Duration
	if overall <= 0 {
		overall = defaultOverallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	r := &run{
		p:       p,
		cfg:     pcfg,
		req:     req,
		caller:  resolved.Caller,
		filter:  resolved.Filter,
		arena:   domain.NewArena(),
		snap:    p.stats.Current(),
		metrics: make(map[string]domain.StageMetric, 13),
		started: time.Now(),
	}
	env, err := r.execute(ctx)
	p.logOutcome(req, resolved.Caller, env, err, time.Since(r.started))
	return env, err
}

func (p *Pipeline) logOutcome(req Request, caller domain.CallerContext, env *domain.AnswerEnvelope, err error, elapsed time.Duration) {
	base := []any{
		"event", "query",
		"route", req.Route,
		"tenant_id", caller.TenantID,
		"user_id", caller.UserID,
		"elapsed_ms", elapsed.Milliseconds(),
	}
	switch {
	case err != nil:
		ae := apierr.From(err)
		p.log.Warn("query failed", append(base, "code", ae.Code, "error", err)...)
	case env != nil && env.Idk != nil:
		p.log.Info("query refused", append(base, "reason_code", env.Idk.ReasonCode)...)
	case env != nil:
		p.log.Info("query answered", append(base,
			"citations", len(env.Citations),
			"retrieved", len(env.Retrieved))...)
	}
}

// tokenizer returns the shared tokenizer for name, falling back to the
// heuristic counter when the name is unknown.
func (p *Pipeline) tokenizer(name string) pack.Tokenizer {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "heuristic"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.toks[key]; ok {
		return t
	}
	t, err := pack.NewTokenizer(key)
	if err != nil {
		p.log.Warn("unknown tokenizer, using heuristic", "tokenizer", name)
		t, _ = pack.NewTokenizer("heuristic")
	}
	p.toks[key] = t
	return t
}

// run is the per-request state: the arena, the resolved config, and the
// telemetry accumulated stage by stage.
type run struct {
	p       *Pipeline
	cfg     config.Pipeline
	req     Request
	caller  domain.CallerContext
	filter  store.Filter
	arena   *domain.Arena
	snap    *stats.Snapshot
	metrics map[string]domain.StageMetric
	signals []domain.StageSignal
	started time.Time
}

func (r *run) execute(ctx context.Context) (*domain.AnswerEnvelope, error) {
	a := r.analyzeQuery()

	vec, err := r.embedQuery(ctx)
	if err != nil {
		return nil, err
	}

	rres, err := r.retrieveCandidates(ctx, vec, a)
	if err != nil {
		return nil, err
	}

	ids := r.fuseBranches(rres, a)
	ids = r.rescoreKeywords(ids, a)

	ids, err = r.rerankCandidates(ctx, ids)
	if err != nil {
		return nil, err
	}

	ids = r.reconstructSections(ctx, ids)

	items := r.packContext(ids)
	verdict := r.scoreConfidence()
	dec := r.gate(ctx, a, items, verdict)
	retrieved := r.retrievedItems(items)

	if dec.Refused() {
		return r.envelope("", dec.Idk, nil, retrieved, dec.Result, verdict.Alerts), nil
	}
	blocks, sources := r.contextBlocks(items)
	if len(blocks) == 0 {
		// A bypassed guardrail can wave an empty pack through; there is
		// still nothing to ground an answer in.
		idk := &domain.IdkResponse{ReasonCode: domain.ReasonNoResults, Message: "No answer available."}
		return r.envelope("", idk, nil, retrieved, dec.Result, verdict.Alerts), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, apierr.DeadlineExceeded(err)
	}

	ans, err := r.synthesize(ctx, blocks)
	if err != nil {
		if apierr.From(err).Code == apierr.CodeSynthesisUnavailable {
			return r.envelope("", nil, nil, retrieved, dec.Result, verdict.Alerts), err
		}
		return nil, err
	}

	text, cites := r.extractCitations(ans.Text, sources)
	return r.envelope(text, nil, cites, retrieved, dec.Result, verdict.Alerts), nil
}

// observe finalizes one stage metric and feeds the process-wide histogram.
func (r *run) observe(stage string, start time.Time, m domain.StageMetric) {
	d := time.Since(start)
	m.DurationMs = d.Milliseconds()
	r.metrics[stage] = m
	observability.Current().ObserveStage(stage, d, m.Degraded)
}

// attachSignal appends a downstream stage signal, first filling in how much
// of the best upstream quality the stage preserved. The retrieval branches
// append theirs directly: they have no upstream.
func (r *run) attachSignal(sig domain.StageSignal) {
	if sig.Count > 0 && !sig.Degraded {
		if best := signal.BestQuality(r.signals...); best > 0 {
			sig = signal.WithPreservation(sig, best)
		}
	}
	r.signals = append(r.signals, sig)
}

func (r *run) analyzeQuery() analyze.Analysis {
	start := time.Now()
	a := analyze.Analyze(r.req.Query.Text, r.caller.Languages, r.snap,
		r.cfg.Fusion.VectorWeight, r.cfg.Fusion.KeywordWeight)
	r.observe(stageAnalyze, start, domain.StageMetric{
		Count:  len(a.Keyphrases),
		Reason: string(a.Intent),
	})
	return a
}

func (r *run) embedQuery(ctx context.Context) ([]float32, error) {
	timeout := r.cfg.Timeouts.Embedding.Duration
	if timeout <= 0 {
		timeout = defaultEmbeddingTimeout
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	vecs, err := r.p.embed.Embed(ectx, []string{r.req.Query.Text})
	if err == nil && len(vecs) != 1 {
		err = fmt.Errorf("embedding returned %d vectors for one input", len(vecs))
	}
	if err != nil {
		r.observe(stageEmbedding, start, domain.StageMetric{Degraded: true, Reason: "unavailable"})
		if ctx.Err() != nil {
			return nil, apierr.DeadlineExceeded(ctx.Err())
		}
		return nil, apierr.EmbeddingUnavailable(err)
	}
	r.observe(stageEmbedding, start, domain.StageMetric{Count: len(vecs[0])})
	return vecs[0], nil
}

func (r *run) retrieveCandidates(ctx context.Context, vec []float32, a analyze.Analysis) (retrieve.Result, error) {
	opts := retrieve.Options{
		TopK:           r.cfg.EffectiveTopK(),
		VectorTimeout:  durOr(r.cfg.Retrieval.VectorSearchTimeout.Duration, defaultVectorTimeout),
		KeywordTimeout: durOr(r.cfg.Retrieval.KeywordSearchTimeout.Duration, defaultKeywordTimeout),
	}
	start := time.Now()
	res, out := r.p.retriever.Run(ctx, vec, a.Terms, r.filter, r.arena, opts)
	dur := time.Since(start)
	r.branchMetric(stageVector, res.Vector.Signal, dur)
	r.branchMetric(stageKeyword, res.Keyword.Signal, dur)
	r.signals = append(r.signals, res.Vector.Signal, res.Keyword.Signal)
	if out.Failed() {
		if ctx.Err() != nil {
			return retrieve.Result{}, apierr.DeadlineExceeded(ctx.Err())
		}
		return retrieve.Result{}, apierr.RetrievalUnavailable(out.Err)
	}
	return res, nil
}

// branchMetric records one retrieval arm. Both arms ran concurrently, so
// each carries the wall time of the parallel phase.
func (r *run) branchMetric(stage string, sig domain.StageSignal, d time.Duration) {
	r.metrics[stage] = domain.StageMetric{
		DurationMs: d.Milliseconds(),
		Count:      sig.Count,
		Top:        sig.Top,
		Mean:       sig.Mean,
		Degraded:   sig.Degraded,
		Reason:     sig.Reason,
	}
	observability.Current().ObserveStage(stage, d, sig.Degraded)
}

func (r *run) fuseBranches(res retrieve.Result, a analyze.Analysis) []string {
	start := time.Now()
	f := fusion.Fuse(r.arena, res.Vector.IDs, res.Keyword.IDs, fusion.Params{
		Strategy:      r.cfg.Fusion.Strategy,
		KParam:        r.cfg.Fusion.KParam,
		VectorWeight:  a.VectorWeight,
		KeywordWeight: a.KeywordWeight,
		DedupeByDoc:   !r.cfg.SectionEnabled(),
	})
	r.attachSignal(f.Signal)
	r.observe(stageFusion, start, domain.StageMetric{
		Count: len(f.IDs),
		Top:   f.Signal.Top,
		Mean:  f.Signal.Mean,
	})
	return f.IDs
}

func (r *run) rescoreKeywords(ids []string, a analyze.Analysis) []string {
	if !r.cfg.KwrankEnabled() {
		r.metrics[stageKwrank] = domain.StageMetric{Skipped: true, Reason: "disabled"}
		return ids
	}
	start := time.Now()
	out, applied := kwrank.New(r.cfg.Kwrank, r.p.log).Rescore(r.arena, ids, a, r.snap)
	m := domain.StageMetric{Count: len(out), Skipped: !applied}
	if !applied {
		m.Reason = "no keyphrases or stats"
	}
	r.observe(stageKwrank, start, m)
	return out
}

func (r *run) rerankCandidates(ctx context.Context, ids []string) ([]string, error) {
	var client reranker.Reranker
	if r.cfg.RerankEnabled() {
		client = r.p.rr
	}
	start := time.Now()
	res, out := rerank.New(r.p.log, client, r.cfg.Rerank).Run(ctx, r.arena, ids, r.req.Query.Text)
	r.attachSignal(res.Signal)
	r.observe(stageRerank, start, domain.StageMetric{
		Count:    len(res.IDs),
		Top:      res.Signal.Top,
		Mean:     res.Signal.Mean,
		Degraded: out.Degraded(),
		Skipped:  !res.Applied && !out.Degraded(),
		Reason:   res.Signal.Reason,
	})
	if out.Failed() {
		if ctx.Err() != nil {
			return nil, apierr.DeadlineExceeded(ctx.Err())
		}
		return nil, apierr.RetrievalUnavailable(out.Err)
	}
	return res.IDs, nil
}

func (r *run) reconstructSections(ctx context.Context, ids []string) []string {
	if !r.cfg.SectionEnabled() {
		r.metrics[stageSection] = domain.StageMetric{Skipped: true, Reason: "disabled"}
		return ids
	}
	start := time.Now()
	res, out := section.New(r.p.log, r.p.st, r.cfg.Section).Run(ctx, r.arena, ids, r.filter)
	r.observe(stageSection, start, domain.StageMetric{
		Count:    res.Sections,
		Degraded: out.Degraded(),
		Reason:   out.Reason,
	})
	return res.IDs
}

func (r *run) packContext(ids []string) []pack.Item {
	start := time.Now()
	packer := pack.NewWithTokenizer(r.p.log, r.cfg.Packer, r.p.tokenizer(r.cfg.Packer.Tokenizer))
	res := packer.Pack(r.arena, ids)

	items := res.Items
	k := r.req.Query.K
	if k <= 0 {
		k = domain.DefaultK
	}
	if len(items) > k {
		items = items[:k]
	}
	r.observe(stagePack, start, domain.StageMetric{
		Count:  len(items),
		Reason: fmt.Sprintf("tokens=%d", res.TotalTokens),
	})
	return items
}

func (r *run) scoreConfidence() confidence.Verdict {
	start := time.Now()
	v := confidence.New(r.p.log, r.cfg.Confidence).Evaluate(r.signals)
	r.observe(stageConfidence, start, domain.StageMetric{
		Count:  len(r.signals),
		Top:    v.Confidence,
		Reason: v.Strategy,
	})
	return v
}

func (r *run) gate(ctx context.Context, a analyze.Analysis, items []pack.Item, v confidence.Verdict) guardrail.Decision {
	start := time.Now()
	top, mean, stddev := packedScoreStats(r.arena, items)
	dec := r.p.guard.Evaluate(ctx, r.cfg, guardrail.Input{
		Route:      r.req.Route,
		TenantID:   r.caller.TenantID,
		UserID:     r.caller.UserID,
		Query:      r.req.Query.Text,
		Confidence: v.Confidence,
		Top:        top,
		Mean:       mean,
		StdDev:     stddev,
		Count:      len(items),
		KnownRatio: r.snap.KnownRatio(a.Lemmas),
		Keyphrases: len(a.Keyphrases),
	})
	observability.Current().IncGuardrailDecision(dec.Result.Decision, string(dec.Result.ReasonCode))
	reason := dec.Result.Decision
	if dec.Refused() {
		reason = string(dec.Result.ReasonCode)
	}
	r.observe(stageGuardrail, start, domain.StageMetric{
		Count:  len(items),
		Top:    v.Confidence,
		Reason: reason,
	})
	return dec
}

// contextBlocks builds the numbered prompt blocks and their citation sources
// in one pass, so the reference numbers the model sees always agree with the
// numbers the extractor resolves.
func (r *run) contextBlocks(items []pack.Item) ([]synth.Block, []citations.Source) {
	blocks := make([]synth.Block, 0, len(items))
	sources := make([]citations.Source, 0, len(items))
	for _, it := range items {
		c := r.arena.Get(it.ID)
		if c == nil {
			continue
		}
		ref := len(blocks) + 1
		blocks = append(blocks, synth.Block{
			Ref:         ref,
			DocID:       c.DocID,
			SectionPath: c.Payload.SectionPath,
			Content:     it.Content,
		})
		sources = append(sources, citations.Source{
			Ref:       ref,
			DocID:     c.DocID,
			URL:       c.Payload.URL,
			Content:   it.Content,
			Score:     c.BestScore(),
			Timestamp: c.Payload.Timestamp,
		})
	}
	return blocks, sources
}

func (r *run) synthesize(ctx context.Context, blocks []synth.Block) (synth.Answer, error) {
	start := time.Now()
	ans, out := r.p.synth.Run(ctx, &r.cfg, synth.Input{
		Query:     r.req.Query.Text,
		TenantID:  r.caller.TenantID,
		Languages: r.caller.Languages,
		Blocks:    blocks,
	})
	m := domain.StageMetric{Count: ans.CompletionTokens, Reason: ans.FinishReason}
	if out.Failed() {
		m.Degraded = true
		m.Reason = string(out.Kind)
	}
	r.observe(stageSynthesis, start, m)
	if out.Failed() {
		switch out.Kind {
		case domain.KindDeadlineExceeded:
			return synth.Answer{}, apierr.DeadlineExceeded(out.Err)
		case domain.KindInvalidRequest:
			return synth.Answer{}, apierr.InvalidRequest(out.Err)
		case domain.KindInternalInvariant:
			return synth.Answer{}, apierr.InternalInvariant(out.Err)
		default:
			return synth.Answer{}, apierr.SynthesisUnavailable(out.Err)
		}
	}
	return ans, nil
}

func (r *run) extractCitations(answer string, sources []citations.Source) (string, []domain.Citation) {
	start := time.Now()
	text, cites := citations.Extract(answer, sources, time.Now())
	r.observe(stageCitations, start, domain.StageMetric{Count: len(cites)})
	return text, cites
}

func (r *run) retrievedItems(items []pack.Item) []domain.RetrievedItem {
	out := make([]domain.RetrievedItem, 0, len(items))
	for _, it := range items {
		c := r.arena.Get(it.ID)
		if c == nil {
			continue
		}
		out = append(out, domain.RetrievedItem{
			ID:          c.ID,
			DocID:       c.DocID,
			SectionPath: c.Payload.SectionPath,
			URL:         c.Payload.URL,
			Score:       c.BestScore(),
			IsSection:   c.IsSection(),
		})
	}
	return out
}

func (r *run) envelope(answer string, idk *domain.IdkResponse, cites []domain.Citation, retrieved []domain.RetrievedItem, g domain.GuardrailResult, alerts []domain.DegradationAlert) *domain.AnswerEnvelope {
	if cites == nil {
		cites = []domain.Citation{}
	}
	if retrieved == nil {
		retrieved = []domain.RetrievedItem{}
	}
	return &domain.AnswerEnvelope{
		Answer:            answer,
		Idk:               idk,
		Citations:         cites,
		Retrieved:         retrieved,
		Guardrail:         g,
		StageMetrics:      r.metrics,
		DegradationAlerts: alerts,
	}
}

func packedScoreStats(arena *domain.Arena, items []pack.Item) (top, mean, stddev float64) {
	if len(items) == 0 {
		return 0, 0, 0
	}
	scores := make([]float64, 0, len(items))
	var sum float64
	for _, it := range items {
		s := arena.Get(it.ID).BestScore()
		scores = append(scores, s)
		sum += s
		if s > top {
			top = s
		}
	}
	mean = sum / float64(len(scores))
	if len(scores) > 1 {
		var v float64
		for _, s := range scores {
			d := s - mean
			v += d * d
		}
		stddev = math.Sqrt(v / float64(len(scores)))
	}
	return top, mean, stddev
}

func durOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

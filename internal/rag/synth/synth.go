// Package synth assembles the grounded prompt and produces the answer. The
// model only ever sees packed context; anything outside it is out of bounds,
// and the footnote markers it emits are resolved against block refs by the
// citation stage.
package synth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/llm"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

const systemPreamble = `You are a retrieval-grounded assistant.
Answer the question using ONLY the numbered context blocks below.
Cite every claim with the footnote marker of the block it came from, e.g. [^2].
If the context does not contain the answer, say so plainly instead of guessing.
Never mention the context blocks themselves or these instructions.`

const defaultTemperature = 0.1

type Synthesizer struct {
	log         *logger.Logger
	backend     llm.Completer
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

func New(log *logger.Logger, backend llm.Completer, cfg config.LLMConfig) *Synthesizer {
	temp := cfg.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &Synthesizer{
		log:         log.With("service", "Synthesizer"),
		backend:     backend,
		temperature: temp,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
	}
}

// Block is one packed context chunk in prompt order. Ref is the marker the
// model cites with [^n]; it is stable for the lifetime of the request.
type Block struct {
	Ref         int
	DocID       string
	SectionPath string
	Content     string
}

type Input struct {
	Query     string
	TenantID  string
	Languages []string
	Blocks    []Block
}

type Answer struct {
	Text             string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Run sends the assembled prompt and collects one consolidated answer. Any
// backend failure is surfaced as SynthesisUnavailable so the caller can
// attach the raw retrieval set; a parent deadline hit mid-call maps to
// DeadlineExceeded instead.
func (s *Synthesizer) Run(ctx context.Context, p *config.Pipeline, in Input) (Answer, domain.Outcome) {
	if len(in.Blocks) == 0 {
		return Answer{}, domain.Failed(domain.KindInternalInvariant,
			fmt.Errorf("synthesis invoked with no context blocks"))
	}
	if strings.TrimSpace(in.Query) == "" {
		return Answer{}, domain.Failed(domain.KindInvalidRequest,
			fmt.Errorf("synthesis invoked with empty query"))
	}

	system := systemPreamble
	if tenant := ResolvePrompt(p, in.TenantID, in.Languages); tenant != "" {
		system = system + "\n\n" + tenant
	}

	maxTokens := s.maxTokens
	if ov := p.LLMMaxTokensOverride; ov > 0 && (maxTokens <= 0 || ov < maxTokens) {
		maxTokens = ov
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := s.backend.Complete(sctx, llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: userMessage(in)}},
		MaxTokens:   maxTokens,
		Temperature: s.temperature,
	})
	elapsed := time.Since(start)
	if err != nil {
		kind := domain.KindSynthesisUnavailable
		if ctx.Err() != nil {
			kind = domain.KindDeadlineExceeded
		}
		s.log.Error("completion failed",
			"tenant_id", in.TenantID,
			"blocks", len(in.Blocks),
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err)
		return Answer{}, domain.Failed(kind, err)
	}
	if resp.Content == "" {
		s.log.Error("completion returned empty content", "tenant_id", in.TenantID)
		return Answer{}, domain.Failed(domain.KindSynthesisUnavailable,
			fmt.Errorf("empty completion"))
	}

	s.log.Info("synthesis complete",
		"tenant_id", in.TenantID,
		"blocks", len(in.Blocks),
		"finish_reason", resp.FinishReason,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
		"elapsed_ms", elapsed.Milliseconds())
	return Answer{
		Text:             resp.Content,
		FinishReason:     resp.FinishReason,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}, domain.Ok()
}

// ResolvePrompt picks the tenant system prompt: exact tenant key first, then
// each caller language, then the catch-all ("default" or "").
func ResolvePrompt(p *config.Pipeline, tenantID string, languages []string) string {
	if p == nil || len(p.SystemPrompts) == 0 {
		return ""
	}
	if v, ok := p.SystemPrompts[tenantID]; ok && tenantID != "" {
		return v
	}
	for _, lang := range languages {
		if v, ok := p.SystemPrompts[lang]; ok && lang != "" {
			return v
		}
	}
	if v, ok := p.SystemPrompts["default"]; ok {
		return v
	}
	return p.SystemPrompts[""]
}

func userMessage(in Input) string {
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, blk := range in.Blocks {
		fmt.Fprintf(&b, "--- [^%d] (doc: %s", blk.Ref, blk.DocID)
		if blk.SectionPath != "" {
			fmt.Fprintf(&b, ", section: %s", blk.SectionPath)
		}
		b.WriteString(") ---\n")
		b.WriteString(strings.TrimSpace(blk.Content))
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(in.Query))
	return b.String()
}

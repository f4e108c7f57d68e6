package synth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/llm"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

type fakeBackend struct {
	lastReq llm.Request
	resp    llm.Response
	err     error
	wait    time.Duration
}

func (f *fakeBackend) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.lastReq = req
	if f.wait > 0 {
		select {
		case <-ctx.Done():
			return llm.Response{}, ctx.Err()
		case <-time.After(f.wait):
		}
	}
	return f.resp, f.err
}

func (f *fakeBackend) Ready(ctx context.Context) error { return nil }

func newSynth(t *testing.T, backend llm.Completer) *Synthesizer {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(log.Sync)
	return New(log, backend, config.LLMConfig{
		Model:     "gpt-4o-mini",
		MaxTokens: 1024,
		Timeout:   config.Duration{Duration: time.Second},
	})
}

func testBlocks() []Block {
	return []Block{
		{Ref: 1, DocID: "doc-a", SectionPath: "intro", Content: "Alpha facts."},
		{Ref: 2, DocID: "doc-b", Content: "Beta facts."},
	}
}

func TestRunAssemblesPrompt(t *testing.T) {
	backend := &fakeBackend{resp: llm.Response{Content: "Alpha is first [^1].", FinishReason: "stop"}}
	s := newSynth(t, backend)
	p := &config.Pipeline{SystemPrompts: map[string]string{"tenant-a": "Answer in formal register."}}

	ans, out := s.Run(context.Background(), p, Input{
		Query:    "which comes first?",
		TenantID: "tenant-a",
		Blocks:   testBlocks(),
	})
	if out.Failed() {
		t.Fatalf("run failed: %+v", out)
	}
	if ans.Text != "Alpha is first [^1]." {
		t.Fatalf("answer: %q", ans.Text)
	}

	req := backend.lastReq
	if !strings.Contains(req.System, "ONLY the numbered context blocks") {
		t.Fatalf("system preamble missing: %q", req.System)
	}
	if !strings.Contains(req.System, "formal register") {
		t.Fatalf("tenant prompt not appended: %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages: %+v", req.Messages)
	}
	user := req.Messages[0].Content
	if !strings.Contains(user, "[^1] (doc: doc-a, section: intro)") {
		t.Fatalf("block 1 header missing: %q", user)
	}
	if !strings.Contains(user, "[^2] (doc: doc-b)") {
		t.Fatalf("block 2 header missing: %q", user)
	}
	if strings.Index(user, "Alpha facts.") > strings.Index(user, "Beta facts.") {
		t.Fatal("blocks out of order")
	}
	if !strings.HasSuffix(user, "Question: which comes first?") {
		t.Fatalf("query not last: %q", user)
	}
	if req.Temperature != defaultTemperature {
		t.Fatalf("temperature: %v", req.Temperature)
	}
}

func TestResolvePromptPrecedence(t *testing.T) {
	p := &config.Pipeline{SystemPrompts: map[string]string{
		"tenant-a": "tenant prompt",
		"de":       "language prompt",
		"default":  "global prompt",
	}}
	if got := ResolvePrompt(p, "tenant-a", []string{"de"}); got != "tenant prompt" {
		t.Fatalf("tenant should win: %q", got)
	}
	if got := ResolvePrompt(p, "tenant-b", []string{"de"}); got != "language prompt" {
		t.Fatalf("language should win: %q", got)
	}
	if got := ResolvePrompt(p, "tenant-b", []string{"fr"}); got != "global prompt" {
		t.Fatalf("global fallback: %q", got)
	}
	if got := ResolvePrompt(nil, "tenant-a", nil); got != "" {
		t.Fatalf("nil pipeline: %q", got)
	}
}

func TestRunAppliesMaxTokensOverride(t *testing.T) {
	backend := &fakeBackend{resp: llm.Response{Content: "ok"}}
	s := newSynth(t, backend)
	p := &config.Pipeline{LLMMaxTokensOverride: 64}

	if _, out := s.Run(context.Background(), p, Input{Query: "q", Blocks: testBlocks()}); out.Failed() {
		t.Fatalf("run failed: %+v", out)
	}
	if backend.lastReq.MaxTokens != 64 {
		t.Fatalf("override not applied: %d", backend.lastReq.MaxTokens)
	}

	p.LLMMaxTokensOverride = 1 << 20
	if _, out := s.Run(context.Background(), p, Input{Query: "q", Blocks: testBlocks()}); out.Failed() {
		t.Fatalf("run failed: %+v", out)
	}
	if backend.lastReq.MaxTokens != 1024 {
		t.Fatalf("override above config cap should be ignored: %d", backend.lastReq.MaxTokens)
	}
}

func TestRunBackendErrorIsSynthesisUnavailable(t *testing.T) {
	backend := &fakeBackend{err: errors.New("boom")}
	s := newSynth(t, backend)

	_, out := s.Run(context.Background(), &config.Pipeline{}, Input{Query: "q", Blocks: testBlocks()})
	if !out.Failed() || out.Kind != domain.KindSynthesisUnavailable {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestRunParentDeadlineIsDeadlineExceeded(t *testing.T) {
	backend := &fakeBackend{wait: time.Second}
	s := newSynth(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, out := s.Run(ctx, &config.Pipeline{}, Input{Query: "q", Blocks: testBlocks()})
	if !out.Failed() || out.Kind != domain.KindDeadlineExceeded {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	s := newSynth(t, &fakeBackend{resp: llm.Response{Content: "ok"}})

	_, out := s.Run(context.Background(), &config.Pipeline{}, Input{Query: "q"})
	if !out.Failed() || out.Kind != domain.KindInternalInvariant {
		t.Fatalf("no blocks: %+v", out)
	}
	_, out = s.Run(context.Background(), &config.Pipeline{}, Input{Blocks: testBlocks()})
	if !out.Failed() || out.Kind != domain.KindInvalidRequest {
		t.Fatalf("no query: %+v", out)
	}
}

func TestRunEmptyCompletionFails(t *testing.T) {
	s := newSynth(t, &fakeBackend{resp: llm.Response{Content: ""}})

	_, out := s.Run(context.Background(), &config.Pipeline{}, Input{Query: "q", Blocks: testBlocks()})
	if !out.Failed() || out.Kind != domain.KindSynthesisUnavailable {
		t.Fatalf("outcome: %+v", out)
	}
}

package guardrail

import (
	"context"
	"strings"
	"testing"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

type captureSink struct {
	recs []AuditRecord
	err  error
}

func (c *captureSink) Record(_ context.Context, rec AuditRecord) error {
	c.recs = append(c.recs, rec)
	return c.err
}

func newGuardrail(t *testing.T, sink AuditSink) *Guardrail {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(log.Sync)
	return New(log, sink)
}

func pipelineCfg() config.Pipeline {
	p := config.Pipeline{}
	p.Guardrail = config.GuardrailConfig{
		Preset:         "moderate",
		MinTopScore:    0.35,
		MinMeanScore:   0.15,
		MaxStdDev:      0.4,
		MinResultCount: 1,
	}
	return p
}

func healthyInput() Input {
	return Input{
		Route:      "/ask",
		TenantID:   "tenantA",
		UserID:     "u1",
		Query:      "what is the skill table",
		Confidence: 0.72,
		Top:        0.8,
		Mean:       0.55,
		StdDev:     0.12,
		Count:      5,
		KnownRatio: 0.9,
		Keyphrases: 3,
	}
}

func TestAnswerableWhenAllCriteriaPass(t *testing.T) {
	g := newGuardrail(t, nil)
	d := g.Evaluate(context.Background(), pipelineCfg(), healthyInput())
	if d.Refused() {
		t.Fatalf("want answerable, got %+v", d)
	}
	if d.Idk != nil {
		t.Fatal("answerable decisions carry no idk payload")
	}
	if d.Result.Confidence != 0.72 {
		t.Fatalf("confidence: want=0.72 got=%v", d.Result.Confidence)
	}
}

func TestRefusesLowConfidence(t *testing.T) {
	g := newGuardrail(t, nil)
	in := healthyInput()
	in.Confidence = 0.1
	d := g.Evaluate(context.Background(), pipelineCfg(), in)
	if !d.Refused() {
		t.Fatal("want refusal")
	}
	if d.Result.ReasonCode != domain.ReasonLowConfidence {
		t.Fatalf("reason: want=low_confidence got=%s", d.Result.ReasonCode)
	}
	if len(d.FailedCriteria) != 1 || d.FailedCriteria[0] != CriterionConfidence {
		t.Fatalf("failed criteria: got %v", d.FailedCriteria)
	}
	if d.Idk == nil || d.Idk.Message == "" {
		t.Fatal("refusal must carry an idk message")
	}
	if len(d.Idk.Suggestions) == 0 {
		t.Fatal("templated refusals include suggestions")
	}
}

func TestRefusesNoResults(t *testing.T) {
	g := newGuardrail(t, nil)
	in := healthyInput()
	in.Count = 0
	d := g.Evaluate(context.Background(), pipelineCfg(), in)
	if d.Result.ReasonCode != domain.ReasonNoResults {
		t.Fatalf("reason: want=no_results got=%s", d.Result.ReasonCode)
	}
}

func TestRefusesOffDomain(t *testing.T) {
	g := newGuardrail(t, nil)
	in := healthyInput()
	in.KnownRatio = 0
	in.Keyphrases = 2
	d := g.Evaluate(context.Background(), pipelineCfg(), in)
	if d.Result.ReasonCode != domain.ReasonOffDomain {
		t.Fatalf("reason: want=off_domain got=%s", d.Result.ReasonCode)
	}
}

func TestMultipleFailedCriteria(t *testing.T) {
	g := newGuardrail(t, nil)
	in := healthyInput()
	in.Confidence = 0.1
	in.Top = 0.2
	in.StdDev = 0.9
	d := g.Evaluate(context.Background(), pipelineCfg(), in)
	if len(d.FailedCriteria) != 3 {
		t.Fatalf("failed criteria: want=3 got=%v", d.FailedCriteria)
	}
}

func TestStrictPresetRaisesFloor(t *testing.T) {
	g := newGuardrail(t, nil)
	cfg := pipelineCfg()
	cfg.Guardrail.Preset = "strict"
	in := healthyInput()
	in.Confidence = 0.45
	d := g.Evaluate(context.Background(), cfg, in)
	if !d.Refused() {
		t.Fatal("0.45 confidence must fail the strict preset (0.5)")
	}
}

func TestBypassSkipsChecks(t *testing.T) {
	g := newGuardrail(t, nil)
	cfg := pipelineCfg()
	cfg.Guardrail.Bypass = true
	in := healthyInput()
	in.Confidence = 0
	in.Count = 0
	d := g.Evaluate(context.Background(), cfg, in)
	if d.Refused() {
		t.Fatal("bypass must answer regardless of evidence")
	}
}

func TestAuditRecordHashesIdentity(t *testing.T) {
	sink := &captureSink{}
	g := newGuardrail(t, sink)
	in := healthyInput()
	g.Evaluate(context.Background(), pipelineCfg(), in)

	if len(sink.recs) != 1 {
		t.Fatalf("audit records: want=1 got=%d", len(sink.recs))
	}
	rec := sink.recs[0]
	if rec.Decision != domain.DecisionAnswerable {
		t.Fatalf("decision: got %s", rec.Decision)
	}
	if strings.Contains(rec.QueryHash, "skill table") || rec.QueryHash == in.Query {
		t.Fatal("query must be hashed in the audit record")
	}
	if rec.UserHash == in.UserID {
		t.Fatal("user id must be hashed in the audit record")
	}
	if rec.TenantID != "tenantA" {
		t.Fatalf("tenant: got %s", rec.TenantID)
	}
	if rec.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestAuditDisabledSkipsSink(t *testing.T) {
	sink := &captureSink{}
	g := newGuardrail(t, sink)
	cfg := pipelineCfg()
	off := false
	cfg.Guardrail.AuditEnabled = &off
	g.Evaluate(context.Background(), cfg, healthyInput())
	if len(sink.recs) != 0 {
		t.Fatalf("sink must be skipped when auditing is disabled, got %d records", len(sink.recs))
	}
}

func TestTemplatesDisabled(t *testing.T) {
	g := newGuardrail(t, nil)
	cfg := pipelineCfg()
	off := false
	cfg.Guardrail.IdkTemplatesEnabled = &off
	in := healthyInput()
	in.Confidence = 0.05
	d := g.Evaluate(context.Background(), cfg, in)
	if d.Idk == nil || len(d.Idk.Suggestions) != 0 {
		t.Fatalf("suggestions must be omitted when templates are disabled: %+v", d.Idk)
	}
}

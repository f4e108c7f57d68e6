// Package guardrail decides whether the retrieved evidence supports
// answering at all. A refusal is not an error: the caller gets a structured
// IDK response with a reason code. Every decision, either way, is audited
// with the query hashed; raw query text and document content never reach the
// audit trail.
package guardrail

import (
	"context"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

// Criterion names recorded for refusals.
const (
	CriterionConfidence  = "confidence"
	CriterionTopScore    = "top_score"
	CriterionMeanScore   = "mean_score"
	CriterionStdDev      = "std_dev"
	CriterionResultCount = "result_count"
)

// AuditRecord is the persisted trace of one guardrail decision. UserHash and
// QueryHash are salted digests; the raw values are never stored.
type AuditRecord struct {
	Timestamp      time.Time
	Route          string
	TenantID       string
	UserHash       string
	QueryHash      string
	Decision       string
	ReasonCode     string
	Confidence     float64
	FailedCriteria []string
}

// AuditSink persists decision records. A nil sink means log-only auditing.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

type Guardrail struct {
	log   *logger.Logger
	audit AuditSink
}

func New(log *logger.Logger, audit AuditSink) *Guardrail {
	return &Guardrail{log: log, audit: audit}
}

// Input carries the evidence the guardrail judges. Top, Mean, StdDev, and
// Count describe the packed candidate scores; KnownRatio is the fraction of
// query keyphrases with corpus IDF mass.
type Input struct {
	Route      string
	TenantID   string
	UserID     string
	Query      string
	Confidence float64
	Top        float64
	Mean       float64
	StdDev     float64
	Count      int
	KnownRatio float64
	Keyphrases int
}

type Decision struct {
	Result         domain.GuardrailResult
	Idk            *domain.IdkResponse
	FailedCriteria []string
}

func (d Decision) Refused() bool { return d.Result.Decision == domain.DecisionRefused }

// Evaluate applies the multi-criterion gate and audits the outcome.
func (g *Guardrail) Evaluate(ctx context.Context, p config.Pipeline, in Input) Decision {
	d := g.decide(p, in)
	g.record(ctx, p, in, d)
	return d
}

func (g *Guardrail) decide(p config.Pipeline, in Input) Decision {
	if p.Guardrail.Bypass {
		return Decision{Result: domain.GuardrailResult{
			Decision:   domain.DecisionAnswerable,
			Confidence: in.Confidence,
		}}
	}
	if in.Count == 0 {
		return g.refuse(p, in, domain.ReasonNoResults, []string{CriterionResultCount})
	}
	if in.Keyphrases > 0 && in.KnownRatio == 0 {
		return g.refuse(p, in, domain.ReasonOffDomain, []string{CriterionConfidence})
	}

	cfg := p.Guardrail
	var failed []string
	if in.Confidence < p.GuardrailMinConfidence() {
		failed = append(failed, CriterionConfidence)
	}
	if cfg.MinTopScore > 0 && in.Top < cfg.MinTopScore {
		failed = append(failed, CriterionTopScore)
	}
	if cfg.MinMeanScore > 0 && in.Mean < cfg.MinMeanScore {
		failed = append(failed, CriterionMeanScore)
	}
	if cfg.MaxStdDev > 0 && in.StdDev > cfg.MaxStdDev {
		failed = append(failed, CriterionStdDev)
	}
	if cfg.MinResultCount > 0 && in.Count < cfg.MinResultCount {
		failed = append(failed, CriterionResultCount)
	}
	if len(failed) > 0 {
		return g.refuse(p, in, domain.ReasonLowConfidence, failed)
	}
	return Decision{Result: domain.GuardrailResult{
		Decision:   domain.DecisionAnswerable,
		Confidence: in.Confidence,
	}}
}

func (g *Guardrail) refuse(p config.Pipeline, in Input, reason domain.ReasonCode, failed []string) Decision {
	d := Decision{
		Result: domain.GuardrailResult{
			Decision:   domain.DecisionRefused,
			ReasonCode: reason,
			Confidence: in.Confidence,
		},
		FailedCriteria: failed,
	}
	idk := &domain.IdkResponse{ReasonCode: reason}
	if p.IdkTemplatesEnabled() {
		idk.Message = idkMessage(reason)
		idk.Suggestions = idkSuggestions(reason)
	} else {
		idk.Message = "No answer available."
	}
	d.Idk = idk
	return d
}

// record writes the audit trail: always the structured log, and the sink
// when persistence is configured. Sink failures are logged, never fatal.
func (g *Guardrail) record(ctx context.Context, p config.Pipeline, in Input, d Decision) {
	rec := AuditRecord{
		Timestamp:      time.Now().UTC(),
		Route:          in.Route,
		TenantID:       in.TenantID,
		UserHash:       logger.Hash(in.UserID),
		QueryHash:      logger.Hash(in.Query),
		Decision:       d.Result.Decision,
		ReasonCode:     string(d.Result.ReasonCode),
		Confidence:     d.Result.Confidence,
		FailedCriteria: d.FailedCriteria,
	}
	g.log.Info("guardrail decision",
		"event", "guardrail",
		"route", rec.Route,
		"tenant_id", rec.TenantID,
		"user_id", in.UserID,
		"query_hash", rec.QueryHash,
		"decision", rec.Decision,
		"reason_code", rec.ReasonCode,
		"confidence", rec.Confidence,
		"failed_criteria", rec.FailedCriteria)
	if g.audit == nil || !p.AuditEnabled() {
		return
	}
	if err := g.audit.Record(ctx, rec); err != nil {
		g.log.Warn("guardrail audit write failed", "error", err)
	}
}

func idkMessage(reason domain.ReasonCode) string {
	switch reason {
	case domain.ReasonNoResults:
		return "I could not find any documents relevant to that question."
	case domain.ReasonOffDomain:
		return "That question appears to be outside the scope of the indexed documents."
	case domain.ReasonPolicy:
		return "I am not able to answer that question."
	default:
		return "I do not have enough reliable information to answer that accurately."
	}
}

func idkSuggestions(reason domain.ReasonCode) []string {
	switch reason {
	case domain.ReasonNoResults, domain.ReasonOffDomain:
		return []string{
			"Try terms that appear in the source documents.",
			"Check that the relevant documents have been ingested for your tenant.",
		}
	case domain.ReasonPolicy:
		return nil
	default:
		return []string{
			"Try a more specific question.",
			"Name the document or section you are asking about.",
		}
	}
}

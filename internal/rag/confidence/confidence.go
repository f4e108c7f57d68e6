// Package confidence turns the per-stage signals into one final confidence.
// The model is source-aware: it knows which stage a number came from and how
// much of the upstream quality later stages preserved, so a strong vector
// signal cannot be silently erased by a rank-flattening stage downstream.
package confidence

import (
	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

// Strategy names reported in the verdict.
const (
	StrategyMaxConfidence    = "max_confidence"
	StrategyAdaptiveWeighted = "adaptive_weighted"
	StrategyConservative     = "conservative"
)

const conservativeCeiling = 0.3

type Model struct {
	log *logger.Logger
	cfg config.ConfidenceConfig
}

func New(log *logger.Logger, cfg config.ConfidenceConfig) *Model {
	return &Model{log: log, cfg: cfg}
}

type Verdict struct {
	Confidence float64
	Strategy   string
	Alerts     []domain.DegradationAlert
}

// Evaluate picks a strategy from the shape of the signals and computes the
// final confidence. Signals must be in pipeline order; degraded stages carry
// no usable numbers and are skipped.
func (m *Model) Evaluate(signals []domain.StageSignal) Verdict {
	live := liveSignals(signals)
	alerts := m.detectDegradation(signals)
	if len(live) == 0 {
		return Verdict{Strategy: StrategyConservative, Alerts: alerts}
	}

	v := Verdict{Alerts: alerts}
	switch {
	case m.useMaxConfidence(live):
		v.Strategy = StrategyMaxConfidence
		v.Confidence = maxConfidence(live)
	case allBelow(live, conservativeCeiling):
		v.Strategy = StrategyConservative
		v.Confidence = minConfidence(live)
	default:
		v.Strategy = StrategyAdaptiveWeighted
		v.Confidence = m.adaptiveWeighted(live)
	}
	v.Confidence = clamp01(v.Confidence)

	if len(alerts) > 0 {
		m.log.Warn("stage quality degradation detected",
			"alerts", len(alerts),
			"strategy", v.Strategy,
			"confidence", v.Confidence)
	}
	return v
}

// useMaxConfidence holds when some stage is individually convincing and a
// later stage threw that quality away. Averaging would punish the request
// for the downstream loss, so the strong signal wins outright.
func (m *Model) useMaxConfidence(live []domain.StageSignal) bool {
	threshold := m.cfg.MaxConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	floor := 1 - m.degradationThreshold()

	strongAt := -1
	for i, s := range live {
		if s.Confidence >= threshold {
			strongAt = i
			break
		}
	}
	if strongAt < 0 {
		return false
	}
	for _, s := range live[strongAt+1:] {
		if s.QualityPreservation < floor {
			return true
		}
	}
	return false
}

// adaptiveWeighted is the default blend: configured per-stage weights, each
// tempered by how much upstream quality the stage preserved.
func (m *Model) adaptiveWeighted(live []domain.StageSignal) float64 {
	var sum, weightSum float64
	for _, s := range live {
		w := m.stageWeight(s.Stage) * clamp01(s.QualityPreservation)
		if w <= 0 {
			continue
		}
		sum += w * s.Confidence
		weightSum += w
	}
	if weightSum == 0 {
		return maxConfidence(live)
	}
	return sum / weightSum
}

func (m *Model) stageWeight(stage domain.Stage) float64 {
	var w float64
	switch stage {
	case domain.StageVector:
		w = m.cfg.VectorWeight
	case domain.StageKeyword:
		w = m.cfg.KeywordWeight
	case domain.StageFusion:
		w = m.cfg.FusionWeight
	case domain.StageRerank:
		w = m.cfg.RerankWeight
	}
	if w <= 0 {
		w = 0.1
	}
	return w
}

// detectDegradation compares each live stage with the best live stage before
// it and emits an alert when quality dropped past the threshold.
func (m *Model) detectDegradation(signals []domain.StageSignal) []domain.DegradationAlert {
	threshold := m.degradationThreshold()
	var alerts []domain.DegradationAlert
	bestSoFar := 0.0
	for _, s := range signals {
		if s.Degraded || s.Count == 0 {
			continue
		}
		if bestSoFar > 0 && s.Quality < (1-threshold)*bestSoFar {
			alerts = append(alerts, domain.DegradationAlert{
				Stage:    s.Stage,
				Severity: severity(bestSoFar, s.Quality),
				Previous: bestSoFar,
				Current:  s.Quality,
			})
		}
		if s.Quality > bestSoFar {
			bestSoFar = s.Quality
		}
	}
	return alerts
}

func (m *Model) degradationThreshold() float64 {
	if m.cfg.DegradationThreshold > 0 {
		return m.cfg.DegradationThreshold
	}
	return 0.3
}

func severity(previous, current float64) string {
	if previous <= 0 {
		return "warning"
	}
	if current < 0.4*previous {
		return "critical"
	}
	return "warning"
}

func liveSignals(signals []domain.StageSignal) []domain.StageSignal {
	out := make([]domain.StageSignal, 0, len(signals))
	for _, s := range signals {
		if s.Degraded || s.Count == 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

func allBelow(signals []domain.StageSignal, ceiling float64) bool {
	for _, s := range signals {
		if s.Confidence >= ceiling {
			return false
		}
	}
	return true
}

func maxConfidence(signals []domain.StageSignal) float64 {
	best := 0.0
	for _, s := range signals {
		if s.Confidence > best {
			best = s.Confidence
		}
	}
	return best
}

func minConfidence(signals []domain.StageSignal) float64 {
	low := signals[0].Confidence
	for _, s := range signals[1:] {
		if s.Confidence < low {
			low = s.Confidence
		}
	}
	return low
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

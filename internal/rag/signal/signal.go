// Package signal computes the per-stage summary statistics the confidence
// model consumes. Every retrieval stage reports through From so the numbers
// mean the same thing everywhere.
package signal

import (
	"math"
	"sort"

	"github.com/yungbote/querybridge-backend/internal/domain"
)

// qualityDepth is how many of a stage's best scores define its quality.
const qualityDepth = 5

// From summarizes a stage's scores. Confidence is the clamped top score,
// Quality the mean of the best few scores. QualityPreservation starts at 1;
// WithPreservation fills it in once the upstream baseline is known.
func From(stage domain.Stage, scores []float64) domain.StageSignal {
	sig := domain.StageSignal{Stage: stage, QualityPreservation: 1}
	if len(scores) == 0 {
		return sig
	}

	sorted := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	sum := 0.0
	for _, s := range sorted {
		sum += s
	}
	mean := sum / float64(len(sorted))

	variance := 0.0
	for _, s := range sorted {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(sorted))

	depth := qualityDepth
	if depth > len(sorted) {
		depth = len(sorted)
	}
	qsum := 0.0
	for _, s := range sorted[:depth] {
		qsum += s
	}

	sig.Top = sorted[0]
	sig.Mean = mean
	sig.StdDev = math.Sqrt(variance)
	sig.Count = len(sorted)
	sig.Quality = qsum / float64(depth)
	sig.Confidence = clamp01(sig.Top)
	return sig
}

// Degraded marks a stage that produced nothing usable.
func Degraded(stage domain.Stage, reason string) domain.StageSignal {
	return domain.StageSignal{
		Stage:               stage,
		QualityPreservation: 1,
		Degraded:            true,
		Reason:              reason,
	}
}

// WithPreservation sets how much of the best upstream quality the stage kept.
// Values above 1 mean the stage improved on its inputs.
func WithPreservation(sig domain.StageSignal, upstreamBest float64) domain.StageSignal {
	if upstreamBest > 0 {
		sig.QualityPreservation = sig.Quality / upstreamBest
	}
	return sig
}

// BestQuality is the highest quality among the given signals, skipping
// degraded stages.
func BestQuality(signals ...domain.StageSignal) float64 {
	best := 0.0
	for _, s := range signals {
		if s.Degraded {
			continue
		}
		if s.Quality > best {
			best = s.Quality
		}
	}
	return best
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

// Package fusion combines the vector and keyword candidate lists into one
// ranked list. Strategies are pure functions over normalized scores and
// branch ranks, selected by name from a registry. The default strategy is
// score-preserving: rank-only combination with a large k was observed to
// compress a strong vector similarity into noise, which then poisoned the
// guardrail.
package fusion

import (
	"sort"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/rag/signal"
)

// Params selects and tunes the strategy for one request.
type Params struct {
	Strategy      string
	KParam        int
	VectorWeight  float64
	KeywordWeight float64

	// DedupeByDoc keeps only the best-scoring chunk per document. It is
	// off when section reconstruction runs later, because reconstruction
	// needs the sibling chunks fusion would otherwise drop.
	DedupeByDoc bool
}

type Result struct {
	IDs    []string
	Signal domain.StageSignal
}

const (
	defaultRRFK  = 5
	legacyBordaK = 60
)

type strategyInput struct {
	ids   []string
	nVec  map[string]float64
	nKey  map[string]float64
	vRank map[string]int
	kRank map[string]int
	p     Params
}

type strategyFunc func(in strategyInput) map[string]float64

var strategies = map[string]strategyFunc{
	config.FusionWeightedAverage:  weightedAverage,
	config.FusionScoreWeightedRRF: scoreWeightedRRF,
	config.FusionMaxConfidence:    maxConfidence,
	config.FusionBordaRank:        bordaRank,
}

// Fuse merges the two branch lists. Candidates must already be registered in
// the arena with their branch scores and ranks. Unknown strategy names fall
// back to weighted_average; config validation rejects them earlier.
func Fuse(arena *domain.Arena, vectorIDs, keywordIDs []string, p Params) Result {
	ids := union(vectorIDs, keywordIDs)
	if len(ids) == 0 {
		return Result{Signal: signal.From(domain.StageFusion, nil)}
	}

	in := strategyInput{
		ids:   ids,
		nVec:  normalize(arena, vectorIDs, func(c *domain.Candidate) *float64 { return c.Scores.Vector }),
		nKey:  normalize(arena, keywordIDs, func(c *domain.Candidate) *float64 { return c.Scores.Keyword }),
		vRank: ranks(arena, vectorIDs, func(c *domain.Candidate) int { return c.VectorRank }),
		kRank: ranks(arena, keywordIDs, func(c *domain.Candidate) int { return c.KeywordRank }),
		p:     p,
	}

	strat, ok := strategies[p.Strategy]
	if !ok {
		strat = weightedAverage
	}
	fused := strat(in)

	sort.SliceStable(ids, func(i, j int) bool {
		if fused[ids[i]] != fused[ids[j]] {
			return fused[ids[i]] > fused[ids[j]]
		}
		a, b := arena.Get(ids[i]), arena.Get(ids[j])
		ar, br := rankOrLast(a.VectorRank), rankOrLast(b.VectorRank)
		if ar != br {
			return ar < br
		}
		if a.DocID != b.DocID {
			return a.DocID < b.DocID
		}
		return a.ID < b.ID
	})

	for _, id := range ids {
		c := arena.Get(id)
		c.Scores.Fusion = fused[id]
		c.Scores.Final = fused[id]
	}

	if p.DedupeByDoc {
		ids = dedupeByDoc(arena, ids)
	}

	scores := make([]float64, len(ids))
	for i, id := range ids {
		scores[i] = fused[id]
	}
	return Result{IDs: ids, Signal: signal.From(domain.StageFusion, scores)}
}

func weightedAverage(in strategyInput) map[string]float64 {
	wv, wk := balance(in.p)
	out := make(map[string]float64, len(in.ids))
	for _, id := range in.ids {
		out[id] = wv*in.nVec[id] + wk*in.nKey[id]
	}
	return out
}

// scoreWeightedRRF discounts by rank but keeps the normalized score in the
// numerator, so an 0.9-similarity hit at a deep rank still outweighs a
// mediocre hit at the same rank.
func scoreWeightedRRF(in strategyInput) map[string]float64 {
	k := in.p.KParam
	if k <= 0 {
		k = defaultRRFK
	}
	wv, wk := balance(in.p)
	out := make(map[string]float64, len(in.ids))
	for _, id := range in.ids {
		s := 0.0
		if r, ok := in.vRank[id]; ok {
			s += wv * (in.nVec[id] + 1) / float64(k+r)
		}
		if r, ok := in.kRank[id]; ok {
			s += wk * (in.nKey[id] + 1) / float64(k+r)
		}
		out[id] = s
	}
	return out
}

func maxConfidence(in strategyInput) map[string]float64 {
	out := make(map[string]float64, len(in.ids))
	for _, id := range in.ids {
		v, k := in.nVec[id], in.nKey[id]
		if v >= k {
			out[id] = v
		} else {
			out[id] = k
		}
	}
	return out
}

// bordaRank is the legacy rank-only combination, retained for A/B and
// rollback.
func bordaRank(in strategyInput) map[string]float64 {
	k := in.p.KParam
	if k <= 0 {
		k = legacyBordaK
	}
	out := make(map[string]float64, len(in.ids))
	for _, id := range in.ids {
		s := 0.0
		if r, ok := in.vRank[id]; ok {
			s += 1 / float64(k+r)
		}
		if r, ok := in.kRank[id]; ok {
			s += 1 / float64(k+r)
		}
		out[id] = s
	}
	return out
}

func balance(p Params) (float64, float64) {
	sum := p.VectorWeight + p.KeywordWeight
	if sum <= 0 {
		return 0.5, 0.5
	}
	return p.VectorWeight / sum, p.KeywordWeight / sum
}

// normalize min-max scales one branch's scores into [0,1]. A branch where
// every score is equal maps to 1 for non-zero scores so a single strong hit
// is not erased.
func normalize(arena *domain.Arena, ids []string, score func(*domain.Candidate) *float64) map[string]float64 {
	out := make(map[string]float64, len(ids))
	min, max := 0.0, 0.0
	first := true
	for _, id := range ids {
		s := score(arena.Get(id))
		if s == nil {
			continue
		}
		if first {
			min, max = *s, *s
			first = false
			continue
		}
		if *s < min {
			min = *s
		}
		if *s > max {
			max = *s
		}
	}
	span := max - min
	for _, id := range ids {
		s := score(arena.Get(id))
		if s == nil {
			continue
		}
		switch {
		case span > 0:
			out[id] = (*s - min) / span
		case *s != 0:
			out[id] = 1
		default:
			out[id] = 0
		}
	}
	return out
}

func ranks(arena *domain.Arena, ids []string, rank func(*domain.Candidate) int) map[string]int {
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		if r := rank(arena.Get(id)); r > 0 {
			out[id] = r
		}
	}
	return out
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func dedupeByDoc(arena *domain.Arena, ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		doc := arena.Get(id).DocID
		if _, ok := seen[doc]; ok {
			continue
		}
		seen[doc] = struct{}{}
		out = append(out, id)
	}
	return out
}

func rankOrLast(r int) int {
	if r <= 0 {
		return 1 << 30
	}
	return r
}

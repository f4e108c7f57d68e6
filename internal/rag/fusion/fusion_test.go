package fusion

import (
	"math"
	"reflect"
	"testing"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
)

func fp(v float64) *float64 { return &v }

func cand(arena *domain.Arena, id, doc string, vec *float64, vrank int, key *float64, krank int) {
	c := &domain.Candidate{
		ID:      id,
		DocID:   doc,
		Content: "content " + id,
		Payload: domain.Payload{Tenant: "tenantA", DocID: doc},
	}
	c.Scores.Vector = vec
	c.VectorRank = vrank
	c.Scores.Keyword = key
	c.KeywordRank = krank
	arena.Put(c)
}

// threeCandidates is the shared fixture: A strong on vector, B strong on
// keyword, C vector-only tail.
func threeCandidates() (*domain.Arena, []string, []string) {
	arena := domain.NewArena()
	cand(arena, "A", "docA", fp(0.9), 1, fp(0.2), 2)
	cand(arena, "B", "docB", fp(0.5), 2, fp(0.8), 1)
	cand(arena, "C", "docC", fp(0.3), 3, nil, 0)
	return arena, []string{"A", "B", "C"}, []string{"B", "A"}
}

func params(strategy string) Params {
	return Params{Strategy: strategy, VectorWeight: 0.5, KeywordWeight: 0.5}
}

func TestWeightedAverage(t *testing.T) {
	arena, vec, key := threeCandidates()
	res := Fuse(arena, vec, key, params(config.FusionWeightedAverage))

	if want := []string{"B", "A", "C"}; !reflect.DeepEqual(res.IDs, want) {
		t.Fatalf("order: want=%v got=%v", want, res.IDs)
	}
	// Vector norms: A=1, B=1/3, C=0. Keyword norms: B=1, A=0.
	if got := arena.Get("A").Scores.Fusion; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("fused A: want=0.5 got=%v", got)
	}
	if got := arena.Get("B").Scores.Fusion; math.Abs(got-(0.5/3+0.5)) > 1e-9 {
		t.Fatalf("fused B: want=%v got=%v", 0.5/3+0.5, got)
	}
	if got := arena.Get("C").Scores.Fusion; got != 0 {
		t.Fatalf("fused C: want=0 got=%v", got)
	}
}

func TestScoreWeightedRRF(t *testing.T) {
	arena, vec, key := threeCandidates()
	p := params(config.FusionScoreWeightedRRF)
	p.KParam = 5
	res := Fuse(arena, vec, key, p)

	if want := []string{"B", "A", "C"}; !reflect.DeepEqual(res.IDs, want) {
		t.Fatalf("order: want=%v got=%v", want, res.IDs)
	}
	wantA := 0.5*(1.0+1)/6 + 0.5*(0.0+1)/7
	if got := arena.Get("A").Scores.Fusion; math.Abs(got-wantA) > 1e-9 {
		t.Fatalf("fused A: want=%v got=%v", wantA, got)
	}
	wantB := 0.5*(1.0/3+1)/7 + 0.5*(1.0+1)/6
	if got := arena.Get("B").Scores.Fusion; math.Abs(got-wantB) > 1e-9 {
		t.Fatalf("fused B: want=%v got=%v", wantB, got)
	}
}

func TestMaxConfidence(t *testing.T) {
	arena, vec, key := threeCandidates()
	res := Fuse(arena, vec, key, params(config.FusionMaxConfidence))

	// A and B both fuse to 1; the tie breaks on vector rank.
	if want := []string{"A", "B", "C"}; !reflect.DeepEqual(res.IDs, want) {
		t.Fatalf("order: want=%v got=%v", want, res.IDs)
	}
	if got := arena.Get("A").Scores.Fusion; got != 1 {
		t.Fatalf("fused A: want=1 got=%v", got)
	}
	if got := arena.Get("B").Scores.Fusion; got != 1 {
		t.Fatalf("fused B: want=1 got=%v", got)
	}
}

// A measurement-style answer with strong similarity at a deep vector rank
// must survive under the score-preserving default, while the legacy
// rank-only strategy compresses every fused score into noise.
func TestBordaRankCollapsesScores(t *testing.T) {
	build := func() (*domain.Arena, []string, []string) {
		arena := domain.NewArena()
		sims := []float64{0.95, 0.90, 0.85, 0.80, 0.62, 0.60}
		ids := []string{"v1", "v2", "v3", "v4", "ans", "v6"}
		for i, id := range ids {
			cand(arena, id, "doc-"+id, fp(sims[i]), i+1, nil, 0)
		}
		ans := arena.Get("ans")
		ans.Scores.Keyword = fp(0.9)
		ans.KeywordRank = 1
		cand(arena, "noise", "doc-noise", nil, 0, fp(0.1), 2)
		return arena, ids, []string{"ans", "noise"}
	}

	arena, vec, key := build()
	weighted := Fuse(arena, vec, key, params(config.FusionWeightedAverage))
	if weighted.Signal.Top < 0.5 {
		t.Fatalf("weighted top: want>=0.5 got=%v", weighted.Signal.Top)
	}
	ansPos := -1
	for i, id := range weighted.IDs {
		if id == "ans" {
			ansPos = i
		}
	}
	if ansPos < 0 || ansPos > 2 {
		t.Fatalf("weighted order: answer at %d, want top 3: %v", ansPos, weighted.IDs)
	}

	arena, vec, key = build()
	borda := Fuse(arena, vec, key, params(config.FusionBordaRank))
	if borda.Signal.Top > 0.1 {
		t.Fatalf("borda top: rank-only fusion should compress scores, got %v", borda.Signal.Top)
	}
}

func TestDedupeByDoc(t *testing.T) {
	build := func() *domain.Arena {
		arena := domain.NewArena()
		cand(arena, "A1", "docA", fp(0.9), 1, nil, 0)
		cand(arena, "A2", "docA", fp(0.8), 2, nil, 0)
		cand(arena, "B", "docB", fp(0.3), 3, nil, 0)
		return arena
	}
	vec := []string{"A1", "A2", "B"}

	p := params(config.FusionWeightedAverage)
	p.DedupeByDoc = true
	res := Fuse(build(), vec, nil, p)
	if want := []string{"A1", "B"}; !reflect.DeepEqual(res.IDs, want) {
		t.Fatalf("deduped order: want=%v got=%v", want, res.IDs)
	}

	p.DedupeByDoc = false
	res = Fuse(build(), vec, nil, p)
	if want := []string{"A1", "A2", "B"}; !reflect.DeepEqual(res.IDs, want) {
		t.Fatalf("full order: want=%v got=%v", want, res.IDs)
	}
}

func TestTieBreaks(t *testing.T) {
	arena := domain.NewArena()
	// Equal vector scores normalize to 1 each; the vector rank decides.
	cand(arena, "Y", "docY", fp(0.5), 2, nil, 0)
	cand(arena, "X", "docX", fp(0.5), 1, nil, 0)
	res := Fuse(arena, []string{"X", "Y"}, nil, params(config.FusionWeightedAverage))
	if want := []string{"X", "Y"}; !reflect.DeepEqual(res.IDs, want) {
		t.Fatalf("vector-rank tie break: want=%v got=%v", want, res.IDs)
	}

	// Keyword-only candidates with equal scores fall through to docId.
	arena = domain.NewArena()
	cand(arena, "q2", "docB", nil, 0, fp(0.4), 2)
	cand(arena, "q1", "docA", nil, 0, fp(0.4), 1)
	res = Fuse(arena, nil, []string{"q2", "q1"}, params(config.FusionWeightedAverage))
	if want := []string{"q1", "q2"}; !reflect.DeepEqual(res.IDs, want) {
		t.Fatalf("docId tie break: want=%v got=%v", want, res.IDs)
	}
}

func TestOrderInvariantToInputListOrder(t *testing.T) {
	arena, vec, key := threeCandidates()
	forward := Fuse(arena, vec, key, params(config.FusionWeightedAverage))

	arena2, _, _ := threeCandidates()
	reverse := func(in []string) []string {
		out := make([]string, len(in))
		for i, v := range in {
			out[len(in)-1-i] = v
		}
		return out
	}
	backward := Fuse(arena2, reverse(vec), reverse(key), params(config.FusionWeightedAverage))

	if !reflect.DeepEqual(forward.IDs, backward.IDs) {
		t.Fatalf("input order leaked into output: %v vs %v", forward.IDs, backward.IDs)
	}
}

func TestFuseEmpty(t *testing.T) {
	res := Fuse(domain.NewArena(), nil, nil, params(config.FusionWeightedAverage))
	if len(res.IDs) != 0 || res.Signal.Count != 0 {
		t.Fatalf("empty fuse: got %+v", res)
	}
}

func TestFinalMirrorsFusion(t *testing.T) {
	arena, vec, key := threeCandidates()
	res := Fuse(arena, vec, key, params(config.FusionWeightedAverage))
	for _, id := range res.IDs {
		c := arena.Get(id)
		if c.Scores.Final != c.Scores.Fusion {
			t.Fatalf("candidate %s: final=%v fusion=%v", id, c.Scores.Final, c.Scores.Fusion)
		}
	}
}

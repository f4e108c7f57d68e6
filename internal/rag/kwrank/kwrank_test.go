package kwrank

import (
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/rag/analyze"
	"github.com/yungbote/querybridge-backend/internal/rag/langpack"
	"github.com/yungbote/querybridge-backend/internal/stats"
)

func testCfg() config.KwrankConfig {
	return config.KwrankConfig{
		Lambda:    0.25,
		IDFGamma:  1,
		RankDecay: 1,
		FieldWeights: config.KwFieldWeights{
			Body: 3, Title: 2.2, Header: 1.8, SectionPath: 1.3, DocID: 1.1,
		},
		BodySatC:         0.6,
		EarlyPosTokens:   250,
		EarlyPosNudge:    1.08,
		ProxWin:          30,
		ProximityBeta:    0.3,
		CoverageAlpha:    0.25,
		ExclusivityGamma: 0.3,
		ClampKwNorm:      2,
		TopkCoverage:     3,
	}
}

func newScorer(t *testing.T, cfg config.KwrankConfig) *Scorer {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(log.Sync)
	return New(cfg, log)
}

func bodyCand(id, doc, body string, fusion float64, vrank int) *domain.Candidate {
	c := &domain.Candidate{
		ID:      id,
		DocID:   doc,
		Content: body,
		Payload: domain.Payload{Tenant: "tenantA", DocID: doc},
	}
	c.Scores.Fusion = fusion
	c.Scores.Final = fusion
	c.VectorRank = vrank
	return c
}

func single(tok string, weight float64) term {
	return term{surfaces: []string{tok}, lemmas: []string{langpack.For("en").Lemma(tok)}, weight: weight}
}

// One exact body hit with the test coefficients:
// 3·(1−e^−0.6) body score, ×1.08 early nudge, ×1.25 single-term coverage.
func TestRawScoreExactBodyHit(t *testing.T) {
	s := newScorer(t, testCfg())
	pack := langpack.For("en")
	c := bodyCand("a", "doc", "the skill ladder", 0, 1)

	got := s.rawScore(c, pack, []term{single("skill", 1)}, nil)
	want := 3 * (1 - math.Exp(-0.6)) * 1.08 * 1.25
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("raw: want=%v got=%v", want, got)
	}
}

func TestMatchStrengthLadder(t *testing.T) {
	s := newScorer(t, testCfg())
	pack := langpack.For("en")
	terms := []term{single("skill", 1)}

	exact := s.rawScore(bodyCand("a", "d", "the skill ladder", 0, 1), pack, terms, nil)
	lemma := s.rawScore(bodyCand("b", "d", "the skills ladder", 0, 1), pack, terms, nil)
	fuzzy := s.rawScore(bodyCand("c", "d", "the skil ladder", 0, 1), pack, terms, nil)
	none := s.rawScore(bodyCand("e", "d", "the rope ladder", 0, 1), pack, terms, nil)

	if !(exact > lemma && lemma > fuzzy && fuzzy > 0) {
		t.Fatalf("strength ladder: exact=%v lemma=%v fuzzy=%v", exact, lemma, fuzzy)
	}
	if none != 0 {
		t.Fatalf("no match: want=0 got=%v", none)
	}

	wantLemma := 3 * (1 - math.Exp(-0.6*0.7)) * 1.08 * 1.25
	if math.Abs(lemma-wantLemma) > 1e-9 {
		t.Fatalf("lemma raw: want=%v got=%v", wantLemma, lemma)
	}
	wantFuzzy := 3 * (1 - math.Exp(-0.6*0.4)) * 1.08 * 1.25
	if math.Abs(fuzzy-wantFuzzy) > 1e-9 {
		t.Fatalf("fuzzy raw: want=%v got=%v", wantFuzzy, fuzzy)
	}
}

func TestBodyHitsSaturate(t *testing.T) {
	s := newScorer(t, testCfg())
	pack := langpack.For("en")
	terms := []term{single("skill", 1)}

	one := s.rawScore(bodyCand("a", "d", "skill", 0, 1), pack, terms, nil)
	three := s.rawScore(bodyCand("b", "d", "skill skill skill", 0, 1), pack, terms, nil)
	ten := s.rawScore(bodyCand("c", "d", strings.Repeat("skill ", 10), 0, 1), pack, terms, nil)

	if !(one < three && three < ten) {
		t.Fatalf("saturation must grow: one=%v three=%v ten=%v", one, three, ten)
	}
	// The curve flattens: the step from 3 to 10 hits is smaller than from 1 to 3.
	if ten-three >= three-one {
		t.Fatalf("saturation must flatten: steps %v then %v", three-one, ten-three)
	}
	ceiling := 3.0 * 1.08 * 1.25
	if ten >= ceiling {
		t.Fatalf("body score must stay under the field weight: got %v ceiling %v", ten, ceiling)
	}
}

func TestEarlyPositionNudge(t *testing.T) {
	s := newScorer(t, testCfg())
	pack := langpack.For("en")
	terms := []term{single("skill", 1)}

	late := "the " + strings.Repeat("filler ", 300) + "skill"
	early := "skill " + strings.Repeat("filler ", 300)

	rawEarly := s.rawScore(bodyCand("a", "d", early, 0, 1), pack, terms, nil)
	rawLate := s.rawScore(bodyCand("b", "d", late, 0, 1), pack, terms, nil)
	if math.Abs(rawEarly-rawLate*1.08) > 1e-9 {
		t.Fatalf("early nudge: want=%v got=%v", rawLate*1.08, rawEarly)
	}
}

func TestProximityBonus(t *testing.T) {
	s := newScorer(t, testCfg())
	pack := langpack.For("en")
	terms := []term{single("skill", 1), single("table", 1)}

	near := "skill table holds the tiers"
	far := "skill " + strings.Repeat("filler ", 40) + "table"

	rawNear := s.rawScore(bodyCand("a", "d", near, 0, 1), pack, terms, nil)
	rawFar := s.rawScore(bodyCand("b", "d", far, 0, 1), pack, terms, nil)

	// Adjacent terms: span 1, bonus 1+0.3·(1−1/30). Distant terms: none.
	wantRatio := 1 + 0.3*(1-1.0/30)
	if math.Abs(rawNear/rawFar-wantRatio) > 1e-9 {
		t.Fatalf("proximity ratio: want=%v got=%v", wantRatio, rawNear/rawFar)
	}
}

func TestCoverageBonusRequiresAllTopTerms(t *testing.T) {
	cfg := testCfg()
	withCoverage := newScorer(t, cfg)
	cfg.CoverageAlpha = 0
	withoutCoverage := newScorer(t, cfg)

	pack := langpack.For("en")
	terms := []term{single("skill", 1), single("table", 1), single("artistry", 1)}

	full := "skill table artistry"
	partial := "skill table only here"

	ratioFull := withCoverage.rawScore(bodyCand("a", "d", full, 0, 1), pack, terms, nil) /
		withoutCoverage.rawScore(bodyCand("a", "d", full, 0, 1), pack, terms, nil)
	if math.Abs(ratioFull-1.25) > 1e-9 {
		t.Fatalf("full coverage: want ratio 1.25 got %v", ratioFull)
	}

	ratioPartial := withCoverage.rawScore(bodyCand("b", "d", partial, 0, 1), pack, terms, nil) /
		withoutCoverage.rawScore(bodyCand("b", "d", partial, 0, 1), pack, terms, nil)
	if math.Abs(ratioPartial-1) > 1e-9 {
		t.Fatalf("partial coverage: want ratio 1 got %v", ratioPartial)
	}
}

func TestExclusivityPenalty(t *testing.T) {
	// Two corpus terms that never co-occur: three documents about alpha,
	// three about beta.
	samples := [][]string{
		{"alpha", "common"}, {"alpha", "common"}, {"alpha", "common"},
		{"beta", "common"}, {"beta", "common"}, {"beta", "common"},
	}
	snap := stats.Build(samples, time.Now())

	cfg := testCfg()
	penalized := newScorer(t, cfg)
	cfg.ExclusivityGamma = 0
	neutral := newScorer(t, cfg)

	pack := langpack.For("en")
	terms := []term{single("alpha", 1), single("beta", 1)}
	c := bodyCand("a", "d", "alpha beta mixed text", 0, 1)

	ratio := penalized.rawScore(c, pack, terms, snap) / neutral.rawScore(c, pack, terms, snap)
	if math.Abs(ratio-0.7) > 1e-9 {
		t.Fatalf("exclusivity: want ratio 0.7 got %v", ratio)
	}

	// Terms that do co-occur are not penalized.
	cooc := []term{single("alpha", 1), single("common", 1)}
	c2 := bodyCand("b", "d", "alpha common text", 0, 1)
	ratio2 := penalized.rawScore(c2, pack, cooc, snap) / neutral.rawScore(c2, pack, cooc, snap)
	if math.Abs(ratio2-1) > 1e-9 {
		t.Fatalf("co-occurring terms: want ratio 1 got %v", ratio2)
	}
}

func rescoreFixture(t *testing.T) (*Scorer, *domain.Arena, []string, analyze.Analysis, *stats.Snapshot) {
	t.Helper()
	pack := langpack.For("en")
	docs := []string{
		"The skill table lists every tier from novice to mythic.",
		"Each skill table row maps a tier to its requirements.",
		"Seasons of the realm follow the calendar of hours.",
		"Novice adventurers start at the lowest tier of the table.",
	}
	samples := make([][]string, len(docs))
	for i, d := range docs {
		samples[i] = stats.TokenizeSample(pack, "", d)
	}
	snap := stats.Build(samples, time.Now())

	a := analyze.Analyze("show the skill table for artistry", []string{"en"}, snap, 0.7, 0.3)

	arena := domain.NewArena()
	match := bodyCand("match", "doc1", "The artistry skill table lists seven tiers.", 0.40, 2)
	miss := bodyCand("miss", "doc2", "Calendar seasons and the hours of the realm.", 0.60, 1)
	arena.Put(match)
	arena.Put(miss)

	return newScorer(t, testCfg()), arena, []string{"miss", "match"}, a, snap
}

func TestRescoreBlendsAndReorders(t *testing.T) {
	s, arena, ids, a, snap := rescoreFixture(t)

	out, applied := s.Rescore(arena, ids, a, snap)
	if !applied {
		t.Fatalf("rescore: expected stage to run")
	}
	if want := []string{"match", "miss"}; !reflect.DeepEqual(out, want) {
		t.Fatalf("order: want=%v got=%v", want, out)
	}

	match := arena.Get("match")
	if match.Scores.Domainless == nil {
		t.Fatalf("match: missing keyword points")
	}
	wantFinal := match.Scores.Fusion + 0.25**match.Scores.Domainless
	if math.Abs(match.Scores.Final-wantFinal) > 1e-9 {
		t.Fatalf("final blend: want=%v got=%v", wantFinal, match.Scores.Final)
	}

	// The matching candidate is the only scorer, so its normalized points
	// hit the clamp and the blend adds the full lambda headroom.
	if math.Abs(*match.Scores.Domainless-2) > 1e-3 {
		t.Fatalf("kwNorm clamp: want~2 got=%v", *match.Scores.Domainless)
	}
	if miss := arena.Get("miss"); miss.Scores.Final != miss.Scores.Fusion {
		t.Fatalf("miss: final=%v must stay at fusion=%v", miss.Scores.Final, miss.Scores.Fusion)
	}
}

func TestRescoreSkipsWithoutSnapshot(t *testing.T) {
	s, arena, ids, a, _ := rescoreFixture(t)
	out, applied := s.Rescore(arena, ids, a, nil)
	if applied {
		t.Fatalf("rescore: must skip without corpus statistics")
	}
	if !reflect.DeepEqual(out, ids) {
		t.Fatalf("order: want unchanged %v got %v", ids, out)
	}
}

func TestRescoreSkipsWithoutKeyphrases(t *testing.T) {
	s, arena, ids, _, snap := rescoreFixture(t)
	empty := analyze.Analyze("", []string{"en"}, snap, 0.7, 0.3)
	out, applied := s.Rescore(arena, ids, empty, snap)
	if applied {
		t.Fatalf("rescore: must skip without keyphrases")
	}
	if !reflect.DeepEqual(out, ids) {
		t.Fatalf("order: want unchanged %v got %v", ids, out)
	}
}

func TestRescoreDeterministic(t *testing.T) {
	s, arena, ids, a, snap := rescoreFixture(t)
	first, _ := s.Rescore(arena, ids, a, snap)
	second, _ := s.Rescore(arena, ids, a, snap)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("rescore: order differs across runs: %v vs %v", first, second)
	}
}

func TestBuildTermsAppliesDecayAndPhraseBonus(t *testing.T) {
	cfg := testCfg()
	cfg.RankDecay = 0.5
	s := newScorer(t, cfg)

	a := analyze.Analysis{
		Pack: langpack.For("en"),
		Keyphrases: []analyze.Keyphrase{
			{Text: "skill table", Tokens: []string{"skill", "table"}, Lemmas: []string{"skill", "table"}, Phrase: true, Weight: 2},
			{Text: "artistry", Tokens: []string{"artistry"}, Lemmas: []string{"artistry"}, Weight: 1},
		},
	}
	terms := s.buildTerms(a, nil)
	if len(terms) != 2 {
		t.Fatalf("terms: want=2 got=%d", len(terms))
	}
	// Nil snapshot pins IDF to 1: the first term keeps only the phrase
	// bonus, the second only the decay.
	if math.Abs(terms[0].weight-1.25) > 1e-9 {
		t.Fatalf("term 0 weight: want=1.25 got=%v", terms[0].weight)
	}
	if math.Abs(terms[1].weight-0.5) > 1e-9 {
		t.Fatalf("term 1 weight: want=0.5 got=%v", terms[1].weight)
	}
}

func TestEditDistanceOne(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"skill", "skil", true},
		{"skill", "skrill", true},
		{"skill", "skull", true},
		{"skill", "skall", true},
		{"skill", "sklli", false},
		{"cat", "car", false}, // below the length floor
		{"table", "cable", true},
		{"table", "tales", false},
	}
	for _, tc := range cases {
		if got := editDistanceOne(tc.a, tc.b); got != tc.want {
			t.Fatalf("editDistanceOne(%q, %q): want=%v got=%v", tc.a, tc.b, tc.want, got)
		}
	}
}

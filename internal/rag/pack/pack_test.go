package pack

import (
	"strings"
	"testing"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

func newPacker(t *testing.T, cfg config.PackerConfig) *Packer {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(log.Sync)
	p, err := New(log, cfg)
	if err != nil {
		t.Fatalf("new packer: %v", err)
	}
	return p
}

func packCfg(budget int) config.PackerConfig {
	return config.PackerConfig{
		MaxContextTokens: budget,
		Tokenizer:        "heuristic",
		NoveltyFloor:     0.15,
		BonusConfidence:  0.75,
	}
}

func packCand(id, content string, final float64) *domain.Candidate {
	return &domain.Candidate{
		ID:      id,
		DocID:   "doc-" + id,
		Content: content,
		Payload: domain.Payload{Tenant: "tenantA", DocID: "doc-" + id},
		Scores:  domain.Scores{Fusion: final, Final: final},
	}
}

func TestBudgetAndOrderPreserved(t *testing.T) {
	arena := domain.NewArena()
	// Each candidate is 40 chars -> 10 heuristic tokens.
	texts := []string{
		"alpha beta gamma delta epsilon zeta etaa",
		"one two three four five six seven eight",
		"red orange yellow green blue indigo voil",
	}
	ids := []string{"a", "b", "c"}
	for i, id := range ids {
		arena.Put(packCand(id, texts[i], 0.5))
	}

	p := newPacker(t, packCfg(25))
	res := p.Pack(arena, ids)

	if res.TotalTokens > 25 {
		t.Fatalf("budget exceeded: total=%d", res.TotalTokens)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items: want=2 got=%d", len(res.Items))
	}
	if res.Items[0].ID != "a" || res.Items[1].ID != "b" {
		t.Fatalf("order not preserved: got %v, %v", res.Items[0].ID, res.Items[1].ID)
	}
	if res.Skipped != 1 {
		t.Fatalf("skipped: want=1 got=%d", res.Skipped)
	}
}

func TestDuplicateContentSkipped(t *testing.T) {
	arena := domain.NewArena()
	text := "the quarterly revenue table lists all regional totals for the year"
	arena.Put(packCand("a", text, 0.5))
	arena.Put(packCand("b", text, 0.5))
	arena.Put(packCand("c", "entirely different content about unrelated onboarding steps here", 0.5))

	p := newPacker(t, packCfg(1000))
	res := p.Pack(arena, []string{"a", "b", "c"})

	if len(res.Items) != 2 {
		t.Fatalf("items: want=2 got=%d", len(res.Items))
	}
	if res.Items[0].ID != "a" || res.Items[1].ID != "c" {
		t.Fatalf("duplicate should be dropped: got %v", res.Items)
	}
}

func TestBonusAdmitsDuplicate(t *testing.T) {
	arena := domain.NewArena()
	text := "the quarterly revenue table lists all regional totals for the year"
	arena.Put(packCand("a", text, 0.5))
	arena.Put(packCand("b", text, 0.9))

	p := newPacker(t, packCfg(1000))
	res := p.Pack(arena, []string{"a", "b"})

	if len(res.Items) != 2 {
		t.Fatalf("high-confidence duplicate should be admitted: got %d items", len(res.Items))
	}
}

func TestSectionAdmittedDespiteOverlap(t *testing.T) {
	arena := domain.NewArena()
	text := "tier one novice tier two apprentice tier three adept tier four expert"
	arena.Put(packCand("a", text, 0.5))
	sec := packCand("s", text, 0.5)
	sec.Section = &domain.ReconstructedSection{
		SectionPath:   "block_9",
		StructureType: domain.StructureTable,
		Completeness:  1,
	}
	arena.Put(sec)

	p := newPacker(t, packCfg(1000))
	res := p.Pack(arena, []string{"a", "s"})

	if len(res.Items) != 2 {
		t.Fatalf("reconstructed section should always be admitted: got %d items", len(res.Items))
	}
}

func TestAlwaysAdmitsOneWhenAnyExist(t *testing.T) {
	arena := domain.NewArena()
	long := strings.Repeat("lorem ipsum dolor sit amet consectetur ", 100)
	arena.Put(packCand("big", long, 0.8))

	p := newPacker(t, packCfg(50))
	res := p.Pack(arena, []string{"big"})

	if len(res.Items) != 1 {
		t.Fatalf("must admit one candidate when any exist: got %d", len(res.Items))
	}
	if !res.Items[0].Truncated {
		t.Fatal("oversized sole candidate should be marked truncated")
	}
	if res.Items[0].Tokens > 50 {
		t.Fatalf("truncated item still over budget: %d", res.Items[0].Tokens)
	}
}

func TestEmptyInput(t *testing.T) {
	p := newPacker(t, packCfg(100))
	res := p.Pack(domain.NewArena(), nil)
	if len(res.Items) != 0 || res.TotalTokens != 0 {
		t.Fatalf("empty input should pack nothing: %+v", res)
	}
}

func TestDisabledPackerStillHonorsBudget(t *testing.T) {
	arena := domain.NewArena()
	text := "the quarterly revenue table lists all regional totals for the year"
	arena.Put(packCand("a", text, 0.5))
	arena.Put(packCand("b", text, 0.5))

	cfg := packCfg(1000)
	off := false
	cfg.Enabled = &off
	p := newPacker(t, cfg)

	res := p.Pack(arena, []string{"a", "b"})
	if len(res.Items) != 2 {
		t.Fatalf("disabled packer should admit all fitting candidates: got %d", len(res.Items))
	}
}

func TestHeuristicTokenizer(t *testing.T) {
	tok, err := NewTokenizer("heuristic")
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	if got := tok.Count(""); got != 0 {
		t.Fatalf("empty count: want=0 got=%d", got)
	}
	if got := tok.Count("abcd"); got != 1 {
		t.Fatalf("4 chars: want=1 got=%d", got)
	}
	if got := tok.Count("abcde"); got != 2 {
		t.Fatalf("5 chars rounds up: want=2 got=%d", got)
	}
}

func TestUnknownTokenizerRejected(t *testing.T) {
	if _, err := NewTokenizer("sentencepiece"); err == nil {
		t.Fatal("unknown tokenizer should be rejected")
	}
}

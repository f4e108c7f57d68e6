// Package pack selects the final context sent to the LLM. The packer works
// down the ranked list under a hard token budget, admitting a candidate when
// it adds novelty over what is already packed or carries an answerability
// bonus. It never reorders: the packed sequence is the input order restricted
// to the selections.
package pack

import (
	"strings"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
)

const shingleWords = 3

type Packer struct {
	log     *logger.Logger
	tok     Tokenizer
	budget  int
	floor   float64
	bonus   float64
	enabled bool
}

func New(log *logger.Logger, cfg config.PackerConfig) (*Packer, error) {
	tok, err := NewTokenizer(cfg.Tokenizer)
	if err != nil {
		return nil, err
	}
	return NewWithTokenizer(log, cfg, tok), nil
}

// NewWithTokenizer is New with an injected counter, for callers that share
// one across requests (BPE encodings are expensive to build).
func NewWithTokenizer(log *logger.Logger, cfg config.PackerConfig, tok Tokenizer) *Packer {
	budget := cfg.MaxContextTokens
	if budget <= 0 {
		budget = 8000
	}
	floor := cfg.NoveltyFloor
	if floor <= 0 {
		floor = 0.15
	}
	bonus := cfg.BonusConfidence
	if bonus <= 0 {
		bonus = 0.75
	}
	return &Packer{
		log:     log,
		tok:     tok,
		budget:  budget,
		floor:   floor,
		bonus:   bonus,
		enabled: cfg.Enabled == nil || *cfg.Enabled,
	}
}

// Item is one packed candidate. Content is the packed view of the candidate
// text; it differs from the arena copy only when the budget forced a
// truncation.
type Item struct {
	ID        string
	Content   string
	Tokens    int
	Truncated bool
}

type Result struct {
	Items       []Item
	TotalTokens int
	Skipped     int
}

// Pack walks the ranked ids and fills the budget. At least one candidate is
// admitted whenever any exist, so the guardrail rather than the packer
// decides refusals.
func (p *Packer) Pack(arena *domain.Arena, ids []string) Result {
	var res Result
	packed := make(map[string]struct{})

	for _, id := range ids {
		c := arena.Get(id)
		if c == nil || strings.TrimSpace(c.Content) == "" {
			continue
		}
		tokens := p.tok.Count(c.Content)
		if res.TotalTokens+tokens > p.budget {
			res.Skipped++
			continue
		}
		shingles := shingleSet(c.Content)
		if p.enabled && len(res.Items) > 0 {
			if novelty(shingles, packed) < p.floor && !p.answerabilityBonus(c) {
				res.Skipped++
				continue
			}
		}
		res.Items = append(res.Items, Item{ID: id, Content: c.Content, Tokens: tokens})
		res.TotalTokens += tokens
		for s := range shingles {
			packed[s] = struct{}{}
		}
	}

	if len(res.Items) == 0 {
		if item, ok := p.forceFirst(arena, ids); ok {
			res.Items = append(res.Items, item)
			res.TotalTokens = item.Tokens
			if res.Skipped > 0 {
				res.Skipped--
			}
		}
	}
	return res
}

// answerabilityBonus admits a candidate regardless of novelty: a strong stage
// score or a reconstructed section is evidence the duplication is the answer
// itself.
func (p *Packer) answerabilityBonus(c *domain.Candidate) bool {
	if c.IsSection() {
		return true
	}
	score := c.BestScore()
	if score > 1 {
		score = 1
	}
	return score >= p.bonus
}

// forceFirst admits the best candidate even when it alone exceeds the budget,
// shrinking its content until it fits.
func (p *Packer) forceFirst(arena *domain.Arena, ids []string) (Item, bool) {
	for _, id := range ids {
		c := arena.Get(id)
		if c == nil || strings.TrimSpace(c.Content) == "" {
			continue
		}
		content := c.Content
		truncated := false
		for p.tok.Count(content) > p.budget && len(content) > 1 {
			content = content[:len(content)*3/4]
			truncated = true
		}
		tokens := p.tok.Count(content)
		if tokens > p.budget {
			return Item{}, false
		}
		if truncated {
			p.log.Warn("context budget forced truncation of sole candidate",
				"id", id, "tokens", tokens, "budget", p.budget)
		}
		return Item{ID: id, Content: content, Tokens: tokens, Truncated: truncated}, true
	}
	return Item{}, false
}

// shingleSet builds the 3-word shingle set used for novelty. Texts shorter
// than one shingle contribute themselves.
func shingleSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	out := make(map[string]struct{})
	if len(words) < shingleWords {
		if len(words) > 0 {
			out[strings.Join(words, " ")] = struct{}{}
		}
		return out
	}
	for i := 0; i+shingleWords <= len(words); i++ {
		out[strings.Join(words[i:i+shingleWords], " ")] = struct{}{}
	}
	return out
}

// novelty is the fraction of the candidate's shingles not already packed.
func novelty(cand map[string]struct{}, packed map[string]struct{}) float64 {
	if len(cand) == 0 {
		return 0
	}
	overlap := 0
	for s := range cand {
		if _, ok := packed[s]; ok {
			overlap++
		}
	}
	return 1 - float64(overlap)/float64(len(cand))
}

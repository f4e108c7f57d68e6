package pack

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens the way the downstream model will. The heuristic
// counter is the default: it never loads encoder data and overestimates
// slightly, which is the safe direction for a budget.
type Tokenizer interface {
	Name() string
	Count(text string) int
}

// NewTokenizer resolves a configured tokenizer name.
func NewTokenizer(name string) (Tokenizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "heuristic":
		return heuristic{}, nil
	case "tiktoken", "cl100k_base":
		return newBPE("cl100k_base")
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}

type heuristic struct{}

func (heuristic) Name() string { return "heuristic" }

// Count approximates four characters per token, rounding up.
func (heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

type bpe struct {
	name string
	enc  *tiktoken.Tiktoken
}

func newBPE(encoding string) (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", encoding, err)
	}
	return &bpe{name: encoding, enc: enc}, nil
}

func (b *bpe) Name() string { return b.name }

func (b *bpe) Count(text string) int {
	return len(b.enc.Encode(text, nil, nil))
}

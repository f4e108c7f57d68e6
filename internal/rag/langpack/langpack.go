package langpack

import (
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// Pack bundles the language-dependent text heuristics the retrieval stages
// need. Everything here is deliberately shallow: no domain vocabulary, no
// trained models, just tokenization, stopwords, and suffix lemmas.
type Pack struct {
	Lang string

	stop     map[string]struct{}
	suffixes []suffixRule
}

type suffixRule struct {
	suffix  string
	replace string
	minLen  int
}

// For returns the pack for a BCP-47-ish language tag, falling back to
// English for unknown languages. Only the primary subtag matters.
func For(lang string) *Pack {
	primary := strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(primary, "-_"); i > 0 {
		primary = primary[:i]
	}
	if p, ok := packs[primary]; ok {
		return p
	}
	return packs["en"]
}

// Tokenize lowercases and splits on anything that is not a letter or digit.
// Token positions are the indices of the returned slice.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 64 {
			f = f[:64]
		}
		out = append(out, f)
	}
	return out
}

// IsStop reports whether the token is a stopword in this language.
func (p *Pack) IsStop(token string) bool {
	_, ok := p.stop[token]
	return ok
}

// ContentTokens tokenizes and drops stopwords and single-rune noise.
func (p *Pack) ContentTokens(text string) []string {
	return lo.Filter(Tokenize(text), func(tok string, _ int) bool {
		return len([]rune(tok)) > 1 && !p.IsStop(tok)
	})
}

// Lemma applies shallow suffix stripping. It is intentionally cruder than a
// real stemmer; retrieval only needs "configured"/"configuring"/"configures"
// to collide, not linguistic correctness.
func (p *Pack) Lemma(token string) string {
	for _, r := range p.suffixes {
		if len(token) >= r.minLen && strings.HasSuffix(token, r.suffix) {
			return token[:len(token)-len(r.suffix)] + r.replace
		}
	}
	return token
}

// Lemmas maps ContentTokens through Lemma, deduplicated, order preserved.
func (p *Pack) Lemmas(text string) []string {
	return lo.Uniq(lo.Map(p.ContentTokens(text), func(tok string, _ int) string {
		return p.Lemma(tok)
	}))
}

// NounPhrases returns runs of 2..3 consecutive non-stopword tokens. The
// analyzer combines these with corpus PMI to decide which runs are real
// keyphrases.
func (p *Pack) NounPhrases(tokens []string) [][]string {
	var phrases [][]string
	run := make([]string, 0, 3)
	flush := func() {
		for size := 2; size <= 3; size++ {
			for i := 0; i+size <= len(run); i++ {
				phrase := make([]string, size)
				copy(phrase, run[i:i+size])
				phrases = append(phrases, phrase)
			}
		}
		run = run[:0]
	}
	for _, tok := range tokens {
		if p.IsStop(tok) || len([]rune(tok)) < 2 {
			flush()
			continue
		}
		run = append(run, tok)
		if len(run) == 4 {
			// Slide the window instead of growing unbounded runs.
			flush()
			run = append(run, tok)
		}
	}
	flush()
	return phrases
}

var packs = map[string]*Pack{
	"en": {
		Lang: "en",
		stop: toSet([]string{
			"a", "an", "the", "and", "or", "but", "if", "then", "else",
			"of", "in", "on", "at", "to", "for", "from", "by", "with",
			"about", "into", "over", "under", "between", "through",
			"is", "am", "are", "was", "were", "be", "been", "being",
			"do", "does", "did", "doing", "have", "has", "had", "having",
			"can", "could", "will", "would", "shall", "should", "may",
			"might", "must", "not", "no", "nor", "so", "than", "too",
			"very", "just", "also", "there", "here", "when", "where",
			"why", "how", "what", "which", "who", "whom", "whose",
			"this", "that", "these", "those", "it", "its", "as", "such",
			"i", "you", "he", "she", "we", "they", "me", "him", "her",
			"us", "them", "my", "your", "his", "our", "their",
		}),
		suffixes: []suffixRule{
			{suffix: "ations", replace: "ate", minLen: 8},
			{suffix: "ation", replace: "ate", minLen: 7},
			{suffix: "ities", replace: "ity", minLen: 7},
			{suffix: "iness", replace: "y", minLen: 7},
			{suffix: "ingly", replace: "", minLen: 8},
			{suffix: "edly", replace: "", minLen: 7},
			{suffix: "ings", replace: "", minLen: 7},
			{suffix: "ing", replace: "", minLen: 6},
			{suffix: "ies", replace: "y", minLen: 5},
			{suffix: "ied", replace: "y", minLen: 5},
			{suffix: "sses", replace: "ss", minLen: 6},
			{suffix: "ers", replace: "er", minLen: 5},
			{suffix: "ed", replace: "", minLen: 5},
			{suffix: "es", replace: "", minLen: 5},
			{suffix: "s", replace: "", minLen: 4},
		},
	},
	"de": {
		Lang: "de",
		stop: toSet([]string{
			"der", "die", "das", "den", "dem", "des", "ein", "eine",
			"einer", "eines", "einem", "einen", "und", "oder", "aber",
			"ist", "sind", "war", "waren", "sein", "hat", "haben",
			"wird", "werden", "kann", "nicht", "mit", "von", "zu",
			"im", "in", "auf", "für", "aus", "bei", "nach", "über",
			"auch", "als", "wie", "was", "wer", "wo", "wann", "warum",
		}),
		suffixes: []suffixRule{
			{suffix: "ungen", replace: "ung", minLen: 8},
			{suffix: "eren", replace: "er", minLen: 6},
			{suffix: "en", replace: "", minLen: 5},
			{suffix: "er", replace: "", minLen: 5},
			{suffix: "e", replace: "", minLen: 4},
		},
	},
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

package stats

import (
	"math"
	"time"

	"github.com/yungbote/querybridge-backend/internal/rag/langpack"
)

// Snapshot is an immutable view of corpus statistics. Scoring stages read a
// snapshot for the whole request; refreshes swap the provider's pointer and
// never mutate a published snapshot.
type Snapshot struct {
	BuiltAt time.Time
	Docs    int

	df     map[string]int
	pairs  map[pairKey]int
	tokens int
	maxIDF float64
}

type pairKey struct {
	A string
	B string
}

func orderedPair(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{A: a, B: b}
}

// cooccurWindow is the token distance within which two terms count as
// co-occurring when the snapshot is built.
const cooccurWindow = 8

// IDF returns the inverse document frequency of a lemma. Tokens never seen
// in the sampled corpus get the snapshot's maximum IDF.
func (s *Snapshot) IDF(token string) float64 {
	if s == nil || s.Docs == 0 {
		return 1
	}
	df, ok := s.df[token]
	if !ok || df == 0 {
		return s.maxIDF
	}
	return idf(s.Docs, df)
}

func idf(docs, df int) float64 {
	return math.Log(1 + (float64(docs)-float64(df)+0.5)/(float64(df)+0.5))
}

// MaxIDF is the ceiling assigned to unseen tokens.
func (s *Snapshot) MaxIDF() float64 {
	if s == nil {
		return 1
	}
	return s.maxIDF
}

// Seen reports whether a lemma occurred in the sampled corpus at all.
func (s *Snapshot) Seen(token string) bool {
	if s == nil {
		return false
	}
	_, ok := s.df[token]
	return ok
}

// KnownRatio is the fraction of tokens that occur in the corpus. The
// guardrail uses it to distinguish off-domain questions from thin results.
func (s *Snapshot) KnownRatio(tokens []string) float64 {
	if s == nil || len(tokens) == 0 {
		return 0
	}
	known := 0
	for _, tok := range tokens {
		if s.Seen(tok) {
			known++
		}
	}
	return float64(known) / float64(len(tokens))
}

// CoOccurrence returns how many sampled chunks contained both lemmas within
// the co-occurrence window.
func (s *Snapshot) CoOccurrence(a, b string) int {
	if s == nil {
		return 0
	}
	return s.pairs[orderedPair(a, b)]
}

// PMI is the pointwise mutual information of two lemmas, with add-one
// smoothing. Positive values mean the pair occurs together more often than
// chance; the analyzer uses it to promote adjacent tokens into keyphrases.
func (s *Snapshot) PMI(a, b string) float64 {
	if s == nil || s.Docs == 0 {
		return 0
	}
	pair := float64(s.pairs[orderedPair(a, b)]) + 1
	dfA := float64(s.df[a]) + 1
	dfB := float64(s.df[b]) + 1
	n := float64(s.Docs) + 1
	return math.Log((pair / n) / ((dfA / n) * (dfB / n)))
}

// Build constructs a snapshot from sampled chunks. Pair counts below two
// are pruned; they are noise at typical sample sizes.
func Build(samples [][]string, builtAt time.Time) *Snapshot {
	s := &Snapshot{
		BuiltAt: builtAt,
		Docs:    len(samples),
		df:      make(map[string]int),
		pairs:   make(map[pairKey]int),
	}
	for _, toks := range samples {
		s.tokens += len(toks)
		seen := make(map[string]struct{}, len(toks))
		for _, tok := range toks {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			s.df[tok]++
		}
		seenPairs := make(map[pairKey]struct{})
		for i := 0; i < len(toks); i++ {
			hi := i + cooccurWindow
			if hi > len(toks) {
				hi = len(toks)
			}
			for j := i + 1; j < hi; j++ {
				if toks[i] == toks[j] {
					continue
				}
				key := orderedPair(toks[i], toks[j])
				if _, ok := seenPairs[key]; ok {
					continue
				}
				seenPairs[key] = struct{}{}
				s.pairs[key]++
			}
		}
	}
	for key, n := range s.pairs {
		if n < 2 {
			delete(s.pairs, key)
		}
	}
	s.maxIDF = idf(s.Docs, 0)
	return s
}

// TokenizeSample turns a raw chunk into the lemma stream Build consumes.
func TokenizeSample(pack *langpack.Pack, title, content string) []string {
	toks := pack.ContentTokens(title + " " + content)
	out := make([]string, len(toks))
	for i, tok := range toks {
		out[i] = pack.Lemma(tok)
	}
	return out
}

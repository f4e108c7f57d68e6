// Package kwrank re-scores post-fusion candidates with corpus-derived
// keyword features. It carries no domain lexicon: term weights come from the
// statistics snapshot, phrase structure from the analyzer, and exclusivity
// pairs from corpus PMI. The blended score never replaces the fused score;
// it adds a bounded number of points on top, so a candidate with zero
// keyword evidence keeps its fusion rank.
package kwrank

import (
	"math"
	"sort"
	"strings"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/rag/analyze"
	"github.com/yungbote/querybridge-backend/internal/rag/langpack"
	"github.com/yungbote/querybridge-backend/internal/stats"
)

const (
	phraseBonus = 1.25

	// matchExact, matchLemma, and matchFuzzy grade how a query token hit a
	// field token.
	matchExact = 1.0
	matchLemma = 0.7
	matchFuzzy = 0.4

	// fuzzyMinRunes keeps edit-distance matching away from short tokens,
	// which collide with unrelated words too easily.
	fuzzyMinRunes = 4

	// exclusivityTerms bounds how many top terms are paired up when
	// looking for mutually exclusive matches.
	exclusivityTerms = 6

	epsilon = 1e-6
)

type Scorer struct {
	cfg config.KwrankConfig
	log *logger.Logger
}

func New(cfg config.KwrankConfig, log *logger.Logger) *Scorer {
	return &Scorer{cfg: cfg, log: log}
}

// Rescore blends keyword points into the fused scores and re-sorts. It
// returns the new order and whether the stage ran; without keyphrases or a
// statistics snapshot it returns the input unchanged.
func (s *Scorer) Rescore(arena *domain.Arena, ids []string, a analyze.Analysis, snap *stats.Snapshot) ([]string, bool) {
	if len(ids) == 0 || len(a.Keyphrases) == 0 {
		return ids, false
	}
	if snap == nil {
		s.log.Warn("keyword rescoring skipped", "reason", "no corpus statistics")
		return ids, false
	}

	terms := s.buildTerms(a, snap)
	raws := make([]float64, len(ids))
	for i, id := range ids {
		raws[i] = s.rawScore(arena.Get(id), a.Pack, terms, snap)
	}

	med := median(raws)
	out := append([]string(nil), ids...)
	for i, id := range ids {
		norm := raws[i] / (med + epsilon)
		if norm > s.cfg.ClampKwNorm {
			norm = s.cfg.ClampKwNorm
		}
		c := arena.Get(id)
		c.Scores.Domainless = &norm
		c.Scores.Final = c.Scores.Fusion + s.cfg.Lambda*norm
	}

	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := arena.Get(out[i]), arena.Get(out[j])
		if ci.Scores.Final != cj.Scores.Final {
			return ci.Scores.Final > cj.Scores.Final
		}
		ri, rj := rankOrLast(ci.VectorRank), rankOrLast(cj.VectorRank)
		if ri != rj {
			return ri < rj
		}
		if ci.DocID != cj.DocID {
			return ci.DocID < cj.DocID
		}
		return ci.ID < cj.ID
	})
	return out, true
}

// term is one weighted query unit: IDF^gamma, phrase-boosted, decayed by its
// position in the weight-ordered keyphrase list.
type term struct {
	surfaces []string
	lemmas   []string
	phrase   bool
	weight   float64
}

func (s *Scorer) buildTerms(a analyze.Analysis, snap *stats.Snapshot) []term {
	out := make([]term, 0, len(a.Keyphrases))
	for i, kp := range a.Keyphrases {
		w := math.Pow(meanIDF(snap, kp.Lemmas), s.cfg.IDFGamma)
		if kp.Phrase {
			w *= phraseBonus
		}
		w *= math.Pow(s.cfg.RankDecay, float64(i))
		out = append(out, term{
			surfaces: kp.Tokens,
			lemmas:   kp.Lemmas,
			phrase:   kp.Phrase,
			weight:   w,
		})
	}
	return out
}

// fieldView is one candidate field tokenized twice: surface forms for exact
// and fuzzy matching, lemmas for lemma matching.
type fieldView struct {
	surf []string
	lem  []string
}

type docView struct {
	body    fieldView
	title   fieldView
	header  fieldView
	section fieldView
	docID   fieldView
}

func viewOf(pack *langpack.Pack, c *domain.Candidate) docView {
	var title, header string
	if len(c.Payload.Headers) > 0 {
		title = c.Payload.Headers[0]
		header = strings.Join(c.Payload.Headers[1:], " ")
	}
	if len(c.Payload.CoreTokens) > 0 {
		header = header + " " + strings.Join(c.Payload.CoreTokens, " ")
	}
	return docView{
		body:    makeField(pack, c.Content),
		title:   makeField(pack, title),
		header:  makeField(pack, header),
		section: makeField(pack, c.Payload.SectionPath),
		docID:   makeField(pack, c.DocID),
	}
}

func makeField(pack *langpack.Pack, text string) fieldView {
	surf := langpack.Tokenize(text)
	lem := make([]string, len(surf))
	for i, tok := range surf {
		lem[i] = pack.Lemma(tok)
	}
	return fieldView{surf: surf, lem: lem}
}

// occurrence is one place a term matched in the body.
type occurrence struct {
	pos      int
	strength float64
}

// termMatch is everything the multipliers need about one term's hits.
type termMatch struct {
	score    float64
	bodyOccs []occurrence
}

func (s *Scorer) rawScore(c *domain.Candidate, pack *langpack.Pack, terms []term, snap *stats.Snapshot) float64 {
	if c == nil {
		return 0
	}
	view := viewOf(pack, c)

	matches := make([]termMatch, len(terms))
	raw := 0.0
	for i, t := range terms {
		matches[i] = s.matchTerm(t, view)
		raw += t.weight * matches[i].score
	}
	if raw == 0 {
		return 0
	}

	if s.earlyMatch(matches) {
		raw *= s.cfg.EarlyPosNudge
	}
	raw *= s.proximityBonus(matches)
	if s.fullCoverage(matches, len(terms)) {
		raw *= 1 + s.cfg.CoverageAlpha
	}
	if s.exclusiveConflict(terms, matches, snap) {
		raw *= 1 - s.cfg.ExclusivityGamma
	}
	return raw
}

// matchTerm scores one term against all five fields. The body contribution
// saturates with the strength-weighted hit count; the short fields use their
// single best occurrence.
func (s *Scorer) matchTerm(t term, view docView) termMatch {
	occs := findOccurrences(t, view.body)
	score := 0.0
	if len(occs) > 0 {
		hits := 0.0
		for _, o := range occs {
			hits += o.strength
		}
		score += s.cfg.FieldWeights.Body * (1 - math.Exp(-s.cfg.BodySatC*hits))
	}
	score += s.cfg.FieldWeights.Title * bestStrength(t, view.title)
	score += s.cfg.FieldWeights.Header * bestStrength(t, view.header)
	score += s.cfg.FieldWeights.SectionPath * bestStrength(t, view.section)
	score += s.cfg.FieldWeights.DocID * bestStrength(t, view.docID)
	return termMatch{score: score, bodyOccs: occs}
}

// findOccurrences locates every body position where the term matches. A
// phrase matches only as a consecutive run; its strength is the weakest
// member token's strength.
func findOccurrences(t term, f fieldView) []occurrence {
	n := len(t.surfaces)
	if n == 0 || len(f.surf) < n {
		return nil
	}
	var occs []occurrence
	for i := 0; i+n <= len(f.surf); i++ {
		strength := math.MaxFloat64
		for j := 0; j < n; j++ {
			st := tokenStrength(t.surfaces[j], t.lemmas[j], f.surf[i+j], f.lem[i+j])
			if st < strength {
				strength = st
			}
			if strength == 0 {
				break
			}
		}
		if strength > 0 && strength != math.MaxFloat64 {
			occs = append(occs, occurrence{pos: i, strength: strength})
		}
	}
	return occs
}

func bestStrength(t term, f fieldView) float64 {
	best := 0.0
	for _, o := range findOccurrences(t, f) {
		if o.strength > best {
			best = o.strength
		}
	}
	return best
}

func tokenStrength(qSurf, qLem, fSurf, fLem string) float64 {
	if qSurf == fSurf {
		return matchExact
	}
	if qLem == fLem {
		return matchLemma
	}
	if editDistanceOne(qSurf, fSurf) {
		return matchFuzzy
	}
	return 0
}

// earlyMatch reports whether any term's first body hit lands inside the
// early-position window.
func (s *Scorer) earlyMatch(matches []termMatch) bool {
	for _, m := range matches {
		if len(m.bodyOccs) > 0 && m.bodyOccs[0].pos < s.cfg.EarlyPosTokens {
			return true
		}
	}
	return false
}

// proximityBonus rewards candidates whose top terms appear close together in
// the body. The span is the smallest distance between body positions of two
// distinct top terms.
func (s *Scorer) proximityBonus(matches []termMatch) float64 {
	top := len(matches)
	if top > 3 {
		top = 3
	}
	span := -1
	for i := 0; i < top; i++ {
		for j := i + 1; j < top; j++ {
			d := minPairDistance(matches[i].bodyOccs, matches[j].bodyOccs)
			if d >= 0 && (span < 0 || d < span) {
				span = d
			}
		}
	}
	if span < 0 || span >= s.cfg.ProxWin {
		return 1
	}
	return 1 + s.cfg.ProximityBeta*(1-float64(span)/float64(s.cfg.ProxWin))
}

func minPairDistance(a, b []occurrence) int {
	if len(a) == 0 || len(b) == 0 {
		return -1
	}
	best := -1
	for _, oa := range a {
		for _, ob := range b {
			d := oa.pos - ob.pos
			if d < 0 {
				d = -d
			}
			if best < 0 || d < best {
				best = d
			}
		}
	}
	return best
}

// fullCoverage reports whether every one of the top-K keyphrases matched
// somewhere on the candidate.
func (s *Scorer) fullCoverage(matches []termMatch, terms int) bool {
	k := s.cfg.TopkCoverage
	if k <= 0 || k > terms {
		k = terms
	}
	for i := 0; i < k; i++ {
		if matches[i].score == 0 {
			return false
		}
	}
	return true
}

// exclusiveConflict reports whether the candidate matched both halves of a
// mutually exclusive term pair: two corpus terms that never co-occur and
// carry negative PMI. Matching both usually means the candidate is about
// something else entirely.
func (s *Scorer) exclusiveConflict(terms []term, matches []termMatch, snap *stats.Snapshot) bool {
	top := len(terms)
	if top > exclusivityTerms {
		top = exclusivityTerms
	}
	for i := 0; i < top; i++ {
		if terms[i].phrase || matches[i].score == 0 {
			continue
		}
		for j := i + 1; j < top; j++ {
			if terms[j].phrase || matches[j].score == 0 {
				continue
			}
			a, b := terms[i].lemmas[0], terms[j].lemmas[0]
			if !snap.Seen(a) || !snap.Seen(b) {
				continue
			}
			if snap.CoOccurrence(a, b) == 0 && snap.PMI(a, b) < 0 {
				return true
			}
		}
	}
	return false
}

// editDistanceOne reports whether two tokens are within one edit of each
// other. Both must clear the minimum length; exact equality is handled
// before this is called.
func editDistanceOne(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < fuzzyMinRunes || len(rb) < fuzzyMinRunes {
		return false
	}
	la, lb := len(ra), len(rb)
	if la > lb {
		ra, rb = rb, ra
		la, lb = lb, la
	}
	if lb-la > 1 {
		return false
	}
	i, j, edits := 0, 0, 0
	for i < la && j < lb {
		if ra[i] == rb[j] {
			i++
			j++
			continue
		}
		edits++
		if edits > 1 {
			return false
		}
		if la == lb {
			i++
			j++
		} else {
			j++
		}
	}
	if j < lb || i < la {
		edits++
	}
	return edits <= 1
}

func meanIDF(snap *stats.Snapshot, lemmas []string) float64 {
	if len(lemmas) == 0 {
		return 0
	}
	sum := 0.0
	for _, l := range lemmas {
		sum += snap.IDF(l)
	}
	return sum / float64(len(lemmas))
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func rankOrLast(r int) int {
	if r <= 0 {
		return 1 << 30
	}
	return r
}

// Package analyze turns the raw query into weighted keyphrases, an intent
// class, and the initial vector/keyword balance. Everything is unsupervised
// and corpus-driven: term weights come from the statistics snapshot, phrase
// promotion from co-occurrence, and the only language knowledge used is the
// language pack. The analyzer is deterministic for a given query and
// snapshot.
package analyze

import (
	"sort"
	"strings"

	"github.com/yungbote/querybridge-backend/internal/rag/langpack"
	"github.com/yungbote/querybridge-backend/internal/stats"
	"github.com/yungbote/querybridge-backend/internal/store"
)

// Intent classifies what kind of answer the query expects. It only steers
// the fusion balance; no stage branches on it otherwise.
type Intent string

const (
	IntentDefinition   Intent = "definition"
	IntentMeasurement  Intent = "measurement"
	IntentProcedure    Intent = "procedure"
	IntentEntityLookup Intent = "entity_lookup"
	IntentExploratory  Intent = "exploratory"
)

// Keyphrase is one weighted query term: a single content token or a short
// run promoted by corpus co-occurrence. Weight is IDF-based, boosted for
// phrases and quoted spans.
type Keyphrase struct {
	Text   string   `json:"text"`
	Tokens []string `json:"tokens"`
	Lemmas []string `json:"lemmas"`
	Weight float64  `json:"weight"`
	Phrase bool     `json:"phrase"`
	Quoted bool     `json:"quoted,omitempty"`
}

// Analysis is the analyzer's read-only output for one query. Keyphrases are
// ordered by descending weight; Terms is the same list shaped for the store.
type Analysis struct {
	Query      string
	Pack       *langpack.Pack
	Tokens     []string
	Lemmas     []string
	Keyphrases []Keyphrase
	Intent     Intent

	VectorWeight  float64
	KeywordWeight float64

	Terms []store.QueryTerm
}

const (
	// maxKeyphrases bounds the term list pushed into the keyword branch.
	maxKeyphrases = 16

	phraseBoost = 1.25
	quoteBoost  = 1.5
)

// Analyze runs the full query analysis. languages picks the language pack
// (first entry wins, English otherwise); defVec/defKey are the configured
// hybrid weights used when the intent does not force a split.
func Analyze(query string, languages []string, snap *stats.Snapshot, defVec, defKey float64) Analysis {
	lang := ""
	if len(languages) > 0 {
		lang = languages[0]
	}
	pack := langpack.For(lang)

	tokens := langpack.Tokenize(query)
	lemmas := pack.Lemmas(query)
	intent := classify(query, pack.Lang)
	vw, kw := weightsFor(intent, defVec, defKey)

	phrases := promotePhrases(pack, snap, tokens, quotedSpans(pack, query))
	keyphrases := append(phrases, singleTerms(pack, snap, tokens)...)
	sort.SliceStable(keyphrases, func(i, j int) bool {
		if keyphrases[i].Weight != keyphrases[j].Weight {
			return keyphrases[i].Weight > keyphrases[j].Weight
		}
		return keyphrases[i].Text < keyphrases[j].Text
	})
	if len(keyphrases) > maxKeyphrases {
		keyphrases = keyphrases[:maxKeyphrases]
	}

	return Analysis{
		Query:         query,
		Pack:          pack,
		Tokens:        tokens,
		Lemmas:        lemmas,
		Keyphrases:    keyphrases,
		Intent:        intent,
		VectorWeight:  vw,
		KeywordWeight: kw,
		Terms:         storeTerms(keyphrases),
	}
}

// weightsFor maps intent to the vector/keyword split. Lexically precise
// intents split evenly; the rest lean on the embedding with the configured
// hybrid weights.
func weightsFor(intent Intent, defVec, defKey float64) (float64, float64) {
	switch intent {
	case IntentDefinition, IntentMeasurement, IntentProcedure:
		return 0.5, 0.5
	default:
		if defVec <= 0 && defKey <= 0 {
			return 0.7, 0.3
		}
		return defVec, defKey
	}
}

type cueTable struct {
	measurement []string
	procedure   []string
	definition  []string
	entity      []string
}

var cues = map[string]cueTable{
	"en": {
		measurement: []string{
			"how long", "how many", "how much", "how far", "how fast",
			"how tall", "how old", "how heavy", "how wide", "how deep",
			"how often", "how big",
		},
		procedure: []string{
			"how do", "how to", "how can", "how should", "what steps",
			"walk me through", "step by step",
		},
		definition: []string{
			"what is", "what are", "what does", "what's", "define ",
			"definition of", "meaning of",
		},
		entity: []string{
			"who is", "who are", "who was", "where is", "where are",
			"when was", "when did", "when is", "which ",
		},
	},
	"de": {
		measurement: []string{
			"wie lange", "wie viele", "wie viel", "wie weit", "wie schnell",
			"wie alt", "wie oft", "wie gross", "wie groß", "wie hoch",
		},
		procedure: []string{
			"wie kann", "wie mache", "wie macht", "wie richte", "anleitung",
			"schritt für schritt",
		},
		definition: []string{
			"was ist", "was sind", "was bedeutet", "definition von",
		},
		entity: []string{
			"wer ist", "wer war", "wo ist", "wo liegt", "wann war",
			"wann wurde", "welche", "welcher",
		},
	},
}

func classify(query, lang string) Intent {
	q := " " + strings.Join(strings.Fields(strings.ToLower(query)), " ") + " "
	table, ok := cues[lang]
	if !ok {
		table = cues["en"]
	}
	match := func(list []string) bool {
		for _, cue := range list {
			if strings.Contains(q, " "+cue) {
				return true
			}
		}
		return false
	}
	switch {
	case match(table.measurement):
		return IntentMeasurement
	case match(table.procedure):
		return IntentProcedure
	case match(table.definition):
		return IntentDefinition
	case match(table.entity):
		return IntentEntityLookup
	default:
		return IntentExploratory
	}
}

// quotedSpans extracts "..." spans as forced phrases. A quoted span skips
// the co-occurrence check: the caller already told us the tokens belong
// together.
func quotedSpans(pack *langpack.Pack, query string) []Keyphrase {
	var out []Keyphrase
	rest := query
	for {
		open := strings.IndexByte(rest, '"')
		if open < 0 {
			break
		}
		end := strings.IndexByte(rest[open+1:], '"')
		if end < 0 {
			break
		}
		span := rest[open+1 : open+1+end]
		rest = rest[open+end+2:]
		toks := pack.ContentTokens(span)
		if len(toks) == 0 {
			continue
		}
		out = append(out, Keyphrase{
			Text:   strings.Join(toks, " "),
			Tokens: toks,
			Lemmas: lemmatize(pack, toks),
			Phrase: len(toks) > 1,
			Quoted: true,
		})
	}
	return out
}

// promotePhrases scores candidate noun-phrase runs and keeps the ones the
// corpus supports: every adjacent lemma pair must co-occur at least twice
// with positive PMI. Quoted spans are kept regardless.
func promotePhrases(pack *langpack.Pack, snap *stats.Snapshot, tokens []string, quoted []Keyphrase) []Keyphrase {
	seen := make(map[string]struct{})
	var out []Keyphrase

	add := func(kp Keyphrase) {
		key := strings.Join(kp.Lemmas, " ")
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, kp)
	}

	for _, kp := range quoted {
		kp.Weight = meanIDF(snap, kp.Lemmas) * quoteBoost
		if kp.Phrase {
			kp.Weight *= phraseBoost
		}
		add(kp)
	}

	for _, run := range pack.NounPhrases(tokens) {
		lemmas := lemmatize(pack, run)
		if !corpusSupported(snap, lemmas) {
			continue
		}
		add(Keyphrase{
			Text:   strings.Join(run, " "),
			Tokens: run,
			Lemmas: lemmas,
			Weight: meanIDF(snap, lemmas) * phraseBoost,
			Phrase: true,
		})
	}
	return out
}

func corpusSupported(snap *stats.Snapshot, lemmas []string) bool {
	if snap == nil || len(lemmas) < 2 {
		return false
	}
	for i := 0; i+1 < len(lemmas); i++ {
		if snap.CoOccurrence(lemmas[i], lemmas[i+1]) < 2 {
			return false
		}
		if snap.PMI(lemmas[i], lemmas[i+1]) <= 0 {
			return false
		}
	}
	return true
}

// singleTerms emits every distinct content lemma as a 1-gram keyphrase
// weighted by IDF. Unseen tokens get the snapshot's ceiling, which is what
// promotes rare entity names over generic vocabulary.
func singleTerms(pack *langpack.Pack, snap *stats.Snapshot, tokens []string) []Keyphrase {
	var out []Keyphrase
	seen := make(map[string]struct{})
	for _, tok := range tokens {
		if len([]rune(tok)) < 2 || pack.IsStop(tok) {
			continue
		}
		lemma := pack.Lemma(tok)
		if _, dup := seen[lemma]; dup {
			continue
		}
		seen[lemma] = struct{}{}
		out = append(out, Keyphrase{
			Text:   tok,
			Tokens: []string{tok},
			Lemmas: []string{lemma},
			Weight: snap.IDF(lemma),
		})
	}
	return out
}

func lemmatize(pack *langpack.Pack, tokens []string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		out[i] = pack.Lemma(tok)
	}
	return out
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

func storeTerms(keyphrases []Keyphrase) []store.QueryTerm {
	out := make([]store.QueryTerm, 0, len(keyphrases))
	for _, kp := range keyphrases {
		out = append(out, store.QueryTerm{
			Term:   kp.Text,
			Lemma:  strings.Join(kp.Lemmas, " "),
			Phrase: kp.Phrase,
			Weight: kp.Weight,
		})
	}
	return out
}

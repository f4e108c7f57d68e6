package domain

import "time"

// Payload carries the indexed fields of a stored chunk.
type Payload struct {
	Tenant      string   `json:"tenant"`
	ACL         []string `json:"acl"`
	Lang        string   `json:"lang"`
	DocID       string   `json:"docId"`
	SectionPath string   `json:"sectionPath"`
	Headers     []string `json:"headers,omitempty"`
	URL         string   `json:"url,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`

	// Seq orders sibling chunks within a section; PartTotal, when the
	// ingesting chunker knows it, is the expected sibling count.
	Seq       int `json:"seq,omitempty"`
	PartTotal int `json:"partTotal,omitempty"`

	// CoreTokens are chunker-designated anchor terms, kept for lexical
	// boosts.
	CoreTokens []string `json:"coreTokens,omitempty"`

	Custom map[string]any `json:"custom,omitempty"`
}

func (p Payload) Time() time.Time {
	if p.Timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(p.Timestamp, 0).UTC()
}

// Scores accumulates per-stage scores on a candidate. Earlier scores are
// retained for telemetry and for the confidence model; nil means the stage
// never saw the candidate.
type Scores struct {
	Vector     *float64 `json:"vector,omitempty"`
	Keyword    *float64 `json:"keyword,omitempty"`
	Fusion     float64  `json:"fusion"`
	Domainless *float64 `json:"domainless,omitempty"`
	Rerank     *float64 `json:"rerank,omitempty"`
	Final      float64  `json:"final"`
}

// Candidate is the unit of retrieval. Candidates live in a per-request arena
// indexed by ID; stages exchange ID lists rather than building pointer graphs.
type Candidate struct {
	ID      string  `json:"id"`
	DocID   string  `json:"docId"`
	Content string  `json:"content"`
	Payload Payload `json:"payload"`
	Scores  Scores  `json:"scores"`

	VectorRank  int `json:"-"`
	KeywordRank int `json:"-"`

	// Section is set when the candidate is a reconstructed section rather
	// than a raw chunk.
	Section *ReconstructedSection `json:"section,omitempty"`
}

func (c *Candidate) IsSection() bool { return c != nil && c.Section != nil }

// BestScore prefers the most processed score available.
func (c *Candidate) BestScore() float64 {
	if c == nil {
		return 0
	}
	if c.Scores.Rerank != nil {
		return *c.Scores.Rerank
	}
	if c.Scores.Final > 0 {
		return c.Scores.Final
	}
	return c.Scores.Fusion
}

// ReconstructedSection is a virtual candidate assembled from sibling chunks
// of one structured section. Once emitted, its constituent chunk ids are
// consumed and must not reappear downstream.
type ReconstructedSection struct {
	SectionPath      string        `json:"sectionPath"`
	StructureType    StructureType `json:"structureType"`
	OriginalChunkIDs []string      `json:"originalChunkIds"`
	MergedContent    string        `json:"-"`
	Completeness     float64       `json:"completeness"`
}

type StructureType string

const (
	StructureTable     StructureType = "table"
	StructureList      StructureType = "list"
	StructureHierarchy StructureType = "hierarchy"
	StructureSequence  StructureType = "sequence"
)

// ChunkSample is the minimal view of a stored chunk used to build corpus
// statistics.
type ChunkSample struct {
	DocID   string
	Title   string
	Content string
}

// Arena owns all candidates of one request. Stages address candidates by id.
type Arena struct {
	byID  map[string]*Candidate
	order []string
}

func NewArena() *Arena {
	return &Arena{byID: make(map[string]*Candidate)}
}

// Put registers a candidate, keeping the first instance on duplicate ids.
func (a *Arena) Put(c *Candidate) *Candidate {
	if c == nil || c.ID == "" {
		return nil
	}
	if existing, ok := a.byID[c.ID]; ok {
		return existing
	}
	a.byID[c.ID] = c
	a.order = append(a.order, c.ID)
	return c
}

func (a *Arena) Get(id string) *Candidate {
	if a == nil {
		return nil
	}
	return a.byID[id]
}

func (a *Arena) Resolve(ids []string) []*Candidate {
	out := make([]*Candidate, 0, len(ids))
	for _, id := range ids {
		if c := a.Get(id); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (a *Arena) Len() int {
	if a == nil {
		return 0
	}
	return len(a.byID)
}

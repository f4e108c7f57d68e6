package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/querybridge-backend/internal/domain"
)

var chunkIDNamespace = uuid.MustParse("7b9c6f2e-4a11-4c68-9d1a-53c60e1d2f40")

// ChunkID derives the deterministic ID for a chunk payload, so re-ingesting
// the same (tenant, docId, sectionPath, seq) overwrites instead of
// duplicating. Both providers use it.
func ChunkID(p domain.Payload) string {
	key := fmt.Sprintf("%s|%s|%s|%d", p.Tenant, p.DocID, p.SectionPath, p.Seq)
	return uuid.NewSHA1(chunkIDNamespace, []byte(key)).String()
}

// Hit is one stored chunk returned by a search or fetch. Score semantics
// depend on the call: cosine similarity for vector search, lexical score for
// keyword search, zero for plain fetches.
type Hit struct {
	ID      string
	DocID   string
	Content string
	Payload domain.Payload
	Score   float64
}

// QueryTerm is a weighted search term for the keyword branch. Term is the
// surface form pushed down to the backend's text match; Lemma is what
// lexical scoring counts. Weights come from the query analyzer (corpus IDF).
type QueryTerm struct {
	Term   string
	Lemma  string
	Phrase bool
	Weight float64
}

// Chunk is the ingest-side unit. ID may be empty; providers then derive a
// deterministic ID from tenant, docID, sectionPath, and seq so re-ingesting
// the same document overwrites instead of duplicating.
type Chunk struct {
	ID      string
	Content string
	Vector  []float32
	Payload domain.Payload
}

// Store is the retrieval backend. Both searches take the same mandatory
// Filter; a provider must push tenant and ACL constraints into the query it
// sends, never post-filter only.
type Store interface {
	Name() string

	VectorSearch(ctx context.Context, vector []float32, f Filter, topK int) ([]Hit, error)
	KeywordSearch(ctx context.Context, terms []QueryTerm, f Filter, topK int) ([]Hit, error)

	// FetchByIDs returns chunks by ID, dropping any the filter forbids.
	FetchByIDs(ctx context.Context, ids []string, f Filter) ([]Hit, error)
	// FetchSection returns every sibling chunk of (docID, sectionPath)
	// visible under the filter, ordered by ingest sequence.
	FetchSection(ctx context.Context, docID, sectionPath string, f Filter, limit int) ([]Hit, error)

	UpsertChunks(ctx context.Context, chunks []Chunk) error
	DeleteByDocID(ctx context.Context, tenant, docID string) (int, error)
	EnsureSchema(ctx context.Context) error

	SampleChunks(ctx context.Context, limit int) ([]domain.ChunkSample, error)

	// Ready probes the backend; readiness checks call it with a short
	// deadline.
	Ready(ctx context.Context) error
}

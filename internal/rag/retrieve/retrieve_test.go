package retrieve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/store"
)

// fakeStore lets each branch be scripted independently.
type fakeStore struct {
	vectorHits []store.Hit
	vectorErr  error
	vectorWait bool

	keywordHits []store.Hit
	keywordErr  error
}

func (f *fakeStore) Name() string { return "fake" }

func (f *fakeStore) VectorSearch(ctx context.Context, _ []float32, _ store.Filter, _ int) ([]store.Hit, error) {
	if f.vectorWait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.vectorHits, f.vectorErr
}

func (f *fakeStore) KeywordSearch(ctx context.Context, _ []store.QueryTerm, _ store.Filter, _ int) ([]store.Hit, error) {
	return f.keywordHits, f.keywordErr
}

func (f *fakeStore) FetchByIDs(context.Context, []string, store.Filter) ([]store.Hit, error) {
	return nil, nil
}

func (f *fakeStore) FetchSection(context.Context, string, string, store.Filter, int) ([]store.Hit, error) {
	return nil, nil
}

func (f *fakeStore) UpsertChunks(context.Context, []store.Chunk) error { return nil }

func (f *fakeStore) DeleteByDocID(context.Context, string, string) (int, error) { return 0, nil }

func (f *fakeStore) EnsureSchema(context.Context) error { return nil }
func (f *fakeStore) SampleChunks(context.Context, int) ([]domain.ChunkSample, error) {
	return nil, nil
}
func (f *fakeStore) Ready(context.Context) error { return nil }

func testFilter() store.Filter {
	return store.Filter{Tenant: "tenantA", Principals: []string{"u1", "g.readers"}}
}

func hit(id string, score float64) store.Hit {
	return store.Hit{
		ID:      id,
		DocID:   "doc-" + id,
		Content: "content " + id,
		Payload: domain.Payload{Tenant: "tenantA", ACL: []string{"g.readers"}, DocID: "doc-" + id},
		Score:   score,
	}
}

func newRetriever(t *testing.T, st store.Store) *Retriever {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(log.Sync)
	return New(log, st)
}

func opts() Options {
	return Options{TopK: 20, VectorTimeout: time.Second, KeywordTimeout: time.Second}
}

func terms() []store.QueryTerm {
	return []store.QueryTerm{{Term: "skill table", Lemma: "skill table", Phrase: true, Weight: 2}}
}

func TestRunBothBranchesHealthy(t *testing.T) {
	st := &fakeStore{
		vectorHits:  []store.Hit{hit("a", 0.9), hit("b", 0.7)},
		keywordHits: []store.Hit{hit("b", 0.8), hit("c", 0.4)},
	}
	arena := domain.NewArena()

	res, out := newRetriever(t, st).Run(context.Background(), []float32{0.1}, terms(), testFilter(), arena, opts())
	if out.State != domain.OutcomeOk {
		t.Fatalf("outcome: want=Ok got=%+v", out)
	}
	if len(res.Vector.IDs) != 2 || len(res.Keyword.IDs) != 2 {
		t.Fatalf("branch sizes: vector=%d keyword=%d", len(res.Vector.IDs), len(res.Keyword.IDs))
	}
	if arena.Len() != 3 {
		t.Fatalf("arena: want=3 candidates got=%d", arena.Len())
	}

	// Candidate b was returned by both branches and carries both scores.
	b := arena.Get("b")
	if b == nil || b.Scores.Vector == nil || b.Scores.Keyword == nil {
		t.Fatalf("candidate b: missing branch scores: %+v", b)
	}
	if *b.Scores.Vector != 0.7 || *b.Scores.Keyword != 0.8 {
		t.Fatalf("candidate b scores: vector=%v keyword=%v", *b.Scores.Vector, *b.Scores.Keyword)
	}
	if b.VectorRank != 2 || b.KeywordRank != 1 {
		t.Fatalf("candidate b ranks: vector=%d keyword=%d", b.VectorRank, b.KeywordRank)
	}

	if res.Vector.Signal.Top != 0.9 || res.Vector.Signal.Count != 2 {
		t.Fatalf("vector signal: %+v", res.Vector.Signal)
	}
}

func TestRunVectorFailureDegrades(t *testing.T) {
	st := &fakeStore{
		vectorErr:   errors.New("connection refused"),
		keywordHits: []store.Hit{hit("c", 0.4)},
	}
	arena := domain.NewArena()

	res, out := newRetriever(t, st).Run(context.Background(), []float32{0.1}, terms(), testFilter(), arena, opts())
	if out.State != domain.OutcomeDegraded {
		t.Fatalf("outcome: want=Degraded got=%+v", out)
	}
	if res.Vector.Err == nil || !res.Vector.Signal.Degraded {
		t.Fatalf("vector branch: want degraded, got %+v", res.Vector)
	}
	if len(res.Keyword.IDs) != 1 {
		t.Fatalf("keyword branch: want 1 hit, got %d", len(res.Keyword.IDs))
	}
}

func TestRunBothFailuresAbort(t *testing.T) {
	st := &fakeStore{
		vectorErr:  errors.New("down"),
		keywordErr: errors.New("down"),
	}
	_, out := newRetriever(t, st).Run(context.Background(), []float32{0.1}, terms(), testFilter(), domain.NewArena(), opts())
	if !out.Failed() || out.Kind != domain.KindRetrievalUnavailable {
		t.Fatalf("outcome: want Failed(RetrievalUnavailable) got %+v", out)
	}
}

func TestRunVectorTimeoutDegrades(t *testing.T) {
	st := &fakeStore{
		vectorWait:  true,
		keywordHits: []store.Hit{hit("c", 0.4)},
	}
	o := opts()
	o.VectorTimeout = 10 * time.Millisecond

	res, out := newRetriever(t, st).Run(context.Background(), []float32{0.1}, terms(), testFilter(), domain.NewArena(), o)
	if out.State != domain.OutcomeDegraded {
		t.Fatalf("outcome: want=Degraded got=%+v", out)
	}
	if res.Vector.Signal.Reason != "timeout" {
		t.Fatalf("vector reason: want=timeout got=%q", res.Vector.Signal.Reason)
	}
}

func TestRunWithholdsLeakingBranch(t *testing.T) {
	leaked := hit("x", 0.95)
	leaked.Payload.Tenant = "tenantB"
	st := &fakeStore{
		vectorHits:  []store.Hit{hit("a", 0.9), leaked},
		keywordHits: []store.Hit{hit("c", 0.4)},
	}
	arena := domain.NewArena()

	res, out := newRetriever(t, st).Run(context.Background(), []float32{0.1}, terms(), testFilter(), arena, opts())
	if out.Failed() {
		t.Fatalf("outcome: leak must not abort, got %+v", out)
	}
	if len(res.Vector.IDs) != 0 {
		t.Fatalf("vector branch: leaking branch must yield zero results, got %v", res.Vector.IDs)
	}
	if arena.Get("x") != nil || arena.Get("a") != nil {
		t.Fatalf("arena: leaked branch candidates must not be registered")
	}
	if len(res.Keyword.IDs) != 1 {
		t.Fatalf("keyword branch: unaffected branch lost results")
	}
}

func TestRunNoTermsIsHealthyEmptyKeywordBranch(t *testing.T) {
	st := &fakeStore{vectorHits: []store.Hit{hit("a", 0.9)}}

	res, out := newRetriever(t, st).Run(context.Background(), []float32{0.1}, nil, testFilter(), domain.NewArena(), opts())
	if out.State != domain.OutcomeOk {
		t.Fatalf("outcome: want=Ok got=%+v", out)
	}
	if res.Keyword.Err != nil || len(res.Keyword.IDs) != 0 {
		t.Fatalf("keyword branch: want healthy empty, got %+v", res.Keyword)
	}
	if res.Keyword.Signal.Degraded {
		t.Fatalf("keyword signal: empty term list must not count as degraded")
	}
}

func TestRunRejectsInvalidFilter(t *testing.T) {
	st := &fakeStore{}
	_, out := newRetriever(t, st).Run(context.Background(), []float32{0.1}, nil, store.Filter{}, domain.NewArena(), opts())
	if !out.Failed() || out.Kind != domain.KindInternalInvariant {
		t.Fatalf("outcome: want Failed(InternalInvariantViolation) got %+v", out)
	}
}

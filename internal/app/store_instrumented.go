package app

import (
	"context"
	"time"

	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/observability"
	"github.com/yungbote/querybridge-backend/internal/store"
)

// instrumentedStore wraps every store operation with a latency observation.
// A nil metrics instance makes observe a no-op, so the wrapper is safe to
// install unconditionally.
type instrumentedStore struct {
	provider string
	inner    store.Store
	metrics  *observability.Metrics
}

func instrumentStore(provider string, inner store.Store) store.Store {
	if inner == nil {
		return nil
	}
	return &instrumentedStore{
		provider: provider,
		inner:    inner,
		metrics:  observability.Current(),
	}
}

func (s *instrumentedStore) Name() string { return s.inner.Name() }

func (s *instrumentedStore) VectorSearch(ctx context.Context, vector []float32, f store.Filter, topK int) ([]store.Hit, error) {
	start := time.Now()
	out, err := s.inner.VectorSearch(ctx, vector, f, topK)
	s.observe("vector_search", err, time.Since(start))
	return out, err
}

func (s *instrumentedStore) KeywordSearch(ctx context.Context, terms []store.QueryTerm, f store.Filter, topK int) ([]store.Hit, error) {
	start := time.Now()
	out, err := s.inner.KeywordSearch(ctx, terms, f, topK)
	s.observe("keyword_search", err, time.Since(start))
	return out, err
}

func (s *instrumentedStore) FetchByIDs(ctx context.Context, ids []string, f store.Filter) ([]store.Hit, error) {
	start := time.Now()
	out, err := s.inner.FetchByIDs(ctx, ids, f)
	s.observe("fetch_by_ids", err, time.Since(start))
	return out, err
}

func (s *instrumentedStore) FetchSection(ctx context.Context, docID, sectionPath string, f store.Filter, limit int) ([]store.Hit, error) {
	start := time.Now()
	out, err := s.inner.FetchSection(ctx, docID, sectionPath, f, limit)
	s.observe("fetch_section", err, time.Since(start))
	return out, err
}

func (s *instrumentedStore) UpsertChunks(ctx context.Context, chunks []store.Chunk) error {
	start := time.Now()
	err := s.inner.UpsertChunks(ctx, chunks)
	s.observe("upsert_chunks", err, time.Since(start))
	return err
}

func (s *instrumentedStore) DeleteByDocID(ctx context.Context, tenant, docID string) (int, error) {
	start := time.Now()
	n, err := s.inner.DeleteByDocID(ctx, tenant, docID)
	s.observe("delete_by_doc_id", err, time.Since(start))
	return n, err
}

func (s *instrumentedStore) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	err := s.inner.EnsureSchema(ctx)
	s.observe("ensure_schema", err, time.Since(start))
	return err
}

func (s *instrumentedStore) SampleChunks(ctx context.Context, limit int) ([]domain.ChunkSample, error) {
	start := time.Now()
	out, err := s.inner.SampleChunks(ctx, limit)
	s.observe("sample_chunks", err, time.Since(start))
	return out, err
}

func (s *instrumentedStore) Ready(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Ready(ctx)
	s.observe("ready", err, time.Since(start))
	return err
}

func (s *instrumentedStore) observe(operation string, err error, dur time.Duration) {
	if s == nil || s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.ObserveStoreOperation(s.provider, operation, status, dur)
}

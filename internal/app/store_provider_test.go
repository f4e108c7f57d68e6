package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/domain"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/store"
)

type stubStore struct {
	name      string
	schemaErr error
	readyErr  error

	schemaCalls int
	readyCalls  int
}

func (s *stubStore) Name() string { return s.name }

func (s *stubStore) VectorSearch(ctx context.Context, vector []float32, f store.Filter, topK int) ([]store.Hit, error) {
	return nil, nil
}

func (s *stubStore) KeywordSearch(ctx context.Context, terms []store.QueryTerm, f store.Filter, topK int) ([]store.Hit, error) {
	return nil, nil
}

func (s *stubStore) FetchByIDs(ctx context.Context, ids []string, f store.Filter) ([]store.Hit, error) {
	return nil, nil
}

func (s *stubStore) FetchSection(ctx context.Context, docID, sectionPath string, f store.Filter, limit int) ([]store.Hit, error) {
	return nil, nil
}

func (s *stubStore) UpsertChunks(ctx context.Context, chunks []store.Chunk) error { return nil }

func (s *stubStore) DeleteByDocID(ctx context.Context, tenant, docID string) (int, error) {
	return 0, nil
}

func (s *stubStore) EnsureSchema(ctx context.Context) error {
	s.schemaCalls++
	return s.schemaErr
}

func (s *stubStore) SampleChunks(ctx context.Context, limit int) ([]domain.ChunkSample, error) {
	return nil, nil
}

func (s *stubStore) Ready(ctx context.Context) error {
	s.readyCalls++
	return s.readyErr
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func bootstrapCode(t *testing.T, err error) StoreBootstrapErrorCode {
	t.Helper()
	var be *StoreBootstrapError
	if !errors.As(err, &be) {
		t.Fatalf("expected StoreBootstrapError, got %T: %v", err, err)
	}
	return be.Code
}

func TestResolveStoreRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Store.Provider = "dynamodb"

	_, _, err := resolveStore(context.Background(), testLog(t), &cfg)
	if got := bootstrapCode(t, err); got != StoreBootstrapErrorInvalidProvider {
		t.Fatalf("code: got=%s want=%s", got, StoreBootstrapErrorInvalidProvider)
	}
}

func TestResolveStoreRejectsIncompleteQdrantConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Store.Provider = "qdrant"
	cfg.Store.Qdrant.URL = ""

	_, _, err := resolveStore(context.Background(), testLog(t), &cfg)
	if got := bootstrapCode(t, err); got != StoreBootstrapErrorInvalidConfig {
		t.Fatalf("code: got=%s want=%s", got, StoreBootstrapErrorInvalidConfig)
	}
}

func TestResolveStoreRequiresDSNForPgvector(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Store.Provider = "pgvector"
	cfg.PostgresDSN = ""

	_, _, err := resolveStore(context.Background(), testLog(t), &cfg)
	if got := bootstrapCode(t, err); got != StoreBootstrapErrorInvalidConfig {
		t.Fatalf("code: got=%s want=%s", got, StoreBootstrapErrorInvalidConfig)
	}
}

func TestFinishBootstrapClassifiesSchemaFailure(t *testing.T) {
	t.Parallel()
	st := &stubStore{name: "stub", schemaErr: fmt.Errorf("create index failed")}

	_, _, err := finishBootstrap(context.Background(), testLog(t), "stub", st, nil)
	if got := bootstrapCode(t, err); got != StoreBootstrapErrorSchemaFailed {
		t.Fatalf("code: got=%s want=%s", got, StoreBootstrapErrorSchemaFailed)
	}
	if st.readyCalls != 0 {
		t.Fatal("ready probe must not run after a schema failure")
	}
}

func TestFinishBootstrapClassifiesProbeFailure(t *testing.T) {
	t.Parallel()
	st := &stubStore{name: "stub", readyErr: fmt.Errorf("connection refused")}

	_, _, err := finishBootstrap(context.Background(), testLog(t), "stub", st, nil)
	if got := bootstrapCode(t, err); got != StoreBootstrapErrorConnectFailed {
		t.Fatalf("code: got=%s want=%s", got, StoreBootstrapErrorConnectFailed)
	}
}

func TestFinishBootstrapWrapsStore(t *testing.T) {
	t.Parallel()
	st := &stubStore{name: "stub"}

	wrapped, pool, err := finishBootstrap(context.Background(), testLog(t), "stub", st, nil)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if pool != nil {
		t.Fatal("no pool expected for a poolless provider")
	}
	if wrapped.Name() != "stub" {
		t.Fatalf("wrapped name: got=%q", wrapped.Name())
	}
	if _, ok := wrapped.(*instrumentedStore); !ok {
		t.Fatalf("store not instrumented: %T", wrapped)
	}
	if st.schemaCalls != 1 || st.readyCalls != 1 {
		t.Fatalf("bootstrap calls: schema=%d ready=%d", st.schemaCalls, st.readyCalls)
	}
}

func TestClassifyBootstrapCode(t *testing.T) {
	t.Parallel()
	if got := classifyBootstrapCode(context.DeadlineExceeded, StoreBootstrapErrorSchemaFailed); got != StoreBootstrapErrorConnectFailed {
		t.Fatalf("deadline: got=%s", got)
	}
	if got := classifyBootstrapCode(fmt.Errorf("dial tcp: connection refused"), StoreBootstrapErrorSchemaFailed); got != StoreBootstrapErrorConnectFailed {
		t.Fatalf("refused: got=%s", got)
	}
	if got := classifyBootstrapCode(fmt.Errorf("bad column type"), StoreBootstrapErrorSchemaFailed); got != StoreBootstrapErrorSchemaFailed {
		t.Fatalf("fallback: got=%s", got)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	neturl "net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yungbote/querybridge-backend/internal/config"
	"github.com/yungbote/querybridge-backend/internal/db"
	"github.com/yungbote/querybridge-backend/internal/observability"
	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/store"
	"github.com/yungbote/querybridge-backend/internal/store/pgvector"
	"github.com/yungbote/querybridge-backend/internal/store/qdrant"
)

// bootstrapProbeTimeout bounds the readiness probe during store bootstrap so
// an unreachable backend fails startup quickly instead of hanging it.
const bootstrapProbeTimeout = 5 * time.Second

type StoreBootstrapErrorCode string

const (
	StoreBootstrapErrorInvalidProvider StoreBootstrapErrorCode = "invalid_provider"
	StoreBootstrapErrorInvalidConfig   StoreBootstrapErrorCode = "invalid_config"
	StoreBootstrapErrorConnectFailed   StoreBootstrapErrorCode = "connect_failed"
	StoreBootstrapErrorSchemaFailed    StoreBootstrapErrorCode = "schema_failed"
	StoreBootstrapErrorInitFailed      StoreBootstrapErrorCode = "provider_init_failed"
)

type StoreBootstrapError struct {
	Code     StoreBootstrapErrorCode
	Provider string
	Cause    error
}

func (e *StoreBootstrapError) Error() string {
	if e == nil {
		return "store bootstrap failed"
	}
	return fmt.Sprintf("store bootstrap failed (code=%s provider=%q): %v", e.Code, e.Provider, e.Cause)
}

func (e *StoreBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveStore builds the configured retrieval backend and verifies it end to
// end: construct, ensure schema and indexes, then probe readiness. The
// returned pool is non-nil only for pgvector; the caller owns its lifecycle.
func resolveStore(ctx context.Context, log *logger.Logger, cfg *config.Config) (store.Store, *pgxpool.Pool, error) {
	provider := strings.TrimSpace(strings.ToLower(cfg.Store.Provider))

	switch provider {
	case "qdrant":
		log.Info("selecting store provider",
			"provider", provider,
			"qdrant_url", cfg.Store.Qdrant.URL,
			"qdrant_collection", cfg.Store.Qdrant.Collection,
			"qdrant_vector_dim", cfg.Store.Qdrant.VectorDim,
		)
		st, err := qdrant.New(log, cfg.Store.Qdrant)
		if err != nil {
			return nil, nil, failBootstrap(log, provider, StoreBootstrapErrorInvalidConfig, err)
		}
		return finishBootstrap(ctx, log, provider, st, nil)

	case "pgvector":
		log.Info("selecting store provider",
			"provider", provider,
			"pg_table", cfg.Store.PgTable,
			"vector_dim", cfg.Embedding.VectorDim,
		)
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			err := fmt.Errorf("postgres_dsn is required for the pgvector provider")
			return nil, nil, failBootstrap(log, provider, StoreBootstrapErrorInvalidConfig, err)
		}
		pool, err := db.NewPool(ctx, log, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, failBootstrap(log, provider, classifyBootstrapCode(err, StoreBootstrapErrorConnectFailed), err)
		}
		st, err := pgvector.New(log, pool, cfg.Store.PgTable, cfg.Embedding.VectorDim)
		if err != nil {
			pool.Close()
			return nil, nil, failBootstrap(log, provider, StoreBootstrapErrorInvalidConfig, err)
		}
		return finishBootstrap(ctx, log, provider, st, pool)

	default:
		err := fmt.Errorf("unsupported store provider %q", provider)
		return nil, nil, failBootstrap(log, provider, StoreBootstrapErrorInvalidProvider, err)
	}
}

func finishBootstrap(ctx context.Context, log *logger.Logger, provider string, st store.Store, pool *pgxpool.Pool) (store.Store, *pgxpool.Pool, error) {
	closePool := func() {
		if pool != nil {
			pool.Close()
		}
	}
	if err := st.EnsureSchema(ctx); err != nil {
		closePool()
		return nil, nil, failBootstrap(log, provider, classifyBootstrapCode(err, StoreBootstrapErrorSchemaFailed), err)
	}
	probeCtx, cancel := context.WithTimeout(ctx, bootstrapProbeTimeout)
	defer cancel()
	if err := st.Ready(probeCtx); err != nil {
		closePool()
		return nil, nil, failBootstrap(log, provider, StoreBootstrapErrorConnectFailed, err)
	}
	observability.Current().ObserveStoreBootstrap(provider, "success", "none")
	log.Info("store provider ready", "provider", provider)
	return instrumentStore(provider, st), pool, nil
}

func failBootstrap(log *logger.Logger, provider string, code StoreBootstrapErrorCode, cause error) error {
	err := &StoreBootstrapError{Code: code, Provider: provider, Cause: cause}
	observability.Current().ObserveStoreBootstrap(provider, "error", string(code))
	log.Error("store provider bootstrap failed",
		"provider", provider,
		"error_code", code,
		"error", err,
	)
	return err
}

// classifyBootstrapCode distinguishes unreachable backends from everything
// else so operators can tell a network problem from a config one.
func classifyBootstrapCode(err error, fallback StoreBootstrapErrorCode) StoreBootstrapErrorCode {
	if err == nil {
		return fallback
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StoreBootstrapErrorConnectFailed
	}
	var urlErr *neturl.Error
	if errors.As(err, &urlErr) {
		return StoreBootstrapErrorConnectFailed
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return StoreBootstrapErrorConnectFailed
	}
	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "connection refused") || strings.Contains(errLower, "ping") {
		return StoreBootstrapErrorConnectFailed
	}
	return fallback
}

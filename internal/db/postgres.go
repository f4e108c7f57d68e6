// Package db owns the process-wide Postgres handles: a pgx pool for the
// pgvector provider's hot path and a gorm session for the audit schema.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/types"
)

// NewPool opens the pgx pool used for vector and keyword search and verifies
// the server answers before returning it.
func NewPool(ctx context.Context, log *logger.Logger, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info("postgres pool ready")
	return pool, nil
}

type Postgres struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPostgres opens the gorm session the audit repo writes through.
func NewPostgres(log *logger.Logger, dsn string) (*Postgres, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{db: gdb, log: log.With("service", "Postgres")}, nil
}

func (p *Postgres) AutoMigrate() error {
	p.log.Info("migrating audit tables")
	if err := p.db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return fmt.Errorf("enable uuid-ossp: %w", err)
	}
	return p.db.AutoMigrate(&types.GuardrailAudit{})
}

func (p *Postgres) DB() *gorm.DB { return p.db }

// Ping backs the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Package repos is the relational data access layer.
package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/querybridge-backend/internal/platform/logger"
	"github.com/yungbote/querybridge-backend/internal/rag/guardrail"
	"github.com/yungbote/querybridge-backend/internal/types"
)

// GuardrailAuditRepo persists guardrail decisions. It satisfies
// guardrail.AuditSink, so wiring it into the pipeline is one assignment.
type GuardrailAuditRepo interface {
	Record(ctx context.Context, rec guardrail.AuditRecord) error
	Create(ctx context.Context, tx *gorm.DB, row *types.GuardrailAudit) error
}

type guardrailAuditRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGuardrailAuditRepo(db *gorm.DB, baseLog *logger.Logger) GuardrailAuditRepo {
	return &guardrailAuditRepo{db: db, log: baseLog.With("repo", "GuardrailAuditRepo")}
}

func (r *guardrailAuditRepo) Create(ctx context.Context, tx *gorm.DB, row *types.GuardrailAudit) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Create(row).Error
}

// writeTimeout caps the audit insert so a slow database cannot hold a query
// response for its remaining deadline.
const writeTimeout = 2 * time.Second

// Record maps one decision to a row. The failing criteria marshal into a
// JSON column so refusal analytics can group by criterion.
func (r *guardrailAuditRepo) Record(ctx context.Context, rec guardrail.AuditRecord) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var criteria datatypes.JSON
	if len(rec.FailedCriteria) > 0 {
		b, err := json.Marshal(rec.FailedCriteria)
		if err != nil {
			return fmt.Errorf("marshal failed criteria: %w", err)
		}
		criteria = datatypes.JSON(b)
	}
	row := &types.GuardrailAudit{
		CreatedAt:      rec.Timestamp,
		Route:          rec.Route,
		TenantID:       rec.TenantID,
		UserHash:       rec.UserHash,
		QueryHash:      rec.QueryHash,
		Decision:       rec.Decision,
		ReasonCode:     rec.ReasonCode,
		Confidence:     rec.Confidence,
		FailedCriteria: criteria,
	}
	return r.Create(ctx, nil, row)
}

package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// GuardrailAudit is one persisted answerability decision. UserHash and
// QueryHash are salted digests; raw identities and query text never reach
// this table.
type GuardrailAudit struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index:idx_guardrail_audit_tenant_time,priority:2" json:"created_at"`
	Route          string         `gorm:"column:route;size:64" json:"route"`
	TenantID       string         `gorm:"column:tenant_id;size:128;not null;index:idx_guardrail_audit_tenant_time,priority:1" json:"tenant_id"`
	UserHash       string         `gorm:"column:user_hash;size:80" json:"user_hash"`
	QueryHash      string         `gorm:"column:query_hash;size:80" json:"query_hash"`
	Decision       string         `gorm:"column:decision;size:16;not null;index" json:"decision"`
	ReasonCode     string         `gorm:"column:reason_code;size:32;index" json:"reason_code,omitempty"`
	Confidence     float64        `gorm:"column:confidence" json:"confidence"`
	FailedCriteria datatypes.JSON `gorm:"column:failed_criteria" json:"failed_criteria,omitempty"`
}

func (GuardrailAudit) TableName() string { return "guardrail_audit" }

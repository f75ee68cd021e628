package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AuditActionPaymentConfirmed = "PAYMENT_CONFIRMED"

	AuditEntityPaymentTransaction = "payment_transaction"
)

// AuditEvent is an append-only record of a state change. Rows are never
// updated or deleted; writes are best-effort and must not block the request
// that produced them.
type AuditEvent struct {
	ID          uuid.UUID      `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID    string         `gorm:"type:varchar(64);not null;index" json:"tenant_id"`
	ActorUserID *string        `gorm:"type:varchar(64);default:null" json:"actor_user_id,omitempty"`
	Action      string         `gorm:"type:varchar(60);not null;index" json:"action"`
	EntityType  string         `gorm:"type:varchar(60);not null" json:"entity_type"`
	EntityID    string         `gorm:"type:varchar(64);not null;index" json:"entity_id"`
	AfterJSON   datatypes.JSON `json:"after_json"`
	CreatedAt   time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (e *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

package models

import "time"

// ReceiptCounter holds the last issued receipt sequence per tenant. The
// increment happens under a row lock so concurrent deliveries for the same
// tenant always see distinct values.
type ReceiptCounter struct {
	TenantID  string    `gorm:"type:varchar(64);primaryKey" json:"tenant_id"`
	LastSeq   int64     `gorm:"not null;default:0" json:"last_seq"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

package models

import "time"

// Invoice is owned by the billing subsystem; the webhook service only
// adjusts the two balance fields and the last-payment timestamp, and only
// for invoices that already exist. amount_paid + amount_due is conserved
// across every webhook application.
type Invoice struct {
	ID            string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	TenantID      string     `gorm:"type:varchar(64);primaryKey" json:"tenant_id"`
	AmountPaid    float64    `gorm:"not null;default:0" json:"amount_paid"`
	AmountDue     float64    `gorm:"not null;default:0" json:"amount_due"`
	LastPaymentAt *time.Time `gorm:"type:timestamp;default:null" json:"last_payment_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

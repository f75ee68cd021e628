package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// PaymentStatusConfirmed is the only status this service ever writes.
	// Transactions are created confirmed and never transition afterwards.
	PaymentStatusConfirmed = "CONFIRMED"

	PaymentProviderPaystack    = "paystack"
	PaymentProviderFlutterwave = "flutterwave"
)

// PaymentTransaction is one durably recorded gateway payment. The composite
// unique index on (tenant_id, reference) is the idempotency anchor: a second
// delivery of the same gateway reference can never create a second row.
type PaymentTransaction struct {
	ID        uuid.UUID `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID  string    `gorm:"type:varchar(64);not null;index:ux_payment_transactions_tenant_reference,unique,priority:1;index" json:"tenant_id"`
	InvoiceID string    `gorm:"type:varchar(64);index" json:"invoice_id"`
	Method    string    `gorm:"type:varchar(40)" json:"method"`
	Amount    float64   `gorm:"not null" json:"amount"`
	Currency  string    `gorm:"type:varchar(8)" json:"currency"`
	Status    string    `gorm:"type:varchar(20);not null" json:"status"`
	PaidAt    time.Time `json:"paid_at"`
	Reference string    `gorm:"type:varchar(191);not null;index:ux_payment_transactions_tenant_reference,unique,priority:2" json:"reference"`
	ReceiptNo string    `gorm:"type:varchar(64)" json:"receipt_no"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (t *PaymentTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = PaymentStatusConfirmed
	}
	return nil
}

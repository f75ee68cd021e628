package models

import "time"

// Delivery outcomes recorded on WebhookDelivery rows.
const (
	DeliveryOutcomeProcessed = "processed"
	DeliveryOutcomeDuplicate = "duplicate"
	DeliveryOutcomeMalformed = "malformed"
	DeliveryOutcomeFailed    = "failed"
)

// WebhookDelivery stores each verified gateway delivery with its raw payload
// so operators can replay or reconcile missed processing. Purely a side
// channel: writes are best-effort. Deliveries that fail signature
// verification are counted in metrics only and never stored.
type WebhookDelivery struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Provider        string    `gorm:"type:varchar(20);not null;index" json:"provider"`
	TenantID        string    `gorm:"type:varchar(64);index" json:"tenant_id"`
	Reference       string    `gorm:"type:varchar(191);index" json:"reference"`
	PayloadJSON     string    `gorm:"type:longtext;not null" json:"payload_json"`
	SignatureValid  bool      `gorm:"default:false;index" json:"signature_valid"`
	Outcome         string    `gorm:"type:varchar(30);not null;index" json:"outcome"`
	ProcessingError string    `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

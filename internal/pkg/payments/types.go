package payments

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/schooltech-ng/schoolpay/app/models"
)

// Signature schemes supported by the gateways we accept webhooks from.
const (
	SchemeHMACSHA512 = "hmac-sha512" // Paystack, x-paystack-signature
	SchemeHMACSHA256 = "hmac-sha256" // Flutterwave family, verif-hash
)

var (
	// ErrBadSignature means the payload failed HMAC verification, or no
	// signature header was present at all.
	ErrBadSignature = errors.New("invalid webhook signature")

	// ErrMalformed means the body could not be parsed into a canonical
	// payment event.
	ErrMalformed = errors.New("malformed webhook payload")
)

// Signature carries the raw signature headers from the inbound request.
// Which one is set also selects the verification scheme.
type Signature struct {
	PaystackSignature string // x-paystack-signature
	VerifHash         string // verif-hash
}

// PaymentEvent is the canonical, provider-neutral shape every webhook is
// normalized into before any business logic runs. Downstream components
// never look at the raw payload again except to archive it.
type PaymentEvent struct {
	Provider  string  `validate:"required"`
	TenantID  string  `validate:"required"`
	InvoiceID string
	Reference string  `validate:"required"`
	Amount    float64 `validate:"required,gt=0"`
	Currency  string
	Method    string
	PaidAt    time.Time
	Raw       json.RawMessage
}

// Outcome of a fully processed delivery.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
)

// Result is what the webhook handler reports back to the gateway.
type Result struct {
	Outcome         Outcome
	Transaction     *models.PaymentTransaction
	ReceiptNo       string
	InvoiceAdjusted bool
}

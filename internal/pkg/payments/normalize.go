package payments

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/schooltech-ng/schoolpay/app/models"
)

var validate = validator.New()

// Normalize parses a raw gateway payload into the canonical PaymentEvent.
// Each provider has an explicit schema; the generic fallback reads the same
// fields from the top level for gateways that post flat JSON.
func Normalize(provider string, raw []byte) (*PaymentEvent, error) {
	var (
		ev  *PaymentEvent
		err error
	)
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case models.PaymentProviderPaystack:
		ev, err = normalizePaystack(raw)
	case models.PaymentProviderFlutterwave:
		ev, err = normalizeFlutterwave(raw)
	default:
		ev, err = normalizeGeneric(provider, raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	ev.Raw = append(json.RawMessage(nil), raw...)
	if ev.PaidAt.IsZero() {
		ev.PaidAt = time.Now().UTC()
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, nil
}

type paymentMeta struct {
	SchoolID    string `json:"schoolId"`
	SchoolIDAlt string `json:"school_id"`

	InvoiceID    string `json:"invoiceId"`
	InvoiceIDAlt string `json:"invoice_id"`
}

func (m paymentMeta) schoolID() string {
	if s := strings.TrimSpace(m.SchoolID); s != "" {
		return s
	}
	return strings.TrimSpace(m.SchoolIDAlt)
}

func (m paymentMeta) invoiceID() string {
	if s := strings.TrimSpace(m.InvoiceID); s != "" {
		return s
	}
	return strings.TrimSpace(m.InvoiceIDAlt)
}

func normalizePaystack(payload []byte) (*PaymentEvent, error) {
	type rawPayload struct {
		Event string `json:"event"`
		Data  struct {
			Reference string      `json:"reference"`
			Amount    float64     `json:"amount"`
			Currency  string      `json:"currency"`
			Channel   string      `json:"channel"`
			PaidAt    string      `json:"paid_at"`
			Metadata  paymentMeta `json:"metadata"`
		} `json:"data"`
	}

	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	return &PaymentEvent{
		Provider:  models.PaymentProviderPaystack,
		TenantID:  raw.Data.Metadata.schoolID(),
		InvoiceID: raw.Data.Metadata.invoiceID(),
		Reference: strings.TrimSpace(raw.Data.Reference),
		Amount:    raw.Data.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(raw.Data.Currency)),
		Method:    strings.TrimSpace(raw.Data.Channel),
		PaidAt:    parseGatewayTime(raw.Data.PaidAt),
	}, nil
}

func normalizeFlutterwave(payload []byte) (*PaymentEvent, error) {
	type rawPayload struct {
		Event string `json:"event"`
		Data  struct {
			TxRef       string      `json:"tx_ref"`
			FlwRef      string      `json:"flw_ref"`
			Amount      float64     `json:"amount"`
			Currency    string      `json:"currency"`
			PaymentType string      `json:"payment_type"`
			CreatedAt   string      `json:"created_at"`
			Meta        paymentMeta `json:"meta"`
		} `json:"data"`
		// Some webhook variants nest meta beside data rather than inside it.
		MetaData paymentMeta `json:"meta_data"`
	}

	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	reference := strings.TrimSpace(raw.Data.TxRef)
	if reference == "" {
		reference = strings.TrimSpace(raw.Data.FlwRef)
	}
	tenantID := raw.Data.Meta.schoolID()
	if tenantID == "" {
		tenantID = raw.MetaData.schoolID()
	}
	invoiceID := raw.Data.Meta.invoiceID()
	if invoiceID == "" {
		invoiceID = raw.MetaData.invoiceID()
	}

	return &PaymentEvent{
		Provider:  models.PaymentProviderFlutterwave,
		TenantID:  tenantID,
		InvoiceID: invoiceID,
		Reference: reference,
		Amount:    raw.Data.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(raw.Data.Currency)),
		Method:    strings.TrimSpace(raw.Data.PaymentType),
		PaidAt:    parseGatewayTime(raw.Data.CreatedAt),
	}, nil
}

func normalizeGeneric(provider string, payload []byte) (*PaymentEvent, error) {
	type rawPayload struct {
		Provider  string  `json:"provider"`
		Reference string  `json:"reference"`
		SchoolID  string  `json:"schoolId"`
		InvoiceID string  `json:"invoiceId"`
		Amount    float64 `json:"amount"`
		Currency  string  `json:"currency"`
		Method    string  `json:"method"`
		PaidAt    string  `json:"paidAt"`
	}

	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	name := strings.ToLower(strings.TrimSpace(raw.Provider))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(provider))
	}

	return &PaymentEvent{
		Provider:  name,
		TenantID:  strings.TrimSpace(raw.SchoolID),
		InvoiceID: strings.TrimSpace(raw.InvoiceID),
		Reference: strings.TrimSpace(raw.Reference),
		Amount:    raw.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(raw.Currency)),
		Method:    strings.TrimSpace(raw.Method),
		PaidAt:    parseGatewayTime(raw.PaidAt),
	}, nil
}

// PeekProvider sniffs the provider field from an unverified payload. Only
// used to select the signing secret when no signature header identifies the
// gateway; the payload is not trusted beyond that.
func PeekProvider(payload []byte) string {
	var probe struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(probe.Provider))
}

func parseGatewayTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

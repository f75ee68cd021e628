package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/schooltech-ng/schoolpay/app/models"
	"github.com/schooltech-ng/schoolpay/internal/pkg/events"
	"github.com/schooltech-ng/schoolpay/internal/pkg/metrics/counter"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SecretSource resolves the signing secret for a gateway provider.
type SecretSource interface {
	Resolve(ctx context.Context, provider string) (string, error)
}

// Service drives the webhook pipeline: verify, dedupe, allocate a receipt,
// apply the ledger write, then the best-effort tail (audit, events, log).
type Service struct {
	repo      Repository
	secrets   SecretSource
	publisher events.Publisher
}

// NewService creates a payments service from injected collaborators.
func NewService(repo Repository, secrets SecretSource, publisher events.Publisher) *Service {
	return &Service{repo: repo, secrets: secrets, publisher: publisher}
}

// NewServiceFromDB creates a payments service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, secrets SecretSource, publisher events.Publisher) *Service {
	return NewService(NewRepository(db), secrets, publisher)
}

// ProcessWebhook runs one delivery through the pipeline. No storage is
// touched before the signature verifies. Failures after the ledger commit
// are logged and swallowed; the gateway still sees success.
func (s *Service) ProcessWebhook(ctx context.Context, raw []byte, sig Signature) (Result, error) {
	provider, scheme, header := DetectProvider(sig, PeekProvider(raw))

	// Unverified payloads never reach storage, not even the delivery log.
	secret, err := s.secrets.Resolve(ctx, provider)
	if err != nil {
		log.Warnf("webhook: no signing secret for provider %s", provider)
		return Result{}, err
	}

	if !VerifySignature(raw, header, secret, scheme) {
		_ = counter.Add(counter.FieldSignatureRejected)
		return Result{}, ErrBadSignature
	}

	ev, err := Normalize(provider, raw)
	if err != nil {
		_ = counter.Add(counter.FieldMalformed)
		s.logDelivery(ctx, provider, nil, raw, true, models.DeliveryOutcomeMalformed, err)
		return Result{}, err
	}

	// Advisory fast path; the unique index in ApplyPayment is the guarantee.
	processed, err := s.repo.AlreadyProcessed(ctx, ev.TenantID, ev.Reference)
	if err != nil {
		return Result{}, fmt.Errorf("idempotency check: %w", err)
	}
	if processed {
		_ = counter.Add(counter.FieldDuplicate)
		s.logDelivery(ctx, provider, ev, raw, true, models.DeliveryOutcomeDuplicate, nil)
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	receiptNo := s.allocateReceipt(ctx, ev.TenantID)

	applied, err := s.repo.ApplyPayment(ctx, &models.PaymentTransaction{
		TenantID:  ev.TenantID,
		InvoiceID: ev.InvoiceID,
		Method:    ev.Method,
		Amount:    ev.Amount,
		Currency:  ev.Currency,
		Status:    models.PaymentStatusConfirmed,
		PaidAt:    ev.PaidAt,
		Reference: ev.Reference,
		ReceiptNo: receiptNo,
	})
	if err != nil {
		s.logDelivery(ctx, provider, ev, raw, true, models.DeliveryOutcomeFailed, err)
		return Result{}, fmt.Errorf("ledger write: %w", err)
	}

	if !applied.Created {
		// Lost the race against a concurrent delivery of the same reference.
		_ = counter.Add(counter.FieldDuplicate)
		s.logDelivery(ctx, provider, ev, raw, true, models.DeliveryOutcomeDuplicate, nil)
		return Result{Outcome: OutcomeDuplicate, Transaction: applied.Transaction}, nil
	}

	if applied.InvoiceMissing {
		_ = counter.Add(counter.FieldInvoiceMissing)
		log.Warnf("webhook: invoice %s/%s not found for reference %s, payment recorded without balance update",
			ev.TenantID, ev.InvoiceID, ev.Reference)
	}
	_ = counter.Add(counter.FieldProcessed)

	// Everything below is best-effort: the payment is already durable.
	s.recordAudit(ctx, ev, applied)
	s.publishEvents(ctx, ev, applied.Transaction)
	s.logDelivery(ctx, provider, ev, raw, true, models.DeliveryOutcomeProcessed, nil)

	return Result{
		Outcome:         OutcomeProcessed,
		Transaction:     applied.Transaction,
		ReceiptNo:       applied.Transaction.ReceiptNo,
		InvoiceAdjusted: applied.InvoiceAdjusted,
	}, nil
}

// allocateReceipt returns the next per-tenant receipt number, falling back
// to a time-based id when the counter store is unavailable. Numbering is
// important but not worth blocking a payment confirmation for.
func (s *Service) allocateReceipt(ctx context.Context, tenantID string) string {
	seq, err := s.repo.NextReceiptSeq(ctx, tenantID)
	if err != nil {
		log.Warnf("webhook: receipt counter unavailable for tenant %s, using time-based receipt: %v", tenantID, err)
		return fmt.Sprintf("RCP-%s-T%d", receiptTag(tenantID), time.Now().UnixNano())
	}
	return FormatReceipt(tenantID, seq)
}

// FormatReceipt builds the receipt identifier from a tenant and sequence.
func FormatReceipt(tenantID string, seq int64) string {
	return fmt.Sprintf("RCP-%s-%06d", receiptTag(tenantID), seq)
}

func receiptTag(tenantID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(tenantID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 6 {
			break
		}
	}
	if b.Len() == 0 {
		return "SCH"
	}
	return b.String()
}

func (s *Service) recordAudit(ctx context.Context, ev *PaymentEvent, applied ApplyResult) {
	snapshot := map[string]interface{}{
		"transaction_id":   applied.Transaction.ID.String(),
		"invoice_id":       ev.InvoiceID,
		"reference":        ev.Reference,
		"amount":           ev.Amount,
		"currency":         ev.Currency,
		"method":           ev.Method,
		"receipt_no":       applied.Transaction.ReceiptNo,
		"paid_at":          ev.PaidAt.UTC().Format(time.RFC3339),
		"invoice_adjusted": applied.InvoiceAdjusted,
	}
	afterJSON, err := json.Marshal(snapshot)
	if err != nil {
		log.Errorf("webhook: audit snapshot marshal failed: %v", err)
		return
	}

	audit := &models.AuditEvent{
		TenantID:    ev.TenantID,
		ActorUserID: nil, // system-originated
		Action:      models.AuditActionPaymentConfirmed,
		EntityType:  models.AuditEntityPaymentTransaction,
		EntityID:    applied.Transaction.ID.String(),
		AfterJSON:   datatypes.JSON(afterJSON),
	}
	if err := s.repo.CreateAuditEvent(ctx, audit); err != nil {
		_ = counter.Add(counter.FieldAuditFailed)
		log.Errorf("webhook: audit write failed for reference %s: %v", ev.Reference, err)
	}
}

func (s *Service) publishEvents(ctx context.Context, ev *PaymentEvent, tx *models.PaymentTransaction) {
	paidAt := ev.PaidAt.UTC().Format(time.RFC3339)
	batch := []events.DomainEvent{
		{
			Type: events.TypePaymentConfirmed,
			Detail: map[string]interface{}{
				"tenantId":  ev.TenantID,
				"invoiceId": ev.InvoiceID,
				"amount":    ev.Amount,
				"currency":  ev.Currency,
				"paidAt":    paidAt,
				"reference": ev.Reference,
				"receiptNo": tx.ReceiptNo,
				"raw":       json.RawMessage(ev.Raw),
			},
		},
		{
			Type: events.TypeMessagingRequested,
			Detail: map[string]interface{}{
				"tenantId":     ev.TenantID,
				"invoiceId":    ev.InvoiceID,
				"amount":       ev.Amount,
				"reference":    ev.Reference,
				"receiptNo":    tx.ReceiptNo,
				"currency":     ev.Currency,
				"paidAt":       paidAt,
				"templateType": "PAYMENT_RECEIPT",
				"detailType":   events.TypePaymentConfirmed,
			},
		},
	}
	if err := s.publisher.Publish(ctx, batch); err != nil {
		_ = counter.Add(counter.FieldPublishFailed)
		log.Errorf("webhook: event publish failed for reference %s: %v", ev.Reference, err)
	}
}

func (s *Service) logDelivery(ctx context.Context, provider string, ev *PaymentEvent, raw []byte, sigValid bool, outcome string, perr error) {
	delivery := &models.WebhookDelivery{
		Provider:       provider,
		PayloadJSON:    string(raw),
		SignatureValid: sigValid,
		Outcome:        outcome,
	}
	if ev != nil {
		delivery.TenantID = ev.TenantID
		delivery.Reference = ev.Reference
	}
	if perr != nil {
		delivery.ProcessingError = perr.Error()
	}
	if err := s.repo.RecordDelivery(ctx, delivery); err != nil {
		log.Errorf("webhook: delivery log write failed: %v", err)
	}
}

package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/schooltech-ng/schoolpay/app/models"
	"github.com/schooltech-ng/schoolpay/internal/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets struct {
	secret string
	err    error
}

func (f *fakeSecrets) Resolve(ctx context.Context, provider string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.secret, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]events.DomainEvent
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, evts []events.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, evts)
	return nil
}

// fakeRepo mimics the storage semantics the real repository gets from the
// unique index and the row-locked counter.
type fakeRepo struct {
	mu         sync.Mutex
	txs        map[string]*models.PaymentTransaction
	invoices   map[string]*models.Invoice
	counters   map[string]int64
	audits     []*models.AuditEvent
	deliveries []*models.WebhookDelivery

	counterErr error
	auditErr   error

	storageCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		txs:      make(map[string]*models.PaymentTransaction),
		invoices: make(map[string]*models.Invoice),
		counters: make(map[string]int64),
	}
}

func txKey(tenantID, reference string) string {
	return tenantID + "|" + reference
}

func invKey(tenantID, invoiceID string) string {
	return tenantID + "|" + invoiceID
}

func (f *fakeRepo) AlreadyProcessed(ctx context.Context, tenantID, reference string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storageCalls++
	_, ok := f.txs[txKey(tenantID, reference)]
	return ok, nil
}

func (f *fakeRepo) ApplyPayment(ctx context.Context, ptx *models.PaymentTransaction) (ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storageCalls++

	key := txKey(ptx.TenantID, ptx.Reference)
	if existing, ok := f.txs[key]; ok {
		return ApplyResult{Transaction: existing, Created: false}, nil
	}

	if ptx.ID == uuid.Nil {
		ptx.ID = uuid.New()
	}
	if ptx.Status == "" {
		ptx.Status = models.PaymentStatusConfirmed
	}

	withInvoice := ptx.InvoiceID != "" && ptx.TenantID != "" && ptx.Amount > 0
	invoiceMissing := false
	if withInvoice {
		inv, ok := f.invoices[invKey(ptx.TenantID, ptx.InvoiceID)]
		if !ok {
			invoiceMissing = true
		} else {
			inv.AmountPaid += ptx.Amount
			inv.AmountDue -= ptx.Amount
			paidAt := ptx.PaidAt
			inv.LastPaymentAt = &paidAt
		}
	}

	f.txs[key] = ptx
	return ApplyResult{
		Transaction:     ptx,
		Created:         true,
		InvoiceAdjusted: withInvoice && !invoiceMissing,
		InvoiceMissing:  invoiceMissing,
	}, nil
}

func (f *fakeRepo) NextReceiptSeq(ctx context.Context, tenantID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storageCalls++
	if f.counterErr != nil {
		return 0, f.counterErr
	}
	f.counters[tenantID]++
	return f.counters[tenantID], nil
}

func (f *fakeRepo) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storageCalls++
	if f.auditErr != nil {
		return f.auditErr
	}
	f.audits = append(f.audits, event)
	return nil
}

func (f *fakeRepo) RecordDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storageCalls++
	f.deliveries = append(f.deliveries, delivery)
	return nil
}

const testSecret = "whsec-test"

func paystackPayload(reference string, amount float64) []byte {
	return []byte(fmt.Sprintf(`{
		"event": "charge.success",
		"data": {
			"reference": %q,
			"amount": %g,
			"currency": "NGN",
			"channel": "card",
			"paid_at": "2026-08-30T10:15:00Z",
			"metadata": { "schoolId": "sch-1", "invoiceId": "inv-1" }
		}
	}`, reference, amount))
}

func newTestService(repo Repository) (*Service, *fakePublisher) {
	pub := &fakePublisher{}
	return NewService(repo, &fakeSecrets{secret: testSecret}, pub), pub
}

func signedRequest(t *testing.T, payload []byte) Signature {
	t.Helper()
	return Signature{PaystackSignature: signPayload(t, payload, testSecret, SchemeHMACSHA512)}
}

func TestProcessWebhookSuccess(t *testing.T) {
	repo := newFakeRepo()
	repo.invoices[invKey("sch-1", "inv-1")] = &models.Invoice{
		ID: "inv-1", TenantID: "sch-1", AmountDue: 5000, AmountPaid: 0,
	}
	svc, pub := newTestService(repo)

	payload := paystackPayload("ref-1", 5000)
	result, err := svc.ProcessWebhook(context.Background(), payload, signedRequest(t, payload))
	require.NoError(t, err)

	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.True(t, result.InvoiceAdjusted)
	assert.Equal(t, "RCP-SCH1-000001", result.ReceiptNo)

	tx := repo.txs[txKey("sch-1", "ref-1")]
	require.NotNil(t, tx)
	assert.Equal(t, models.PaymentStatusConfirmed, tx.Status)
	assert.Equal(t, 5000.0, tx.Amount)
	assert.Equal(t, "inv-1", tx.InvoiceID)

	inv := repo.invoices[invKey("sch-1", "inv-1")]
	assert.Equal(t, 5000.0, inv.AmountPaid)
	assert.Equal(t, 0.0, inv.AmountDue)
	require.NotNil(t, inv.LastPaymentAt)

	// Audit trail and both domain events in one batch.
	require.Len(t, repo.audits, 1)
	assert.Equal(t, models.AuditActionPaymentConfirmed, repo.audits[0].Action)
	require.Len(t, pub.batches, 1)
	require.Len(t, pub.batches[0], 2)
	assert.Equal(t, events.TypePaymentConfirmed, pub.batches[0][0].Type)
	assert.Equal(t, events.TypeMessagingRequested, pub.batches[0][1].Type)
	assert.Equal(t, "PAYMENT_RECEIPT", pub.batches[0][1].Detail["templateType"])

	require.Len(t, repo.deliveries, 1)
	assert.Equal(t, models.DeliveryOutcomeProcessed, repo.deliveries[0].Outcome)
}

func TestProcessWebhookBalanceConservation(t *testing.T) {
	repo := newFakeRepo()
	repo.invoices[invKey("sch-1", "inv-1")] = &models.Invoice{
		ID: "inv-1", TenantID: "sch-1", AmountDue: 8000, AmountPaid: 1000,
	}
	svc, _ := newTestService(repo)

	payload := paystackPayload("ref-cons", 3000)
	_, err := svc.ProcessWebhook(context.Background(), payload, signedRequest(t, payload))
	require.NoError(t, err)

	inv := repo.invoices[invKey("sch-1", "inv-1")]
	assert.Equal(t, 4000.0, inv.AmountPaid)
	assert.Equal(t, 5000.0, inv.AmountDue)
	assert.Equal(t, 9000.0, inv.AmountPaid+inv.AmountDue)
}

func TestProcessWebhookRedelivery(t *testing.T) {
	repo := newFakeRepo()
	repo.invoices[invKey("sch-1", "inv-1")] = &models.Invoice{
		ID: "inv-1", TenantID: "sch-1", AmountDue: 5000,
	}
	svc, pub := newTestService(repo)

	payload := paystackPayload("ref-1", 5000)
	sig := signedRequest(t, payload)

	first, err := svc.ProcessWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, first.Outcome)

	second, err := svc.ProcessWebhook(context.Background(), payload, sig)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	assert.Len(t, repo.txs, 1)
	inv := repo.invoices[invKey("sch-1", "inv-1")]
	assert.Equal(t, 5000.0, inv.AmountPaid)
	assert.Equal(t, 0.0, inv.AmountDue)
	// No second event batch for the duplicate.
	assert.Len(t, pub.batches, 1)
}

func TestProcessWebhookConcurrentSameReference(t *testing.T) {
	repo := newFakeRepo()
	repo.invoices[invKey("sch-1", "inv-1")] = &models.Invoice{
		ID: "inv-1", TenantID: "sch-1", AmountDue: 5000,
	}
	svc, _ := newTestService(repo)

	payload := paystackPayload("ref-race", 5000)
	sig := signedRequest(t, payload)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.ProcessWebhook(context.Background(), payload, sig)
			outcomes[i], errs[i] = res.Outcome, err
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, repo.txs, 1)
	inv := repo.invoices[invKey("sch-1", "inv-1")]
	assert.Equal(t, 5000.0, inv.AmountPaid)

	processed := 0
	for _, o := range outcomes {
		if o == OutcomeProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed, "exactly one delivery must win the ledger write")
}

func TestProcessWebhookBadSignature(t *testing.T) {
	repo := newFakeRepo()
	svc, pub := newTestService(repo)

	payload := paystackPayload("ref-1", 5000)
	tampered := []byte(strings.Replace(string(payload), "5000", "9000", 1))

	_, err := svc.ProcessWebhook(context.Background(), tampered, signedRequest(t, payload))
	require.ErrorIs(t, err, ErrBadSignature)

	assert.Equal(t, 0, repo.storageCalls, "rejected payloads must not touch storage")
	assert.Empty(t, pub.batches)
}

func TestProcessWebhookMissingSignatureHeader(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	payload := paystackPayload("ref-1", 5000)
	_, err := svc.ProcessWebhook(context.Background(), payload, Signature{})
	require.ErrorIs(t, err, ErrBadSignature)
	assert.Equal(t, 0, repo.storageCalls)
}

func TestProcessWebhookSecretNotConfigured(t *testing.T) {
	repo := newFakeRepo()
	wantErr := errors.New("webhook secret not configured")
	svc := NewService(repo, &fakeSecrets{err: wantErr}, &fakePublisher{})

	payload := paystackPayload("ref-1", 5000)
	_, err := svc.ProcessWebhook(context.Background(), payload, signedRequest(t, payload))
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, repo.storageCalls)
}

func TestProcessWebhookMalformed(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	payload := []byte(`{"data": {"amount": "not-a-number"}}`)
	sig := signedRequest(t, payload)

	_, err := svc.ProcessWebhook(context.Background(), payload, sig)
	require.ErrorIs(t, err, ErrMalformed)

	require.Len(t, repo.deliveries, 1)
	assert.Equal(t, models.DeliveryOutcomeMalformed, repo.deliveries[0].Outcome)
}

func TestProcessWebhookMissingInvoice(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	payload := paystackPayload("ref-ghost", 5000)
	result, err := svc.ProcessWebhook(context.Background(), payload, signedRequest(t, payload))
	require.NoError(t, err)

	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.False(t, result.InvoiceAdjusted)
	require.NotNil(t, repo.txs[txKey("sch-1", "ref-ghost")])
	assert.Empty(t, repo.invoices)

	// The discrepancy shows up in the audit snapshot.
	require.Len(t, repo.audits, 1)
	assert.Contains(t, string(repo.audits[0].AfterJSON), `"invoice_adjusted":false`)
}

func TestProcessWebhookAuditFailureSwallowed(t *testing.T) {
	repo := newFakeRepo()
	repo.auditErr = errors.New("audit table gone")
	svc, pub := newTestService(repo)

	payload := paystackPayload("ref-1", 5000)
	result, err := svc.ProcessWebhook(context.Background(), payload, signedRequest(t, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.Len(t, pub.batches, 1)
}

func TestProcessWebhookPublishFailureSwallowed(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, &fakeSecrets{secret: testSecret}, &fakePublisher{err: errors.New("bus down")})

	payload := paystackPayload("ref-1", 5000)
	result, err := svc.ProcessWebhook(context.Background(), payload, signedRequest(t, payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, result.Outcome)
	require.NotNil(t, repo.txs[txKey("sch-1", "ref-1")])
}

func TestProcessWebhookReceiptFallback(t *testing.T) {
	repo := newFakeRepo()
	repo.counterErr = errors.New("counter store unavailable")
	svc, _ := newTestService(repo)

	payload := paystackPayload("ref-1", 5000)
	result, err := svc.ProcessWebhook(context.Background(), payload, signedRequest(t, payload))
	require.NoError(t, err)

	assert.Equal(t, OutcomeProcessed, result.Outcome)
	assert.True(t, strings.HasPrefix(result.ReceiptNo, "RCP-SCH1-T"), "got %q", result.ReceiptNo)
}

func TestConcurrentReceiptNumbersAreDistinct(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)

	const n = 20
	var wg sync.WaitGroup
	receipts := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		payload := paystackPayload(fmt.Sprintf("ref-%d", i), 100)
		sig := signedRequest(t, payload)
		wg.Add(1)
		go func(i int, payload []byte, sig Signature) {
			defer wg.Done()
			res, err := svc.ProcessWebhook(context.Background(), payload, sig)
			receipts[i], errs[i] = res.ReceiptNo, err
		}(i, payload, sig)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[string]struct{}, n)
	for _, r := range receipts {
		require.NotEmpty(t, r)
		if _, dup := seen[r]; dup {
			t.Fatalf("duplicate receipt number issued: %s", r)
		}
		seen[r] = struct{}{}
	}
}

func TestFormatReceipt(t *testing.T) {
	assert.Equal(t, "RCP-SCH1-000042", FormatReceipt("sch-1", 42))
	assert.Equal(t, "RCP-SCH-000001", FormatReceipt("", 1))
	assert.Equal(t, "RCP-ABCDEF-000007", FormatReceipt("abcdefgh", 7))
}

func TestProcessWebhookPaidAtPropagates(t *testing.T) {
	repo := newFakeRepo()
	repo.invoices[invKey("sch-1", "inv-1")] = &models.Invoice{ID: "inv-1", TenantID: "sch-1", AmountDue: 5000}
	svc, _ := newTestService(repo)

	payload := paystackPayload("ref-1", 5000)
	_, err := svc.ProcessWebhook(context.Background(), payload, signedRequest(t, payload))
	require.NoError(t, err)

	tx := repo.txs[txKey("sch-1", "ref-1")]
	assert.Equal(t, time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC), tx.PaidAt)
}

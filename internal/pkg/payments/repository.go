package payments

import (
	"context"
	"errors"

	"github.com/schooltech-ng/schoolpay/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sentinel errors used inside ApplyPayment to abort the atomic write.
var (
	errDuplicateReference = errors.New("duplicate tenant/reference")
	errInvoiceMissing     = errors.New("invoice does not exist")
)

// ApplyResult reports what the ledger write actually did.
type ApplyResult struct {
	Transaction *models.PaymentTransaction
	// Created is false for the idempotent-duplicate case.
	Created bool
	// InvoiceAdjusted is false when the payment row was written without a
	// balance update, either because no invoice id was supplied or because
	// the referenced invoice does not exist.
	InvoiceAdjusted bool
	// InvoiceMissing marks the stale-invoice discrepancy for audit/metrics.
	InvoiceMissing bool
}

// Repository provides the DB operations used by the payments service.
type Repository interface {
	AlreadyProcessed(ctx context.Context, tenantID, reference string) (bool, error)
	ApplyPayment(ctx context.Context, tx *models.PaymentTransaction) (ApplyResult, error)
	NextReceiptSeq(ctx context.Context, tenantID string) (int64, error)
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
	RecordDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payments repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// AlreadyProcessed is the advisory fast path. The unique index enforced in
// ApplyPayment is the real exactly-once guarantee.
func (r *gormRepository) AlreadyProcessed(ctx context.Context, tenantID, reference string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("tenant_id = ? AND reference = ?", tenantID, reference).
		Count(&count).Error
	return count > 0, err
}

// ApplyPayment inserts the payment row and adjusts the invoice balance in a
// single transaction. Both commit together or neither does. A duplicate
// reference resolves to the existing row as a no-op; a missing invoice
// downgrades to an insert-only transaction so the confirmation is not lost.
func (r *gormRepository) ApplyPayment(ctx context.Context, ptx *models.PaymentTransaction) (ApplyResult, error) {
	withInvoice := ptx.InvoiceID != "" && ptx.TenantID != "" && ptx.Amount > 0

	err := r.applyOnce(ctx, ptx, withInvoice)
	invoiceMissing := false
	if withInvoice && errors.Is(err, errInvoiceMissing) {
		invoiceMissing = true
		err = r.applyOnce(ctx, ptx, false)
	}

	if errors.Is(err, errDuplicateReference) {
		var existing models.PaymentTransaction
		if lerr := r.db.WithContext(ctx).
			Where("tenant_id = ? AND reference = ?", ptx.TenantID, ptx.Reference).
			First(&existing).Error; lerr != nil {
			return ApplyResult{}, lerr
		}
		return ApplyResult{Transaction: &existing, Created: false}, nil
	}
	if err != nil {
		return ApplyResult{}, err
	}

	return ApplyResult{
		Transaction:     ptx,
		Created:         true,
		InvoiceAdjusted: withInvoice && !invoiceMissing,
		InvoiceMissing:  invoiceMissing,
	}, nil
}

func (r *gormRepository) applyOnce(ctx context.Context, ptx *models.PaymentTransaction, withInvoice bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"},
				{Name: "reference"},
			},
			DoNothing: true,
		}).Create(ptx)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errDuplicateReference
		}

		if !withInvoice {
			return nil
		}

		upd := tx.Model(&models.Invoice{}).
			Where("tenant_id = ? AND id = ?", ptx.TenantID, ptx.InvoiceID).
			Updates(map[string]interface{}{
				"amount_paid":     gorm.Expr("amount_paid + ?", ptx.Amount),
				"amount_due":      gorm.Expr("amount_due - ?", ptx.Amount),
				"last_payment_at": ptx.PaidAt,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			// Rolls back the insert too; the caller retries insert-only.
			return errInvoiceMissing
		}
		return nil
	})
}

// NextReceiptSeq increments the per-tenant counter under a row lock and
// returns the new value. The first payment for a tenant creates the row.
func (r *gormRepository) NextReceiptSeq(ctx context.Context, tenantID string) (int64, error) {
	var seq int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.ReceiptCounter
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ?", tenantID).
			First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c = models.ReceiptCounter{TenantID: tenantID}
			if cerr := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&c).Error; cerr != nil {
				return cerr
			}
			if lerr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("tenant_id = ?", tenantID).
				First(&c).Error; lerr != nil {
				return lerr
			}
		} else if err != nil {
			return err
		}

		seq = c.LastSeq + 1
		return tx.Model(&models.ReceiptCounter{}).
			Where("tenant_id = ?", tenantID).
			Update("last_seq", seq).Error
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *gormRepository) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *gormRepository) RecordDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	return r.db.WithContext(ctx).Create(delivery).Error
}

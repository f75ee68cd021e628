package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/schooltech-ng/schoolpay/internal/pkg/payments"
	"github.com/schooltech-ng/schoolpay/internal/pkg/secrets"
)

const webhookPipelineTimeout = 15 * time.Second

// WebhookProcessor is the slice of the payments service the controller uses.
type WebhookProcessor interface {
	ProcessWebhook(ctx context.Context, raw []byte, sig payments.Signature) (payments.Result, error)
}

type WebhookController struct {
	svc WebhookProcessor
}

func NewWebhookController(svc WebhookProcessor) *WebhookController {
	return &WebhookController{svc: svc}
}

// HandlePaymentWebhook ingests one gateway delivery. The response contract
// is what the gateway's retry logic keys off: 200 for success and for
// idempotent duplicates, 401 for signature failures, 400 for unparseable
// payloads, 500 when a redelivery is wanted.
func (wc *WebhookController) HandlePaymentWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	sig := payments.Signature{
		PaystackSignature: strings.TrimSpace(c.Get("x-paystack-signature")),
		VerifHash:         strings.TrimSpace(c.Get("verif-hash")),
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookPipelineTimeout)
	defer cancel()

	result, err := wc.svc.ProcessWebhook(ctx, rawBody, sig)
	switch {
	case err == nil:
		if result.Outcome == payments.OutcomeDuplicate {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "receipt_no": result.ReceiptNo})
	case errors.Is(err, payments.ErrBadSignature), errors.Is(err, secrets.ErrNotConfigured):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	case errors.Is(err, payments.ErrMalformed):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	default:
		// Redelivery is safe: the ledger write is idempotent per reference.
		log.Errorf("webhook: processing failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}
}

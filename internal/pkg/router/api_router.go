package router

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/schooltech-ng/schoolpay/app/controllers"
	"github.com/schooltech-ng/schoolpay/internal/pkg/database"
	"github.com/schooltech-ng/schoolpay/internal/pkg/events"
	"github.com/schooltech-ng/schoolpay/internal/pkg/metrics/counter"
	"github.com/schooltech-ng/schoolpay/internal/pkg/payments"
	"github.com/schooltech-ng/schoolpay/internal/pkg/secrets"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")

	api.Get("/health", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	// Pipeline counters for operator reconciliation.
	api.Get("/webhooks/counters", func(ctx *fiber.Ctx) error {
		snapshot, err := counter.Snapshot()
		if err != nil {
			return ctx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "counters_unavailable"})
		}
		return ctx.Status(fiber.StatusOK).JSON(snapshot)
	})

	svc := payments.NewServiceFromDB(
		database.GetDB(),
		secrets.NewProviderFromEnv(context.Background()),
		events.NewRedisPublisher(),
	)
	wc := controllers.NewWebhookController(svc)
	api.Post("/webhooks/payments", wc.HandlePaymentWebhook)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

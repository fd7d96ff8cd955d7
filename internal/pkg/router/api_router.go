package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/SubLedger/app/controllers"
	"github.com/ManuelReschke/SubLedger/internal/pkg/constants"
	"github.com/ManuelReschke/SubLedger/internal/pkg/env"
	"github.com/ManuelReschke/SubLedger/internal/pkg/middleware"
)

type ApiRouter struct {
	billing *controllers.BillingController
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Registered ahead of the /api group: the gateway authenticates with the
	// signature header and must not be throttled by the per-client limiter.
	app.Post(constants.BillingWebhookRoute, h.billing.HandleWebhook)

	api := app.Group(constants.APIRoute, limiter.New(limiter.Config{
		Max:        env.GetInt("API_RATE_LIMIT", 30),
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	b := api.Group(constants.BillingGroup)
	b.Post(constants.BillingPortalRoute, h.billing.HandlePortal)
	b.Post(constants.BillingCheckoutRoute, middleware.RequireAPISessionAuth, h.billing.HandleCheckout)
	b.Post(constants.BillingCancelRoute, middleware.RequireAPISessionAuth, h.billing.HandleCancel)
	b.Delete(constants.BillingCancelRoute, middleware.RequireAPISessionAuth, h.billing.HandleReactivate)
	b.Get(constants.BillingSubscriptionRoute, middleware.RequireAPISessionAuth, h.billing.HandleSubscription)
}

func NewApiRouter(billing *controllers.BillingController) *ApiRouter {
	return &ApiRouter{billing: billing}
}

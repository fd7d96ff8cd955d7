package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/SubLedger/internal/pkg/middleware"
	"github.com/ManuelReschke/SubLedger/internal/pkg/session"
)

type HttpRouter struct {
	plans middleware.PlanResolver
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	if session.GetSessionStore() == nil {
		session.NewSessionStore()
	}

	app.Use(middleware.UserContextMiddleware(h.plans))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

func NewHttpRouter(plans middleware.PlanResolver) *HttpRouter {
	return &HttpRouter{plans: plans}
}

package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/SubLedger/app/controllers"
	"github.com/ManuelReschke/SubLedger/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the collaborators the routes are wired to.
type Dependencies struct {
	Billing *controllers.BillingController
	Plans   middleware.PlanResolver
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// HttpRouter installs the session store and the UserContext middleware the
	// API routes depend on, so it goes first.
	setup(app, NewHttpRouter(deps.Plans), NewApiRouter(deps.Billing))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}

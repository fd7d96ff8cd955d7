package middleware

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubLedger/internal/pkg/session"
	"github.com/ManuelReschke/SubLedger/internal/pkg/usercontext"
)

// PlanResolver returns the effective plan of a user.
type PlanResolver interface {
	EffectivePlan(ctx context.Context, userID uint) (entitlements.Plan, error)
}

const planLookupTimeout = 2 * time.Second

// UserContextMiddleware reads the session and sets up the user context for
// every request. The plan comes from the billing service, which reads through
// the plan cache.
func UserContextMiddleware(plans PlanResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		store := session.GetSessionStore()
		if store == nil {
			usercontext.Set(c, usercontext.Anonymous)
			return c.Next()
		}

		sess, err := store.Get(c)
		if err != nil {
			usercontext.Set(c, usercontext.Anonymous)
			return c.Next()
		}

		userID, ok := sess.Get(usercontext.KeyUserID).(uint)
		if !ok || userID == 0 {
			usercontext.Set(c, usercontext.Anonymous)
			return c.Next()
		}

		username, _ := sess.Get(usercontext.KeyUsername).(string)
		isAdmin, _ := sess.Get(usercontext.KeyIsAdmin).(bool)

		plan := entitlements.PlanFree
		if plans != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), planLookupTimeout)
			resolved, err := plans.EffectivePlan(ctx, userID)
			cancel()
			if err != nil {
				log.Warnf("[Billing] Plan lookup for user %d failed: %v", userID, err)
			} else {
				plan = resolved
			}
		}

		usercontext.Set(c, usercontext.UserContext{
			UserID:     userID,
			Username:   username,
			IsLoggedIn: true,
			IsAdmin:    isAdmin,
			Plan:       string(plan),
		})
		return c.Next()
	}
}

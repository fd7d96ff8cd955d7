package controllers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubLedger/internal/pkg/billing"
	"github.com/ManuelReschke/SubLedger/internal/pkg/usercontext"
)

const (
	webhookTimeout       = 15 * time.Second
	requestTimeout       = 20 * time.Second
	overviewPaymentLimit = 10
	portalGoneMessage    = "Use /api/billing/cancel to manage your subscription."
)

// BillingService is the part of billing.Service the HTTP layer uses.
type BillingService interface {
	Checkout(ctx context.Context, userID uint, req billing.CheckoutRequest) (*billing.CheckoutResult, error)
	CancelSubscription(ctx context.Context, userID uint, atPeriodEnd bool) (*billing.CancelResult, error)
	ReverseCancellation(ctx context.Context, userID uint) (*billing.CancelResult, error)
	GetOverview(ctx context.Context, userID uint, paymentLimit int) (*billing.Overview, error)
	ProcessWebhook(ctx context.Context, d billing.WebhookDelivery) (*billing.WebhookResult, error)
}

type BillingController struct {
	svc BillingService
}

func NewBillingController(svc BillingService) *BillingController {
	return &BillingController{svc: svc}
}

type cancelRequest struct {
	CancelAtPeriodEnd *bool `json:"cancelAtPeriodEnd"`
}

// HandleCheckout starts a gateway subscription for the session user.
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return writeError(c, billing.NewError(billing.KindUnauthenticated, billing.MsgUnauthorized))
	}

	var req billing.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": billing.MsgInvalidPlan})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	res, err := bc.svc.Checkout(ctx, userID, req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

// HandleCancel cancels at period end unless the body sets cancelAtPeriodEnd to false.
func (bc *BillingController) HandleCancel(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return writeError(c, billing.NewError(billing.KindUnauthenticated, billing.MsgUnauthorized))
	}

	atPeriodEnd := true
	if body := c.Body(); len(strings.TrimSpace(string(body))) > 0 {
		var req cancelRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": billing.MsgInvalidJSON})
		}
		if req.CancelAtPeriodEnd != nil {
			atPeriodEnd = *req.CancelAtPeriodEnd
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	res, err := bc.svc.CancelSubscription(ctx, userID, atPeriodEnd)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

// HandleReactivate reverses a cancellation scheduled for the period end.
func (bc *BillingController) HandleReactivate(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return writeError(c, billing.NewError(billing.KindUnauthenticated, billing.MsgUnauthorized))
	}

	res, err := bc.svc.ReverseCancellation(c.UserContext(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(res)
}

// HandlePortal is kept for old clients, there is no hosted billing portal.
func (bc *BillingController) HandlePortal(c *fiber.Ctx) error {
	return c.Status(fiber.StatusGone).JSON(fiber.Map{"error": portalGoneMessage})
}

func (bc *BillingController) HandleSubscription(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	if userID == 0 {
		return writeError(c, billing.NewError(billing.KindUnauthenticated, billing.MsgUnauthorized))
	}

	limit := c.QueryInt("payments", overviewPaymentLimit)
	if limit <= 0 || limit > 100 {
		limit = overviewPaymentLimit
	}
	ov, err := bc.svc.GetOverview(c.UserContext(), userID, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(ov)
}

// HandleWebhook acknowledges every verified, decodable delivery with 200 so
// the gateway does not retry. Reconciliation failures are tagged with a warning.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	// fiber reuses the request buffer after the handler returns
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Razorpay-Signature"))
	eventID := strings.TrimSpace(c.Get("X-Razorpay-Event-Id"))

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	res, err := bc.svc.ProcessWebhook(ctx, billing.WebhookDelivery{
		Payload:   rawBody,
		Signature: signature,
		EventID:   eventID,
	})
	if err != nil {
		if billing.KindOf(err) == billing.KindReconciliationFailure {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "warning": billing.MsgProcessingError})
		}
		log.Warnf("[Webhook] Rejected delivery from %s: %s", clientIP(c), billing.PublicMessage(err))
		return writeError(c, err)
	}

	if res != nil && res.Duplicate {
		log.Infof("[Webhook] Acknowledged redelivery of event %s from %s", res.EventID, clientIP(c))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
}

// writeError maps a billing error onto its status code and public message.
func writeError(c *fiber.Ctx, err error) error {
	status := billing.HTTPStatus(billing.KindOf(err))
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[Billing] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": billing.PublicMessage(err)})
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubLedger/app/models"
	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubLedger/internal/pkg/metrics"
)

const (
	haltedFailureReason = "Subscription halted after multiple failed retries"
	defaultCurrency     = "INR"
	haltedRetryCount    = 1
)

// unresolvedPlanFallback is assigned when an activated subscription carries a
// plan id that is not in the catalogue.
const unresolvedPlanFallback = entitlements.PlanStarter

// WebhookDelivery is one inbound webhook request.
type WebhookDelivery struct {
	Payload   []byte
	Signature string
	EventID   string
}

// WebhookResult describes how a verified delivery was handled.
type WebhookResult struct {
	Event     string
	EventID   string
	Outcome   string
	Duplicate bool
}

// ProcessWebhook verifies, decodes and reconciles one delivery. Signature and
// decode failures are returned before anything is written. A reconciliation
// failure is returned together with the result, callers acknowledge it.
func (s *Service) ProcessWebhook(ctx context.Context, d WebhookDelivery) (*WebhookResult, error) {
	if !VerifyRazorpayWebhookSignature(d.Payload, d.Signature, s.webhookSecret) {
		s.metrics.WebhookRejected("signature")
		log.Warnf("[Webhook] Invalid signature")
		return nil, NewError(KindSignatureInvalid, MsgInvalidSignature)
	}

	ev, err := DecodeEvent(d.Payload)
	if err != nil {
		s.metrics.WebhookRejected("json")
		log.Warnf("[Webhook] Undecodable payload: %v", err)
		return nil, err
	}

	eventID := strings.TrimSpace(d.EventID)
	if eventID == "" {
		eventID = "gen-" + uuid.NewString()
	}
	res := &WebhookResult{Event: ev.Kind, EventID: eventID}
	s.metrics.WebhookReceived(ev.Kind)
	log.Infof("[Webhook] %s %s (event %s)", ev.Kind, eventLogRef(ev), eventID)

	res.Duplicate = !s.recordDelivery(ctx, eventID, ev, d.Payload)

	outcome, err := s.HandleEvent(ctx, ev)
	if err != nil {
		outcome = metrics.OutcomeFailed
		log.Errorf("[Webhook] Reconciliation of %s for %s failed: %v", ev.Kind, eventLogRef(ev), err)
	}
	res.Outcome = outcome
	s.metrics.WebhookOutcome(ev.Kind, outcome)
	s.markDelivery(ctx, eventID, err)

	if err != nil {
		return res, WrapError(KindReconciliationFailure, MsgProcessingError, err)
	}
	return res, nil
}

// recordDelivery writes the delivery log row. It returns false for a repeated
// event id, processing still continues because the ledger guard is authoritative.
func (s *Service) recordDelivery(ctx context.Context, eventID string, ev *WebhookEvent, payload []byte) bool {
	created, err := s.repo.CreateWebhookEventIfNotExists(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderRazorpay,
		ProviderEventID: eventID,
		EventType:       ev.Kind,
		SubscriptionRef: ev.SubscriptionRef(),
		PayloadJSON:     string(payload),
	})
	if err != nil {
		log.Warnf("[Webhook] Could not record delivery %s: %v", eventID, err)
		return true
	}
	if !created {
		s.metrics.WebhookRedelivered(ev.Kind)
		log.Infof("[Webhook] Event %s was delivered before", eventID)
	}
	return created
}

func (s *Service) markDelivery(ctx context.Context, eventID string, procErr error) {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	if err := s.repo.MarkWebhookProcessed(ctx, models.BillingProviderRazorpay, eventID, msg); err != nil {
		log.Warnf("[Webhook] Could not mark delivery %s processed: %v", eventID, err)
	}
}

// HandleEvent applies one decoded event to local state and returns the outcome label.
func (s *Service) HandleEvent(ctx context.Context, ev *WebhookEvent) (string, error) {
	switch ev.Kind {
	case EventSubscriptionActivated:
		return s.handleActivated(ctx, ev)
	case EventSubscriptionCharged:
		return s.handleCharged(ctx, ev)
	case EventSubscriptionHalted:
		return s.handleHalted(ctx, ev)
	case EventSubscriptionCancelled:
		return s.handleDetached(ctx, ev, models.SubscriptionStatusCanceled)
	case EventSubscriptionCompleted:
		return s.handleDetached(ctx, ev, models.SubscriptionStatusCompleted)
	case EventSubscriptionUpdated:
		return s.handleUpdated(ctx, ev)
	default:
		log.Infof("[Webhook] Unhandled event %q", ev.Kind)
		return metrics.OutcomeIgnored, nil
	}
}

func (s *Service) handleActivated(ctx context.Context, ev *WebhookEvent) (string, error) {
	sub := ev.Subscription
	if sub == nil || sub.ID == "" {
		log.Warnf("[Webhook] %s without subscription entity", ev.Kind)
		return metrics.OutcomeIgnored, nil
	}
	userID, ok := ev.Notes.UserID()
	if !ok {
		log.Errorf("[Webhook] No userId in notes for subscription %s", sub.ID)
		return metrics.OutcomeIgnored, nil
	}

	user, err := s.users.GetByID(userID)
	if err != nil {
		return "", fmt.Errorf("load user %d: %w", userID, err)
	}

	plan, _, resolved := s.catalog.Resolve(sub.PlanID)
	if !resolved {
		plan = unresolvedPlanFallback
		log.Warnf("[Webhook] Unknown plan id %q on %s, assigning %s", sub.PlanID, sub.ID, plan)
	}

	row, err := s.repo.ActivateSubscription(ctx, ActivationInput{
		UserID:                 userID,
		Plan:                   plan,
		ExternalSubscriptionID: sub.ID,
		ExternalPlanID:         sub.PlanID,
		CustomerEmail:          ev.Notes.Email(),
		Period:                 s.periodOf(sub),
	})
	if err != nil {
		return "", fmt.Errorf("activate %s: %w", sub.ID, err)
	}
	s.invalidatePlan(ctx, row.UserID)
	log.Infof("[Webhook] User %d activated %s via %s", userID, plan, sub.ID)

	if user.Email != "" {
		s.notifyWelcome(ctx, user.Email, nameOr(user.Name, "there"), plan)
	}
	return metrics.OutcomeApplied, nil
}

func (s *Service) handleCharged(ctx context.Context, ev *WebhookEvent) (string, error) {
	sub, pay := ev.Subscription, ev.Payment
	if sub == nil || pay == nil || sub.ID == "" {
		log.Warnf("[Webhook] %s without subscription or payment entity", ev.Kind)
		return metrics.OutcomeIgnored, nil
	}

	recorded, err := s.guard.AlreadyRecorded(ctx, pay)
	if err != nil {
		return "", fmt.Errorf("idempotency check for %s: %w", sub.ID, err)
	}
	if recorded {
		log.Infof("[Webhook] Duplicate charged event for invoice %q payment %q, skipping", pay.InvoiceID, pay.ID)
		return metrics.OutcomeDuplicate, nil
	}

	now := s.now()
	payment := &models.Payment{
		ExternalPaymentID: stringPtr(pay.ID),
		ExternalOrderID:   stringPtr(pay.OrderID),
		ExternalInvoiceID: stringPtr(pay.InvoiceID),
		Currency:          defaultCurrency,
		Status:            models.PaymentStatusPaid,
		PaidAt:            &now,
	}
	if pay.Amount != nil {
		payment.Amount = *pay.Amount
	}
	if pay.Currency != "" {
		payment.Currency = pay.Currency
	}

	row, err := s.repo.RecordCharge(ctx, sub.ID, s.periodOf(sub), payment)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnf("[Webhook] Charged event for unknown subscription %s", sub.ID)
		return metrics.OutcomeIgnored, nil
	}
	if err != nil {
		// A concurrent delivery of the same charge loses on the unique invoice
		// or payment index.
		if dup, checkErr := s.guard.AlreadyRecorded(ctx, pay); checkErr == nil && dup {
			log.Infof("[Webhook] Charged event for invoice %q payment %q recorded concurrently", pay.InvoiceID, pay.ID)
			return metrics.OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("record charge on %s: %w", sub.ID, err)
	}
	s.invalidatePlan(ctx, row.UserID)
	return metrics.OutcomeApplied, nil
}

func (s *Service) handleHalted(ctx context.Context, ev *WebhookEvent) (string, error) {
	sub := ev.Subscription
	if sub == nil || sub.ID == "" {
		log.Warnf("[Webhook] %s without subscription entity", ev.Kind)
		return metrics.OutcomeIgnored, nil
	}

	reason := haltedFailureReason
	row, err := s.repo.RecordHalt(ctx, sub.ID, &models.Payment{
		Amount:        0,
		Currency:      defaultCurrency,
		Status:        models.PaymentStatusFailed,
		FailureReason: &reason,
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnf("[Webhook] Halted event for unknown subscription %s", sub.ID)
		return metrics.OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("record halt on %s: %w", sub.ID, err)
	}
	s.invalidatePlan(ctx, row.UserID)

	email, name := ev.Notes.Email(), "there"
	if user, err := s.users.GetByID(row.UserID); err == nil {
		if user.Email != "" {
			email = user.Email
		}
		name = nameOr(user.Name, name)
	} else {
		log.Warnf("[Webhook] Could not load user %d for dunning email: %v", row.UserID, err)
	}
	if email != "" {
		s.notifyPaymentFailed(ctx, email, name, haltedRetryCount)
	}
	return metrics.OutcomeApplied, nil
}

// handleDetached covers cancelled and completed. Both end the gateway
// subscription, so the row drops to the free plan and loses its references.
func (s *Service) handleDetached(ctx context.Context, ev *WebhookEvent, status string) (string, error) {
	sub := ev.Subscription
	if sub == nil || sub.ID == "" {
		log.Warnf("[Webhook] %s without subscription entity", ev.Kind)
		return metrics.OutcomeIgnored, nil
	}

	var canceledAt *time.Time
	if status == models.SubscriptionStatusCanceled {
		now := s.now()
		canceledAt = &now
	}
	userIDs, err := s.repo.DetachSubscription(ctx, sub.ID, status, canceledAt)
	if err != nil {
		return "", fmt.Errorf("detach %s: %w", sub.ID, err)
	}
	if len(userIDs) == 0 {
		log.Infof("[Webhook] %s matched no local subscription for %s", ev.Kind, sub.ID)
		return metrics.OutcomeIgnored, nil
	}
	s.invalidatePlan(ctx, userIDs...)
	return metrics.OutcomeApplied, nil
}

func (s *Service) handleUpdated(ctx context.Context, ev *WebhookEvent) (string, error) {
	sub := ev.Subscription
	if sub == nil || sub.ID == "" {
		log.Warnf("[Webhook] %s without subscription entity", ev.Kind)
		return metrics.OutcomeIgnored, nil
	}
	plan, _, ok := s.catalog.Resolve(sub.PlanID)
	if !ok {
		log.Warnf("[Webhook] Updated %s to unknown plan id %q, ignoring", sub.ID, sub.PlanID)
		return metrics.OutcomeIgnored, nil
	}

	userIDs, err := s.repo.ChangePlan(ctx, sub.ID, plan, sub.PlanID)
	if err != nil {
		return "", fmt.Errorf("change plan on %s: %w", sub.ID, err)
	}
	if len(userIDs) == 0 {
		return metrics.OutcomeIgnored, nil
	}
	s.invalidatePlan(ctx, userIDs...)
	return metrics.OutcomeApplied, nil
}

// periodOf reads the cycle from the entity. A missing start means now, a
// missing end stays unset.
func (s *Service) periodOf(sub *SubscriptionEntity) BillingPeriod {
	start := s.now()
	if sub.CurrentStart != nil {
		start = *sub.CurrentStart
	}
	return BillingPeriod{Start: &start, End: sub.CurrentEnd}
}

func (s *Service) notifyWelcome(ctx context.Context, to, name string, plan entitlements.Plan) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.SendWelcome(ctx, to, name, plan)
	s.metrics.Notification("welcome", err)
	if err != nil {
		log.Errorf("[Webhook] Queueing welcome email to %s failed: %v", to, err)
	}
}

func (s *Service) notifyPaymentFailed(ctx context.Context, to, name string, retryCount int) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.SendPaymentFailed(ctx, to, name, retryCount)
	s.metrics.Notification("payment_failed", err)
	if err != nil {
		log.Errorf("[Webhook] Queueing payment failure email to %s failed: %v", to, err)
	}
}

func eventLogRef(ev *WebhookEvent) string {
	if ev.Subscription != nil && ev.Subscription.ID != "" {
		return ev.Subscription.ID
	}
	if ev.Payment != nil && ev.Payment.ID != "" {
		return ev.Payment.ID
	}
	return "-"
}

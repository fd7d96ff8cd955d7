package billing

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubLedger/app/models"
	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubLedger/internal/pkg/metrics"
)

// UserLookup resolves the account that owns a subscription.
type UserLookup interface {
	GetByID(id uint) (*models.User, error)
}

// Notifier hands billing emails off for delivery. It must not block on the
// mail server. Failures are logged by the caller and never undo a reconciliation.
type Notifier interface {
	SendWelcome(ctx context.Context, to, name string, plan entitlements.Plan) error
	SendPaymentFailed(ctx context.Context, to, name string, retryCount int) error
}

// PlanCache caches the effective plan per user.
type PlanCache interface {
	GetPlan(ctx context.Context, userID uint) (string, bool, error)
	SetPlan(ctx context.Context, userID uint, plan string) error
	Invalidate(ctx context.Context, userID uint) error
}

// Options carries the collaborators of a Service. Notifier, PlanCache and
// Metrics are optional.
type Options struct {
	Repository Repository
	Users      UserLookup
	Gateway    Gateway
	Notifier   Notifier
	PlanCache  PlanCache
	Metrics    *metrics.Billing
	Now        func() time.Time
}

// Service implements checkout, cancellation and webhook reconciliation.
type Service struct {
	repo     Repository
	users    UserLookup
	gateway  Gateway
	notifier Notifier
	cache    PlanCache
	metrics  *metrics.Billing
	catalog  *PlanCatalog
	guard    *IdempotencyGuard
	validate *validator.Validate
	now      func() time.Time

	keyID         string
	webhookSecret string
}

// NewService creates a billing service from config and injected collaborators.
func NewService(cfg Config, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:          opts.Repository,
		users:         opts.Users,
		gateway:       opts.Gateway,
		notifier:      opts.Notifier,
		cache:         opts.PlanCache,
		metrics:       opts.Metrics,
		catalog:       cfg.Catalog(),
		guard:         NewIdempotencyGuard(opts.Repository),
		validate:      validator.New(),
		now:           now,
		keyID:         cfg.KeyID,
		webhookSecret: cfg.WebhookSecret,
	}
}

type CheckoutRequest struct {
	Plan     string `json:"plan" validate:"required,oneof=STARTER PRO BUSINESS"`
	Interval string `json:"interval" validate:"omitempty,oneof=MONTHLY YEARLY"`
}

// CheckoutResult is what the client needs to open the hosted checkout.
type CheckoutResult struct {
	SubscriptionID string `json:"subscriptionId"`
	KeyID          string `json:"keyId"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Plan           string `json:"plan"`
	Interval       string `json:"interval"`
}

// Checkout creates a gateway subscription for the user. Local state is not
// touched, the activated webhook attaches the subscription later.
func (s *Service) Checkout(ctx context.Context, userID uint, req CheckoutRequest) (*CheckoutResult, error) {
	if userID == 0 {
		return nil, NewError(KindUnauthenticated, MsgUnauthorized)
	}
	if err := s.validateCheckout(req); err != nil {
		return nil, err
	}
	plan := entitlements.Plan(req.Plan)
	interval, _ := normalizeInterval(req.Interval)
	externalPlanID, ok := s.catalog.ExternalPlanID(plan, interval)
	if !ok {
		log.Warnf("[Billing] No gateway plan configured for %s/%s", plan, interval)
		return nil, NewError(KindInvalidInput, MsgInvalidPlan)
	}

	user, err := s.users.GetByID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewError(KindNotFound, MsgUserNotFound)
		}
		return nil, WrapError(KindInternal, MsgCreateFailed, err)
	}

	existing, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, WrapError(KindInternal, MsgCreateFailed, err)
	}
	if existing.IsActive() {
		return nil, NewError(KindConflict, MsgAlreadyActive)
	}

	started := time.Now()
	created, err := s.gateway.CreateSubscription(ctx, CreateSubscriptionParams{
		PlanID:         externalPlanID,
		TotalCount:     totalCount(interval),
		Quantity:       1,
		CustomerNotify: true,
		Notes: Notes{
			NoteUserID:    strconv.FormatUint(uint64(user.ID), 10),
			NoteUserEmail: user.Email,
			NotePlan:      string(plan),
			NoteInterval:  interval,
		},
	})
	s.metrics.GatewayCall("create_subscription", err, time.Since(started))
	if err != nil {
		log.Errorf("[Billing] Checkout for user %d failed: %v", userID, err)
		return nil, WrapError(KindUpstreamFailure, MsgCreateFailed, err)
	}

	log.Infof("[Billing] Created gateway subscription %s for user %d (%s/%s)", created.ID, userID, plan, interval)
	return &CheckoutResult{
		SubscriptionID: created.ID,
		KeyID:          s.keyID,
		Name:           user.DisplayName(),
		Email:          user.Email,
		Plan:           string(plan),
		Interval:       interval,
	}, nil
}

func (s *Service) validateCheckout(req CheckoutRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Field() == "Interval" {
				return WrapError(KindInvalidInput, MsgInvalidInterval, err)
			}
		}
	}
	return WrapError(KindInvalidInput, MsgInvalidPlan, err)
}

// CancelResult is returned by the cancel and reversal operations.
type CancelResult struct {
	Message string `json:"message"`
}

// CancelSubscription cancels the user's gateway subscription either at the end
// of the billing period or immediately. The gateway is called first, local
// state only changes once it accepted.
func (s *Service) CancelSubscription(ctx context.Context, userID uint, atPeriodEnd bool) (*CancelResult, error) {
	if userID == 0 {
		return nil, NewError(KindUnauthenticated, MsgUnauthorized)
	}
	sub, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, WrapError(KindInternal, MsgCancelFailed, err)
	}
	if !sub.HasExternalSubscription() {
		return nil, NewError(KindNotFound, MsgNoActiveSub)
	}
	externalID := *sub.ExternalSubscriptionID

	started := time.Now()
	_, err = s.gateway.CancelSubscription(ctx, externalID, atPeriodEnd)
	s.metrics.GatewayCall("cancel_subscription", err, time.Since(started))
	if err != nil {
		log.Errorf("[Billing] Cancel of %s for user %d failed: %v", externalID, userID, err)
		return nil, WrapError(KindUpstreamFailure, MsgCancelFailed, err)
	}

	var rows int64
	if atPeriodEnd {
		rows, err = s.repo.ScheduleCancellation(ctx, userID, externalID)
	} else {
		rows, err = s.repo.CancelImmediately(ctx, userID, externalID, s.now())
	}
	if err != nil {
		log.Errorf("[Billing] Gateway cancelled %s but local update failed: %v", externalID, err)
		return nil, WrapError(KindInternal, MsgCancelFailed, err)
	}
	if rows == 0 {
		log.Warnf("[Billing] Subscription %s was detached concurrently, local row left unchanged", externalID)
	}
	s.invalidatePlan(ctx, userID)

	if atPeriodEnd {
		log.Infof("[Billing] Scheduled cancellation of %s for user %d", externalID, userID)
		return &CancelResult{Message: "Subscription will be cancelled at end of billing period."}, nil
	}
	log.Infof("[Billing] Cancelled %s for user %d immediately", externalID, userID)
	return &CancelResult{Message: "Subscription cancelled immediately."}, nil
}

// ReverseCancellation clears a deferred cancellation.
func (s *Service) ReverseCancellation(ctx context.Context, userID uint) (*CancelResult, error) {
	if userID == 0 {
		return nil, NewError(KindUnauthenticated, MsgUnauthorized)
	}
	if _, err := s.repo.FindSubscriptionByUserID(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewError(KindNotFound, MsgNoActiveSub)
		}
		return nil, WrapError(KindInternal, MsgReactivateFailed, err)
	}
	if err := s.repo.SetCancelAtPeriodEnd(ctx, userID, false); err != nil {
		log.Errorf("[Billing] Reactivate for user %d failed: %v", userID, err)
		return nil, WrapError(KindInternal, MsgReactivateFailed, err)
	}
	return &CancelResult{Message: "Cancellation reversed."}, nil
}

// PaymentView is a ledger row as shown on the billing settings page.
type PaymentView struct {
	ID            uint       `json:"id"`
	Amount        float64    `json:"amount"`
	AmountMinor   int64      `json:"amountMinor"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failureReason,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Overview summarises a user's subscription.
type Overview struct {
	Plan               string              `json:"plan"`
	PlanName           string              `json:"planName"`
	Status             string              `json:"status"`
	CancelAtPeriodEnd  bool                `json:"cancelAtPeriodEnd"`
	CurrentPeriodStart *time.Time          `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time          `json:"currentPeriodEnd,omitempty"`
	CanceledAt         *time.Time          `json:"canceledAt,omitempty"`
	Features           entitlements.Limits `json:"features"`
	Payments           []PaymentView       `json:"payments"`
}

// GetOverview returns the subscription state and the most recent payments.
func (s *Service) GetOverview(ctx context.Context, userID uint, paymentLimit int) (*Overview, error) {
	if userID == 0 {
		return nil, NewError(KindUnauthenticated, MsgUnauthorized)
	}
	out := &Overview{
		Plan:     string(entitlements.PlanFree),
		PlanName: entitlements.DisplayName(entitlements.PlanFree),
		Features: entitlements.LimitsFor(entitlements.PlanFree),
		Payments: []PaymentView{},
	}

	sub, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return out, nil
		}
		return nil, WrapError(KindInternal, MsgInternalServerError, err)
	}

	plan := entitlements.Normalize(sub.Plan)
	out.Plan = string(plan)
	out.PlanName = entitlements.DisplayName(plan)
	out.Features = entitlements.LimitsFor(plan)
	out.Status = sub.Status
	out.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	out.CurrentPeriodStart = sub.CurrentPeriodStart
	out.CurrentPeriodEnd = sub.CurrentPeriodEnd
	out.CanceledAt = sub.CanceledAt

	payments, err := s.repo.ListPayments(ctx, sub.ID, paymentLimit)
	if err != nil {
		return nil, WrapError(KindInternal, MsgInternalServerError, err)
	}
	for _, p := range payments {
		view := PaymentView{
			ID:          p.ID,
			Amount:      FromMinorUnits(p.Amount),
			AmountMinor: p.Amount,
			Currency:    p.Currency,
			Status:      p.Status,
			PaidAt:      p.PaidAt,
			CreatedAt:   p.CreatedAt,
		}
		if p.FailureReason != nil {
			view.FailureReason = *p.FailureReason
		}
		out.Payments = append(out.Payments, view)
	}
	return out, nil
}

// EffectivePlan returns the user's plan, read through the plan cache.
func (s *Service) EffectivePlan(ctx context.Context, userID uint) (entitlements.Plan, error) {
	if userID == 0 {
		return entitlements.PlanFree, nil
	}
	if s.cache != nil {
		plan, ok, err := s.cache.GetPlan(ctx, userID)
		if err != nil {
			log.Warnf("[Billing] Plan cache read for user %d failed: %v", userID, err)
		} else if ok {
			return entitlements.Normalize(plan), nil
		}
	}

	plan := entitlements.PlanFree
	sub, err := s.repo.FindSubscriptionByUserID(ctx, userID)
	switch {
	case err == nil:
		plan = entitlements.Normalize(sub.Plan)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return entitlements.PlanFree, err
	}

	if s.cache != nil {
		if err := s.cache.SetPlan(ctx, userID, string(plan)); err != nil {
			log.Warnf("[Billing] Plan cache write for user %d failed: %v", userID, err)
		}
	}
	return plan, nil
}

func (s *Service) invalidatePlan(ctx context.Context, userIDs ...uint) {
	if s.cache == nil {
		return
	}
	for _, id := range userIDs {
		if err := s.cache.Invalidate(ctx, id); err != nil {
			log.Warnf("[Billing] Plan cache invalidation for user %d failed: %v", id, err)
		}
	}
}

func nameOr(name, fallback string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	return fallback
}

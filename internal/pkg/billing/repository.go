package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/SubLedger/app/models"
	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BillingPeriod is the current cycle reported by the gateway. End may be nil.
type BillingPeriod struct {
	Start *time.Time
	End   *time.Time
}

// ActivationInput is what an activated subscription writes onto the user's row.
type ActivationInput struct {
	UserID                 uint
	Plan                   entitlements.Plan
	ExternalSubscriptionID string
	ExternalPlanID         string
	CustomerEmail          string
	Period                 BillingPeriod
}

// Repository provides DB operations used by the billing service.
type Repository interface {
	FindSubscriptionByUserID(ctx context.Context, userID uint) (*models.Subscription, error)
	FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error)
	ActivateSubscription(ctx context.Context, in ActivationInput) (*models.Subscription, error)
	RecordCharge(ctx context.Context, externalSubscriptionID string, period BillingPeriod, payment *models.Payment) (*models.Subscription, error)
	RecordHalt(ctx context.Context, externalSubscriptionID string, payment *models.Payment) (*models.Subscription, error)
	DetachSubscription(ctx context.Context, externalSubscriptionID, status string, canceledAt *time.Time) ([]uint, error)
	ChangePlan(ctx context.Context, externalSubscriptionID string, plan entitlements.Plan, externalPlanID string) ([]uint, error)
	ScheduleCancellation(ctx context.Context, userID uint, externalSubscriptionID string) (int64, error)
	CancelImmediately(ctx context.Context, userID uint, externalSubscriptionID string, at time.Time) (int64, error)
	SetCancelAtPeriodEnd(ctx context.Context, userID uint, cancel bool) error
	FindPaymentByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error)
	FindPaymentByExternalPaymentID(ctx context.Context, paymentID string) (*models.Payment, error)
	ListPayments(ctx context.Context, subscriptionID uint, limit int) ([]models.Payment, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, error)
	MarkWebhookProcessed(ctx context.Context, provider, providerEventID, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindSubscriptionByUserID(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("external_subscription_id = ?", externalSubscriptionID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// ActivateSubscription creates the user's row on first activation and
// overwrites it afterwards.
func (r *gormRepository) ActivateSubscription(ctx context.Context, in ActivationInput) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", in.UserID).First(&sub).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		sub.UserID = in.UserID
		sub.Plan = string(in.Plan)
		sub.Status = models.SubscriptionStatusActive
		sub.ExternalSubscriptionID = stringPtr(in.ExternalSubscriptionID)
		sub.ExternalPlanID = stringPtr(in.ExternalPlanID)
		sub.CustomerEmail = in.CustomerEmail
		sub.CancelAtPeriodEnd = false
		sub.CurrentPeriodStart = in.Period.Start
		sub.CurrentPeriodEnd = in.Period.End
		sub.CanceledAt = nil

		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&sub).Error
		}
		return tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).Updates(map[string]any{
			"plan":                     sub.Plan,
			"status":                   sub.Status,
			"external_subscription_id": sub.ExternalSubscriptionID,
			"external_plan_id":         sub.ExternalPlanID,
			"customer_email":           sub.CustomerEmail,
			"cancel_at_period_end":     false,
			"current_period_start":     sub.CurrentPeriodStart,
			"current_period_end":       sub.CurrentPeriodEnd,
			"canceled_at":              nil,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// RecordCharge marks the subscription active, refreshes its period and
// appends the payment in one transaction.
func (r *gormRepository) RecordCharge(ctx context.Context, externalSubscriptionID string, period BillingPeriod, payment *models.Payment) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("external_subscription_id = ?", externalSubscriptionID).First(&sub).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).Updates(map[string]any{
			"status":               models.SubscriptionStatusActive,
			"current_period_start": period.Start,
			"current_period_end":   period.End,
		}).Error; err != nil {
			return err
		}
		payment.SubscriptionID = sub.ID
		return tx.Create(payment).Error
	})
	if err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatusActive
	sub.CurrentPeriodStart = period.Start
	sub.CurrentPeriodEnd = period.End
	return &sub, nil
}

// RecordHalt moves the subscription to PAST_DUE and appends the failed payment.
func (r *gormRepository) RecordHalt(ctx context.Context, externalSubscriptionID string, payment *models.Payment) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("external_subscription_id = ?", externalSubscriptionID).First(&sub).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).
			Update("status", models.SubscriptionStatusPastDue).Error; err != nil {
			return err
		}
		payment.SubscriptionID = sub.ID
		return tx.Create(payment).Error
	})
	if err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatusPastDue
	return &sub, nil
}

// DetachSubscription downgrades every row pointing at the gateway subscription
// to the free plan and returns the affected user ids. Zero matches is not an error.
func (r *gormRepository) DetachSubscription(ctx context.Context, externalSubscriptionID, status string, canceledAt *time.Time) ([]uint, error) {
	var userIDs []uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Subscription{}).Where("external_subscription_id = ?", externalSubscriptionID)
		if err := q.Pluck("user_id", &userIDs).Error; err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		return tx.Model(&models.Subscription{}).
			Where("external_subscription_id = ?", externalSubscriptionID).
			Updates(detachUpdates(status, canceledAt)).Error
	})
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

func (r *gormRepository) ChangePlan(ctx context.Context, externalSubscriptionID string, plan entitlements.Plan, externalPlanID string) ([]uint, error) {
	var userIDs []uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Subscription{}).
			Where("external_subscription_id = ?", externalSubscriptionID).
			Pluck("user_id", &userIDs).Error; err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		return tx.Model(&models.Subscription{}).
			Where("external_subscription_id = ?", externalSubscriptionID).
			Updates(map[string]any{
				"plan":             string(plan),
				"external_plan_id": stringPtr(externalPlanID),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

// ScheduleCancellation sets the cancel flag only if the row still points at
// the gateway subscription that was cancelled.
func (r *gormRepository) ScheduleCancellation(ctx context.Context, userID uint, externalSubscriptionID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND external_subscription_id = ?", userID, externalSubscriptionID).
		Update("cancel_at_period_end", true)
	return res.RowsAffected, res.Error
}

func (r *gormRepository) CancelImmediately(ctx context.Context, userID uint, externalSubscriptionID string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND external_subscription_id = ?", userID, externalSubscriptionID).
		Updates(detachUpdates(models.SubscriptionStatusCanceled, &at))
	return res.RowsAffected, res.Error
}

func (r *gormRepository) SetCancelAtPeriodEnd(ctx context.Context, userID uint, cancel bool) error {
	return r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ?", userID).
		Update("cancel_at_period_end", cancel).Error
}

func (r *gormRepository) FindPaymentByInvoiceID(ctx context.Context, invoiceID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).Where("external_invoice_id = ?", invoiceID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) FindPaymentByExternalPaymentID(ctx context.Context, paymentID string) (*models.Payment, error) {
	var p models.Payment
	if err := r.db.WithContext(ctx).Where("external_payment_id = ?", paymentID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) ListPayments(ctx context.Context, subscriptionID uint, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = 10
	}
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, provider, providerEventID, processingError string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventID).
		Updates(map[string]any{
			"processed_at":     &now,
			"processing_error": processingError,
		}).Error
}

func detachUpdates(status string, canceledAt *time.Time) map[string]any {
	updates := map[string]any{
		"plan":                     models.PlanFree,
		"status":                   status,
		"external_subscription_id": nil,
		"external_plan_id":         nil,
		"cancel_at_period_end":     false,
	}
	if canceledAt != nil {
		updates["canceled_at"] = canceledAt
	}
	return updates
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

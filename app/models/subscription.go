package models

import "time"

const (
	PlanFree     = "FREE"
	PlanStarter  = "STARTER"
	PlanPro      = "PRO"
	PlanBusiness = "BUSINESS"
)

const (
	BillingIntervalMonthly = "MONTHLY"
	BillingIntervalYearly  = "YEARLY"
)

const (
	SubscriptionStatusActive    = "ACTIVE"
	SubscriptionStatusPastDue   = "PAST_DUE"
	SubscriptionStatusCanceled  = "CANCELED"
	SubscriptionStatusCompleted = "COMPLETED"
)

// Subscription is the single billing row of a user. The external references
// are only set while a gateway-side subscription exists.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;uniqueIndex:ux_subscriptions_user" json:"user_id"`
	Plan                   string     `gorm:"type:varchar(20);not null;default:'FREE';index" json:"plan"`
	Status                 string     `gorm:"type:varchar(20);not null;default:'';index" json:"status"`
	ExternalSubscriptionID *string    `gorm:"type:varchar(191);default:null;uniqueIndex:ux_subscriptions_external_subscription" json:"external_subscription_id,omitempty"`
	ExternalPlanID         *string    `gorm:"type:varchar(191);default:null" json:"external_plan_id,omitempty"`
	CustomerEmail          string     `gorm:"type:varchar(200);default:''" json:"customer_email"`
	CancelAtPeriodEnd      bool       `gorm:"not null;default:false" json:"cancel_at_period_end"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CanceledAt             *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasExternalSubscription reports whether a gateway-side subscription is attached.
func (s *Subscription) HasExternalSubscription() bool {
	return s != nil && s.ExternalSubscriptionID != nil && *s.ExternalSubscriptionID != ""
}

// IsActive is true for an ACTIVE row that still points at a gateway subscription.
func (s *Subscription) IsActive() bool {
	return s.HasExternalSubscription() && s.Status == SubscriptionStatusActive
}

package models

import "time"

const (
	PaymentStatusPaid   = "paid"
	PaymentStatusFailed = "failed"
)

// Payment is an append-only ledger entry. ExternalInvoiceID is unique and
// acts as the dedup boundary for recurring charges. ExternalPaymentID is
// unique too, so charges without an invoice cannot be written twice.
type Payment struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID    uint       `gorm:"not null;index" json:"subscription_id"`
	ExternalPaymentID *string    `gorm:"type:varchar(191);default:null;uniqueIndex:ux_payments_external_payment" json:"external_payment_id,omitempty"`
	ExternalOrderID   *string    `gorm:"type:varchar(191);default:null" json:"external_order_id,omitempty"`
	ExternalInvoiceID *string    `gorm:"type:varchar(191);default:null;uniqueIndex:ux_payments_external_invoice" json:"external_invoice_id,omitempty"`
	Amount            int64      `gorm:"not null" json:"amount"`
	Currency          string     `gorm:"type:varchar(8);not null" json:"currency"`
	Status            string     `gorm:"type:varchar(16);not null;index" json:"status"`
	FailureReason     *string    `gorm:"type:text" json:"failure_reason,omitempty"`
	PaidAt            *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

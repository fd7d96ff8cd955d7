package billing

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ManuelReschke/SubLedger/app/models"
)

// IdempotencyGuard decides whether a charge has already been written to the
// ledger. The invoice id is the dedup key. The payment id, unique in the
// ledger as well, catches charges the gateway sent without an invoice.
type IdempotencyGuard struct {
	repo Repository
}

func NewIdempotencyGuard(repo Repository) *IdempotencyGuard {
	return &IdempotencyGuard{repo: repo}
}

// AlreadyRecorded reports whether a Payment row exists for the charge.
func (g *IdempotencyGuard) AlreadyRecorded(ctx context.Context, payment *PaymentEntity) (bool, error) {
	if payment == nil {
		return false, nil
	}

	if payment.InvoiceID != "" {
		found, err := foundPayment(g.repo.FindPaymentByInvoiceID(ctx, payment.InvoiceID))
		if err != nil || found {
			return found, err
		}
	}
	if payment.ID != "" {
		return foundPayment(g.repo.FindPaymentByExternalPaymentID(ctx, payment.ID))
	}
	return false, nil
}

func foundPayment(_ *models.Payment, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

package jobqueue

import (
	"context"

	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
)

// Notifier queues billing emails instead of sending them, so a slow SMTP
// server never holds up a webhook response.
type Notifier struct {
	queue *Queue
}

func NewNotifier(queue *Queue) *Notifier {
	return &Notifier{queue: queue}
}

// SendWelcome enqueues the welcome email for a freshly activated plan.
func (n *Notifier) SendWelcome(ctx context.Context, to, name string, plan entitlements.Plan) error {
	_, err := n.queue.EnqueueJob(ctx, JobTypeBillingEmail, BillingEmailJobPayload{
		Kind: EmailWelcome,
		To:   to,
		Name: name,
		Plan: string(plan),
	}.ToMap())
	return err
}

// SendPaymentFailed enqueues the dunning email.
func (n *Notifier) SendPaymentFailed(ctx context.Context, to, name string, retryCount int) error {
	_, err := n.queue.EnqueueJob(ctx, JobTypeBillingEmail, BillingEmailJobPayload{
		Kind:       EmailPaymentFailed,
		To:         to,
		Name:       name,
		RetryCount: retryCount,
	}.ToMap())
	return err
}

package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubLedger/internal/pkg/env"
)

const welcomeTemplate = `<p>Hi {{.Name}},</p>
<p>Your upgrade to <strong>{{.PlanName}}</strong> is active. Thanks for subscribing!</p>
<ul>
<li>Documents per month: {{.Docs}}</li>
<li>Team seats: {{.Seats}}</li>
</ul>
<p><a href="{{.DashboardURL}}">Open your dashboard</a></p>`

const paymentFailedTemplate = `<p>Hi {{.Name}},</p>
<p>We could not collect your subscription payment{{if gt .RetryCount 1}} after {{.RetryCount}} attempts{{end}}.
Your plan stays in place for now, please update your payment method to avoid losing access.</p>
<p><a href="{{.BillingURL}}">Update billing details</a></p>`

var (
	welcomeTpl       = template.Must(template.New("welcome").Parse(welcomeTemplate))
	paymentFailedTpl = template.Must(template.New("payment_failed").Parse(paymentFailedTemplate))
)

// SendFunc delivers a rendered email.
type SendFunc func(ctx context.Context, to, subject, body string) error

// BillingNotifier renders the billing emails and hands them to SendMail.
type BillingNotifier struct {
	BaseURL string
	Send    SendFunc
}

// NewBillingNotifier reads APP_BASE_URL for the links in the emails.
func NewBillingNotifier() *BillingNotifier {
	return &BillingNotifier{
		BaseURL: strings.TrimRight(env.GetEnv("APP_BASE_URL", "http://localhost:8080"), "/"),
		Send:    SendMail,
	}
}

// SendWelcome confirms a freshly activated plan.
func (n *BillingNotifier) SendWelcome(ctx context.Context, to, name string, plan entitlements.Plan) error {
	limits := entitlements.LimitsFor(plan)
	body, err := render(welcomeTpl, map[string]any{
		"Name":         name,
		"PlanName":     entitlements.DisplayName(plan),
		"Docs":         limitText(limits.DocsPerMonth),
		"Seats":        limitText(limits.TeamSeats),
		"DashboardURL": n.BaseURL + "/dashboard",
	})
	if err != nil {
		return err
	}
	return n.deliver(ctx, to, fmt.Sprintf("Welcome to %s!", entitlements.DisplayName(plan)), body)
}

// SendPaymentFailed tells the customer their renewal could not be charged.
func (n *BillingNotifier) SendPaymentFailed(ctx context.Context, to, name string, retryCount int) error {
	body, err := render(paymentFailedTpl, map[string]any{
		"Name":       name,
		"RetryCount": retryCount,
		"BillingURL": n.BaseURL + "/settings/billing",
	})
	if err != nil {
		return err
	}
	return n.deliver(ctx, to, "Action required: your payment failed", body)
}

// deliver skips sending when the caller already gave up.
func (n *BillingNotifier) deliver(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	send := n.Send
	if send == nil {
		send = SendMail
	}
	return send(ctx, to, subject, body)
}

func render(tpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s email: %w", tpl.Name(), err)
	}
	return buf.String(), nil
}

func limitText(n int) string {
	if n == entitlements.Unlimited {
		return "Unlimited"
	}
	return fmt.Sprintf("%d", n)
}

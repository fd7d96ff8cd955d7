package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gateway is the subset of the payment gateway API used by the service.
type Gateway interface {
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*GatewaySubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atCycleEnd bool) (*GatewaySubscription, error)
}

type CreateSubscriptionParams struct {
	PlanID         string
	TotalCount     int
	Quantity       int
	CustomerNotify bool
	Notes          Notes
}

type GatewaySubscription struct {
	ID       string `json:"id"`
	PlanID   string `json:"plan_id"`
	Status   string `json:"status"`
	ShortURL string `json:"short_url"`
}

type RazorpayClient struct {
	KeyID      string
	KeySecret  string
	APIBaseURL string

	HTTPClient *http.Client
}

func NewRazorpayClient(cfg Config) *RazorpayClient {
	base := cfg.APIBase
	if base == "" {
		base = defaultRazorpayAPIBase
	}
	return &RazorpayClient{
		KeyID:      cfg.KeyID,
		KeySecret:  cfg.KeySecret,
		APIBaseURL: strings.TrimRight(base, "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// CreateSubscription creates a gateway subscription for the hosted checkout.
func (c *RazorpayClient) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*GatewaySubscription, error) {
	if strings.TrimSpace(params.PlanID) == "" {
		return nil, errors.New("plan_id is required")
	}
	quantity := params.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	body := map[string]any{
		"plan_id":         params.PlanID,
		"total_count":     params.TotalCount,
		"quantity":        quantity,
		"customer_notify": boolToInt(params.CustomerNotify),
	}
	if len(params.Notes) > 0 {
		body["notes"] = params.Notes
	}

	var out GatewaySubscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", body, &out); err != nil {
		return nil, fmt.Errorf("razorpay create subscription failed: %w", err)
	}
	if out.ID == "" {
		return nil, errors.New("razorpay create subscription returned no id")
	}
	return &out, nil
}

// CancelSubscription cancels immediately or at the end of the current cycle.
func (c *RazorpayClient) CancelSubscription(ctx context.Context, subscriptionID string, atCycleEnd bool) (*GatewaySubscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, errors.New("subscription id is required")
	}

	body := map[string]any{
		"cancel_at_cycle_end": boolToInt(atCycleEnd),
	}

	var out GatewaySubscription
	path := "/subscriptions/" + url.PathEscape(subscriptionID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("razorpay cancel subscription %s failed: %w", subscriptionID, err)
	}
	return &out, nil
}

func (c *RazorpayClient) do(ctx context.Context, method, path string, in any, out any) error {
	if c.KeyID == "" || c.KeySecret == "" {
		return errors.New("RAZORPAY_KEY_ID/RAZORPAY_KEY_SECRET are not configured")
	}

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.KeyID, c.KeySecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

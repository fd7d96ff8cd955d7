package billing

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubLedger/internal/pkg/env"
)

const defaultRazorpayAPIBase = "https://api.razorpay.com/v1"

// Config holds gateway credentials and the plan id table. It is loaded once
// at start and handed to the client and service.
type Config struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	APIBase       string
	PlanIDs       map[entitlements.Plan]map[string]string
}

// LoadConfigFromEnv reads RAZORPAY_* variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		KeyID:         strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_ID", "")),
		KeySecret:     strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_SECRET", "")),
		WebhookSecret: env.GetEnv("RAZORPAY_WEBHOOK_SECRET", ""),
		APIBase:       strings.TrimRight(env.GetEnv("RAZORPAY_API_BASE", defaultRazorpayAPIBase), "/"),
		PlanIDs:       make(map[entitlements.Plan]map[string]string, len(paidPlans)),
	}
	for _, plan := range paidPlans {
		cfg.PlanIDs[plan] = make(map[string]string, len(intervals))
		for _, interval := range intervals {
			cfg.PlanIDs[plan][interval] = env.GetEnv(planIDEnvKey(plan, interval), "")
		}
	}
	return cfg
}

// planIDEnvKey yields e.g. RAZORPAY_PRO_YEARLY_PLAN_ID.
func planIDEnvKey(plan entitlements.Plan, interval string) string {
	return fmt.Sprintf("RAZORPAY_%s_%s_PLAN_ID", plan, interval)
}

// Catalog builds the plan lookup table from the configured ids.
func (c Config) Catalog() *PlanCatalog {
	return NewPlanCatalog(c.PlanIDs)
}

// Validate reports missing settings. A missing plan id only disables that
// plan, so it is not an error.
func (c Config) Validate() error {
	var missing []string
	if c.KeyID == "" {
		missing = append(missing, "RAZORPAY_KEY_ID")
	}
	if c.KeySecret == "" {
		missing = append(missing, "RAZORPAY_KEY_SECRET")
	}
	if c.WebhookSecret == "" {
		missing = append(missing, "RAZORPAY_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing billing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

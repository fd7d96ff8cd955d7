package billing

import (
	"strings"

	"github.com/ManuelReschke/SubLedger/app/models"
	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
)

var (
	paidPlans = []entitlements.Plan{entitlements.PlanStarter, entitlements.PlanPro, entitlements.PlanBusiness}
	intervals = []string{models.BillingIntervalMonthly, models.BillingIntervalYearly}
)

// PlanCatalog maps {plan, interval} to gateway plan ids and back.
type PlanCatalog struct {
	refs map[entitlements.Plan]map[string]string
}

func NewPlanCatalog(refs map[entitlements.Plan]map[string]string) *PlanCatalog {
	c := &PlanCatalog{refs: make(map[entitlements.Plan]map[string]string, len(refs))}
	for plan, byInterval := range refs {
		c.refs[plan] = make(map[string]string, len(byInterval))
		for interval, id := range byInterval {
			c.refs[plan][interval] = strings.TrimSpace(id)
		}
	}
	return c
}

// ExternalPlanID returns the configured gateway plan id for a plan and interval.
func (c *PlanCatalog) ExternalPlanID(plan entitlements.Plan, interval string) (string, bool) {
	id := c.refs[plan][interval]
	return id, id != ""
}

// Resolve looks up which plan and interval a gateway plan id belongs to.
func (c *PlanCatalog) Resolve(externalPlanID string) (entitlements.Plan, string, bool) {
	externalPlanID = strings.TrimSpace(externalPlanID)
	if externalPlanID == "" {
		return "", "", false
	}
	for _, plan := range paidPlans {
		for _, interval := range intervals {
			if c.refs[plan][interval] == externalPlanID {
				return plan, interval, true
			}
		}
	}
	return "", "", false
}

func normalizeInterval(interval string) (string, bool) {
	switch strings.TrimSpace(interval) {
	case "":
		return models.BillingIntervalMonthly, true
	case models.BillingIntervalMonthly:
		return models.BillingIntervalMonthly, true
	case models.BillingIntervalYearly:
		return models.BillingIntervalYearly, true
	default:
		return "", false
	}
}

// totalCount is the number of billing cycles requested from the gateway.
func totalCount(interval string) int {
	if interval == models.BillingIntervalYearly {
		return 12
	}
	return 120
}

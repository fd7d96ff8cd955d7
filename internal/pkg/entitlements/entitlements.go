package entitlements

import (
	"strings"

	"github.com/ManuelReschke/SubLedger/app/models"
)

type Plan string

const (
	PlanFree     Plan = models.PlanFree
	PlanStarter  Plan = models.PlanStarter
	PlanPro      Plan = models.PlanPro
	PlanBusiness Plan = models.PlanBusiness
)

// Unlimited marks a numeric limit without an upper bound.
const Unlimited = -1

// Limits describes what a plan includes. The values are informational, the
// document service enforces them.
type Limits struct {
	DocsPerMonth    int  `json:"docs_per_month"`
	AIEnabled       bool `json:"ai_enabled"`
	Watermark       bool `json:"watermark"`
	DocTypes        int  `json:"doc_types"`
	ShareLinks      bool `json:"share_links"`
	TeamSeats       int  `json:"team_seats"`
	APIAccess       bool `json:"api_access"`
	CustomBranding  bool `json:"custom_branding"`
	PrioritySupport bool `json:"priority_support"`
}

// Price is expressed in major INR units.
type Price struct {
	Monthly        int64 `json:"monthly"`
	YearlyPerMonth int64 `json:"yearly_per_month"`
	YearlyTotal    int64 `json:"yearly_total"`
}

var planLimits = map[Plan]Limits{
	PlanFree: {
		DocsPerMonth: 3,
		Watermark:    true,
		DocTypes:     3,
		TeamSeats:    1,
	},
	PlanStarter: {
		DocsPerMonth:   20,
		AIEnabled:      true,
		DocTypes:       8,
		ShareLinks:     true,
		TeamSeats:      1,
		CustomBranding: true,
	},
	PlanPro: {
		DocsPerMonth:   Unlimited,
		AIEnabled:      true,
		DocTypes:       8,
		ShareLinks:     true,
		TeamSeats:      3,
		CustomBranding: true,
	},
	PlanBusiness: {
		DocsPerMonth:    Unlimited,
		AIEnabled:       true,
		DocTypes:        8,
		ShareLinks:      true,
		TeamSeats:       Unlimited,
		APIAccess:       true,
		CustomBranding:  true,
		PrioritySupport: true,
	},
}

var planPrices = map[Plan]Price{
	PlanStarter:  {Monthly: 499, YearlyPerMonth: 374, YearlyTotal: 4499},
	PlanPro:      {Monthly: 999, YearlyPerMonth: 749, YearlyTotal: 8999},
	PlanBusiness: {Monthly: 1999, YearlyPerMonth: 1499, YearlyTotal: 17999},
}

// Normalize maps any input onto a known plan. Unknown values fall back to free.
func Normalize(plan string) Plan {
	switch Plan(strings.ToUpper(strings.TrimSpace(plan))) {
	case PlanStarter:
		return PlanStarter
	case PlanPro:
		return PlanPro
	case PlanBusiness:
		return PlanBusiness
	default:
		return PlanFree
	}
}

// ParsePaid accepts only purchasable plans.
func ParsePaid(plan string) (Plan, bool) {
	p := Normalize(plan)
	if p == PlanFree || !strings.EqualFold(strings.TrimSpace(plan), string(p)) {
		return "", false
	}
	return p, true
}

// Rank orders plans FREE < STARTER < PRO < BUSINESS.
func Rank(plan Plan) int {
	switch plan {
	case PlanBusiness:
		return 3
	case PlanPro:
		return 2
	case PlanStarter:
		return 1
	default:
		return 0
	}
}

func IsPaid(plan Plan) bool {
	return Rank(plan) > 0
}

// DisplayName renders "PRO" as "Pro".
func DisplayName(plan Plan) string {
	s := string(Normalize(string(plan)))
	return s[:1] + strings.ToLower(s[1:])
}

func LimitsFor(plan Plan) Limits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return planLimits[PlanFree]
}

func PriceFor(plan Plan) (Price, bool) {
	p, ok := planPrices[plan]
	return p, ok
}

// WithinDocLimit reports whether another document fits the monthly allowance.
func WithinDocLimit(plan Plan, usedThisMonth int) bool {
	limit := LimitsFor(plan).DocsPerMonth
	if limit == Unlimited {
		return true
	}
	return usedThisMonth < limit
}

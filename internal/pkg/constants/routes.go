package constants

// Billing route constants
const (
	APIRoute                 = "/api"
	BillingGroup             = "/billing"
	BillingCheckoutRoute     = "/checkout"
	BillingCancelRoute       = "/cancel"
	BillingPortalRoute       = "/portal"
	BillingSubscriptionRoute = "/subscription"
	// Full path, registered outside the rate limited /api group
	BillingWebhookRoute = APIRoute + BillingGroup + "/webhook"
)

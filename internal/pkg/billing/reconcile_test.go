package billing

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/SubLedger/app/models"
	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubLedger/internal/pkg/metrics"
)

func activatedBody(subID, planID string, userID uint) string {
	return fmt.Sprintf(`{"event":"subscription.activated","payload":{"subscription":{"entity":{
		"id":%q,"plan_id":%q,"status":"active","current_start":1772366400,"current_end":1775044800,
		"notes":{"userId":"%d","userEmail":"notes@example.com","plan":"PRO","interval":"MONTHLY"}}}}}`, subID, planID, userID)
}

func chargedBody(subID, paymentID, invoiceID string, amount int64) string {
	return fmt.Sprintf(`{"event":"subscription.charged","payload":{
		"subscription":{"entity":{"id":%q,"current_start":1772366400,"current_end":1775044800}},
		"payment":{"entity":{"id":%q,"order_id":"order_1","invoice_id":%q,"amount":%d,"currency":"INR"}}}}`,
		subID, paymentID, invoiceID, amount)
}

func subscriptionEventBody(event, subID string) string {
	return fmt.Sprintf(`{"event":%q,"payload":{"subscription":{"entity":{"id":%q}}}}`, event, subID)
}

func TestWebhook_CancelledDetachesSubscription(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")
	env.createSubscription(t, &models.Subscription{
		UserID:                 user.ID,
		Plan:                   models.PlanPro,
		Status:                 models.SubscriptionStatusActive,
		ExternalSubscriptionID: strPtr("sub_1"),
		ExternalPlanID:         strPtr("plan_pro_m"),
		CancelAtPeriodEnd:      true,
	})

	res, err := env.deliver(t, `{"event":"subscription.cancelled","payload":{"subscription":{"entity":{"id":"sub_1"}}}}`)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, res.Outcome)

	sub := env.reloadSubscription(t, user.ID)
	assert.Equal(t, models.PlanFree, sub.Plan)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
	assert.Nil(t, sub.ExternalSubscriptionID)
	assert.Nil(t, sub.ExternalPlanID)
	assert.False(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CanceledAt)
	assert.Contains(t, env.cache.invalidated, user.ID)
}

func TestWebhook_CompletedDetachesWithoutCanceledAt(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")
	env.createSubscription(t, &models.Subscription{
		UserID:                 user.ID,
		Plan:                   models.PlanStarter,
		Status:                 models.SubscriptionStatusActive,
		ExternalSubscriptionID: strPtr("sub_done"),
	})

	_, err := env.deliver(t, subscriptionEventBody(EventSubscriptionCompleted, "sub_done"))
	require.NoError(t, err)

	sub := env.reloadSubscription(t, user.ID)
	assert.Equal(t, models.PlanFree, sub.Plan)
	assert.Equal(t, models.SubscriptionStatusCompleted, sub.Status)
	assert.Nil(t, sub.ExternalSubscriptionID)
	assert.Nil(t, sub.CanceledAt)
}

func TestWebhook_CancelledForUnknownSubscriptionIsIgnored(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.deliver(t, subscriptionEventBody(EventSubscriptionCancelled, "sub_nobody"))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeIgnored, res.Outcome)
}

func TestWebhook_ActivatedCreatesRowAndSendsWelcome(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")

	res, err := env.deliver(t, activatedBody("sub_a", "plan_pro_m", user.ID))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, res.Outcome)

	sub := env.reloadSubscription(t, user.ID)
	assert.Equal(t, models.PlanPro, sub.Plan)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.ExternalSubscriptionID)
	assert.Equal(t, "sub_a", *sub.ExternalSubscriptionID)
	require.NotNil(t, sub.ExternalPlanID)
	assert.Equal(t, "plan_pro_m", *sub.ExternalPlanID)
	assert.Equal(t, "notes@example.com", sub.CustomerEmail)
	require.NotNil(t, sub.CurrentPeriodStart)
	assert.Equal(t, int64(1772366400), sub.CurrentPeriodStart.Unix())
	require.NotNil(t, sub.CurrentPeriodEnd)

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, sentMail{Kind: "welcome", To: "asha@example.com", Name: "Asha", Plan: entitlements.PlanPro}, env.notifier.sent[0])
}

func TestWebhook_ActivatedOverwritesCanceledRow(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "", "asha@example.com")
	canceledAt := testNow.AddDate(0, -1, 0)
	env.createSubscription(t, &models.Subscription{
		UserID:            user.ID,
		Plan:              models.PlanFree,
		Status:            models.SubscriptionStatusCanceled,
		CanceledAt:        &canceledAt,
		CancelAtPeriodEnd: true,
	})

	_, err := env.deliver(t, activatedBody("sub_b", "plan_business_m", user.ID))
	require.NoError(t, err)

	sub := env.reloadSubscription(t, user.ID)
	assert.Equal(t, models.PlanBusiness, sub.Plan)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.CanceledAt)
	assert.False(t, sub.CancelAtPeriodEnd)

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, "there", env.notifier.sent[0].Name)
}

func TestWebhook_ActivatedWithUnknownPlanFallsBackToStarter(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")

	res, err := env.deliver(t, activatedBody("sub_c", "plan_legacy", user.ID))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, res.Outcome)

	sub := env.reloadSubscription(t, user.ID)
	assert.Equal(t, models.PlanStarter, sub.Plan)
	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, entitlements.PlanStarter, env.notifier.sent[0].Plan)
}

func TestWebhook_ActivatedWithoutUserIDIsIgnored(t *testing.T) {
	env := newTestEnv(t)

	for _, notes := range []string{`{}`, `{"userId":"abc"}`, `[]`} {
		body := `{"event":"subscription.activated","payload":{"subscription":{"entity":{"id":"sub_x","plan_id":"plan_pro_m","notes":` + notes + `}}}}`
		res, err := env.deliver(t, body)
		require.NoError(t, err, notes)
		assert.Equal(t, metrics.OutcomeIgnored, res.Outcome, notes)
	}

	var n int64
	require.NoError(t, env.db.Model(&models.Subscription{}).Count(&n).Error)
	assert.Zero(t, n)
	assert.Empty(t, env.notifier.sent)
}

func TestWebhook_ActivatedForMissingUserIsAFailure(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.deliver(t, activatedBody("sub_ghost", "plan_pro_m", 31337))
	require.Error(t, err)
	assert.Equal(t, KindReconciliationFailure, KindOf(err))
	assert.Equal(t, MsgProcessingError, PublicMessage(err))
	require.NotNil(t, res)
	assert.Equal(t, metrics.OutcomeFailed, res.Outcome)

	var logged models.BillingWebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", res.EventID).First(&logged).Error)
	assert.NotEmpty(t, logged.ProcessingError)
	assert.NotNil(t, logged.ProcessedAt)
}

func TestWebhook_ChargedTwiceRecordsOnePayment(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")
	env.createSubscription(t, &models.Subscription{
		UserID:                 user.ID,
		Plan:                   models.PlanPro,
		Status:                 models.SubscriptionStatusPastDue,
		ExternalSubscriptionID: strPtr("sub_1"),
	})

	body := chargedBody("sub_1", "pay_1", "inv_1", 99900)
	first, err := env.deliver(t, body)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, first.Outcome)

	second, err := env.deliver(t, body)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDuplicate, second.Outcome)

	assert.Equal(t, int64(1), env.countPayments(t))

	var p models.Payment
	require.NoError(t, env.db.First(&p).Error)
	assert.Equal(t, int64(99900), p.Amount)
	assert.Equal(t, "INR", p.Currency)
	assert.Equal(t, models.PaymentStatusPaid, p.Status)
	require.NotNil(t, p.ExternalInvoiceID)
	assert.Equal(t, "inv_1", *p.ExternalInvoiceID)
	require.NotNil(t, p.PaidAt)
	assert.True(t, p.PaidAt.Equal(testNow))

	sub := env.reloadSubscription(t, user.ID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, p.SubscriptionID, sub.ID)
}

func TestWebhook_ChargedWithoutInvoiceUsesPaymentID(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")
	env.createSubscription(t, &models.Subscription{UserID: user.ID, Plan: models.PlanPro, Status: models.SubscriptionStatusActive, ExternalSubscriptionID: strPtr("sub_1")})

	body := `{"event":"subscription.charged","payload":{"subscription":{"entity":{"id":"sub_1"}},"payment":{"entity":{"id":"pay_9"}}}}`
	_, err := env.deliver(t, body)
	require.NoError(t, err)
	res, err := env.deliver(t, body)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeDuplicate, res.Outcome)

	var p models.Payment
	require.NoError(t, env.db.First(&p).Error)
	assert.Equal(t, int64(0), p.Amount)
	assert.Equal(t, "INR", p.Currency)
	assert.Equal(t, int64(1), env.countPayments(t))
}

func TestWebhook_ChargedForUnknownSubscriptionIsIgnored(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.deliver(t, chargedBody("sub_unknown", "pay_1", "inv_1", 100))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeIgnored, res.Outcome)
	assert.Zero(t, env.countPayments(t))
}

func TestWebhook_HaltedMarksPastDueAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")
	env.createSubscription(t, &models.Subscription{UserID: user.ID, Plan: models.PlanPro, Status: models.SubscriptionStatusActive, ExternalSubscriptionID: strPtr("sub_1")})

	res, err := env.deliver(t, subscriptionEventBody(EventSubscriptionHalted, "sub_1"))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, res.Outcome)

	sub := env.reloadSubscription(t, user.ID)
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, models.PlanPro, sub.Plan)

	var p models.Payment
	require.NoError(t, env.db.First(&p).Error)
	assert.Equal(t, models.PaymentStatusFailed, p.Status)
	assert.Equal(t, int64(0), p.Amount)
	require.NotNil(t, p.FailureReason)
	assert.Equal(t, "Subscription halted after multiple failed retries", *p.FailureReason)

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, sentMail{Kind: "payment_failed", To: "asha@example.com", Name: "Asha", RetryCount: 1}, env.notifier.sent[0])
}

func TestWebhook_HaltedFallsBackToNotesEmail(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "", "placeholder@example.com")
	require.NoError(t, env.db.Model(user).Update("email", "").Error)
	env.createSubscription(t, &models.Subscription{UserID: user.ID, Plan: models.PlanPro, Status: models.SubscriptionStatusActive, ExternalSubscriptionID: strPtr("sub_1")})

	body := `{"event":"subscription.halted","payload":{"subscription":{"entity":{"id":"sub_1","notes":{"userEmail":"billing@example.com"}}}}}`
	_, err := env.deliver(t, body)
	require.NoError(t, err)

	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, "billing@example.com", env.notifier.sent[0].To)
	assert.Equal(t, "there", env.notifier.sent[0].Name)
}

func TestWebhook_NotifierFailureDoesNotFailReconciliation(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")
	env.notifier.err = assert.AnError

	res, err := env.deliver(t, activatedBody("sub_a", "plan_pro_m", user.ID))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, res.Outcome)
}

func TestWebhook_LifecycleOrdering(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")

	_, err := env.deliver(t, activatedBody("sub_l", "plan_starter_y", user.ID))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, env.reloadSubscription(t, user.ID).Status)

	_, err = env.deliver(t, subscriptionEventBody(EventSubscriptionHalted, "sub_l"))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, env.reloadSubscription(t, user.ID).Status)

	_, err = env.deliver(t, subscriptionEventBody(EventSubscriptionCancelled, "sub_l"))
	require.NoError(t, err)
	sub := env.reloadSubscription(t, user.ID)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
	assert.Equal(t, models.PlanFree, sub.Plan)

	// a late charge for the detached subscription changes nothing
	res, err := env.deliver(t, chargedBody("sub_l", "pay_late", "inv_late", 49900))
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeIgnored, res.Outcome)
	assert.Equal(t, models.SubscriptionStatusCanceled, env.reloadSubscription(t, user.ID).Status)
}

func TestWebhook_UpdatedChangesPlanOnlyWhenResolved(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "Asha", "asha@example.com")
	env.createSubscription(t, &models.Subscription{
		UserID:                 user.ID,
		Plan:                   models.PlanStarter,
		Status:                 models.SubscriptionStatusActive,
		ExternalSubscriptionID: strPtr("sub_u"),
		ExternalPlanID:         strPtr("plan_starter_m"),
	})

	res, err := env.deliver(t, `{"event":"subscription.updated","payload":{"subscription":{"entity":{"id":"sub_u","plan_id":"plan_mystery"}}}}`)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeIgnored, res.Outcome)
	assert.Equal(t, models.PlanStarter, env.reloadSubscription(t, user.ID).Plan)

	res, err = env.deliver(t, `{"event":"subscription.updated","payload":{"subscription":{"entity":{"id":"sub_u","plan_id":"plan_pro_y"}}}}`)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeApplied, res.Outcome)

	sub := env.reloadSubscription(t, user.ID)
	assert.Equal(t, models.PlanPro, sub.Plan)
	require.NotNil(t, sub.ExternalPlanID)
	assert.Equal(t, "plan_pro_y", *sub.ExternalPlanID)
}

func TestWebhook_UnknownEventIsAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.deliver(t, `{"event":"payment.authorized","payload":{}}`)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeIgnored, res.Outcome)
	assert.Equal(t, "payment.authorized", res.Event)
}

func TestWebhook_RejectsBadSignatureBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte(`{"event":"subscription.cancelled","payload":{"subscription":{"entity":{"id":"sub_1"}}}}`)

	for _, sig := range []string{"", "deadbeef", SignWebhookPayload(payload, "other-secret")} {
		_, err := env.svc.ProcessWebhook(context.Background(), WebhookDelivery{Payload: payload, Signature: sig})
		require.Error(t, err)
		assert.Equal(t, KindSignatureInvalid, KindOf(err))
		assert.Equal(t, MsgInvalidSignature, PublicMessage(err))
	}

	var n int64
	require.NoError(t, env.db.Model(&models.BillingWebhookEvent{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestWebhook_RejectsNonObjectBody(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{`not json`, `[1,2]`, `"x"`, `null`} {
		_, err := env.deliver(t, body)
		require.Error(t, err, body)
		assert.Equal(t, KindMalformedPayload, KindOf(err), body)
		assert.Equal(t, MsgInvalidJSON, PublicMessage(err), body)
	}
}

func TestWebhook_RepeatedEventIDIsLoggedOnce(t *testing.T) {
	env := newTestEnv(t)
	m := metrics.NewBilling(prometheus.NewRegistry())
	env.svc.metrics = m
	user := env.createUser(t, "Asha", "asha@example.com")
	env.createSubscription(t, &models.Subscription{UserID: user.ID, Plan: models.PlanPro, Status: models.SubscriptionStatusActive, ExternalSubscriptionID: strPtr("sub_1")})

	payload := []byte(chargedBody("sub_1", "pay_1", "inv_1", 99900))
	delivery := WebhookDelivery{
		Payload:   payload,
		Signature: SignWebhookPayload(payload, testWebhookSecret),
		EventID:   "evt_fixed",
	}

	first, err := env.svc.ProcessWebhook(context.Background(), delivery)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, "evt_fixed", first.EventID)

	second, err := env.svc.ProcessWebhook(context.Background(), delivery)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, metrics.OutcomeDuplicate, second.Outcome)

	var n int64
	require.NoError(t, env.db.Model(&models.BillingWebhookEvent{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), env.countPayments(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookRedelivery.WithLabelValues("subscription.charged")))
}

func TestWebhook_GeneratesEventIDWhenHeaderMissing(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.deliver(t, `{"event":"payment.captured"}`)
	require.NoError(t, err)
	assert.Regexp(t, `^gen-[0-9a-f-]{36}$`, res.EventID)

	var logged models.BillingWebhookEvent
	require.NoError(t, env.db.Where("provider_event_id = ?", res.EventID).First(&logged).Error)
	assert.Equal(t, models.BillingProviderRazorpay, logged.Provider)
	assert.Equal(t, "payment.captured", logged.EventType)
	assert.Empty(t, logged.ProcessingError)
}

package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/SubLedger/app/models"
	"github.com/ManuelReschke/SubLedger/app/repository"
	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
)

const testWebhookSecret = "whsec-test"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Subscription{},
		&models.Payment{},
		&models.BillingWebhookEvent{},
	))
	return db
}

type fakeGateway struct {
	mu        sync.Mutex
	created   []CreateSubscriptionParams
	cancelled []cancelCall
	createErr error
	cancelErr error
	seq       int
}

type cancelCall struct {
	ID         string
	AtCycleEnd bool
}

func (g *fakeGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	g.created = append(g.created, params)
	return &GatewaySubscription{ID: fmt.Sprintf("sub_new_%d", g.seq), PlanID: params.PlanID, Status: "created"}, nil
}

func (g *fakeGateway) CancelSubscription(ctx context.Context, subscriptionID string, atCycleEnd bool) (*GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	g.cancelled = append(g.cancelled, cancelCall{ID: subscriptionID, AtCycleEnd: atCycleEnd})
	return &GatewaySubscription{ID: subscriptionID, Status: "cancelled"}, nil
}

type sentMail struct {
	Kind       string
	To         string
	Name       string
	Plan       entitlements.Plan
	RetryCount int
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (n *fakeNotifier) SendWelcome(ctx context.Context, to, name string, plan entitlements.Plan) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{Kind: "welcome", To: to, Name: name, Plan: plan})
	return n.err
}

func (n *fakeNotifier) SendPaymentFailed(ctx context.Context, to, name string, retryCount int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{Kind: "payment_failed", To: to, Name: name, RetryCount: retryCount})
	return n.err
}

type memoryPlanCache struct {
	plans       map[uint]string
	invalidated []uint
	failReads   bool
}

func newMemoryPlanCache() *memoryPlanCache {
	return &memoryPlanCache{plans: map[uint]string{}}
}

func (c *memoryPlanCache) GetPlan(ctx context.Context, userID uint) (string, bool, error) {
	if c.failReads {
		return "", false, errors.New("cache down")
	}
	p, ok := c.plans[userID]
	return p, ok, nil
}

func (c *memoryPlanCache) SetPlan(ctx context.Context, userID uint, plan string) error {
	c.plans[userID] = plan
	return nil
}

func (c *memoryPlanCache) Invalidate(ctx context.Context, userID uint) error {
	delete(c.plans, userID)
	c.invalidated = append(c.invalidated, userID)
	return nil
}

type testEnv struct {
	db       *gorm.DB
	svc      *Service
	gateway  *fakeGateway
	notifier *fakeNotifier
	cache    *memoryPlanCache
}

func testConfig() Config {
	return Config{
		KeyID:         "rzp_test_key",
		KeySecret:     "secret",
		WebhookSecret: testWebhookSecret,
		PlanIDs: map[entitlements.Plan]map[string]string{
			entitlements.PlanStarter:  {models.BillingIntervalMonthly: "plan_starter_m", models.BillingIntervalYearly: "plan_starter_y"},
			entitlements.PlanPro:      {models.BillingIntervalMonthly: "plan_pro_m", models.BillingIntervalYearly: "plan_pro_y"},
			entitlements.PlanBusiness: {models.BillingIntervalMonthly: "plan_business_m"},
		},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	env := &testEnv{
		db:       db,
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
		cache:    newMemoryPlanCache(),
	}
	env.svc = NewService(testConfig(), Options{
		Repository: NewRepository(db),
		Users:      repository.NewUserRepository(db),
		Gateway:    env.gateway,
		Notifier:   env.notifier,
		PlanCache:  env.cache,
		Now:        func() time.Time { return testNow },
	})
	return env
}

func (e *testEnv) createUser(t *testing.T, name, email string) *models.User {
	t.Helper()
	u := &models.User{Name: name, Email: email}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) createSubscription(t *testing.T, sub *models.Subscription) *models.Subscription {
	t.Helper()
	require.NoError(t, e.db.Create(sub).Error)
	return sub
}

func (e *testEnv) reloadSubscription(t *testing.T, userID uint) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, e.db.Where("user_id = ?", userID).First(&sub).Error)
	return &sub
}

func (e *testEnv) countPayments(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.Payment{}).Count(&n).Error)
	return n
}

// deliver signs body and runs it through the full webhook pipeline.
func (e *testEnv) deliver(t *testing.T, body string) (*WebhookResult, error) {
	t.Helper()
	payload := []byte(strings.TrimSpace(body))
	return e.svc.ProcessWebhook(context.Background(), WebhookDelivery{
		Payload:   payload,
		Signature: SignWebhookPayload(payload, testWebhookSecret),
	})
}

func strPtr(s string) *string {
	return &s
}

package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
)

type sentEmail struct {
	Kind       string
	To         string
	Name       string
	Plan       entitlements.Plan
	RetryCount int
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (m *fakeMailer) SendWelcome(_ context.Context, to, name string, plan entitlements.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentEmail{Kind: EmailWelcome, To: to, Name: name, Plan: plan})
	return nil
}

func (m *fakeMailer) SendPaymentFailed(_ context.Context, to, name string, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentEmail{Kind: EmailPaymentFailed, To: to, Name: name, RetryCount: retryCount})
	return nil
}

func (m *fakeMailer) Sent() []sentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentEmail(nil), m.sent...)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

// waitFor polls condition until it holds or timeout passes.
func waitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubLedger/internal/pkg/metrics"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.RetryBackoff)
	assert.Equal(t, time.Minute, cfg.JobTimeout)
	assert.Equal(t, 10*time.Minute, cfg.StuckAfter)

	cfg = Config{Workers: 5, MaxRetries: 1}.withDefaults()
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 1, cfg.MaxRetries)
}

func TestNotifier_EnqueuesInsteadOfSending(t *testing.T) {
	_, client := newTestRedis(t)
	mailer := &fakeMailer{}
	q := NewQueue(client, mailer, Config{})
	n := NewNotifier(q)
	ctx := context.Background()

	require.NoError(t, n.SendWelcome(ctx, "asha@example.com", "Asha", entitlements.PlanPro))
	require.NoError(t, n.SendPaymentFailed(ctx, "asha@example.com", "Asha", 1))

	assert.Empty(t, mailer.Sent())
	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[JobStatusPending])
}

func TestNotifier_ReportsRedisFailure(t *testing.T) {
	mr, client := newTestRedis(t)
	n := NewNotifier(NewQueue(client, &fakeMailer{}, Config{}))
	mr.Close()

	assert.Error(t, n.SendWelcome(context.Background(), "asha@example.com", "Asha", entitlements.PlanPro))
}

func TestProcessJob_DeliversAndCleansUp(t *testing.T) {
	mr, client := newTestRedis(t)
	mailer := &fakeMailer{}
	m := metrics.NewBilling(prometheus.NewRegistry())
	q := NewQueue(client, mailer, Config{Metrics: m})
	ctx := context.Background()

	require.NoError(t, NewNotifier(q).SendWelcome(ctx, "asha@example.com", "Asha", entitlements.PlanBusiness))

	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)

	q.processJob(ctx, job)

	assert.Equal(t, []sentEmail{{Kind: EmailWelcome, To: "asha@example.com", Name: "Asha", Plan: entitlements.PlanBusiness}}, mailer.Sent())
	assert.False(t, mr.Exists(JobKeyPrefix+job.ID))
	processing, err = q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EmailDeliveries.WithLabelValues(EmailWelcome, "ok")))
}

func TestProcessJob_RetriesWithBackoffThenGivesUp(t *testing.T) {
	_, client := newTestRedis(t)
	mailer := &fakeMailer{err: errors.New("smtp: i/o timeout")}
	m := metrics.NewBilling(prometheus.NewRegistry())
	q := NewQueue(client, mailer, Config{MaxRetries: 2, RetryBackoff: time.Hour, Metrics: m})
	ctx := context.Background()

	require.NoError(t, NewNotifier(q).SendPaymentFailed(ctx, "asha@example.com", "there", 1))

	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "smtp: i/o timeout", stored.ErrorMsg)

	delayed, err := q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	// Not due yet.
	moved, err := q.promoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, moved)

	moved, err = q.promoteDue(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	job, err = q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	stored, err = q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)

	delayed, err = q.GetDelayedSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, delayed)
	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusFailed])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EmailDeliveries.WithLabelValues(EmailPaymentFailed, "error")))
}

func TestProcessJob_UnknownKindFails(t *testing.T) {
	_, client := newTestRedis(t)
	mailer := &fakeMailer{}
	q := NewQueue(client, mailer, Config{MaxRetries: 1})
	ctx := context.Background()

	_, err := q.EnqueueJob(ctx, JobTypeBillingEmail, map[string]interface{}{"kind": "newsletter", "to": "a@example.com"})
	require.NoError(t, err)

	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "newsletter")
	assert.Empty(t, mailer.Sent())
}

func TestRecoverStuck_RequeuesAbandonedJobs(t *testing.T) {
	_, client := newTestRedis(t)
	q := NewQueue(client, &fakeMailer{}, Config{StuckAfter: time.Minute})
	ctx := context.Background()
	n := NewNotifier(q)

	require.NoError(t, n.SendWelcome(ctx, "old@example.com", "Old", entitlements.PlanPro))
	require.NoError(t, n.SendWelcome(ctx, "fresh@example.com", "Fresh", entitlements.PlanPro))

	// Simulate two workers that crashed after picking up a job.
	old, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	old.MarkAsProcessing()
	old.UpdatedAt = time.Now().Add(-time.Hour)
	q.updateJob(ctx, old)

	fresh, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	fresh.MarkAsProcessing()
	q.updateJob(ctx, fresh)

	recovered, err := q.recoverStuck(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)

	stored, err := q.GetJob(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Equal(t, "recovered by sweeper", stored.ErrorMsg)
}

func TestRecoverStuck_DropsEntriesWithoutData(t *testing.T) {
	mr, client := newTestRedis(t)
	q := NewQueue(client, &fakeMailer{}, Config{})
	ctx := context.Background()

	_, err := mr.Lpush(JobProcessingKey, "ghost")
	require.NoError(t, err)

	recovered, err := q.recoverStuck(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, recovered)
	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)
}

func TestQueue_WorkersDeliverInBackground(t *testing.T) {
	_, client := newTestRedis(t)
	mailer := &fakeMailer{}
	q := NewQueue(client, mailer, Config{Workers: 2})
	q.Start()
	assert.True(t, q.IsRunning())

	n := NewNotifier(q)
	require.NoError(t, n.SendWelcome(context.Background(), "asha@example.com", "Asha", entitlements.PlanStarter))
	require.NoError(t, n.SendPaymentFailed(context.Background(), "ravi@example.com", "Ravi", 1))

	assert.True(t, waitFor(func() bool { return len(mailer.Sent()) == 2 }, 5*time.Second))

	q.Stop()
	assert.False(t, q.IsRunning())
	q.Stop()
}

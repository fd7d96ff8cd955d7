package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/SubLedger/internal/pkg/entitlements"
	"github.com/ManuelReschke/SubLedger/internal/pkg/metrics"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobDelayedKey    = "job_delayed"
	JobStatsKey      = "job_stats"

	// Job settings
	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours
)

// Mailer renders and sends the billing emails.
type Mailer interface {
	SendWelcome(ctx context.Context, to, name string, plan entitlements.Plan) error
	SendPaymentFailed(ctx context.Context, to, name string, retryCount int) error
}

// Config tunes a Queue. Zero values pick the defaults.
type Config struct {
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration // multiplied by the attempt number
	JobTimeout   time.Duration
	StuckAfter   time.Duration
	SweepEvery   time.Duration
	Metrics      *metrics.Billing
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 10 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 15 * time.Second
	}
	return c
}

// Queue manages background jobs using Redis
type Queue struct {
	client  *redis.Client
	mailer  Mailer
	cfg     Config
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewQueue creates a new job queue
func NewQueue(client *redis.Client, mailer Mailer, cfg Config) *Queue {
	return &Queue{
		client: client,
		mailer: mailer,
		cfg:    cfg.withDefaults(),
	}
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.cfg.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	// Promotes due retries and recovers jobs stuck in processing due to crashes
	q.wg.Add(1)
	go q.sweeper(ctx)
}

// Stop stops the job queue workers. A job already being delivered is
// finished first.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	q.cancel()
	q.running = false
	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// IsRunning returns whether the workers are running
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) sweeper(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("[JobQueue] Sweeper stopping")
			return
		case now := <-ticker.C:
			if _, err := q.promoteDue(ctx, now); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Promoting delayed jobs failed: %v", err)
			}
			if _, err := q.recoverStuck(ctx, now); err != nil && ctx.Err() == nil {
				log.Errorf("[JobQueue] Recovering stuck jobs failed: %v", err)
			}
		}
	}
}

// promoteDue moves retries whose backoff has elapsed back onto the queue.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		// ZRem decides which process owns the promotion.
		n, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
		if err != nil {
			return moved, err
		}
		if n == 0 {
			continue
		}
		if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// recoverStuck requeues jobs that sat in processing longer than StuckAfter.
func (q *Queue) recoverStuck(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Job data missing or corrupt; remove from processing list
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper could not read %s: %v", id, err)
			}
			q.removeFromProcessing(ctx, id)
			continue
		}
		if job.Status == JobStatusCompleted || job.Status == JobStatusFailed {
			q.removeFromProcessing(ctx, id)
			continue
		}
		// A worker touches UpdatedAt when it picks the job up.
		age := now.Sub(job.UpdatedAt)
		if age <= q.cfg.StuckAfter {
			continue
		}
		log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, age)
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job)
		q.removeFromProcessing(ctx, id)
		if err := q.client.RPush(ctx, JobQueueKey, id).Err(); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
		}

		job, err := q.dequeueJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
				time.Sleep(time.Second)
			}
			continue
		}

		log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
		// Detached from ctx so Stop lets the current delivery finish.
		q.processJob(context.Background(), job)
	}
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: q.cfg.MaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	jobKey := JobKeyPrefix + job.ID

	// Use a pipeline for atomic operations
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		// Job data expired or corrupt, drop it from processing
		q.removeFromProcessing(ctx, jobID)
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	var err error
	switch job.Type {
	case JobTypeBillingEmail:
		err = q.processBillingEmailJob(ctx, job)
	default:
		err = fmt.Errorf("unknown job type: %s", job.Type)
	}

	if err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		if job.IsRetryable() {
			delay := q.cfg.RetryBackoff * time.Duration(job.RetryCount)
			log.Infof("[JobQueue] Retrying job %s in %s (Attempt %d/%d)", job.ID, delay, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)
			due := float64(time.Now().Add(delay).Unix())
			if zerr := q.client.ZAdd(ctx, JobDelayedKey, redis.Z{Score: due, Member: job.ID}).Err(); zerr != nil {
				log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", job.ID, zerr)
			}
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d retries", job.ID, job.RetryCount)
			q.updateJob(ctx, job)
			q.updateJobStats(ctx, JobStatusFailed, 1)
		}
	} else {
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.removeCompletedJob(ctx, job.ID)
	}

	q.removeFromProcessing(ctx, job.ID)
}

func (q *Queue) processBillingEmailJob(ctx context.Context, job *Job) error {
	if q.mailer == nil {
		return fmt.Errorf("no mailer configured")
	}
	p, err := BillingEmailJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("decode billing email payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()

	switch p.Kind {
	case EmailWelcome:
		err = q.mailer.SendWelcome(ctx, p.To, p.Name, entitlements.Normalize(p.Plan))
	case EmailPaymentFailed:
		err = q.mailer.SendPaymentFailed(ctx, p.To, p.Name, p.RetryCount)
	default:
		return fmt.Errorf("unknown billing email kind %q", p.Kind)
	}
	q.cfg.Metrics.EmailDelivery(p.Kind, err)
	return err
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	jobKey := JobKeyPrefix + job.ID
	if err := q.client.Set(ctx, jobKey, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			result[JobStatus(status)] = n
		}
	}

	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

// GetDelayedSize returns the number of jobs waiting for a retry
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}

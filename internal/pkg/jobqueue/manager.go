package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubLedger/internal/pkg/metrics"
)

// Manager runs the queue together with its periodic background tasks
type Manager struct {
	queue       *Queue
	metrics     *metrics.Billing
	statsEvery  time.Duration
	statsTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewManager wraps queue. statsEvery defaults to 30 seconds.
func NewManager(queue *Queue, m *metrics.Billing, statsEvery time.Duration) *Manager {
	if statsEvery <= 0 {
		statsEvery = 30 * time.Second
	}
	return &Manager{
		queue:      queue,
		metrics:    m,
		statsEvery: statsEvery,
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	log.Info("[JobQueue Manager] Starting job queue and background tasks")
	m.queue.Start()

	m.stopCh = make(chan struct{})
	m.statsTicker = time.NewTicker(m.statsEvery)
	m.wg.Add(1)
	go m.statsWorker()

	m.running = true
	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")
	m.statsTicker.Stop()
	close(m.stopCh)
	m.wg.Wait()
	m.queue.Stop()
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// statsWorker publishes the queue depth so a stalled mail server shows up
// on dashboards before customers notice.
func (m *Manager) statsWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Stats worker stopping")
			return
		case <-m.statsTicker.C:
			if err := m.publishStatsOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Stats error: %v", err)
			}
		}
	}
}

func (m *Manager) publishStatsOnce(ctx context.Context) error {
	pending, err := m.queue.GetQueueSize(ctx)
	if err != nil {
		return err
	}
	processing, err := m.queue.GetProcessingSize(ctx)
	if err != nil {
		return err
	}
	m.metrics.EmailQueue(pending, processing)
	if pending > 0 || processing > 0 {
		log.Debugf("[JobQueue Manager] %d pending, %d processing", pending, processing)
	}
	return nil
}

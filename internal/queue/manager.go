// Package queue implements the retry scheduler: a due-time task queue and an
// autoscaled worker pool that re-enters the orchestrator's repair path.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/config"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/store"
)

// Repairer re-runs the single-marketplace operation of a due task.
type Repairer interface {
	Repair(ctx context.Context, t model.RetryTask) error
}

// Manager coordinates workers processing due retry tasks and scaling.
type Manager struct {
	cfg    config.Config
	q      *Queue
	rep    Repairer
	ledger store.Ledger
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	workerCancels []context.CancelFunc
}

// NewManager constructs a Manager. ledger is used to recover persisted tasks
// and may be nil.
func NewManager(cfg config.Config, q *Queue, rep Repairer, ledger store.Ledger) *Manager {
	return &Manager{cfg: cfg, q: q, rep: rep, ledger: ledger}
}

// Start begins processing and autoscaling in the background.
func (m *Manager) Start(parent context.Context) {
	m.ctx, m.cancel = context.WithCancel(parent)
	m.q.Start(m.ctx, m.cfg.QueueHighWatermark, m.cfg.Retry.PollInterval)
	m.addWorkers(m.cfg.InitialWorkerCount)
	go m.scaler()
}

// Recover enqueues every retry task persisted in the ledger, so retries
// scheduled before a restart are not lost.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.ledger == nil {
		return 0, nil
	}
	tasks, err := m.ledger.RetryTasks(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		m.q.Enqueue(t)
	}
	obs.Logger.Info("retry tasks recovered", "count", len(tasks))
	return len(tasks), nil
}

// Stop cancels background routines and stops workers.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	for _, c := range m.workerCancels {
		c()
	}
	m.workerCancels = nil
	m.mu.Unlock()
}

// scaler adjusts worker count based on backlog and configuration.
func (m *Manager) scaler() {
	t := time.NewTicker(m.cfg.ScaleInterval)
	defer t.Stop()
	idleTicks := 0
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			obs.SetRetryBacklog(m.q.BacklogSize())
			busy := m.q.InFlight()
			wc := m.WorkerCount()
			if busy > wc*m.cfg.ScaleUpBacklogPerWorker && wc < m.cfg.WorkerMax {
				m.addWorkers(1)
				idleTicks = 0
				continue
			}
			if busy == 0 {
				idleTicks++
				if idleTicks >= m.cfg.ScaleDownIdleTicks && wc > m.cfg.WorkerMin {
					m.removeWorkers(1)
					idleTicks = 0
				}
			} else {
				idleTicks = 0
			}
		}
	}
}

// addWorkers spawns n workers.
func (m *Manager) addWorkers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		wctx, cancel := context.WithCancel(m.ctx)
		m.workerCancels = append(m.workerCancels, cancel)
		go m.worker(wctx)
	}
	obs.Logger.Info("workers scaled", "worker_count", len(m.workerCancels))
}

// removeWorkers stops up to n workers.
func (m *Manager) removeWorkers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.workerCancels) {
		n = len(m.workerCancels)
	}
	for i := 0; i < n; i++ {
		c := m.workerCancels[len(m.workerCancels)-1]
		m.workerCancels = m.workerCancels[:len(m.workerCancels)-1]
		c()
	}
	obs.Logger.Info("workers scaled", "worker_count", len(m.workerCancels))
}

// worker runs due tasks through the repairer. A task whose repair fails
// locally (ledger unavailable) is put back after the base delay.
func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-m.q.Out():
			if err := m.rep.Repair(ctx, t); err != nil {
				obs.Logger.Error("retry repair failed", "product_id", t.ProductID, "marketplace", t.Marketplace,
					"attempt", t.Attempt, "error", err)
				obs.RecordRetry(string(t.Marketplace), "requeued")
				t.NotBefore = time.Now().Add(m.cfg.Retry.BaseDelay)
				m.q.Enqueue(t)
			}
			m.q.MarkProcessed()
		}
	}
}

// Enqueue proxies to the underlying queue.
func (m *Manager) Enqueue(t model.RetryTask) bool { return m.q.Enqueue(t) }

// BacklogSize returns scheduled tasks not yet handed to a worker.
func (m *Manager) BacklogSize() int { return m.q.BacklogSize() }

// QueueDepth returns backlog plus buffered output items.
func (m *Manager) QueueDepth() int { return m.q.QueueDepth() }

// WorkerCount returns the current number of workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workerCancels)
}

// IsShuttingDown reports whether new enqueues are rejected.
func (m *Manager) IsShuttingDown() bool { return m.q.IsShuttingDown() }

// CloseIntake disallows future enqueues.
func (m *Manager) CloseIntake() { m.q.CloseIntake() }

// QueueMetrics exposes the underlying queue metrics.
func (m *Manager) QueueMetrics() (enq, proc uint64, backlog, depth int) {
	return m.q.Metrics()
}

// DrainUntil blocks until every released task has been processed or ctx is
// done. Tasks not yet due stay persisted in the ledger for the next start.
func (m *Manager) DrainUntil(ctx context.Context) bool {
	for {
		if m.q.InFlight() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

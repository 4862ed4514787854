package queue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/obs"
)

// Queue holds retry tasks until they are due and hands due tasks to the
// workers through a buffered channel. There is at most one task per record;
// a newer task for the same record replaces the older one.
type Queue struct {
	mu           sync.Mutex
	backlog      map[string]model.RetryTask
	notify       chan struct{}
	out          chan model.RetryTask
	shuttingDown atomic.Bool
	now          func() time.Time

	enqueued  atomic.Uint64
	released  atomic.Uint64
	processed atomic.Uint64
}

// New creates a Queue with a buffered output channel.
func New(outBuffer int) *Queue {
	if outBuffer <= 0 {
		outBuffer = 64
	}
	return &Queue{
		backlog: make(map[string]model.RetryTask),
		notify:  make(chan struct{}, 1),
		out:     make(chan model.RetryTask, outBuffer),
		now:     time.Now,
	}
}

// Start runs the broker loop, checking for due tasks every poll interval.
func (q *Queue) Start(ctx context.Context, highWatermark int, poll time.Duration) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	go q.broker(ctx, highWatermark, poll)
}

func (q *Queue) broker(ctx context.Context, highWatermark int, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		q.flushOnce()
		if highWatermark > 0 {
			if sz := q.BacklogSize(); sz > highWatermark {
				obs.Logger.Warn("retry backlog exceeds high watermark", "backlog_size", sz, "high_watermark", highWatermark)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// flushOnce moves due tasks, earliest first, into the output buffer.
func (q *Queue) flushOnce() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var due []model.RetryTask
	for _, t := range q.backlog {
		if !t.NotBefore.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NotBefore.Before(due[j].NotBefore) })
	for _, t := range due {
		if len(q.out) == cap(q.out) {
			return
		}
		delete(q.backlog, t.Key())
		q.released.Add(1)
		q.out <- t
	}
}

// Enqueue schedules t, replacing an older task for the same record.
func (q *Queue) Enqueue(t model.RetryTask) bool {
	if q.shuttingDown.Load() {
		return false
	}
	q.enqueued.Add(1)
	q.mu.Lock()
	if old, ok := q.backlog[t.Key()]; ok && newer(old, t) {
		q.mu.Unlock()
		return true
	}
	q.backlog[t.Key()] = t
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// newer reports whether a supersedes b.
func newer(a, b model.RetryTask) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch > b.Epoch
	}
	return a.Attempt > b.Attempt
}

// Out exposes the due tasks.
func (q *Queue) Out() <-chan model.RetryTask { return q.out }

// BacklogSize returns the number of tasks not yet due or not yet released.
func (q *Queue) BacklogSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// QueueDepth returns backlog plus buffered output items.
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	bl := len(q.backlog)
	q.mu.Unlock()
	return bl + len(q.out)
}

// InFlight returns released tasks that have not finished processing.
func (q *Queue) InFlight() int {
	return int(q.released.Load() - q.processed.Load())
}

// MarkProcessed increases the processed counter.
func (q *Queue) MarkProcessed() { q.processed.Add(1) }

// Metrics returns counters and sizes for observability.
func (q *Queue) Metrics() (enq, proc uint64, backlog, depth int) {
	enq = q.enqueued.Load()
	proc = q.processed.Load()
	backlog = q.BacklogSize()
	depth = q.QueueDepth()
	return enq, proc, backlog, depth
}

// CloseIntake disallows future enqueues.
func (q *Queue) CloseIntake() { q.shuttingDown.Store(true) }

// IsShuttingDown reports if intake has been closed.
func (q *Queue) IsShuttingDown() bool { return q.shuttingDown.Load() }

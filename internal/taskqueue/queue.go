// Package taskqueue runs analysis submissions through a bounded worker pool
// and broadcasts task lifecycle events for the SSE streams.
package taskqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/minglu/stockintel/internal/domain"
)

const (
	// terminalRetention caps how many finished tasks stay queryable.
	terminalRetention = 100
	// terminalGrace keeps a finished task visible long enough for status
	// pollers to observe the final state.
	terminalGrace = 2 * time.Second
)

// Runner executes one task. It reports progress as a fraction in [0,1]
// through the callback and returns the persisted record id on success.
type Runner func(ctx context.Context, task domain.Task, progress func(pct float64, msg string)) (int64, error)

// Config holds queue configuration.
type Config struct {
	Workers   int
	QueueSize int
}

// Queue is the in-memory analysis task queue. One active task per ticker:
// re-submitting while a task is pending or processing returns the existing
// task id.
type Queue struct {
	mu       sync.Mutex
	tasks    map[string]*domain.Task
	byTicker map[string]string // ticker -> active task id
	order    []string          // task ids in creation order

	pending chan string
	runner  Runner
	bus     *Bus
	workers int

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a queue. The runner is invoked by the worker pool.
func New(cfg Config, runner Runner, bus *Bus, log zerolog.Logger) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Queue{
		tasks:    make(map[string]*domain.Task),
		byTicker: make(map[string]string),
		pending:  make(chan string, queueSize),
		runner:   runner,
		bus:      bus,
		workers:  workers,
		stop:     make(chan struct{}),
		now:      time.Now,
		log:      log.With().Str("component", "taskqueue").Logger(),
	}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.log.Info().Int("workers", q.workers).Msg("task queue started")
}

// Stop signals the workers and waits for in-flight tasks.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	close(q.stop)
	q.mu.Unlock()

	q.wg.Wait()
	q.log.Info().Msg("task queue stopped")
}

// Submit enqueues an analysis task. When the ticker already has an active
// task the existing one is returned together with ErrDuplicateTask.
func (q *Queue) Submit(ticker, reportType string) (domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existingID, ok := q.byTicker[ticker]; ok {
		if existing, ok := q.tasks[existingID]; ok && !existing.Status.Terminal() {
			return *existing, domain.ErrDuplicateTask
		}
	}

	task := &domain.Task{
		TaskID:     uuid.NewString(),
		Ticker:     ticker,
		ReportType: reportType,
		Status:     domain.TaskPending,
		Message:    "queued",
		CreatedAt:  q.now().UTC(),
	}

	select {
	case q.pending <- task.TaskID:
	default:
		return domain.Task{}, domain.ErrQueueBusy
	}

	q.tasks[task.TaskID] = task
	q.byTicker[ticker] = task.TaskID
	q.order = append(q.order, task.TaskID)
	q.cleanupLocked()

	snapshot := *task
	q.publish(EventTaskCreated, snapshot)
	return snapshot, nil
}

// Get returns a snapshot of one task.
func (q *Queue) Get(taskID string) (domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return *task, nil
}

// List returns snapshots of all tracked tasks, newest first.
func (q *Queue) List() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.Task, 0, len(q.tasks))
	for _, id := range q.order {
		if task, ok := q.tasks[id]; ok {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log := q.log.With().Int("worker", id).Logger()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case taskID := <-q.pending:
			q.run(ctx, log, taskID)
		}
	}
}

func (q *Queue) run(ctx context.Context, log zerolog.Logger, taskID string) {
	task, ok := q.markStarted(taskID)
	if !ok {
		return
	}
	log.Info().Str("task_id", taskID).Str("stock_code", task.Ticker).Msg("task started")

	progress := func(pct float64, msg string) {
		q.setProgress(taskID, pct, msg)
	}

	recordID, err := q.runner(ctx, task, progress)
	if err != nil {
		log.Error().Str("task_id", taskID).Err(err).Msg("task failed")
		q.markFinished(taskID, domain.TaskFailed, 0, err.Error())
		return
	}
	log.Info().Str("task_id", taskID).Int64("record_id", recordID).Msg("task completed")
	q.markFinished(taskID, domain.TaskCompleted, recordID, "")
}

func (q *Queue) markStarted(taskID string) (domain.Task, bool) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return domain.Task{}, false
	}
	now := q.now().UTC()
	task.Status = domain.TaskProcessing
	task.StartedAt = &now
	task.Message = "processing"
	snapshot := *task
	q.mu.Unlock()

	q.publish(EventTaskStarted, snapshot)
	return snapshot, true
}

func (q *Queue) setProgress(taskID string, pct float64, msg string) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return
	}
	if pct < 0 {
		pct = 0
	} else if pct > 1 {
		pct = 1
	}
	task.Progress = pct
	if msg != "" {
		task.Message = msg
	}
	snapshot := *task
	q.mu.Unlock()

	q.publish(EventTaskProgress, snapshot)
}

func (q *Queue) markFinished(taskID string, status domain.TaskStatus, recordID int64, errMsg string) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return
	}
	now := q.now().UTC()
	task.Status = status
	task.CompletedAt = &now
	task.RecordID = recordID
	task.Error = errMsg
	if status == domain.TaskCompleted {
		task.Progress = 1
		task.Message = "completed"
	} else {
		task.Message = "failed"
	}
	snapshot := *task
	q.mu.Unlock()

	eventType := EventTaskCompleted
	if status == domain.TaskFailed {
		eventType = EventTaskFailed
	}
	q.publish(eventType, snapshot)
}

// cleanupLocked drops the oldest terminal tasks beyond the retention cap.
// Callers hold q.mu.
func (q *Queue) cleanupLocked() {
	terminal := 0
	for _, id := range q.order {
		if task, ok := q.tasks[id]; ok && task.Status.Terminal() {
			terminal++
		}
	}
	if terminal <= terminalRetention {
		return
	}

	now := q.now()
	excess := terminal - terminalRetention
	kept := q.order[:0]
	for _, id := range q.order {
		task, ok := q.tasks[id]
		if !ok {
			continue
		}
		removable := excess > 0 &&
			task.Status.Terminal() &&
			task.CompletedAt != nil &&
			now.Sub(*task.CompletedAt) >= terminalGrace
		if removable {
			delete(q.tasks, id)
			if q.byTicker[task.Ticker] == id {
				delete(q.byTicker, task.Ticker)
			}
			excess--
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}

func (q *Queue) publish(eventType string, task domain.Task) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(Event{Type: eventType, Task: task, Timestamp: q.now().UTC()})
}

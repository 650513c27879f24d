// Package taskqueue runs background tasks one at a time from a bounded queue.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("task queue is full")

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facelinker_task_queue_depth",
		Help: "Tasks waiting in the background queue",
	})

	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facelinker_tasks_processed_total",
		Help: "Background tasks by type and final status",
	}, []string{"type", "status"})
)

// Handler executes one task. A returned error fails the task.
type Handler func(ctx context.Context, task database.BackgroundTask) error

// Config sizes the queue and its tick.
type Config struct {
	Capacity int
	Interval time.Duration
}

// Queue is a bounded FIFO drained by a single consumer, one task per tick.
// Task rows are persisted so they can be audited and recovered. Pending rows
// written by other processes are picked up by polling the store whenever
// the queue runs dry.
type Queue struct {
	tasks  chan database.BackgroundTask
	store  database.TaskStore
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	queued map[string]struct{} // ids in the channel or running
}

// New creates a queue.
func New(store database.TaskStore, cfg Config, logger *zap.Logger) *Queue {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		tasks:  make(chan database.BackgroundTask, cfg.Capacity),
		store:  store,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "task_queue")),
		queued: make(map[string]struct{}),
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// track marks id as owned by this queue. It reports false if it already was.
func (q *Queue) track(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[id]; ok {
		return false
	}
	q.queued[id] = struct{}{}
	return true
}

func (q *Queue) untrack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queued, id)
}

// offer queues a task without blocking. full is true when the channel had
// no room; a task this queue already holds is skipped.
func (q *Queue) offer(task database.BackgroundTask) (queued, full bool) {
	if !q.track(task.ID) {
		return false, false
	}
	select {
	case q.tasks <- task:
		queueDepth.Set(float64(len(q.tasks)))
		return true, false
	default:
		q.untrack(task.ID)
		return false, true
	}
}

// Enqueue persists a pending task and queues it without blocking.
func (q *Queue) Enqueue(ctx context.Context, taskType database.TaskType, payload any) (*database.BackgroundTask, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	task := &database.BackgroundTask{
		ID:      ksuid.New().String(),
		Type:    taskType,
		Payload: data,
		Status:  database.TaskStatusPending,
	}
	// Tracked before the row exists so a concurrent poll cannot queue it twice.
	q.track(task.ID)
	if err := q.store.CreateTask(ctx, task); err != nil {
		q.untrack(task.ID)
		return nil, fmt.Errorf("persist task: %w", err)
	}

	select {
	case q.tasks <- *task:
		queueDepth.Set(float64(len(q.tasks)))
		q.logger.Debug("task enqueued", zap.String("task_id", task.ID), zap.String("type", string(task.Type)))
		return task, nil
	default:
		q.untrack(task.ID)
		q.setStatus(ctx, task.ID, database.TaskStatusFailed, ErrQueueFull.Error())
		task.Status = database.TaskStatusFailed
		task.Error = ErrQueueFull.Error()
		q.logger.Warn("task queue full, dropping task", zap.String("task_id", task.ID), zap.String("type", string(task.Type)))
		return task, ErrQueueFull
	}
}

// offerPending queues stored pending tasks, oldest first, until the queue
// is full.
func (q *Queue) offerPending(ctx context.Context) (int, error) {
	pending, err := q.store.ListTasks(ctx, database.TaskStatusPending, 0)
	if err != nil {
		return 0, fmt.Errorf("list pending tasks: %w", err)
	}
	// ListTasks is newest first.
	n := 0
	for i := len(pending) - 1; i >= 0; i-- {
		queued, full := q.offer(pending[i])
		if full {
			q.logger.Debug("queue full, leaving tasks pending", zap.Int("remaining", i+1))
			break
		}
		if queued {
			n++
		}
	}
	return n, nil
}

// Recover re-offers tasks left pending by a previous process. Tasks that
// were mid-flight are marked failed. Returns how many tasks were queued.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	processing, err := q.store.ListTasks(ctx, database.TaskStatusProcessing, 0)
	if err != nil {
		return 0, fmt.Errorf("list processing tasks: %w", err)
	}
	for _, t := range processing {
		q.setStatus(ctx, t.ID, database.TaskStatusFailed, "interrupted by restart")
	}

	queued, err := q.offerPending(ctx)
	if err != nil {
		return 0, err
	}
	if queued > 0 || len(processing) > 0 {
		q.logger.Info("recovered background tasks", zap.Int("queued", queued), zap.Int("interrupted", len(processing)))
	}
	return queued, nil
}

// Poll queues pending tasks persisted by other processes, such as the
// CLI. Returns how many tasks were queued.
func (q *Queue) Poll(ctx context.Context) (int, error) {
	n, err := q.offerPending(ctx)
	if n > 0 {
		q.logger.Info("picked up pending tasks from the store", zap.Int("queued", n))
	}
	return n, err
}

// Run drains the queue until ctx is done, one task per tick. A tick that
// finds the queue empty polls the store first.
func (q *Queue) Run(ctx context.Context, handle Handler) {
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	q.logger.Info("task worker started", zap.Duration("interval", q.cfg.Interval), zap.Int("capacity", q.cfg.Capacity))
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("task worker stopped", zap.Int("queued", q.Len()))
			return
		case <-ticker.C:
			if q.Len() == 0 {
				if _, err := q.Poll(ctx); err != nil && ctx.Err() == nil {
					q.logger.Warn("failed to poll pending tasks", zap.Error(err))
				}
			}
			q.ProcessNext(ctx, handle)
		}
	}
}

// ProcessNext takes the oldest queued task, if any, and reports whether one
// was taken. A task another process already claimed is skipped.
func (q *Queue) ProcessNext(ctx context.Context, handle Handler) bool {
	var task database.BackgroundTask
	select {
	case task = <-q.tasks:
	default:
		return false
	}
	defer q.untrack(task.ID)
	queueDepth.Set(float64(len(q.tasks)))

	log := q.logger.With(zap.String("task_id", task.ID), zap.String("type", string(task.Type)))
	if current, err := q.store.GetTask(ctx, task.ID); err == nil && current != nil && current.Status != database.TaskStatusPending {
		log.Debug("task no longer pending, skipping", zap.String("status", string(current.Status)))
		return true
	}
	q.setStatus(ctx, task.ID, database.TaskStatusProcessing, "")

	start := time.Now()
	if err := q.run(ctx, handle, task); err != nil {
		q.setStatus(ctx, task.ID, database.TaskStatusFailed, err.Error())
		tasksProcessed.WithLabelValues(string(task.Type), string(database.TaskStatusFailed)).Inc()
		log.Error("task failed", zap.Duration("took", time.Since(start)), zap.Error(err))
		return true
	}
	q.setStatus(ctx, task.ID, database.TaskStatusCompleted, "")
	tasksProcessed.WithLabelValues(string(task.Type), string(database.TaskStatusCompleted)).Inc()
	log.Info("task completed", zap.Duration("took", time.Since(start)))
	return true
}

func (q *Queue) run(ctx context.Context, handle Handler, task database.BackgroundTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handle(ctx, task)
}

func (q *Queue) setStatus(ctx context.Context, id string, status database.TaskStatus, errMsg string) {
	if err := q.store.UpdateTaskStatus(ctx, id, status, errMsg); err != nil {
		q.logger.Warn("failed to update task status",
			zap.String("task_id", id), zap.String("status", string(status)), zap.Error(err))
	}
}

package consolidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lorekeeper/internal/logging"
	"lorekeeper/pkg/metrics"
)

// =============================================================================
// SUPERVISED TASK QUEUE
// =============================================================================

// ErrMaxRetriesExceeded is wrapped into a task's terminal error when its
// retry budget runs out.
var ErrMaxRetriesExceeded = fmt.Errorf("max retries exceeded")

// TaskState is the lifecycle state of a queued consolidation batch.
type TaskState string

// maxBackoff caps the exponential retry delay.
const maxBackoff = 30 * time.Second

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskRetrying  TaskState = "retrying"
)

// Task is one queued consolidation batch.
type Task struct {
	ID        string
	SessionID string
	State     TaskState
	Attempts  int
	Err       error
	NotBefore time.Time // retry backoff gate
	CreatedAt time.Time
}

// Queue supervises consolidation batches: batches for one session run in
// arrival order, different sessions run in parallel up to maxParallel, and
// failures retry with bounded exponential backoff before escalating.
type Queue struct {
	mu       sync.Mutex
	pipeline *Pipeline

	tasks   []*Task         // queue order is arrival order
	running map[string]bool // session ids with a batch in flight
	wake    chan struct{}

	maxParallel    int
	maxRetries     int
	initialBackoff time.Duration
}

// NewQueue builds a queue over the given pipeline using its retry and
// parallelism configuration.
func NewQueue(p *Pipeline) *Queue {
	return &Queue{
		pipeline:       p,
		running:        make(map[string]bool),
		wake:           make(chan struct{}, 1),
		maxParallel:    p.cfg.MaxParallel,
		maxRetries:     p.cfg.MaxRetries,
		initialBackoff: p.cfg.InitialBackoff,
	}
}

// Enqueue adds a consolidation batch for a session and returns its task id.
func (q *Queue) Enqueue(sessionID string) string {
	q.mu.Lock()
	task := &Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		State:     TaskPending,
		CreatedAt: time.Now().UTC(),
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	logging.Tasks("Task %s enqueued for session %s", task.ID, sessionID)
	q.signal()
	return task.ID
}

// TaskStatus returns a copy of the task's current state.
func (q *Queue) TaskStatus(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			return *t, true
		}
	}
	return Task{}, false
}

// Run dispatches tasks until the context is cancelled. It blocks; callers
// run it in a goroutine. In-flight batches are drained before return.
func (q *Queue) Run(ctx context.Context) error {
	var g errgroup.Group
	sem := make(chan struct{}, q.maxParallel)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			err := g.Wait()
			logging.Tasks("Task queue dispatcher stopped")
			return err
		case <-q.wake:
		case <-ticker.C:
		}

		for {
			task := q.claimNext()
			if task == nil {
				break
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				q.release(task, TaskPending, nil)
				err := g.Wait()
				return err
			}
			g.Go(func() error {
				defer func() { <-sem }()
				q.execute(ctx, task)
				return nil
			})
		}
	}
}

// claimNext returns the oldest runnable task, skipping sessions that already
// have a batch in flight and tasks still inside their backoff window.
func (q *Queue) claimNext() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, t := range q.tasks {
		if t.State != TaskPending && t.State != TaskRetrying {
			continue
		}
		if q.running[t.SessionID] {
			continue
		}
		if t.NotBefore.After(now) {
			continue
		}
		t.State = TaskRunning
		q.running[t.SessionID] = true
		return t
	}
	return nil
}

func (q *Queue) release(task *Task, state TaskState, err error) {
	q.mu.Lock()
	task.State = state
	task.Err = err
	delete(q.running, task.SessionID)
	q.mu.Unlock()
}

// execute runs one batch, applying the retry policy on failure.
func (q *Queue) execute(ctx context.Context, task *Task) {
	q.mu.Lock()
	task.Attempts++
	attempt := task.Attempts
	q.mu.Unlock()
	logging.TasksDebug("Task %s running (attempt %d)", task.ID, attempt)

	_, err := q.pipeline.Consolidate(ctx, task.SessionID)
	if err == nil {
		q.release(task, TaskSucceeded, nil)
		logging.Tasks("Task %s succeeded for session %s", task.ID, task.SessionID)
		q.signal()
		return
	}
	if ctx.Err() != nil {
		// Shutdown, not a batch failure. Leave the task pending for a
		// future dispatcher.
		q.release(task, TaskPending, nil)
		return
	}

	if attempt > q.maxRetries {
		terminal := fmt.Errorf("%w after %d attempts: %v", ErrMaxRetriesExceeded, attempt, err)
		q.release(task, TaskFailed, terminal)
		metrics.ConsolidationBatches.WithLabelValues("escalated").Inc()
		logging.Get(logging.CategoryTasks).Error("Task %s exhausted retries: %v", task.ID, terminal)
		if escErr := q.pipeline.store.RecordEscalation(task.SessionID, terminal.Error()); escErr != nil {
			logging.Get(logging.CategoryTasks).Error("Failed to record escalation for %s: %v", task.SessionID, escErr)
		}
		q.signal()
		return
	}

	backoff := q.initialBackoff << (attempt - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	q.mu.Lock()
	task.State = TaskRetrying
	task.Err = err
	task.NotBefore = time.Now().Add(backoff)
	delete(q.running, task.SessionID)
	q.mu.Unlock()

	logging.Get(logging.CategoryTasks).Warn("Task %s failed (attempt %d), retrying in %v: %v",
		task.ID, attempt, backoff, err)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

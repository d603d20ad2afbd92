package consolidation

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"lorekeeper/internal/config"
	"lorekeeper/internal/types"
)

func TestQueueRunsBatchAndSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	env := newTestEnv(t)
	p := env.pipeline(nil, nil)
	q := NewQueue(p)

	id := env.newSession(t, event(0, types.RoleDraft, "Mara was wounded"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	taskID := q.Enqueue(id)
	waitForState(t, q, taskID, TaskSucceeded)

	cancel()
	<-done

	got, err := env.store.GetNodeByName("Mara")
	if err != nil {
		t.Fatalf("GetNodeByName() error = %v", err)
	}
	if got.Properties["status"] != "wounded" {
		t.Errorf("status = %q, want wounded", got.Properties["status"])
	}
}

func TestQueueRetriesThenEscalates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	env := newTestEnv(t)
	cfg := config.Default().Consolidation
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Millisecond
	p := NewPipeline(env.store, env.sessions, nil, nil, cfg)
	q := NewQueue(p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	// An unknown session id fails every attempt.
	taskID := q.Enqueue("no-such-session")
	waitForState(t, q, taskID, TaskFailed)

	cancel()
	<-done

	task, ok := q.TaskStatus(taskID)
	if !ok {
		t.Fatal("task disappeared")
	}
	if task.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 initial + 2 retries)", task.Attempts)
	}
	if task.Err == nil {
		t.Fatal("terminal task has no error")
	}

	// Exhausted retries surface as a manual-resolution item.
	pending, err := env.store.PendingConflicts()
	if err != nil {
		t.Fatalf("PendingConflicts() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending escalations = %d, want 1", len(pending))
	}
	if pending[0].Property != "batch_failure" {
		t.Errorf("escalation property = %q, want batch_failure", pending[0].Property)
	}
}

func TestQueueSerializesPerSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	env := newTestEnv(t)
	p := env.pipeline(nil, nil)
	q := NewQueue(p)

	a := env.newSession(t, event(0, types.RoleDraft, "Mara was wounded"))
	b := env.newSession(t, event(0, types.RoleDraft, "Tobias was healed"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()

	// Two batches for session a, one for b. The duplicate is a no-op after
	// the first commits, but it must still run to completion in order.
	first := q.Enqueue(a)
	second := q.Enqueue(a)
	third := q.Enqueue(b)

	for _, id := range []string{first, second, third} {
		waitForState(t, q, id, TaskSucceeded)
	}

	cancel()
	<-done
}

func waitForState(t *testing.T, q *Queue, taskID string, want TaskState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := q.TaskStatus(taskID)
		if !ok {
			t.Fatalf("task %s not found", taskID)
		}
		if task.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := q.TaskStatus(taskID)
	t.Fatalf("task %s state = %s after 5s, want %s (err=%v)", taskID, task.State, want, task.Err)
}

package session

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lorekeeper/internal/types"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "sessions.db"), opts...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func appendEvent(t *testing.T, m *Manager, id string, role types.EventRole, content string) int64 {
	t.Helper()
	seq, err := m.AppendEvent(id, types.Event{Role: role, Content: content, TokenCount: len(content) / 4})
	if err != nil {
		t.Fatalf("AppendEvent() error = %v", err)
	}
	return seq
}

func TestAppendAndHistoryOrder(t *testing.T) {
	m := newTestManager(t)
	id, err := m.CreateSession("chapter-3")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	contents := []string{"first", "second", "third"}
	for i, c := range contents {
		seq := appendEvent(t, m, id, types.RoleUser, c)
		if seq != int64(i+1) {
			t.Fatalf("seq = %d, want %d", seq, i+1)
		}
	}

	history, err := m.GetHistory(id, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, ev := range history {
		if ev.Content != contents[i] {
			t.Errorf("history[%d] = %q, want %q", i, ev.Content, contents[i])
		}
	}

	tail, err := m.GetHistory(id, 2)
	if err != nil {
		t.Fatalf("GetHistory(limit) error = %v", err)
	}
	if len(tail) != 2 || tail[0].Content != "second" {
		t.Fatalf("tail = %+v, want newest two ascending", tail)
	}
}

func TestAppendConcurrentSeqsAreContiguous(t *testing.T) {
	m := newTestManager(t)
	id, err := m.CreateSession("s")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AppendEvent(id, types.Event{Role: types.RoleAssistant, Content: "x"}); err != nil {
				t.Errorf("AppendEvent() error = %v", err)
			}
		}()
	}
	wg.Wait()

	history, err := m.GetHistory(id, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != n {
		t.Fatalf("events = %d, want %d", len(history), n)
	}
	for i, ev := range history {
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: got %d", i, ev.Seq)
		}
	}
}

func TestAppendToClosedSession(t *testing.T) {
	m := newTestManager(t)
	id, err := m.CreateSession("s")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := m.CloseSession(id); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}

	_, err = m.AppendEvent(id, types.Event{Role: types.RoleUser, Content: "late"})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("AppendEvent() error = %v, want ErrSessionClosed", err)
	}
}

func TestUnknownSession(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.GetHistory("nope", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetHistory() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := m.AppendEvent("nope", types.Event{Role: types.RoleUser}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("AppendEvent() error = %v, want ErrSessionNotFound", err)
	}
}

func TestMarkCommittedAndUncommitted(t *testing.T) {
	m := newTestManager(t)
	id, err := m.CreateSession("s")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for i := 0; i < 4; i++ {
		appendEvent(t, m, id, types.RoleUser, "e")
	}

	if err := m.MarkCommitted(id, 2); err != nil {
		t.Fatalf("MarkCommitted() error = %v", err)
	}

	uncommitted, err := m.UncommittedEvents(id)
	if err != nil {
		t.Fatalf("UncommittedEvents() error = %v", err)
	}
	if len(uncommitted) != 2 {
		t.Fatalf("uncommitted = %d, want 2", len(uncommitted))
	}
	if uncommitted[0].Seq != 3 {
		t.Errorf("first uncommitted seq = %d, want 3", uncommitted[0].Seq)
	}
}

func TestSweepIdleClosesStaleSessions(t *testing.T) {
	m := newTestManager(t, WithIdleTimeout(time.Minute))

	stale, err := m.CreateSession("stale")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	fresh, err := m.CreateSession("fresh")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	appendEvent(t, m, stale, types.RoleUser, "old")
	appendEvent(t, m, fresh, types.RoleUser, "new")

	// Sweep as if an hour passed: both sessions are stale from that vantage.
	closed, err := m.SweepIdle(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SweepIdle() error = %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("closed = %d, want 2", len(closed))
	}

	// A sweep at the present closes nothing further.
	closed, err = m.SweepIdle(time.Now())
	if err != nil {
		t.Fatalf("SweepIdle() error = %v", err)
	}
	if len(closed) != 0 {
		t.Errorf("second sweep closed = %d, want 0", len(closed))
	}
}

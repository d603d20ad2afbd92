package verification

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"lorekeeper/internal/logging"
	"lorekeeper/internal/types"
	"lorekeeper/pkg/metrics"
)

// NotificationQueue holds MEDIUM-tier findings until they are acknowledged.
// The queue is bounded: entries expire after the TTL and the oldest entry is
// evicted when the cap is reached.
type NotificationQueue struct {
	mu    sync.Mutex
	items []types.Notification
	ttl   time.Duration
	cap   int
}

// NewNotificationQueue builds a queue with the given TTL and capacity.
// Non-positive values fall back to 24h and 1024.
func NewNotificationQueue(ttl time.Duration, capacity int) *NotificationQueue {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &NotificationQueue{ttl: ttl, cap: capacity}
}

// Push files a finding. INFO findings are logged but not queued.
func (q *NotificationQueue) Push(iss types.VerificationIssue) {
	if iss.Severity == types.SeverityInfo {
		logging.Verification("INFO finding (not queued): %s: %s", iss.CheckName, iss.Message)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(time.Now())
	if len(q.items) >= q.cap {
		logging.VerificationDebug("Notification queue full, evicting oldest: %s", q.items[0].ID)
		q.items = q.items[1:]
	}
	n := types.Notification{
		ID:         uuid.NewString(),
		CheckName:  iss.CheckName,
		Severity:   iss.Severity,
		Message:    iss.Message,
		Suggestion: iss.Suggestion,
		CreatedAt:  time.Now().UTC(),
	}
	q.items = append(q.items, n)
	metrics.PendingNotifications.Set(float64(len(q.items)))
	logging.Verification("Notification filed: %s [%s] %s", n.ID, n.Severity, n.Message)
}

// Pending returns the live notifications, oldest first.
func (q *NotificationQueue) Pending() []types.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked(time.Now())
	out := make([]types.Notification, len(q.items))
	copy(out, q.items)
	return out
}

// Ack removes a notification by id. Acking an unknown id is a no-op.
func (q *NotificationQueue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, n := range q.items {
		if n.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			metrics.PendingNotifications.Set(float64(len(q.items)))
			logging.VerificationDebug("Notification acknowledged: %s", id)
			return
		}
	}
}

// pruneLocked drops entries older than the TTL. Items are appended in time
// order, so expiry is a prefix.
func (q *NotificationQueue) pruneLocked(now time.Time) {
	cutoff := now.Add(-q.ttl)
	i := 0
	for i < len(q.items) && q.items[i].CreatedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		q.items = q.items[i:]
		metrics.PendingNotifications.Set(float64(len(q.items)))
	}
}

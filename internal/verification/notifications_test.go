package verification

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lorekeeper/internal/types"
)

func warning(msg string) types.VerificationIssue {
	return types.VerificationIssue{CheckName: "test_check", Severity: types.SeverityWarning, Message: msg}
}

func TestQueueCapEvictsOldest(t *testing.T) {
	q := NewNotificationQueue(time.Hour, 3)
	for i := 0; i < 5; i++ {
		q.Push(warning(fmt.Sprintf("finding-%d", i)))
	}

	pending := q.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "finding-2", pending[0].Message)
	assert.Equal(t, "finding-4", pending[2].Message)
}

func TestQueueTTLExpiry(t *testing.T) {
	q := NewNotificationQueue(50*time.Millisecond, 10)
	q.Push(warning("short-lived"))
	require.Len(t, q.Pending(), 1)

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, q.Pending())
}

func TestQueueAckRemovesOnlyTarget(t *testing.T) {
	q := NewNotificationQueue(time.Hour, 10)
	q.Push(warning("one"))
	q.Push(warning("two"))

	pending := q.Pending()
	require.Len(t, pending, 2)

	q.Ack(pending[0].ID)
	remaining := q.Pending()
	require.Len(t, remaining, 1)
	assert.Equal(t, "two", remaining[0].Message)

	// Unknown ids are ignored.
	q.Ack("no-such-id")
	assert.Len(t, q.Pending(), 1)
}

func TestQueueDropsInfoFindings(t *testing.T) {
	q := NewNotificationQueue(time.Hour, 10)
	q.Push(types.VerificationIssue{CheckName: "budget", Severity: types.SeverityInfo, Message: "analysis incomplete"})
	assert.Empty(t, q.Pending())
}

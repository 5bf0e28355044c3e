package ack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ptc/internal/domain"
)

type mockAcker struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockAcker) Acknowledge(_ context.Context, id, recipient string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id+"/"+recipient)
	return m.err
}

func TestTracker_RegisterAndAcknowledge(t *testing.T) {
	store := &mockAcker{}
	tr := New(store)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{
		MessageID: "m1", Sender: "coordinator", Recipient: "W1",
	}))
	assert.True(t, tr.IsPending("m1"))

	require.NoError(t, tr.Acknowledge(context.Background(), "m1", "W1"))
	assert.False(t, tr.IsPending("m1"))
	assert.Equal(t, []string{"m1/W1"}, store.calls)
}

func TestTracker_AcknowledgeUnknown(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	err := tr.Acknowledge(context.Background(), "nope", "W1")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestTracker_AcknowledgeTwice(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{MessageID: "m1", Recipient: "W1"}))
	require.NoError(t, tr.Acknowledge(context.Background(), "m1", "W1"))

	err := tr.Acknowledge(context.Background(), "m1", "W1")
	assert.ErrorIs(t, err, domain.ErrAlreadyAcknowledged)
}

func TestTracker_WrongRecipientRejected(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{MessageID: "m1", Recipient: "W1"}))

	err := tr.Acknowledge(context.Background(), "m1", "W2")
	assert.ErrorIs(t, err, domain.ErrNotRecipient)
	assert.True(t, tr.IsPending("m1"), "entry must survive a rejected ack")
}

func TestTracker_BroadcastAnyRecipient(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{MessageID: "m1", Recipient: domain.Broadcast}))
	require.NoError(t, tr.Acknowledge(context.Background(), "m1", "W7"))
}

func TestTracker_TimeoutDiscardsEntry(t *testing.T) {
	fired := make(chan string, 1)
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{
		MessageID: "m1", Recipient: "W1",
		Timeout:   20 * time.Millisecond,
		OnTimeout: func(id string) { fired <- id },
	}))

	select {
	case id := <-fired:
		assert.Equal(t, "m1", id)
	case <-time.After(time.Second):
		t.Fatal("timeout callback did not fire")
	}

	// The entry is gone; a late acknowledgement reports not found.
	assert.False(t, tr.IsPending("m1"))
	err := tr.Acknowledge(context.Background(), "m1", "W1")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func TestTracker_TimeoutFiresWithoutCallback(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{
		MessageID: "m1", Recipient: "W1", Timeout: 10 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		return !tr.IsPending("m1")
	}, time.Second, 2*time.Millisecond)
}

func TestTracker_NonPositiveTimeoutNeverExpires(t *testing.T) {
	fired := make(chan string, 1)
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{
		MessageID: "m1", Recipient: "W1",
		Timeout:   0,
		OnTimeout: func(id string) { fired <- id },
	}))
	require.NoError(t, tr.Register(Registration{
		MessageID: "m2", Recipient: "W1", Timeout: -time.Second,
	}))

	select {
	case <-fired:
		t.Fatal("timeout fired for a registration without a deadline")
	case <-time.After(50 * time.Millisecond):
	}

	assert.True(t, tr.IsPending("m1"))
	assert.True(t, tr.IsPending("m2"))

	pending := tr.GetPending(Filter{})
	require.Len(t, pending, 2)
	assert.True(t, pending[0].Deadline.IsZero())
	assert.False(t, pending[0].Overdue)
	assert.Empty(t, tr.GetPending(Filter{Overdue: true}))

	require.NoError(t, tr.Acknowledge(context.Background(), "m1", "W1"))
}

func TestTracker_AckCancelsTimeout(t *testing.T) {
	fired := make(chan string, 1)
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{
		MessageID: "m1", Recipient: "W1",
		Timeout:   50 * time.Millisecond,
		OnTimeout: func(id string) { fired <- id },
	}))
	require.NoError(t, tr.Acknowledge(context.Background(), "m1", "W1"))

	select {
	case <-fired:
		t.Fatal("timeout fired after acknowledgement")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestTracker_GetPendingFilters(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{MessageID: "m1", Sender: "A", Recipient: "W1"}))
	require.NoError(t, tr.Register(Registration{MessageID: "m2", Sender: "B", Recipient: "W2"}))
	require.NoError(t, tr.Register(Registration{
		MessageID: "m3", Sender: "A", Recipient: "W2", Timeout: time.Millisecond,
	}))

	// m3's deadline elapses and the entry is discarded.
	require.Eventually(t, func() bool {
		return len(tr.GetPending(Filter{})) == 2
	}, time.Second, 2*time.Millisecond)

	fromA := tr.GetPending(Filter{Sender: "A"})
	require.Len(t, fromA, 1)
	assert.Equal(t, "m1", fromA[0].MessageID)

	toW2 := tr.GetPending(Filter{Recipient: "W2"})
	require.Len(t, toW2, 1)
	assert.Equal(t, "m2", toW2[0].MessageID)

	assert.Empty(t, tr.GetPending(Filter{Overdue: true}))
}

func TestTracker_Stats(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{MessageID: "m1", Recipient: "W1"}))
	require.NoError(t, tr.Register(Registration{MessageID: "m2", Recipient: "W1"}))
	require.NoError(t, tr.Acknowledge(context.Background(), "m1", "W1"))

	stats := tr.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, int64(1), stats.Acknowledged)
	assert.Equal(t, int64(2), stats.TotalRegistered)
}

func TestTracker_PersistenceFailureIsBestEffort(t *testing.T) {
	store := &mockAcker{err: errors.New("disk gone")}
	tr := New(store)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{MessageID: "m1", Recipient: "W1"}))
	assert.NoError(t, tr.Acknowledge(context.Background(), "m1", "W1"))
}

func TestTracker_CancelAndClear(t *testing.T) {
	tr := New(nil)
	defer tr.Close()

	require.NoError(t, tr.Register(Registration{MessageID: "m1", Recipient: "W1"}))
	assert.True(t, tr.Cancel("m1"))
	assert.False(t, tr.Cancel("m1"))

	require.NoError(t, tr.Register(Registration{MessageID: "m2", Recipient: "W1"}))
	tr.Clear()
	assert.Equal(t, Stats{}, tr.Stats())
}

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandrun/sandrun/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	b := NewMemoryBus(log)
	t.Cleanup(b.Close)
	return b
}

func collect() (Handler, func() []*Event) {
	var mu sync.Mutex
	var got []*Event
	handler := func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	}
	return handler, func() []*Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*Event, len(got))
		copy(out, got)
		return out
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPublishSubscribeOrder(t *testing.T) {
	b := newTestBus(t)
	handler, got := collect()

	_, err := b.Subscribe(RunSubject("r1"), handler)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		e := NewEvent("token", "r1", map[string]any{"sequence": i})
		require.NoError(t, b.Publish(context.Background(), RunSubject("r1"), e))
	}

	waitFor(t, func() bool { return len(got()) == 20 })
	for i, e := range got() {
		require.Equal(t, i, e.Data["sequence"])
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus(t)
	handler, got := collect()

	_, err := b.Subscribe(RunSubjectWildcard, handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), RunSubject("r1"), NewEvent("run-start", "r1", nil)))
	require.NoError(t, b.Publish(context.Background(), RunSubject("r2"), NewEvent("run-start", "r2", nil)))
	require.NoError(t, b.Publish(context.Background(), "other.subject", NewEvent("noise", "", nil)))

	waitFor(t, func() bool { return len(got()) == 2 })
	time.Sleep(20 * time.Millisecond)
	require.Len(t, got(), 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	handler, got := collect()

	sub, err := b.Subscribe(RunSubject("r1"), handler)
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	require.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), RunSubject("r1"), NewEvent("token", "r1", nil)))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, got())
}

func TestClosedBusRejectsPublish(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	b := NewMemoryBus(log)
	b.Close()

	require.False(t, b.IsConnected())
	require.Error(t, b.Publish(context.Background(), RunSubject("r1"), NewEvent("token", "r1", nil)))
	_, err = b.Subscribe(RunSubject("r1"), func(ctx context.Context, e *Event) error { return nil })
	require.Error(t, err)
}

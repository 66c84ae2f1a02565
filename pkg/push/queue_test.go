package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu    sync.Mutex
	items []Item
	errs  map[string]error
	done  chan struct{}
}

var _ Sender = (*fakeSender)(nil)

func newFakeSender() *fakeSender {
	return &fakeSender{errs: map[string]error{}, done: make(chan struct{}, 128)}
}

func (f *fakeSender) Send(_ context.Context, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.done <- struct{}{} }()
	if err, ok := f.errs[item.Topic]; ok {
		return err
	}
	f.items = append(f.items, item)
	return nil
}

func (f *fakeSender) sent() []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Item, len(f.items))
	copy(out, f.items)
	return out
}

func (f *fakeSender) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func TestPush_Queue_CapacityAndQueueFull(t *testing.T) {
	t.Parallel()

	q, err := NewQueue(testLogger(), newFakeSender(), DefaultCapacity)
	require.NoError(t, err)

	// No consumer running: fill the queue to its bound.
	for i := 0; i < DefaultCapacity; i++ {
		require.NoError(t, q.TryEnqueue(Item{Topic: "widget"}), "item %d", i)
	}
	require.Equal(t, DefaultCapacity, q.Len())

	// The 101st item is rejected, not blocked on.
	err = q.TryEnqueue(Item{Topic: "widget"})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, DefaultCapacity, q.Len())
}

func TestPush_Queue_DeliversInOrder(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	q, err := NewQueue(testLogger(), sender, 10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryEnqueue(Item{
			Topic: "widget",
			Data:  map[string]string{"seq": fmt.Sprint(i)},
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := q.Start(ctx)

	sender.waitFor(t, 5)
	items := sender.sent()
	require.Len(t, items, 5)
	for i, item := range items {
		require.Equal(t, fmt.Sprint(i), item.Data["seq"])
	}

	cancel()
	require.NoError(t, <-errCh)
}

func TestPush_Queue_DeliveryFailureIsDropped(t *testing.T) {
	t.Parallel()

	sender := newFakeSender()
	sender.errs["alerts"] = errors.New("fcm unavailable")
	q, err := NewQueue(testLogger(), sender, 10)
	require.NoError(t, err)

	require.NoError(t, q.TryEnqueue(Item{Topic: "alerts", Notification: true}))
	require.NoError(t, q.TryEnqueue(Item{Topic: "widget"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := q.Start(ctx)

	// Both attempts complete; only the widget item survives. The failed
	// alert neither retries nor stalls the worker.
	sender.waitFor(t, 2)
	items := sender.sent()
	require.Len(t, items, 1)
	require.Equal(t, "widget", items[0].Topic)
	require.Equal(t, 0, q.Len())

	cancel()
	require.NoError(t, <-errCh)
}

func TestPush_Queue_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewQueue(nil, newFakeSender(), 10)
	require.Error(t, err)
	_, err = NewQueue(testLogger(), nil, 10)
	require.Error(t, err)

	q, err := NewQueue(testLogger(), newFakeSender(), 0)
	require.NoError(t, err)
	require.Equal(t, DefaultCapacity, cap(q.items))
}

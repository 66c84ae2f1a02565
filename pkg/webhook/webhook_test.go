package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arn/sensorboxd/pkg/push"
	"github.com/arn/sensorboxd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSender struct {
	mu    sync.Mutex
	items []push.Item
	done  chan struct{}
}

func newCaptureSender() *captureSender {
	return &captureSender{done: make(chan struct{}, 16)}
}

func (c *captureSender) Send(_ context.Context, item push.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	c.done <- struct{}{}
	return nil
}

func (c *captureSender) sent() []push.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]push.Item, len(c.items))
	copy(out, c.items)
	return out
}

func newTestHandler(t *testing.T) (*Handler, *captureSender) {
	t.Helper()

	sender := newCaptureSender()
	queue, err := push.NewQueue(testLogger(), sender, push.DefaultCapacity)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	h, err := NewHandler(testLogger(), queue)
	require.NoError(t, err)
	return h, sender
}

func postAlert(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, alertPath, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AlertingStateEnqueuesNotification(t *testing.T) {
	t.Parallel()

	h, sender := newTestHandler(t)
	rec := postAlert(t, h, `{"state":"alerting","title":"PM2.5 high","message":"pm25 over 35 for 10m"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	select {
	case <-sender.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	items := sender.sent()
	require.Len(t, items, 1)
	require.Equal(t, types.PushTopicAlerts, items[0].Topic)
	require.Equal(t, "PM2.5 high", items[0].Title)
	require.Equal(t, "pm25 over 35 for 10m", items[0].Body)
	require.True(t, items[0].Notification)
}

func TestWebhook_NonAlertingStatesIgnored(t *testing.T) {
	t.Parallel()

	h, sender := newTestHandler(t)
	for _, state := range []string{"ok", "pending", "no_data"} {
		rec := postAlert(t, h, `{"state":"`+state+`","title":"t","message":"m"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, sender.sent())
}

func TestWebhook_BadJSONRejected(t *testing.T) {
	t.Parallel()

	h, sender := newTestHandler(t)
	rec := postAlert(t, h, `{"state":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, sender.sent())
}

func TestWebhook_GetNotAllowed(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, alertPath, nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhook_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewHandler(nil, nil)
	require.Error(t, err)
	_, err = NewHandler(testLogger(), nil)
	require.Error(t, err)
}

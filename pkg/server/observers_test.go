package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/stretchr/testify/require"
)

type capturedNotify struct {
	code    codes.Code
	observe uint32
	payload []byte
}

type fakeObserverConn struct {
	ctx    context.Context
	cancel context.CancelFunc
	addr   net.Addr

	mu       sync.Mutex
	writes   []capturedNotify
	writeErr error
}

var _ observerConn = (*fakeObserverConn)(nil)

func newFakeObserverConn(port int) *fakeObserverConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeObserverConn{
		ctx:    ctx,
		cancel: cancel,
		addr:   &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port},
	}
}

func (c *fakeObserverConn) Context() context.Context { return c.ctx }
func (c *fakeObserverConn) RemoteAddr() net.Addr     { return c.addr }
func (c *fakeObserverConn) AcquireMessage(ctx context.Context) *pool.Message {
	return pool.NewMessage(ctx)
}
func (c *fakeObserverConn) ReleaseMessage(_ *pool.Message) {}

func (c *fakeObserverConn) WriteMessage(m *pool.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	var payload []byte
	if body := m.Body(); body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		payload = b
	}
	observe, _ := m.Observe()
	c.writes = append(c.writes, capturedNotify{
		code:    m.Code(),
		observe: observe,
		payload: payload,
	})
	return nil
}

func (c *fakeObserverConn) captured() []capturedNotify {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedNotify, len(c.writes))
	copy(out, c.writes)
	return out
}

func (c *fakeObserverConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func waitForCount(t *testing.T, fn func() int, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return fn() == want },
		5*time.Second, 10*time.Millisecond)
}

func waitForAtLeast(t *testing.T, fn func() int, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return fn() >= want },
		5*time.Second, 10*time.Millisecond)
}

func TestServer_Observers_PublishReachesAllRegistered(t *testing.T) {
	t.Parallel()

	set := newObserverSet(testLogger(), "test", nil)
	a := newFakeObserverConn(1001)
	b := newFakeObserverConn(1002)
	set.add(a, []byte{0x01})
	set.add(b, []byte{0x02})
	require.Equal(t, 2, set.count())

	set.publish(message.TextPlain, []byte("tick"))

	for _, conn := range []*fakeObserverConn{a, b} {
		writes := conn.captured()
		require.Len(t, writes, 1)
		require.Equal(t, codes.Content, writes[0].code)
		require.Equal(t, "tick", string(writes[0].payload))
		require.NotZero(t, writes[0].observe)
	}
}

func TestServer_Observers_SequenceAdvancesPerPublish(t *testing.T) {
	t.Parallel()

	set := newObserverSet(testLogger(), "test", nil)
	conn := newFakeObserverConn(1001)
	set.add(conn, []byte{0x01})

	set.publish(message.TextPlain, []byte("a"))
	set.publish(message.TextPlain, []byte("b"))

	writes := conn.captured()
	require.Len(t, writes, 2)
	require.Greater(t, writes[1].observe, writes[0].observe)
}

func TestServer_Observers_DeregisterStopsNotifications(t *testing.T) {
	t.Parallel()

	set := newObserverSet(testLogger(), "test", nil)
	conn := newFakeObserverConn(1001)
	token := []byte{0x01}
	set.add(conn, token)
	set.remove(conn, token)
	require.Zero(t, set.count())

	set.publish(message.TextPlain, []byte("tick"))
	require.Empty(t, conn.captured())
}

func TestServer_Observers_FailedWriteDropsObserver(t *testing.T) {
	t.Parallel()

	set := newObserverSet(testLogger(), "test", nil)
	conn := newFakeObserverConn(1001)
	set.add(conn, []byte{0x01})
	conn.failWrites(errors.New("peer gone"))

	set.publish(message.TextPlain, []byte("tick"))
	require.Zero(t, set.count())
}

func TestServer_Observers_ConnectionCloseReapsRegistration(t *testing.T) {
	t.Parallel()

	set := newObserverSet(testLogger(), "test", nil)
	conn := newFakeObserverConn(1001)
	set.add(conn, []byte{0x01})
	require.Equal(t, 1, set.count())

	conn.cancel()
	waitForCount(t, set.count, 0)
}

func TestServer_Observers_OnChangeSeesEveryTransition(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var counts []int
	set := newObserverSet(testLogger(), "test", func(n int) {
		mu.Lock()
		defer mu.Unlock()
		counts = append(counts, n)
	})

	conn := newFakeObserverConn(1001)
	token := []byte{0x01}
	set.add(conn, token)
	set.remove(conn, token)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 0}, counts)
}

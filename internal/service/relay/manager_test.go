package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"incognito_chat/internal/protocol/wire"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const relayURL = "wss://relay.test"

type (
	fakeConn struct {
		in     chan []byte
		out    chan []byte
		closed chan struct{}
		once   sync.Once
	}

	fakeDialer struct {
		mu    sync.Mutex
		fail  bool
		dials int
		conns chan *fakeConn
	}
)

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.out <- data:
		return nil
	}
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testOptions() Options {
	return Options{
		AutoReconnect: true,
		BaseDelay:     10 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
	}
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no relay event")
		return nil
	}
}

func nextFrame(t *testing.T, c *fakeConn) []byte {
	t.Helper()
	select {
	case b := <-c.out:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func TestBroadcastWithoutRelays(t *testing.T) {
	m := NewManager(newFakeDialer(), testOptions())
	defer m.Close()

	_, err := m.Broadcast([]byte(`["EVENT",{}]`))
	assert.ErrorIs(t, err, ErrNoRelays)
}

func TestOpenReissuesSubscriptionsAndFlushesQueue(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d, testOptions())
	defer m.Close()

	filters := nostr.Filters{{Kinds: []int{4}, Limit: 1}}
	require.NoError(t, m.Subscribe("convs", filters))
	assert.Empty(t, m.Queue([]byte(`["EVENT",{"id":"queued"}]`)))

	m.Connect(relayURL)
	m.Connect(relayURL)
	conn := nextConn(t, d)
	assert.Equal(t, Opened{URL: relayURL}, nextEvent(t, m))
	assert.Equal(t, 1, d.dialCount())

	frame, err := wire.ParseClientFrame(nextFrame(t, conn))
	require.NoError(t, err)
	req, ok := frame.(wire.ReqFrame)
	require.True(t, ok)
	assert.Equal(t, "convs", req.SubscriptionID)
	assert.Equal(t, `["EVENT",{"id":"queued"}]`, string(nextFrame(t, conn)))

	assert.Equal(t, []string{relayURL}, m.Connected())
	sent, err := m.Broadcast([]byte(`["CLOSE","x"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{relayURL}, sent)
	assert.Equal(t, `["CLOSE","x"]`, string(nextFrame(t, conn)))

	m.Unsubscribe("convs")
	var closeFrame []any
	require.NoError(t, json.Unmarshal(nextFrame(t, conn), &closeFrame))
	assert.Equal(t, []any{"CLOSE", "convs"}, closeFrame)
}

func TestReceivedFrames(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d, testOptions())
	defer m.Close()

	m.Connect(relayURL)
	conn := nextConn(t, d)
	nextEvent(t, m)

	conn.in <- []byte(`not json`)
	conn.in <- []byte(`["EOSE","convs"]`)
	ev := nextEvent(t, m)
	assert.Equal(t, Received{URL: relayURL, Frame: wire.EOSEFrame{SubscriptionID: "convs"}}, ev)
}

func TestReconnectAfterDrop(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d, testOptions())
	defer m.Close()

	m.Connect(relayURL)
	first := nextConn(t, d)
	nextEvent(t, m)

	require.NoError(t, first.Close())
	closed, ok := nextEvent(t, m).(Closed)
	require.True(t, ok)
	assert.ErrorIs(t, closed.Err, ErrConnectionLost)
	assert.Equal(t, 10*time.Millisecond, closed.RetryIn)

	nextConn(t, d)
	assert.Equal(t, Opened{URL: relayURL}, nextEvent(t, m))
}

func TestBackoffGrowsWhileDialFails(t *testing.T) {
	d := newFakeDialer()
	d.fail = true
	m := NewManager(d, testOptions())
	defer m.Close()

	m.Connect(relayURL)
	var delays []time.Duration
	for range 4 {
		closed, ok := nextEvent(t, m).(Closed)
		require.True(t, ok)
		delays = append(delays, closed.RetryIn)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}, delays)
}

func TestManualDisconnectStaysClosed(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(d, testOptions())
	defer m.Close()

	m.Connect(relayURL)
	nextConn(t, d)
	nextEvent(t, m)

	m.Disconnect(relayURL)
	assert.Empty(t, m.Connected())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, []string{relayURL}, m.Relays())

	m.Remove(relayURL)
	assert.Empty(t, m.Relays())
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	d := newFakeDialer()
	opts := testOptions()
	opts.AutoReconnect = false
	m := NewManager(d, opts)
	defer m.Close()

	m.Connect(relayURL)
	conn := nextConn(t, d)
	nextEvent(t, m)

	require.NoError(t, conn.Close())
	closed, ok := nextEvent(t, m).(Closed)
	require.True(t, ok)
	assert.Zero(t, closed.RetryIn)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"incognito_chat/internal/metrics"
	"incognito_chat/internal/protocol/wire"
	"incognito_chat/internal/utils/log"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var (
	ErrNoRelays       = errors.New("no relay connected")
	ErrConnectionLost = errors.New("relay connection lost")
	ErrUnknownRelay   = errors.New("unknown relay")
)

const sendBuffer = 64

type (
	// Event is emitted on the manager's intake channel.
	Event interface {
		relayEvent()
	}

	Opened struct {
		URL string
	}

	// Closed reports a dropped connection. RetryIn is zero when no reconnect
	// is scheduled.
	Closed struct {
		URL     string
		Err     error
		RetryIn time.Duration
	}

	Received struct {
		URL   string
		Frame wire.RelayFrame
	}

	Options struct {
		AutoReconnect bool
		BaseDelay     time.Duration
		MaxDelay      time.Duration
		Jitter        time.Duration
		WriteTimeout  time.Duration
		EventBuffer   int
	}

	connState uint8

	connection struct {
		url    string
		state  connState
		conn   Conn
		send   chan []byte
		cancel context.CancelFunc

		// gen invalidates goroutines of a previous dial.
		gen            uint64
		manualClose    bool
		backoff        retry.Backoff
		reconnectTimer *time.Timer
	}

	// Manager owns one connection per relay url and fans frames into a
	// single intake channel.
	Manager struct {
		dialer Dialer
		opts   Options

		mu     sync.Mutex
		conns  map[string]*connection
		subs   map[string]nostr.Filters
		queue  [][]byte
		closed bool

		events chan Event
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
)

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
)

func (Opened) relayEvent()   {}
func (Closed) relayEvent()   {}
func (Received) relayEvent() {}

func NewManager(dialer Dialer, opts Options) *Manager {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer: dialer,
		opts:   opts,
		conns:  make(map[string]*connection),
		subs:   make(map[string]nostr.Filters),
		events: make(chan Event, opts.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events is the intake queue. It is never closed; stop reading once the
// manager is closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Add registers url and connects to it.
func (m *Manager) Add(url string) {
	m.Connect(url)
}

// Remove disconnects url and forgets it.
func (m *Manager) Remove(url string) {
	m.Disconnect(url)
	m.mu.Lock()
	delete(m.conns, url)
	m.mu.Unlock()
}

// Connect is a no-op when url is already open or connecting.
func (m *Manager) Connect(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	c, ok := m.conns[url]
	if !ok {
		c = &connection{url: url}
		m.conns[url] = c
	}
	c.manualClose = false
	if c.state != stateIdle {
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	m.dialLocked(c)
}

// Disconnect closes url and keeps it closed until the next Connect. No
// Closed event is emitted for a manual disconnect.
func (m *Manager) Disconnect(url string) {
	m.mu.Lock()
	c, ok := m.conns[url]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	m.teardownLocked(c)
	n := m.openCountLocked()
	m.mu.Unlock()

	metrics.SetRelayConnections(n)
	log.Info("relay disconnected", zap.String("relay", url))
}

// Relays lists every known url, open or not.
func (m *Manager) Relays() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for url := range m.conns {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// Connected lists the urls with an open connection.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked()
}

// Broadcast writes payload to every open connection and returns the urls it
// was handed to.
func (m *Manager) Broadcast(payload []byte) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent := m.broadcastLocked(payload)
	if len(sent) == 0 {
		return nil, ErrNoRelays
	}
	return sent, nil
}

// Queue broadcasts payload, or holds it until the next connection opens.
func (m *Manager) Queue(payload []byte) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent := m.broadcastLocked(payload)
	if len(sent) == 0 {
		m.queue = append(m.queue, payload)
	}
	return sent
}

// Publish marshals ev as an EVENT frame and broadcasts it.
func (m *Manager) Publish(ev *nostr.Event) ([]byte, []string, error) {
	payload, err := json.Marshal(wire.PublishFrame{Event: ev})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal event: %w", err)
	}
	sent, err := m.Broadcast(payload)
	if err != nil {
		return payload, nil, err
	}
	metrics.EventPublished()
	return payload, sent, nil
}

// Subscribe records filters under id and issues the REQ on every open
// connection. Subscriptions are re-issued whenever a connection opens.
func (m *Manager) Subscribe(id string, filters nostr.Filters) error {
	payload, err := json.Marshal(wire.ReqFrame{SubscriptionID: id, Filters: filters})
	if err != nil {
		return fmt.Errorf("marshal req: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[id] = filters
	m.broadcastLocked(payload)
	return nil
}

// Unsubscribe forgets id and sends CLOSE to every open connection.
func (m *Manager) Unsubscribe(id string) {
	payload, _ := json.Marshal(wire.CloseFrame{SubscriptionID: id})
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return
	}
	delete(m.subs, id)
	m.broadcastLocked(payload)
}

// Close stops every connection and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, c := range m.conns {
		c.manualClose = true
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
		}
		m.teardownLocked(c)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	metrics.SetRelayConnections(0)
}

func (m *Manager) dialLocked(c *connection) {
	c.state = stateConnecting
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(m.ctx)
	c.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Debug("dialing relay", zap.String("relay", c.url))
		conn, err := m.dialer.Dial(ctx, c.url)
		if err != nil {
			m.dropped(c, gen, fmt.Errorf("dial: %w", err))
			return
		}
		m.opened(c, gen, ctx, conn)
	}()
}

func (m *Manager) opened(c *connection, gen uint64, ctx context.Context, conn Conn) {
	m.mu.Lock()
	if c.gen != gen || c.state != stateConnecting {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.state = stateOpen
	c.conn = conn
	c.send = make(chan []byte, sendBuffer)
	c.backoff = nil

	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		payload, err := json.Marshal(wire.ReqFrame{SubscriptionID: id, Filters: m.subs[id]})
		if err != nil {
			continue
		}
		m.enqueueLocked(c, payload)
	}
	for _, payload := range m.queue {
		m.enqueueLocked(c, payload)
	}
	m.queue = nil

	send := c.send
	n := m.openCountLocked()
	m.wg.Add(2)
	m.mu.Unlock()

	metrics.SetRelayConnections(n)
	log.Info("relay connected", zap.String("relay", c.url))

	go m.writer(c, gen, ctx, conn, send)
	go m.reader(c, gen, conn)
	m.emit(Opened{URL: c.url})
}

func (m *Manager) writer(c *connection, gen uint64, ctx context.Context, conn Conn, send <-chan []byte) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				m.dropped(c, gen, fmt.Errorf("%w: write: %v", ErrConnectionLost, err))
				return
			}
		}
	}
}

func (m *Manager) reader(c *connection, gen uint64, conn Conn) {
	defer m.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.dropped(c, gen, fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		frame, err := wire.ParseRelayFrame(data)
		if err != nil {
			log.Debug("ignoring relay frame", zap.String("relay", c.url), zap.Error(err))
			continue
		}
		m.emit(Received{URL: c.url, Frame: frame})
	}
}

// dropped handles a failed dial or a lost connection of generation gen.
func (m *Manager) dropped(c *connection, gen uint64, cause error) {
	m.mu.Lock()
	if c.gen != gen || c.state == stateIdle {
		m.mu.Unlock()
		return
	}
	wasOpen := c.state == stateOpen
	m.teardownLocked(c)

	var retryIn time.Duration
	if !c.manualClose && !m.closed && m.opts.AutoReconnect {
		if c.backoff == nil {
			c.backoff = m.newBackoff()
		}
		retryIn, _ = c.backoff.Next()
		url := c.url
		c.reconnectTimer = time.AfterFunc(retryIn, func() { m.reconnect(url) })
	}
	n := m.openCountLocked()
	m.mu.Unlock()

	metrics.SetRelayConnections(n)
	if retryIn > 0 {
		metrics.RelayReconnect()
	}
	log.Warn("relay connection dropped",
		zap.String("relay", c.url),
		zap.Bool("was_open", wasOpen),
		zap.Duration("retry_in", retryIn),
		zap.Error(cause),
	)
	m.emit(Closed{URL: c.url, Err: cause, RetryIn: retryIn})
}

func (m *Manager) reconnect(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[url]
	if !ok || m.closed || c.manualClose || c.state != stateIdle {
		return
	}
	c.reconnectTimer = nil
	m.dialLocked(c)
}

func (m *Manager) teardownLocked(c *connection) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.send = nil
	c.state = stateIdle
	c.gen++
}

func (m *Manager) newBackoff() retry.Backoff {
	b := retry.NewExponential(m.opts.BaseDelay)
	if m.opts.MaxDelay > 0 {
		b = retry.WithCappedDuration(m.opts.MaxDelay, b)
	}
	if m.opts.Jitter > 0 {
		b = retry.WithJitter(m.opts.Jitter, b)
	}
	return b
}

func (m *Manager) broadcastLocked(payload []byte) []string {
	var sent []string
	for _, url := range m.connectedLocked() {
		if m.enqueueLocked(m.conns[url], payload) {
			sent = append(sent, url)
		}
	}
	return sent
}

func (m *Manager) enqueueLocked(c *connection, payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		log.Warn("relay send buffer full, dropping frame", zap.String("relay", c.url))
		return false
	}
}

func (m *Manager) connectedLocked() []string {
	var out []string
	for url, c := range m.conns {
		if c.state == stateOpen {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) openCountLocked() int {
	n := 0
	for _, c := range m.conns {
		if c.state == stateOpen {
			n++
		}
	}
	return n
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

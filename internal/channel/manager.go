package channel

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = time.Second
	DefaultReconnectMax      = 30 * time.Second
	DefaultQueueCapacity     = 100

	// CloseReasonUserLogout marks a deliberate disconnect. The manager sends
	// it in the close frame and suppresses any reconnect attempt.
	CloseReasonUserLogout = "user logout"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectWait
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectWait:
		return "reconnect-wait"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Conn is the subset of the websocket connection the manager needs.
// *websocket.Conn satisfies it; tests substitute scripted fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to the given URL.
type Dialer func(ctx context.Context, url string) (Conn, error)

// GorillaDialer dials with the default gorilla websocket dialer.
func GorillaDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds the connection tuning knobs.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	QueueCapacity     int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
}

// Manager keeps one websocket session alive against a flaky network: it
// dials, feeds received messages to the handler, heartbeats, and on any
// failure backs off exponentially and redials until told to shut down.
// Messages sent while offline are queued and flushed in order on reconnect.
type Manager struct {
	cfg    Config
	dialer Dialer
	logger *log.Logger

	onMessage func(data []byte)
	onState   func(state State)

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	conn         Conn
	attempts     int
	queue        [][]byte
	started      bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewManager(cfg Config, dialer Dialer, logger *log.Logger) *Manager {
	cfg.applyDefaults()
	if dialer == nil {
		dialer = GorillaDialer
	}
	return &Manager{
		cfg:        cfg,
		dialer:     dialer,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// SetCallbacks installs the message and state-change handlers. Must be
// called before Connect.
func (m *Manager) SetCallbacks(onMessage func([]byte), onState func(State)) {
	m.onMessage = onMessage
	m.onState = onState
}

// Connect starts the connection loop. Calling it again while the loop is
// running is a no-op.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdownCh:
			return
		default:
		}

		m.setState(StateConnecting)
		conn, err := m.dialer(ctx, m.cfg.URL)
		if err != nil {
			m.logger.Printf("Connection to %s failed: %v", m.cfg.URL, err)
			if !m.backoff(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		if m.state == StateShuttingDown {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()

		m.setState(StateConnected)
		m.logger.Printf("Connected to %s", m.cfg.URL)
		m.flushQueue()

		hbCtx, hbCancel := context.WithCancel(ctx)
		go m.heartbeat(hbCtx, conn)

		readErr := m.readLoop(conn)
		hbCancel()

		m.mu.Lock()
		m.conn = nil
		shuttingDown := m.state == StateShuttingDown
		m.mu.Unlock()

		if shuttingDown {
			return
		}

		m.logger.Printf("Connection lost: %v", readErr)
		m.setState(StateDisconnected)
		if !m.backoff(ctx) {
			return
		}
	}
}

// backoff bumps the attempt counter, waits the corresponding delay, and
// reports whether the loop should keep going.
func (m *Manager) backoff(ctx context.Context) bool {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	delay := backoffDelay(attempt, m.cfg.ReconnectBase, m.cfg.ReconnectMax)
	m.logger.Printf("Reconnect attempt %d in %s", attempt, delay)
	m.setState(StateReconnectWait)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.shutdownCh:
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay doubles from base per attempt and saturates at max. The
// attempt count is unbounded; overflow saturates too.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 63 {
		return max
	}
	d := base << uint(attempt-1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func (m *Manager) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if m.onMessage != nil {
			m.onMessage(data)
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(map[string]interface{}{
				"type":      "ping",
				"timestamp": time.Now().UnixMilli(),
			})
			if err != nil {
				return
			}
			// A failed ping is logged only; the read loop owns detecting
			// a dead connection.
			if err := m.write(conn, data); err != nil {
				m.logger.Printf("Heartbeat failed: %v", err)
			}
		}
	}
}

func (m *Manager) write(conn Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send delivers a message when connected, otherwise queues it for the next
// connection. A full queue drops the new message. A write failure puts the
// message back at the head of the queue so ordering survives the retry.
func (m *Manager) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode outbound message")
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected && conn != nil
	if !connected {
		m.enqueueLocked(data)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.write(conn, data); err != nil {
		m.mu.Lock()
		m.queue = append([][]byte{data}, m.queue...)
		m.mu.Unlock()
		return errors.Wrap(err, "failed to send message")
	}
	return nil
}

func (m *Manager) enqueueLocked(data []byte) {
	if len(m.queue) >= m.cfg.QueueCapacity {
		m.logger.Printf("Outbound queue full (%d), dropping message", m.cfg.QueueCapacity)
		return
	}
	m.queue = append(m.queue, data)
}

// flushQueue drains queued messages oldest first. On a write failure the
// message goes back to the head and the rest waits for the next connection.
func (m *Manager) flushQueue() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		conn := m.conn
		if conn == nil || m.state != StateConnected {
			m.mu.Unlock()
			return
		}
		data := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := m.write(conn, data); err != nil {
			m.logger.Printf("Failed to flush queued message: %v", err)
			m.mu.Lock()
			m.queue = append([][]byte{data}, m.queue...)
			m.mu.Unlock()
			return
		}
	}
}

// Shutdown closes the connection with the given reason and stops the loop
// for good. Safe to call more than once.
func (m *Manager) Shutdown(reason string) {
	m.mu.Lock()
	m.state = StateShuttingDown
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.shutdownOnce.Do(func() { close(m.shutdownCh) })

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		m.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, msg)
		m.writeMu.Unlock()
		conn.Close()
	}

	m.logger.Printf("Connection shut down (%s)", reason)
	if m.onState != nil {
		m.onState(StateShuttingDown)
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == StateShuttingDown {
		m.mu.Unlock()
		return
	}
	changed := m.state != state
	m.state = state
	m.mu.Unlock()

	if changed && m.onState != nil {
		m.onState(state)
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// QueueLen returns the number of queued outbound messages.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrNoToken         = errors.New("socket: auth token required")
	ErrHandshakeFailed = errors.New("socket: handshake failed")
	ErrNotConnected    = errors.New("socket: not connected")
)

const (
	defaultMaxAttempts    = 5
	defaultReconnectDelay = time.Second
	defaultDialTimeout    = 10 * time.Second
	writeWait             = 10 * time.Second
)

// Config defines connection settings for the consultation socket.
type Config struct {
	// URL is the server base URL; http(s) schemes are rewritten to ws(s) and
	// the handshake path appended.
	URL string
	// MaxAttempts bounds consecutive reconnection attempts before the
	// manager gives up and reports a terminal disconnect.
	MaxAttempts int
	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
}

// Handler consumes the data portion of a received event.
type Handler func(data json.RawMessage)

// Manager owns the single live socket for an authenticated session. All
// other components receive a reference and only subscribe or emit; the
// manager is the sole writer of the connection itself.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	token     string
	connected bool
	closing   bool
	attempts  int
	gen       int

	writeMu sync.Mutex

	subMu     sync.Mutex
	nextSubID int
	handlers  map[string]map[int]Handler
	stateSubs map[int]func(connected bool)
}

// NewManager builds a disconnected manager. Connect must be called with a
// session token before any live delivery happens.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		handlers:  make(map[string]map[int]Handler),
		stateSubs: make(map[int]func(bool)),
	}
}

// Connect establishes the socket bound to the given auth token. Calling it
// while already connected is a no-op that keeps the existing connection.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}

	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		m.logger.Debug("socket already connected")
		return nil
	}
	m.token = token
	m.closing = false
	m.attempts = 0
	m.mu.Unlock()

	conn, err := m.dial(ctx, token)
	if err != nil {
		return err
	}
	m.adopt(conn)
	return nil
}

// Disconnect tears down the socket and clears the internal reference. Safe
// to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	conn := m.conn
	m.conn = nil
	wasConnected := m.connected
	m.connected = false
	m.gen++
	m.mu.Unlock()

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	if wasConnected {
		m.logger.Info("socket disconnected")
		m.notifyState(false)
	}
}

// IsConnected reports whether live delivery is currently possible.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Emit sends one event over the live socket. Best-effort: when the socket is
// down the caller gets ErrNotConnected and decides whether that matters
// (message sends degrade to REST-only, typing signals are simply dropped).
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("socket: marshal %s: %w", event, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		return fmt.Errorf("socket: emit %s: %w", event, err)
	}
	return nil
}

// On registers a handler for a named event and returns its cancel func. The
// cancel is idempotent and must be called when the owning screen goes away.
func (m *Manager) On(event string, fn Handler) (cancel func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	m.handlers[event][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.handlers[event], id)
			m.subMu.Unlock()
		})
	}
}

// OnStateChange registers an observer of the connected flag. The observer is
// invoked on every flip, including the terminal give-up disconnect.
func (m *Manager) OnStateChange(fn func(connected bool)) (cancel func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.stateSubs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.stateSubs, id)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	endpoint, err := socketEndpoint(m.cfg.URL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		m.logger.Warn("socket handshake failed", "url", endpoint, "status", status, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return conn, nil
}

// adopt installs a freshly dialed connection and starts its read pump. When
// two dial paths race (an explicit Connect against the reconnect loop), the
// loser is discarded here so the manager never holds two live sockets.
func (m *Manager) adopt(conn *websocket.Conn) {
	m.mu.Lock()
	if m.connected && m.conn != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	prev := m.conn
	m.conn = conn
	m.connected = true
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	m.logger.Info("socket connected", "url", m.cfg.URL)
	m.notifyState(true)
	go m.readPump(conn, gen)
}

func (m *Manager) readPump(conn *websocket.Conn, gen int) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			m.onReadError(conn, gen, err)
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env Envelope) {
	m.subMu.Lock()
	fns := make([]Handler, 0, len(m.handlers[env.Event]))
	for _, fn := range m.handlers[env.Event] {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(env.Data)
	}
}

func (m *Manager) onReadError(conn *websocket.Conn, gen int, err error) {
	_ = conn.Close()

	m.mu.Lock()
	if m.gen != gen || m.closing {
		// Stale pump or an explicit Disconnect already handled teardown.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.connected = false
	token := m.token
	m.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Info("socket closed by server")
		m.notifyState(false)
		return
	}

	m.logger.Warn("socket transport error", "error", err)
	m.notifyState(false)
	m.reconnect(token)
}

// reconnect retries the same manager instance with a fixed delay up to the
// attempt ceiling, then gives up so the app keeps running in REST-only mode.
func (m *Manager) reconnect(token string) {
	for {
		m.mu.Lock()
		if m.closing || m.connected {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		if attempt > m.cfg.MaxAttempts {
			m.mu.Unlock()
			m.logger.Warn("socket reconnect attempts exhausted", "attempts", m.cfg.MaxAttempts)
			m.Disconnect()
			return
		}
		m.mu.Unlock()

		time.Sleep(m.cfg.ReconnectDelay)

		m.mu.Lock()
		if m.closing || m.connected {
			// An explicit Connect restored the socket while the loop slept.
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
		conn, err := m.dial(ctx, token)
		cancel()
		if err != nil {
			m.logger.Warn("socket reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		m.adopt(conn)
		return
	}
}

func (m *Manager) notifyState(connected bool) {
	m.subMu.Lock()
	fns := make([]func(bool), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

func socketEndpoint(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", errors.New("socket: url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("socket: parse url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socket: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/socket"
	}
	return parsed.String(), nil
}

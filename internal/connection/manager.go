// ABOUTME: ConnectionManager owns the WebSocket lifecycle: connect, heartbeat, bounded reconnect, teardown
// ABOUTME: Tracks DISCONNECTED -> CONNECTING -> CONNECTED -> SUBSCRIBED and queues sends until CONNECTED

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/2389/ums-session/internal/auth"
	"github.com/2389/ums-session/internal/metrics"
	"github.com/2389/ums-session/internal/protocol"
)

// Connection errors
var (
	// ErrConnection wraps a failed first connect and is reported once the reconnect
	// budget is exhausted.
	ErrConnection = errors.New("connection failed")
	// ErrNoSocket is returned by Send when no socket exists or is being opened.
	ErrNoSocket = errors.New("no socket")
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateSubscribed   State = "SUBSCRIBED"
)

// RefreshFunc produces a fresh credential after the current one was rejected.
type RefreshFunc func(ctx context.Context) (*auth.Credential, error)

// Config holds connection tuning.
type Config struct {
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	MaxRetries        int
	DialTimeout       time.Duration
	Client            protocol.ClientProperties
}

// Manager owns one logical connection across reconnects.
type Manager struct {
	cfg     Config
	dialer  Dialer
	refresh RefreshFunc
	builder *protocol.Builder
	clock   clock.Clock
	logger  *slog.Logger

	onMessage func(protocol.Frame)
	onState   func(State)
	onGiveUp  func(error)

	mu         sync.Mutex
	state      State
	sock       Socket
	gen        int // bumped per socket so stale readers are ignored
	cred       *auth.Credential
	stale      bool // credential was rejected; refresh before the next dial
	closed     bool // Close was called
	queue      []*protocol.Request
	retries    backoff.BackOff
	retryTimer *clock.Timer
	heartbeat  *clock.Timer
	lastErr    error
}

// New creates a Manager. Pass nil clock for the wall clock and nil logger for default.
func New(cfg Config, dialer Dialer, refresh RefreshFunc, builder *protocol.Builder, c clock.Clock, logger *slog.Logger) *Manager {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		refresh: refresh,
		builder: builder,
		clock:   c,
		logger:  logger.With("component", "connection"),
		state:   StateDisconnected,
		retries: retryPolicy(cfg),
	}
}

// retryPolicy allows MaxRetries reconnects spaced RetryDelay apart. The budget is
// reset whenever the connection reaches CONNECTED.
func retryPolicy(cfg Config) backoff.BackOff {
	if cfg.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryDelay), uint64(cfg.MaxRetries))
}

// OnMessage sets the handler for decoded inbound frames. It runs on the socket reader
// goroutine and must not block for long.
func (m *Manager) OnMessage(fn func(protocol.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// OnStateChange sets a callback invoked after every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// OnGiveUp sets a callback invoked once the reconnect budget is exhausted.
func (m *Manager) OnGiveUp(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onGiveUp = fn
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the socket and sends the init frame. Failures of this first attempt
// are returned to the caller; later drops go through the reconnect policy.
func (m *Manager) Connect(ctx context.Context, cred *auth.Credential) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return fmt.Errorf("connect while %s", m.state)
	}
	m.closed = false
	m.stale = false
	m.cred = cred
	m.retries.Reset()
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	if err := m.open(ctx, cred); err != nil {
		m.mu.Lock()
		notify := m.setStateLocked(StateDisconnected)
		m.queue = nil
		m.mu.Unlock()
		notify()
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return nil
}

// Send writes a request, or queues it while the connection is being established.
func (m *Manager) Send(req *protocol.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateConnected, StateSubscribed:
		return m.writeLocked(req)
	case StateConnecting:
		m.queue = append(m.queue, req)
		return nil
	default:
		return fmt.Errorf("%w: cannot send %s while %s", ErrNoSocket, req.Purpose(), m.state)
	}
}

// Close tears the connection down without reconnecting.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.gen++
	m.stopTimersLocked()
	m.queue = nil
	sock := m.sock
	m.sock = nil
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	notify()

	if sock == nil {
		return nil
	}
	_ = sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return sock.Close()
}

func (m *Manager) open(ctx context.Context, cred *auth.Credential) error {
	rawURL, err := SocketURL(cred)
	if err != nil {
		return err
	}

	dialCtx := ctx
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}

	sock, err := m.dialer.Dial(dialCtx, rawURL)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = sock.Close()
		return fmt.Errorf("%w: closed while dialing", ErrNoSocket)
	}
	m.gen++
	gen := m.gen
	m.sock = sock
	m.cred = cred
	err = m.writeLocked(m.builder.InitConnection(cred.Token, m.cfg.Client))
	m.mu.Unlock()

	if err != nil {
		_ = sock.Close()
		return err
	}

	m.logger.Debug("socket opened", "url", rawURL, "tier", cred.Tier.String())
	go m.readLoop(sock, gen)
	return nil
}

func (m *Manager) readLoop(sock Socket, gen int) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			metrics.ProtocolErrors.Inc()
			m.logger.Warn("dropping frame", "error", err)
			continue
		}
		metrics.FramesReceived.WithLabelValues(frameKind(frame)).Inc()

		if resp, ok := frame.(*protocol.Response); ok && !m.observe(gen, resp) {
			continue
		}

		m.mu.Lock()
		handler := m.onMessage
		current := gen == m.gen
		m.mu.Unlock()
		if handler != nil && current {
			handler(frame)
		}
	}
}

// observe applies responses that drive the state machine. It returns false for
// frames that must not reach the message handler.
func (m *Manager) observe(gen int, resp *protocol.Response) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}

	var notify func()
	switch resp.Purpose() {
	case protocol.ReqInitConnection:
		if !resp.OK() {
			m.logger.Warn("init rejected", "code", resp.Code)
			m.stale = true
			sock := m.sock
			m.mu.Unlock()
			if sock != nil {
				_ = sock.Close()
			}
			return false
		}
		m.retries.Reset()
		notify = m.setStateLocked(StateConnected)
		m.flushLocked()
		m.scheduleHeartbeatLocked()
	case protocol.ReqSubscribeConversations:
		if resp.OK() && m.state == StateConnected {
			notify = m.setStateLocked(StateSubscribed)
		}
	}
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
	return true
}

func (m *Manager) handleDrop(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}

	m.sock = nil
	m.stopTimersLocked()
	if isAuthClose(err) {
		m.stale = true
	}

	if isNormalClose(err) {
		m.logger.Info("socket closed by server")
		m.queue = nil
		notify := m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		notify()
		return
	}

	m.logger.Warn("socket dropped", "error", err, "credential_stale", m.stale)
	m.lastErr = err
	notify := m.scheduleRetryLocked()
	m.mu.Unlock()
	notify()
}

// scheduleRetryLocked arms the reconnect timer, or gives up when the budget is spent.
func (m *Manager) scheduleRetryLocked() func() {
	delay := m.retries.NextBackOff()
	if delay == backoff.Stop {
		metrics.ReconnectsExhausted.Inc()
		m.queue = nil
		notify := m.setStateLocked(StateDisconnected)
		giveUp := m.onGiveUp
		err := fmt.Errorf("%w: reconnect attempts exhausted after %d retries: %v", ErrConnection, m.cfg.MaxRetries, m.lastErr)
		m.logger.Error("giving up on connection", "error", err)
		return func() {
			notify()
			if giveUp != nil {
				giveUp(err)
			}
		}
	}

	metrics.ReconnectAttempts.Inc()
	notify := m.setStateLocked(StateConnecting)
	m.retryTimer = m.clock.AfterFunc(delay, m.reconnect)
	return notify
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	cred := m.cred
	stale := m.stale
	m.mu.Unlock()

	ctx := context.Background()
	if stale {
		fresh, err := m.refresh(ctx)
		if err != nil {
			m.retryAfter(fmt.Errorf("refreshing credential: %w", err))
			return
		}
		cred = fresh
		m.mu.Lock()
		m.stale = false
		m.mu.Unlock()
	}

	if err := m.open(ctx, cred); err != nil {
		m.retryAfter(err)
	}
}

func (m *Manager) retryAfter(err error) {
	m.logger.Warn("reconnect attempt failed", "error", err)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if errors.Is(err, auth.ErrAuth) {
		m.stale = true
	}
	m.lastErr = err
	notify := m.scheduleRetryLocked()
	m.mu.Unlock()
	notify()
}

func (m *Manager) scheduleHeartbeatLocked() {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	gen := m.gen
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.sock == nil {
			return
		}
		m.scheduleHeartbeatLocked()
		if err := m.writeLocked(m.builder.GetClock()); err != nil {
			m.logger.Warn("heartbeat failed", "error", err)
		}
	})
}

func (m *Manager) stopTimersLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) flushLocked() {
	queued := m.queue
	m.queue = nil
	for _, req := range queued {
		if err := m.writeLocked(req); err != nil {
			m.logger.Warn("dropping queued frame", "purpose", req.Purpose(), "error", err)
		}
	}
}

func (m *Manager) writeLocked(req *protocol.Request) error {
	if m.sock == nil {
		return fmt.Errorf("%w: cannot send %s", ErrNoSocket, req.Purpose())
	}
	data, err := req.Encode()
	if err != nil {
		return err
	}
	if err := m.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", req.Purpose(), err)
	}
	metrics.FramesSent.WithLabelValues(req.Purpose()).Inc()
	return nil
}

// setStateLocked records the transition and returns the notification to run after
// the lock is released.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.logger.Debug("state change", "from", m.state, "to", s)
	m.state = s
	metrics.RecordConnectionState(string(s))
	fn := m.onState
	return func() {
		if fn != nil {
			fn(s)
		}
	}
}

// retryScheduled reports whether a reconnect timer is armed.
func (m *Manager) retryScheduled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryTimer != nil
}

func frameKind(f protocol.Frame) string {
	switch f.(type) {
	case *protocol.Response:
		return protocol.KindResponse
	case *protocol.ConversationChangeNotification:
		return protocol.TypeConversationChange
	case *protocol.MessagingEventNotification:
		return protocol.TypeMessagingEvent
	case *protocol.UploadTokenNotification:
		return protocol.TypeUploadToken
	case *protocol.FileUploadNotification:
		return protocol.TypeFileUpload
	default:
		return "unknown"
	}
}

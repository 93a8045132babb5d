// ABOUTME: Tests for the connection state machine, send queueing, heartbeat and reconnect budget
// ABOUTME: Uses scripted in-memory sockets and a mock clock

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ums-session/internal/auth"
	"github.com/2389/ums-session/internal/protocol"
)

type readResult struct {
	data []byte
	err  error
}

// fakeSocket is fed inbound frames through push and records every write.
type fakeSocket struct {
	in   chan readResult
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	written []map[string]any
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan readResult, 16), done: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case r := <-s.in:
		return websocket.TextMessage, r.data, r.err
	case <-s.done:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, frame)
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSocket) push(raw string) {
	s.in <- readResult{data: []byte(raw)}
}

func (s *fakeSocket) fail(err error) {
	s.in <- readResult{err: err}
}

// ids returns the ids of written requests in order.
func (s *fakeSocket) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.written))
	for _, f := range s.written {
		id, _ := f["id"].(string)
		out = append(out, id)
	}
	return out
}

func (s *fakeSocket) initJWT() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.written {
		if f["id"] == protocol.ReqInitConnection {
			body, _ := f["body"].(map[string]any)
			jwt, _ := body["jwt"].(string)
			return jwt
		}
	}
	return ""
}

// fakeDialer hands out sockets in order; a nil entry fails the dial.
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	urls    []string
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if len(d.sockets) == 0 {
		return nil, errors.New("connection refused")
	}
	s := d.sockets[0]
	d.sockets = d.sockets[1:]
	if s == nil {
		return nil, errors.New("connection refused")
	}
	return s, nil
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

const (
	testRetryDelay = 2 * time.Second
	testHeartbeat  = 60 * time.Second
)

func testCredential(token string) *auth.Credential {
	return &auth.Credential{
		AccountID: "acc-1",
		Token:     token,
		Domains:   auth.Domains{auth.ServiceMessaging: "ws://msg.test"},
	}
}

type harness struct {
	mgr    *Manager
	dialer *fakeDialer
	clock  *clock.Mock

	mu       sync.Mutex
	frames   []protocol.Frame
	states   []State
	gaveUp   error
	refreshN int
}

func newHarness(t *testing.T, maxRetries int, sockets ...*fakeSocket) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{sockets: sockets}, clock: clock.NewMock()}
	refresh := func(ctx context.Context) (*auth.Credential, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.refreshN++
		return testCredential("fresh-token"), nil
	}
	cfg := Config{
		HeartbeatInterval: testHeartbeat,
		RetryDelay:        testRetryDelay,
		MaxRetries:        maxRetries,
	}
	h.mgr = New(cfg, h.dialer, refresh, protocol.NewBuilder("acc-1"), h.clock, nil)
	h.mgr.OnMessage(func(f protocol.Frame) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.frames = append(h.frames, f)
	})
	h.mgr.OnStateChange(func(s State) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, s)
	})
	h.mgr.OnGiveUp(func(err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.gaveUp = err
	})
	t.Cleanup(func() { _ = h.mgr.Close() })
	return h
}

func (h *harness) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *harness) givenUp() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gaveUp
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.mgr.State() == want }, time.Second, time.Millisecond,
		"state never became %s", want)
}

const initAck = `{"kind":"resp","reqId":"init-connection","code":200}`

func TestManager_ConnectHandshake(t *testing.T) {
	sock := newFakeSocket()
	h := newHarness(t, 3, sock)

	require.NoError(t, h.mgr.Connect(context.Background(), testCredential("tok-1")))
	assert.Equal(t, StateConnecting, h.mgr.State())
	assert.Equal(t, []string{protocol.ReqInitConnection}, sock.ids())
	assert.Equal(t, "tok-1", sock.initJWT())
	assert.Equal(t, "ws://msg.test/ws_api/account/acc-1/messaging/consumer?v=3", h.dialer.urls[0])

	sock.push(initAck)
	h.waitState(t, StateConnected)

	sock.push(`{"kind":"resp","reqId":"subscribe-ex-conversations","code":200}`)
	h.waitState(t, StateSubscribed)

	require.Eventually(t, func() bool { return h.frameCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateSubscribed}, h.states)
}

func TestManager_SendQueuesWhileConnecting(t *testing.T) {
	sock := newFakeSocket()
	h := newHarness(t, 3, sock)
	b := protocol.NewBuilder("acc-1")

	require.NoError(t, h.mgr.Connect(context.Background(), testCredential("tok")))
	require.NoError(t, h.mgr.Send(b.GetUserProfile()))
	assert.Equal(t, []string{protocol.ReqInitConnection}, sock.ids(), "queued until init ack")

	sock.push(initAck)
	require.Eventually(t, func() bool { return len(sock.ids()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, protocol.ReqGetUserProfile, sock.ids()[1])
}

func TestManager_SendWithoutSocket(t *testing.T) {
	h := newHarness(t, 3)

	err := h.mgr.Send(protocol.NewBuilder("acc-1").GetUserProfile())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestManager_ConnectFailureReturned(t *testing.T) {
	h := newHarness(t, 3)

	err := h.mgr.Connect(context.Background(), testCredential("tok"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateDisconnected, h.mgr.State())
	assert.False(t, h.mgr.retryScheduled(), "first attempt failures are the caller's to handle")
}

func TestManager_InitRejectedDropsFrame(t *testing.T) {
	sock := newFakeSocket()
	h := newHarness(t, 3, sock)

	require.NoError(t, h.mgr.Connect(context.Background(), testCredential("tok")))
	sock.push(`{"kind":"resp","reqId":"init-connection","code":401}`)

	require.Eventually(t, h.mgr.retryScheduled, time.Second, time.Millisecond)
	assert.Equal(t, 0, h.frameCount(), "rejected init ack is not forwarded")
}

func TestManager_ReconnectBounded(t *testing.T) {
	sock := newFakeSocket()
	const maxRetries = 3
	h := newHarness(t, maxRetries, sock)

	require.NoError(t, h.mgr.Connect(context.Background(), testCredential("tok")))
	sock.push(initAck)
	h.waitState(t, StateConnected)

	sock.fail(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})

	for i := 1; i <= maxRetries; i++ {
		require.Eventually(t, h.mgr.retryScheduled, time.Second, time.Millisecond, "retry %d not scheduled", i)
		h.clock.Add(testRetryDelay)
		want := 1 + i
		require.Eventually(t, func() bool { return h.dialer.attempts() == want }, time.Second, time.Millisecond)
	}

	require.Eventually(t, func() bool { return h.givenUp() != nil }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.givenUp(), ErrConnection)
	assert.Equal(t, StateDisconnected, h.mgr.State())
	assert.False(t, h.mgr.retryScheduled())

	h.clock.Add(10 * testRetryDelay)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1+maxRetries, h.dialer.attempts(), "no attempts after the budget is spent")
}

func TestManager_ReconnectResetsBudgetOnConnected(t *testing.T) {
	first, second := newFakeSocket(), newFakeSocket()
	h := newHarness(t, 1, first, second)

	require.NoError(t, h.mgr.Connect(context.Background(), testCredential("tok")))
	first.push(initAck)
	h.waitState(t, StateConnected)

	first.fail(&websocket.CloseError{Code: websocket.CloseGoingAway})
	require.Eventually(t, h.mgr.retryScheduled, time.Second, time.Millisecond)
	h.clock.Add(testRetryDelay)

	require.Eventually(t, func() bool { return len(second.ids()) == 1 }, time.Second, time.Millisecond)
	second.push(initAck)
	h.waitState(t, StateConnected)

	second.fail(&websocket.CloseError{Code: websocket.CloseGoingAway})
	require.Eventually(t, h.mgr.retryScheduled, time.Second, time.Millisecond,
		"the single retry is available again after reaching CONNECTED")
}

func TestManager_AuthCloseRefreshesCredential(t *testing.T) {
	first, second := newFakeSocket(), newFakeSocket()
	h := newHarness(t, 3, first, second)

	require.NoError(t, h.mgr.Connect(context.Background(), testCredential("old-token")))
	first.push(initAck)
	h.waitState(t, StateConnected)

	first.fail(&websocket.CloseError{Code: CloseInvalidToken, Text: "token expired"})
	require.Eventually(t, h.mgr.retryScheduled, time.Second, time.Millisecond)
	h.clock.Add(testRetryDelay)

	require.Eventually(t, func() bool { return second.initJWT() != "" }, time.Second, time.Millisecond)
	assert.Equal(t, "fresh-token", second.initJWT())
	h.mu.Lock()
	assert.Equal(t, 1, h.refreshN)
	h.mu.Unlock()
}

func TestManager_NormalCloseDoesNotRetry(t *testing.T) {
	sock := newFakeSocket()
	h := newHarness(t, 3, sock)

	require.NoError(t, h.mgr.Connect(context.Background(), testCredential("tok")))
	sock.push(initAck)
	h.waitState(t, StateConnected)

	sock.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure})
	h.waitState(t, StateDisconnected)
	assert.False(t, h.mgr.retryScheduled())
}

func TestManager_HeartbeatStopsOnClose(t *testing.T) {
	sock := newFakeSocket()
	h := newHarness(t, 3, sock)

	require.NoError(t, h.mgr.Connect(context.Background(), testCredential("tok")))
	sock.push(initAck)
	h.waitState(t, StateConnected)

	h.clock.Add(testHeartbeat)
	require.Eventually(t, func() bool {
		ids := sock.ids()
		return len(ids) == 2 && ids[1] == protocol.ReqGetClock
	}, time.Second, time.Millisecond)

	h.clock.Add(testHeartbeat)
	require.Eventually(t, func() bool { return len(sock.ids()) == 3 }, time.Second, time.Millisecond)

	require.NoError(t, h.mgr.Close())
	h.clock.Add(3 * testHeartbeat)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, sock.ids(), 3)
	assert.Equal(t, StateDisconnected, h.mgr.State())
}

func TestManager_ProtocolErrorsDropped(t *testing.T) {
	sock := newFakeSocket()
	h := newHarness(t, 3, sock)

	require.NoError(t, h.mgr.Connect(context.Background(), testCredential("tok")))
	sock.push(`{"kind":"notification","type":"mystery"}`)
	sock.push(`not json`)
	sock.push(initAck)

	h.waitState(t, StateConnected)
	require.Eventually(t, func() bool { return h.frameCount() == 1 }, time.Second, time.Millisecond)
}

func TestIsAuthClose(t *testing.T) {
	assert.True(t, isAuthClose(&websocket.CloseError{Code: CloseInvalidToken}))
	assert.True(t, isAuthClose(&websocket.CloseError{Code: 4000, Text: "Invalid Token"}))
	assert.False(t, isAuthClose(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.False(t, isAuthClose(errors.New("token")))
}

func TestSocketURL(t *testing.T) {
	u, err := SocketURL(&auth.Credential{AccountID: "acc 1", Domains: auth.Domains{auth.ServiceMessaging: "msg.example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "wss://msg.example.com/ws_api/account/acc%201/messaging/consumer?v=3", u)

	_, err = SocketURL(&auth.Credential{AccountID: "acc-1"})
	assert.Error(t, err)
}

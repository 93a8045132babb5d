// ABOUTME: Scripted socket and dialer that play a replay Script to the connection manager
// ABOUTME: Outbound frames are recorded so scripts and tests can gate on them

package replay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/2389/ums-session/internal/auth"
	"github.com/2389/ums-session/internal/connection"
	"github.com/2389/ums-session/internal/protocol"
)

// Sent is one request written by the client.
type Sent struct {
	ID      string
	Type    string
	Purpose string
	Body    json.RawMessage
}

// Socket plays a script. It implements connection.Socket.
type Socket struct {
	steps []Step
	clock clock.Clock

	mu       sync.Mutex
	sent     []Sent
	consumed []bool        // parallel to sent; set once an Expect matched the frame
	changed  chan struct{} // closed and replaced on every write or injection
	next     int
	injected [][]byte

	done chan struct{}
	once sync.Once
}

// NewSocket creates a socket playing script. Nil clock uses the wall clock.
func NewSocket(script *Script, c clock.Clock) *Socket {
	if c == nil {
		c = clock.New()
	}
	return &Socket{
		steps:   script.Steps,
		clock:   c,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ReadMessage delivers injected frames first, then the next scripted frame. Once
// the script is exhausted it blocks until a frame is injected or the socket closes.
func (s *Socket) ReadMessage() (int, []byte, error) {
	for {
		s.mu.Lock()
		if len(s.injected) > 0 {
			data := s.injected[0]
			s.injected = s.injected[1:]
			s.mu.Unlock()
			return websocket.TextMessage, data, nil
		}
		if s.next < len(s.steps) {
			st := s.steps[s.next]
			if st.Expect == "" || s.consumeLocked(st.Expect) {
				s.mu.Unlock()
				return s.deliver(st)
			}
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-wait:
		case <-s.done:
			return 0, nil, net.ErrClosed
		}
	}
}

func (s *Socket) deliver(st Step) (int, []byte, error) {
	if st.Delay > 0 {
		select {
		case <-s.clock.After(st.Delay):
		case <-s.done:
			return 0, nil, net.ErrClosed
		}
	}

	s.mu.Lock()
	s.next++
	s.mu.Unlock()

	if st.Close != 0 {
		return 0, nil, &websocket.CloseError{Code: st.Close, Text: st.Reason}
	}
	return websocket.TextMessage, st.data, nil
}

// Inject queues a server frame ahead of the remaining script.
func (s *Socket) Inject(data []byte) {
	s.mu.Lock()
	s.injected = append(s.injected, data)
	s.signalLocked()
	s.mu.Unlock()
}

func (s *Socket) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// consumeLocked marks the earliest unconsumed request with purpose. Requests written
// concurrently may arrive in either order, so matching ignores position.
func (s *Socket) consumeLocked(purpose string) bool {
	for i, sent := range s.sent {
		if !s.consumed[i] && sent.Purpose == purpose {
			s.consumed[i] = true
			return true
		}
	}
	return false
}

// WriteMessage records an outbound request.
func (s *Socket) WriteMessage(messageType int, data []byte) error {
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}

	var req struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	s.mu.Lock()
	s.sent = append(s.sent, Sent{ID: req.ID, Type: req.Type, Purpose: protocol.PurposeOf(req.ID), Body: req.Body})
	s.consumed = append(s.consumed, false)
	s.signalLocked()
	s.mu.Unlock()
	return nil
}

// Close ends the socket.
func (s *Socket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Sent returns every request written so far.
func (s *Socket) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sent, len(s.sent))
	copy(out, s.sent)
	return out
}

// Finished reports whether every step was delivered.
func (s *Socket) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next >= len(s.steps)
}

// Dialer opens a fresh Socket for every dial, replaying the script from the start.
type Dialer struct {
	Script *Script
	Clock  clock.Clock

	mu      sync.Mutex
	sockets []*Socket
}

// Dial implements connection.Dialer.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (connection.Socket, error) {
	if d.Script == nil {
		return nil, errors.New("replay: no script")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := NewSocket(d.Script, d.Clock)
	d.mu.Lock()
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()
	return s, nil
}

// Last returns the most recently dialed socket.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// Broker hands out the script's credential. It implements the engine's credential
// source so replays never touch the network.
type Broker struct {
	Script *Script
}

// Credential returns the offline credential.
func (b Broker) Credential(ctx context.Context, accountID string) (*auth.Credential, error) {
	cred := b.Script.Credential()
	if accountID != "" {
		cred.AccountID = accountID
	}
	return cred, nil
}

// Reset is a no-op.
func (b Broker) Reset(ctx context.Context) error {
	return nil
}

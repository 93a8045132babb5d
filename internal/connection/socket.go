// ABOUTME: Socket and Dialer abstractions over the WebSocket transport
// ABOUTME: The gorilla/websocket implementation dials the consumer messaging endpoint

package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/ums-session/internal/auth"
)

// CloseInvalidToken is the close code the backend uses for rejected credentials.
const CloseInvalidToken = 4401

// Socket is one open WebSocket. *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Socket, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket to rawURL.
func (d WebsocketDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", rawURL, err)
	}
	return conn, nil
}

// SocketURL builds the consumer messaging endpoint from the credential's domains.
func SocketURL(cred *auth.Credential) (string, error) {
	host := cred.Domains.Get(auth.ServiceMessaging)
	if host == "" {
		return "", fmt.Errorf("no %s domain for account %s", auth.ServiceMessaging, cred.AccountID)
	}
	if !strings.Contains(host, "://") {
		host = "wss://" + host
	}
	return fmt.Sprintf("%s/ws_api/account/%s/messaging/consumer?v=3",
		strings.TrimSuffix(host, "/"), url.PathEscape(cred.AccountID)), nil
}

// isAuthClose reports whether the socket closed because the credential was rejected.
func isAuthClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == CloseInvalidToken || strings.Contains(strings.ToLower(ce.Text), "token")
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

// ABOUTME: Tests for replay script parsing and the scripted socket's gating and delays
// ABOUTME: Delays run against a mock clock

package replay

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ums-session/internal/protocol"
)

const testScript = `
account: acc-1
skill: billing
steps:
  - expect: init-connection
    frame: {kind: resp, reqId: init-connection, code: 200}
  - expect: get-user-profile
    after: 5s
    frame:
      kind: resp
      reqId: get-user-profile
      code: 200
      body: {userId: U1}
  - raw: '{"kind":"notification","type":"messaging-event-notification","body":{"changes":[]}}'
  - close: 4401
    reason: token expired
`

func write(t *testing.T, s *Socket, req *protocol.Request) {
	t.Helper()
	data, err := req.Encode()
	require.NoError(t, err)
	require.NoError(t, s.WriteMessage(websocket.TextMessage, data))
}

type readResult struct {
	data []byte
	err  error
}

func readAsync(s *Socket) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		_, data, err := s.ReadMessage()
		ch <- readResult{data, err}
	}()
	return ch
}

func TestParse(t *testing.T) {
	s, err := Parse([]byte(testScript))
	require.NoError(t, err)
	assert.Equal(t, "acc-1", s.Account)
	assert.Equal(t, "billing", s.Skill)
	require.Len(t, s.Steps, 4)
	assert.Equal(t, 5*time.Second, s.Steps[1].Delay)
	assert.JSONEq(t, `{"kind":"resp","reqId":"get-user-profile","code":200,"body":{"userId":"U1"}}`, string(s.Steps[1].data))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"empty step", "steps:\n  - expect: init-connection\n"},
		{"bad delay", "steps:\n  - after: soon\n    close: 1000\n"},
		{"bad raw", "steps:\n  - raw: '{nope'\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.script))
			assert.Error(t, err)
		})
	}
}

func TestSocket_GatesOnExpectAndDelays(t *testing.T) {
	script, err := Parse([]byte(testScript))
	require.NoError(t, err)
	mock := clock.NewMock()
	s := NewSocket(script, mock)
	b := protocol.NewBuilder("acc-1")

	first := readAsync(s)
	select {
	case <-first:
		t.Fatal("frame delivered before init was sent")
	case <-time.After(20 * time.Millisecond):
	}
	write(t, s, b.InitConnection("jwt", protocol.ClientProperties{}))
	r := <-first
	require.NoError(t, r.err)
	assert.Contains(t, string(r.data), "init-connection")

	second := readAsync(s)
	write(t, s, b.GetUserProfile())
	select {
	case <-second:
		t.Fatal("delayed frame delivered early")
	case <-time.After(20 * time.Millisecond):
	}
	mock.Add(5 * time.Second)
	r = <-second
	require.NoError(t, r.err)
	assert.Contains(t, string(r.data), "U1")

	r = <-readAsync(s)
	require.NoError(t, r.err)
	assert.Contains(t, string(r.data), "messaging-event-notification")

	r = <-readAsync(s)
	var ce *websocket.CloseError
	require.ErrorAs(t, r.err, &ce)
	assert.Equal(t, 4401, ce.Code)
	assert.True(t, s.Finished())

	assert.Equal(t, []string{protocol.ReqInitConnection, protocol.ReqGetUserProfile},
		[]string{s.Sent()[0].Purpose, s.Sent()[1].Purpose})
}

func TestSocket_CloseUnblocksReader(t *testing.T) {
	script, err := Parse([]byte("steps:\n  - expect: never\n    close: 1000\n"))
	require.NoError(t, err)
	s := NewSocket(script, nil)

	pending := readAsync(s)
	require.NoError(t, s.Close())
	r := <-pending
	assert.Error(t, r.err)
}

func TestDialerAndBroker(t *testing.T) {
	script, err := Parse([]byte(testScript))
	require.NoError(t, err)

	d := &Dialer{Script: script}
	sock, err := d.Dial(context.Background(), "ws://replay.invalid")
	require.NoError(t, err)
	assert.Same(t, sock, d.Last())

	cred, err := Broker{Script: script}.Credential(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", cred.AccountID)
	assert.NotEmpty(t, cred.Domains.Get("asyncMessagingEnt"))
}

func TestSocket_InjectAfterScript(t *testing.T) {
	script, err := Parse([]byte("steps:\n  - frame: {kind: resp, reqId: get-clock, code: 200}\n"))
	require.NoError(t, err)
	s := NewSocket(script, nil)

	r := <-readAsync(s)
	require.NoError(t, r.err)

	pending := readAsync(s)
	s.Inject([]byte(`{"kind":"resp","reqId":"extra","code":200}`))
	r = <-pending
	require.NoError(t, r.err)
	assert.Contains(t, string(r.data), "extra")
}

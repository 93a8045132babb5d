// ABOUTME: Tests for the message timeline: idempotent append, receipts and status updates
// ABOUTME: Uses a recording sender in place of the socket

package messages

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ums-session/internal/dedupe"
	"github.com/2389/ums-session/internal/protocol"
)

type recordingSender struct {
	sent []*protocol.Request
	err  error
}

func (r *recordingSender) Send(req *protocol.Request) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, req)
	return nil
}

// receipts returns (status, sequences) for each receipt sent.
func (r *recordingSender) receipts() []receipt {
	var out []receipt
	for _, req := range r.sent {
		body, ok := req.Body.(map[string]any)
		if !ok {
			continue
		}
		event, _ := body["event"].(map[string]any)
		if event["type"] != protocol.EventAcceptStatus {
			continue
		}
		out = append(out, receipt{
			status:    event["status"].(string),
			sequences: event["sequenceList"].([]int),
		})
	}
	return out
}

type receipt struct {
	status    string
	sequences []int
}

func newTestStore() (*Store, *recordingSender) {
	sender := &recordingSender{}
	cache := dedupe.New(time.Hour, 1000, clock.NewMock())
	return NewStore(sender, protocol.NewBuilder("acc-1"), cache, nil), sender
}

func agentText(seq int, originator, text string) Message {
	return Message{
		UID:            UID(seq, "D1"),
		Sequence:       seq,
		ConversationID: "C1",
		DialogID:       "D1",
		OriginatorID:   originator,
		Role:           protocol.RoleAssignedAgent,
		Kind:           KindText,
		Text:           text,
	}
}

func TestStore_AppendIsIdempotent(t *testing.T) {
	s, sender := newTestStore()

	assert.True(t, s.Append(agentText(1, "A", "hello")))
	assert.False(t, s.Append(agentText(1, "A", "hello again")))

	require.Equal(t, 1, s.Len())
	m, ok := s.Get(UID(1, "D1"))
	require.True(t, ok)
	assert.Equal(t, "hello", m.Text)
	assert.Len(t, sender.receipts(), 1, "duplicate does not re-send receipts")
}

func TestStore_AcceptReceiptWhileHidden(t *testing.T) {
	s, sender := newTestStore()

	s.Append(agentText(1, "A", "hi"))

	assert.Equal(t, []receipt{{status: protocol.StatusAccept, sequences: []int{1}}}, sender.receipts())
	m, _ := s.Get(UID(1, "D1"))
	assert.Empty(t, m.Status)
}

func TestStore_ReadReceiptWhenVisible(t *testing.T) {
	s, sender := newTestStore()
	s.SetView(true, false)

	s.Append(agentText(1, "A", "hi"))

	assert.Equal(t, []receipt{
		{status: protocol.StatusAccept, sequences: []int{1}},
		{status: protocol.StatusRead, sequences: []int{1}},
	}, sender.receipts())
	m, _ := s.Get(UID(1, "D1"))
	assert.Equal(t, protocol.StatusRead, m.Status)
}

func TestStore_MinimizedDefersRead(t *testing.T) {
	s, sender := newTestStore()
	s.SetView(true, true)

	s.Append(agentText(1, "A", "one"))
	s.Append(agentText(2, "A", "two"))
	assert.Len(t, sender.receipts(), 2, "only ACCEPT receipts")

	s.SetView(true, false)
	got := sender.receipts()
	require.Len(t, got, 3)
	assert.Equal(t, receipt{status: protocol.StatusRead, sequences: []int{1, 2}}, got[2])

	s.SetView(false, false)
	s.SetView(true, false)
	assert.Len(t, sender.receipts(), 3, "READ is sent once")
}

func TestStore_NoReceiptsForConsumerOrLocal(t *testing.T) {
	s, sender := newTestStore()
	s.SetView(true, false)

	own := agentText(1, "me", "mine")
	own.Role = protocol.RoleConsumer
	s.Append(own)

	local := agentText(2, "system", "note")
	local.Local = true
	s.Append(local)

	assert.Empty(t, sender.receipts())
}

func TestStore_AlreadyReadMessageNotReceipted(t *testing.T) {
	s, sender := newTestStore()
	s.SetView(true, false)

	m := agentText(1, "A", "hi")
	m.Status = protocol.StatusRead
	s.Append(m)

	assert.Equal(t, []receipt{{status: protocol.StatusAccept, sequences: []int{1}}}, sender.receipts())
}

func TestStore_FailedReceiptRetriedOnNextView(t *testing.T) {
	s, sender := newTestStore()
	s.SetView(true, false)
	sender.err = errors.New("no socket")

	s.Append(agentText(1, "A", "hi"))
	assert.Empty(t, sender.receipts())

	sender.err = nil
	s.SetView(true, false)
	assert.Equal(t, []receipt{{status: protocol.StatusRead, sequences: []int{1}}}, sender.receipts())
}

func TestStore_UpdateStatus(t *testing.T) {
	s, _ := newTestStore()

	mine := func(seq int) Message {
		m := agentText(seq, "me", "x")
		m.Role = protocol.RoleConsumer
		return m
	}
	s.Append(mine(1))
	s.Append(mine(2))
	s.Append(agentText(3, "A", "reply"))

	assert.Equal(t, 2, s.UpdateStatus("D1", "A", protocol.StatusRead, []int{1, 2, 3}),
		"the agent's own message is skipped")
	assert.Equal(t, 0, s.UpdateStatus("D1", "A", protocol.StatusAccept, []int{1}), "status never downgrades")
	assert.Equal(t, 0, s.UpdateStatus("OTHER", "A", protocol.StatusAccess, []int{1}))

	m, _ := s.Get(UID(1, "D1"))
	assert.Equal(t, protocol.StatusRead, m.Status)

	assert.Equal(t, 1, s.UpdateStatus("D1", "A", protocol.StatusNack, []int{2}))
	m, _ = s.Get(UID(2, "D1"))
	assert.Equal(t, protocol.StatusNack, m.Status)
}

func TestStore_UpdateAndFind(t *testing.T) {
	s, _ := newTestStore()
	s.Append(agentText(1, "A", "hi"))

	ok := s.Update(UID(1, "D1"), func(m *Message) {
		m.Text = "edited"
		m.UID = "ignored"
	})
	require.True(t, ok)

	m, found := s.Find(func(m Message) bool { return m.Text == "edited" })
	require.True(t, found)
	assert.Equal(t, UID(1, "D1"), m.UID)

	assert.False(t, s.Update("missing", func(*Message) {}))
}

func TestStore_Reset(t *testing.T) {
	s, _ := newTestStore()
	s.Append(agentText(1, "A", "hi"))
	s.Reset()

	assert.Equal(t, 0, s.Len())
	assert.True(t, s.Append(agentText(1, "A", "hi")), "uid can be stored again after reset")
}

func TestFromEvent(t *testing.T) {
	ev := protocol.MessagingEvent{
		Sequence:        7,
		OriginatorID:    "A",
		Role:            protocol.RoleAssignedAgent,
		ServerTimestamp: 1700000000000,
		ConversationID:  "C1",
		DialogID:        "D1",
	}
	m := FromEvent(ev, KindRich)
	assert.Equal(t, "7-D1", m.UID)
	assert.Equal(t, KindRich, m.Kind)
	assert.Equal(t, time.UnixMilli(1700000000000), m.ServerTime)
}

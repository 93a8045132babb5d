// ABOUTME: MessageStore keeps the visible timeline and sends delivery receipts
// ABOUTME: Appends are idempotent on uid; READ receipts wait until the view is visible

package messages

import (
	"log/slog"
	"sort"

	"github.com/2389/ums-session/internal/dedupe"
	"github.com/2389/ums-session/internal/metrics"
	"github.com/2389/ums-session/internal/protocol"
)

// Store is the message timeline. It is owned by the session loop and is not safe
// for concurrent use.
type Store struct {
	sender   protocol.Sender
	builder  *protocol.Builder
	receipts *dedupe.Cache
	logger   *slog.Logger

	messages []Message
	index    map[string]int // uid -> position in messages

	focused   bool
	minimized bool
	unread    []string // uids awaiting a READ receipt
}

// NewStore creates an empty timeline. receipts de-duplicates outgoing receipts and
// may be nil. Pass nil logger for default.
func NewStore(sender protocol.Sender, builder *protocol.Builder, receipts *dedupe.Cache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sender:   sender,
		builder:  builder,
		receipts: receipts,
		logger:   logger.With("component", "messages"),
		index:    make(map[string]int),
	}
}

// Append adds m unless a message with the same uid exists. It returns false for
// duplicates.
func (s *Store) Append(m Message) bool {
	if _, ok := s.index[m.UID]; ok {
		return false
	}
	s.index[m.UID] = len(s.messages)
	s.messages = append(s.messages, m)

	if m.Local || m.FromConsumer() {
		return true
	}

	s.sendReceipt(m, protocol.StatusAccept)
	if m.Status == protocol.StatusRead {
		return true
	}
	if s.Visible() {
		s.markRead([]string{m.UID})
	} else {
		s.unread = append(s.unread, m.UID)
	}
	return true
}

// Get returns the message with uid.
func (s *Store) Get(uid string) (Message, bool) {
	i, ok := s.index[uid]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// Update applies fn to the stored message with uid. The uid itself cannot change.
func (s *Store) Update(uid string, fn func(*Message)) bool {
	i, ok := s.index[uid]
	if !ok {
		return false
	}
	fn(&s.messages[i])
	s.messages[i].UID = uid
	return true
}

// Find returns the first message matching pred in timeline order.
func (s *Store) Find(pred func(Message) bool) (Message, bool) {
	for _, m := range s.messages {
		if pred(m) {
			return m, true
		}
	}
	return Message{}, false
}

// UpdateStatus applies a delivery status to messages in dialogID whose sequence is
// listed. Messages written by the status originator are skipped. It returns the
// number of messages changed.
func (s *Store) UpdateStatus(dialogID, originatorID, status string, sequences []int) int {
	want := make(map[int]bool, len(sequences))
	for _, seq := range sequences {
		want[seq] = true
	}

	changed := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.Local || m.DialogID != dialogID || !want[m.Sequence] || m.OriginatorID == originatorID {
			continue
		}
		next := advanceStatus(m.Status, status)
		if next != m.Status {
			m.Status = next
			changed++
		}
	}
	return changed
}

// Messages returns a copy of the timeline in arrival order.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	return len(s.messages)
}

// Group returns the timeline grouped into bubbles.
func (s *Store) Group() []Bubble {
	return Group(s.messages)
}

// Reset empties the timeline. Receipts already sent stay de-duplicated.
func (s *Store) Reset() {
	s.messages = nil
	s.index = make(map[string]int)
	s.unread = nil
}

// SetView records whether the conversation view is focused and minimized. Becoming
// visible flushes READ receipts for everything that arrived while hidden.
func (s *Store) SetView(focused, minimized bool) {
	s.focused = focused
	s.minimized = minimized
	if s.Visible() && len(s.unread) > 0 {
		pending := s.unread
		s.unread = nil
		s.markRead(pending)
	}
}

// Visible reports whether messages are being seen by the consumer.
func (s *Store) Visible() bool {
	return s.focused && !s.minimized
}

// markRead sends one READ receipt per dialog covering the given messages.
func (s *Store) markRead(uids []string) {
	type target struct{ conversationID, dialogID string }
	batches := make(map[target][]int)
	var order []target

	for _, uid := range uids {
		i, ok := s.index[uid]
		if !ok {
			continue
		}
		m := s.messages[i]
		if m.Status == protocol.StatusRead || s.seen(m.UID, protocol.StatusRead) {
			continue
		}
		t := target{m.ConversationID, m.DialogID}
		if _, ok := batches[t]; !ok {
			order = append(order, t)
		}
		batches[t] = append(batches[t], i)
	}

	for _, t := range order {
		positions := batches[t]
		seqs := make([]int, 0, len(positions))
		for _, i := range positions {
			seqs = append(seqs, s.messages[i].Sequence)
		}
		sort.Ints(seqs)

		req := s.builder.PublishAcceptStatus(t.conversationID, t.dialogID, protocol.StatusRead, seqs)
		if err := s.sender.Send(req); err != nil {
			s.logger.Debug("read receipt not sent", "dialog_id", t.dialogID, "error", err)
			for _, i := range positions {
				s.forget(s.messages[i].UID, protocol.StatusRead)
				s.unread = append(s.unread, s.messages[i].UID)
			}
			continue
		}
		for _, i := range positions {
			s.messages[i].Status = protocol.StatusRead
		}
		metrics.ReceiptsSent.WithLabelValues(protocol.StatusRead).Inc()
	}
}

func (s *Store) sendReceipt(m Message, status string) {
	if s.seen(m.UID, status) {
		return
	}
	req := s.builder.PublishAcceptStatus(m.ConversationID, m.DialogID, status, []int{m.Sequence})
	if err := s.sender.Send(req); err != nil {
		s.logger.Debug("receipt not sent", "uid", m.UID, "status", status, "error", err)
		s.forget(m.UID, status)
		return
	}
	metrics.ReceiptsSent.WithLabelValues(status).Inc()
}

// seen marks uid:status as sent and reports whether it already was.
func (s *Store) seen(uid, status string) bool {
	if s.receipts == nil {
		return false
	}
	return s.receipts.CheckAndMark(uid + ":" + status)
}

func (s *Store) forget(uid, status string) {
	if s.receipts != nil {
		s.receipts.Forget(uid + ":" + status)
	}
}

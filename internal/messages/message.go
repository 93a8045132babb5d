// ABOUTME: Timeline message model and the uid derivation that makes appends idempotent
// ABOUTME: One Message per server event, plus locally synthesized transcript entries

package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/ums-session/internal/protocol"
)

// Kind is the display kind of a message. Only KindText merges into shared bubbles.
type Kind string

const (
	KindText       Kind = "text"
	KindRich       Kind = "rich"
	KindFile       Kind = "file"
	KindSecureForm Kind = "secure-form"
	KindCobrowse   Kind = "cobrowse"
)

// FormState is the render state of a secure-form message.
type FormState struct {
	InvitationID string
	FormID       string
	Title        string
	URL          string
	SubmissionID string
	Submitted    bool
	Expired      bool
	ExpiresAt    time.Time
}

// CobrowseNotice describes a co-browse transcript entry.
type CobrowseNotice struct {
	ServiceID string
	Mode      string
	Action    string
	Expired   bool
}

// Message is one entry of the timeline.
type Message struct {
	UID            string
	Sequence       int
	ConversationID string
	DialogID       string
	OriginatorID   string
	Role           string
	Kind           Kind
	Status         string
	Text           string
	Content        json.RawMessage
	QuickReplies   json.RawMessage
	File           protocol.FileContent
	Form           FormState
	Cobrowse       CobrowseNotice
	ServerTime     time.Time
	// Local marks entries synthesized on the client; they never trigger receipts.
	Local bool
}

// UID derives the idempotency key for a server event.
func UID(sequence int, dialogID string) string {
	return fmt.Sprintf("%d-%s", sequence, dialogID)
}

// FromEvent builds the common fields of a message from a messaging event.
func FromEvent(ev protocol.MessagingEvent, kind Kind) Message {
	m := Message{
		UID:            UID(ev.Sequence, ev.DialogID),
		Sequence:       ev.Sequence,
		ConversationID: ev.ConversationID,
		DialogID:       ev.DialogID,
		OriginatorID:   ev.OriginatorID,
		Role:           ev.Role,
		Kind:           kind,
	}
	if ev.ServerTimestamp > 0 {
		m.ServerTime = time.UnixMilli(ev.ServerTimestamp)
	}
	return m
}

// FromConsumer reports whether the message was written by the consumer.
func (m Message) FromConsumer() bool {
	return m.Role == protocol.RoleConsumer
}

var statusRank = map[string]int{
	protocol.StatusSent:   1,
	protocol.StatusAccept: 2,
	protocol.StatusRead:   3,
	protocol.StatusAccess: 4,
}

// advanceStatus never downgrades a delivery status; NACK always wins.
func advanceStatus(current, next string) string {
	if next == protocol.StatusNack {
		return next
	}
	if statusRank[next] > statusRank[current] {
		return next
	}
	return current
}

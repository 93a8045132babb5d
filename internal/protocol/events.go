// ABOUTME: Messaging event payloads keyed by (event type, content type)
// ABOUTME: Each dialog event is decoded into exactly one Payload variant

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Event types
const (
	EventContent      = "ContentEvent"
	EventRichContent  = "RichContentEvent"
	EventAcceptStatus = "AcceptStatusEvent"
	EventChatState    = "ChatStateEvent"
)

// Content types
const (
	ContentText             = "text/plain"
	ContentSecureInvitation = "forms/secure-invitation"
	ContentSecureSubmission = "forms/secure-submission"
	ContentHostedFile       = "hosted/file"
	ContentCobrowseSignal   = "cobrowse/signal"
)

// Delivery statuses
const (
	StatusSent   = "SENT"
	StatusAccept = "ACCEPT"
	StatusRead   = "READ"
	StatusAccess = "ACCESS"
	StatusNack   = "NACK"
)

// Chat states
const (
	ChatComposing = "COMPOSING"
	ChatActive    = "ACTIVE"
	ChatPause     = "PAUSE"
)

// MessagingEvent is one dialog event with its routing metadata.
type MessagingEvent struct {
	Sequence        int
	OriginatorID    string
	Role            string
	ServerTimestamp int64
	ConversationID  string
	DialogID        string
	Payload         Payload
}

// Payload is the decoded body of a messaging event.
type Payload interface {
	payload()
}

// TextContent is a plain-text message, optionally carrying quick replies.
type TextContent struct {
	Text         string
	QuickReplies json.RawMessage
}

// SecureFormInvitation invites the consumer to fill a secure form.
type SecureFormInvitation struct {
	InvitationID string `json:"invitationId"`
	FormID       string `json:"formId"`
	Title        string `json:"title"`
}

// SecureFormSubmission reports a completed secure form.
type SecureFormSubmission struct {
	InvitationID string `json:"invitationId"`
	FormID       string `json:"formId"`
	SubmissionID string `json:"submissionId"`
}

// RichContent is a structured card rendered by the UI.
type RichContent struct {
	Content      json.RawMessage
	QuickReplies json.RawMessage
}

// FileContent references a hosted file.
type FileContent struct {
	Caption      string `json:"caption,omitempty"`
	RelativePath string `json:"relativePath"`
	FileType     string `json:"fileType,omitempty"`
	Preview      string `json:"preview,omitempty"`
}

// AcceptStatus updates the delivery status of earlier messages.
type AcceptStatus struct {
	Status    string
	Sequences []int
}

// ChatState reports typing activity.
type ChatState struct {
	State string
}

// CobrowseSignal is an out-of-band co-browse negotiation message.
type CobrowseSignal struct {
	ServiceID string `json:"serviceId"`
	Action    string `json:"action"`
}

// UnknownEvent is kept so a batch with an unrecognized event still processes in order.
type UnknownEvent struct {
	Type        string
	ContentType string
}

// MalformedEvent stands in for a recognized event whose message failed to decode.
// Its neighbours in the batch are unaffected.
type MalformedEvent struct {
	Type        string
	ContentType string
	Err         error
}

func (TextContent) payload()          {}
func (SecureFormInvitation) payload() {}
func (SecureFormSubmission) payload() {}
func (RichContent) payload()          {}
func (FileContent) payload()          {}
func (AcceptStatus) payload()         {}
func (ChatState) payload()            {}
func (CobrowseSignal) payload()       {}
func (UnknownEvent) payload()         {}
func (MalformedEvent) payload()       {}

func decodeMessagingEvent(change gjson.Result) MessagingEvent {
	ev := MessagingEvent{
		Sequence:        int(change.Get("sequence").Int()),
		OriginatorID:    change.Get("originatorId").String(),
		Role:            change.Get("originatorMetadata.role").String(),
		ServerTimestamp: change.Get("serverTimestamp").Int(),
		ConversationID:  change.Get("conversationId").String(),
		DialogID:        change.Get("dialogId").String(),
	}
	if ev.DialogID == "" {
		ev.DialogID = ev.ConversationID
	}

	event := change.Get("event")
	typ := event.Get("type").String()
	contentType := event.Get("contentType").String()

	payload, err := decodePayload(typ, contentType, event)
	if err != nil {
		ev.Payload = MalformedEvent{
			Type:        typ,
			ContentType: contentType,
			Err:         fmt.Errorf("%w: event %d (%s %s): %v", ErrProtocol, ev.Sequence, typ, contentType, err),
		}
		return ev
	}
	ev.Payload = payload
	return ev
}

func decodePayload(typ, contentType string, event gjson.Result) (Payload, error) {
	switch typ {
	case EventContent:
		message := event.Get("message")
		switch contentType {
		case ContentText, "":
			return TextContent{
				Text:         message.String(),
				QuickReplies: rawOrNil(event.Get("quickReplies")),
			}, nil
		case ContentSecureInvitation:
			var inv SecureFormInvitation
			err := unmarshalMessage(message, &inv)
			return inv, err
		case ContentSecureSubmission:
			var sub SecureFormSubmission
			err := unmarshalMessage(message, &sub)
			return sub, err
		case ContentHostedFile:
			var f FileContent
			err := unmarshalMessage(message, &f)
			return f, err
		case ContentCobrowseSignal:
			var s CobrowseSignal
			err := unmarshalMessage(message, &s)
			return s, err
		}
	case EventRichContent:
		return RichContent{
			Content:      rawOrNil(event.Get("content")),
			QuickReplies: rawOrNil(event.Get("quickReplies")),
		}, nil
	case EventAcceptStatus:
		st := AcceptStatus{Status: event.Get("status").String()}
		for _, seq := range event.Get("sequenceList").Array() {
			st.Sequences = append(st.Sequences, int(seq.Int()))
		}
		return st, nil
	case EventChatState:
		return ChatState{State: event.Get("chatState").String()}, nil
	}
	return UnknownEvent{Type: typ, ContentType: contentType}, nil
}

// unmarshalMessage accepts the message either as an object or as a JSON-encoded string.
func unmarshalMessage(message gjson.Result, v any) error {
	raw := message.Raw
	if message.Type == gjson.String {
		raw = message.String()
	}
	return json.Unmarshal([]byte(raw), v)
}

func rawOrNil(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

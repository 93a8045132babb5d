// ABOUTME: Wire types for the UMS WebSocket protocol and the tagged-union frame decoder
// ABOUTME: Frames are decoded once at the transport boundary into concrete Go types

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrProtocol is returned for frames the engine does not understand.
var ErrProtocol = errors.New("protocol error")

// Frame kinds
const (
	KindRequest      = "req"
	KindResponse     = "resp"
	KindNotification = "notification"
)

// Push notification types
const (
	TypeConversationChange = "conversation-change-notification"
	TypeMessagingEvent     = "messaging-event-notification"
	TypeUploadToken        = "upload-token-response"
	TypeFileUpload         = "file-upload-response"
)

// Request purposes. A request id is the purpose, optionally followed by ":" and a
// discriminator, so responses can be routed by purpose alone.
const (
	ReqInitConnection         = "init-connection"
	ReqGetUserProfile         = "get-user-profile"
	ReqSubscribeConversations = "subscribe-ex-conversations"
	ReqUpdateConversation     = "update-conversation-field"
	ReqCloseConversation      = ReqUpdateConversation + ".close-conversation"
	ReqStepUp                 = ReqUpdateConversation + ".step-up-authentication"
	ReqRequestConversation    = "request-conversation"
	ReqGetClock               = "get-clock"
	ReqSubscribeEvents        = "subscribe-messaging-events"
	ReqPublishEvent           = "publish-event"
	ReqUploadToken            = "generate-upload-token"
	ReqUploadURL              = "generate-upload-url"
)

// Frame is one decoded inbound frame. Concrete types are *Response,
// *ConversationChangeNotification, *MessagingEventNotification,
// *UploadTokenNotification and *FileUploadNotification.
type Frame interface {
	frame()
}

// Response answers a request previously sent by the client.
type Response struct {
	ReqID string          `json:"reqId"`
	Code  int             `json:"code"`
	Type  string          `json:"type,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

func (*Response) frame() {}

// Purpose returns the request purpose this response correlates to.
func (r *Response) Purpose() string {
	return PurposeOf(r.ReqID)
}

// OK reports whether the response carries a 2xx code.
func (r *Response) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

// DecodeBody unmarshals the response body into v.
func (r *Response) DecodeBody(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: decoding %s body: %v", ErrProtocol, r.Purpose(), err)
	}
	return nil
}

// PurposeOf strips the discriminator from a request id.
func PurposeOf(reqID string) string {
	if i := strings.IndexByte(reqID, ':'); i >= 0 {
		return reqID[:i]
	}
	return reqID
}

// Header fields shared by every push notification.
type Header struct {
	SubscriptionID string
	SentTs         int64
}

// ConversationChangeNotification reports the consumer's conversations.
type ConversationChangeNotification struct {
	Header
	Changes []ConversationChange
}

func (*ConversationChangeNotification) frame() {}

// MessagingEventNotification carries a batch of dialog events in server order.
type MessagingEventNotification struct {
	Header
	Events []MessagingEvent
}

func (*MessagingEventNotification) frame() {}

// UploadTokenNotification answers a secure-form upload-token request.
type UploadTokenNotification struct {
	Header
	Tokens []UploadToken
}

func (*UploadTokenNotification) frame() {}

// FileUploadNotification answers a file upload URL request.
type FileUploadNotification struct {
	Header
	Uploads []UploadURL
}

func (*FileUploadNotification) frame() {}

// Conversation change kinds
const (
	ChangeUpsert = "UPSERT"
	ChangeDelete = "DELETE"
)

// Conversation stages and dialog states
const (
	StageOpen  = "OPEN"
	StageClose = "CLOSE"
)

// Dialog types
const (
	DialogMain       = "MAIN"
	DialogPostSurvey = "POST_SURVEY"
	DialogOther      = "OTHER"
)

// ChannelCobrowse marks a dialog negotiating a co-browse, voice or video session.
const ChannelCobrowse = "COBROWSE"

// Participant roles
const (
	RoleConsumer      = "CONSUMER"
	RoleAssignedAgent = "ASSIGNED_AGENT"
	RoleManager       = "MANAGER"
	RoleController    = "CONTROLLER"
	RoleReader        = "READER"
)

// ConversationChange is one entry of a conversation-change notification.
type ConversationChange struct {
	Type   string             `json:"type"`
	Result ConversationResult `json:"result"`
}

// ConversationResult identifies a conversation and its details.
type ConversationResult struct {
	ConversationID string              `json:"convId"`
	Details        ConversationDetails `json:"conversationDetails"`
}

// ConversationDetails describes a conversation's lifecycle, participants and dialogs.
type ConversationDetails struct {
	BrandID      string        `json:"brandId,omitempty"`
	SkillID      string        `json:"skillId,omitempty"`
	Stage        string        `json:"stage"`
	StartTs      int64         `json:"startTs,omitempty"`
	CloseReason  string        `json:"closeReason,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Dialogs      []Dialog      `json:"dialogs,omitempty"`
}

// Participant is a role assignment inside a conversation.
type Participant struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Dialog is a sub-thread of a conversation.
type Dialog struct {
	DialogID    string          `json:"dialogId"`
	DialogType  string          `json:"dialogType"`
	ChannelType string          `json:"channelType,omitempty"`
	State       string          `json:"state"`
	MetaData    *DialogMetadata `json:"metaData,omitempty"`
}

// DialogMetadata carries co-browse negotiation details.
type DialogMetadata struct {
	Type         string `json:"type,omitempty"`
	ServiceID    string `json:"serviceId,omitempty"`
	Mode         string `json:"mode,omitempty"`
	Expires      int64  `json:"expires,omitempty"`
	SessionState string `json:"sessionState,omitempty"`
}

// UploadToken is the token used to build a signed secure-form URL.
type UploadToken struct {
	InvitationID string `json:"invitationId"`
	FormID       string `json:"formId"`
	Token        string `json:"token"`
}

// UploadURL is a signed location for a binary file upload.
type UploadURL struct {
	RequestID    string            `json:"requestId"`
	RelativePath string            `json:"relativePath"`
	QueryParams  map[string]string `json:"queryParams,omitempty"`
}

// Decode parses one inbound text frame. Unknown kinds and push types return an error
// wrapping ErrProtocol; callers log and drop those frames.
func Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed frame", ErrProtocol)
	}

	kind := gjson.GetBytes(data, "kind").String()
	switch kind {
	case KindResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("%w: decoding response: %v", ErrProtocol, err)
		}
		return &resp, nil
	case KindNotification:
		return decodeNotification(data)
	default:
		return nil, fmt.Errorf("%w: unexpected frame kind %q", ErrProtocol, kind)
	}
}

func decodeNotification(data []byte) (Frame, error) {
	typ := gjson.GetBytes(data, "type").String()
	header := Header{
		SubscriptionID: gjson.GetBytes(data, "body.subscriptionId").String(),
		SentTs:         gjson.GetBytes(data, "body.sentTs").Int(),
	}
	changes := gjson.GetBytes(data, "body.changes")

	switch typ {
	case TypeConversationChange:
		n := &ConversationChangeNotification{Header: header}
		if err := unmarshalChanges(changes, &n.Changes); err != nil {
			return nil, err
		}
		return n, nil
	case TypeMessagingEvent:
		n := &MessagingEventNotification{Header: header}
		changes.ForEach(func(_, change gjson.Result) bool {
			n.Events = append(n.Events, decodeMessagingEvent(change))
			return true
		})
		return n, nil
	case TypeUploadToken:
		n := &UploadTokenNotification{Header: header}
		if err := unmarshalChanges(changes, &n.Tokens); err != nil {
			return nil, err
		}
		return n, nil
	case TypeFileUpload:
		n := &FileUploadNotification{Header: header}
		if err := unmarshalChanges(changes, &n.Uploads); err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: unknown notification type %q", ErrProtocol, typ)
	}
}

func unmarshalChanges(changes gjson.Result, v any) error {
	if !changes.Exists() {
		return nil
	}
	if err := json.Unmarshal([]byte(changes.Raw), v); err != nil {
		return fmt.Errorf("%w: decoding changes: %v", ErrProtocol, err)
	}
	return nil
}

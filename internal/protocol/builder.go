// ABOUTME: Side-effect-free builder for outbound UMS request frames
// ABOUTME: Injected into components so frame construction can be tested without a socket

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Request is an outbound frame.
type Request struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Body any    `json:"body,omitempty"`
}

// Purpose returns the routing purpose of the request id.
func (r *Request) Purpose() string {
	return PurposeOf(r.ID)
}

// Encode serializes the request as a JSON text frame.
func (r *Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", r.Type, err)
	}
	return data, nil
}

// Sender transmits requests over the socket. *connection.Manager implements it.
type Sender interface {
	Send(req *Request) error
}

// ClientProperties describe the connecting client in the init frame.
type ClientProperties struct {
	AppID              string   `json:"appId"`
	AppVersion         string   `json:"appVersion"`
	IntegrationVersion string   `json:"integrationVersion,omitempty"`
	Features           []string `json:"features,omitempty"`
}

// ConversationContext ties a new conversation to the visitor's tracking identity.
type ConversationContext struct {
	VisitorID string `json:"visitorId"`
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
}

// Builder creates request frames for one brand (account).
type Builder struct {
	brandID string
	newID   func() string
}

// NewBuilder creates a Builder for the given account.
func NewBuilder(brandID string) *Builder {
	return &Builder{
		brandID: brandID,
		newID:   func() string { return uuid.New().String() },
	}
}

// BrandID returns the account this builder targets.
func (b *Builder) BrandID() string {
	return b.brandID
}

func (b *Builder) request(id, typ string, body any) *Request {
	return &Request{Kind: KindRequest, ID: id, Type: typ, Body: body}
}

// InitConnection authenticates the socket.
func (b *Builder) InitConnection(jwt string, props ClientProperties) *Request {
	return b.request(ReqInitConnection, "InitConnection", map[string]any{
		"jwt":              jwt,
		"brandId":          b.brandID,
		"clientProperties": props,
	})
}

// GetUserProfile requests the authenticated consumer's profile.
func (b *Builder) GetUserProfile() *Request {
	return b.request(ReqGetUserProfile, "userprofile.GetUserProfile", map[string]any{})
}

// SubscribeConversations subscribes to the consumer's open conversations.
func (b *Builder) SubscribeConversations(consumerID string) *Request {
	body := map[string]any{
		"brandId":   b.brandID,
		"stage":     []string{StageOpen},
		"convState": []string{StageOpen},
	}
	if consumerID != "" {
		body["consumerId"] = consumerID
	}
	return b.request(ReqSubscribeConversations, "cqm.SubscribeExConversations", body)
}

// SubscribeMessagingEvents subscribes to one dialog's events.
func (b *Builder) SubscribeMessagingEvents(conversationID, dialogID string, fromSeq int) *Request {
	return b.request(ReqSubscribeEvents+":"+dialogID, "ms.SubscribeMessagingEvents", map[string]any{
		"conversationId": conversationID,
		"dialogId":       dialogID,
		"fromSeq":        fromSeq,
	})
}

// RequestConversation asks the backend to open a conversation on a skill.
func (b *Builder) RequestConversation(skillID string, cc ConversationContext) *Request {
	body := map[string]any{
		"brandId":             b.brandID,
		"channelType":         "MESSAGING",
		"conversationContext": cc,
	}
	if skillID != "" {
		body["skillId"] = skillID
	}
	return b.request(ReqRequestConversation, "cm.ConsumerRequestConversation", body)
}

// CloseConversation closes the conversation.
func (b *Builder) CloseConversation(conversationID string) *Request {
	return b.request(ReqCloseConversation, "cm.UpdateConversationField", map[string]any{
		"conversationId": conversationID,
		"conversationField": []map[string]any{{
			"field":             "ConversationStateField",
			"conversationState": StageClose,
		}},
	})
}

// StepUp re-binds an anonymous conversation to an authenticated consumer.
func (b *Builder) StepUp(conversationID, jwt string) *Request {
	return b.request(ReqStepUp, "cm.UpdateConversationField", map[string]any{
		"conversationId": conversationID,
		"conversationField": []map[string]any{{
			"field": "ConsumerStepUpField",
			"jwt":   jwt,
		}},
	})
}

func (b *Builder) publish(conversationID, dialogID string, event map[string]any) *Request {
	return b.request(ReqPublishEvent+":"+b.newID(), "ms.PublishEvent", map[string]any{
		"conversationId": conversationID,
		"dialogId":       dialogID,
		"event":          event,
	})
}

// PublishText sends a plain-text message.
func (b *Builder) PublishText(conversationID, dialogID, text string) *Request {
	return b.publish(conversationID, dialogID, map[string]any{
		"type":        EventContent,
		"contentType": ContentText,
		"message":     text,
	})
}

// PublishAcceptStatus sends a delivery receipt.
func (b *Builder) PublishAcceptStatus(conversationID, dialogID, status string, sequences []int) *Request {
	return b.publish(conversationID, dialogID, map[string]any{
		"type":         EventAcceptStatus,
		"status":       status,
		"sequenceList": sequences,
	})
}

// PublishChatState sends the consumer's typing state.
func (b *Builder) PublishChatState(conversationID, dialogID, state string) *Request {
	return b.publish(conversationID, dialogID, map[string]any{
		"type":      EventChatState,
		"chatState": state,
	})
}

// PublishSecureSubmission announces a completed secure form.
func (b *Builder) PublishSecureSubmission(conversationID, dialogID string, sub SecureFormSubmission) *Request {
	return b.publish(conversationID, dialogID, map[string]any{
		"type":        EventContent,
		"contentType": ContentSecureSubmission,
		"message":     sub,
	})
}

// PublishFile references an uploaded file.
func (b *Builder) PublishFile(conversationID, dialogID string, f FileContent) *Request {
	return b.publish(conversationID, dialogID, map[string]any{
		"type":        EventContent,
		"contentType": ContentHostedFile,
		"message":     f,
	})
}

// PublishCobrowseSignal sends a negotiation message on the co-browse dialog.
func (b *Builder) PublishCobrowseSignal(conversationID, dialogID string, sig CobrowseSignal) *Request {
	return b.publish(conversationID, dialogID, map[string]any{
		"type":        EventContent,
		"contentType": ContentCobrowseSignal,
		"message":     sig,
	})
}

// GenerateUploadToken requests the token for a secure-form URL.
func (b *Builder) GenerateUploadToken(invitationID, formID string) *Request {
	return b.request(ReqUploadToken+":"+invitationID, "ms.GenerateUploadToken", map[string]any{
		"invitationId": invitationID,
		"formId":       formID,
	})
}

// GenerateUploadURL requests a signed location for a file upload.
func (b *Builder) GenerateUploadURL(requestID string, size int, fileType string) *Request {
	return b.request(ReqUploadURL+":"+requestID, "ms.GenerateURLForUploadFile", map[string]any{
		"requestId": requestID,
		"fileSize":  size,
		"fileType":  fileType,
	})
}

// GetClock is the heartbeat request.
func (b *Builder) GetClock() *Request {
	return b.request(ReqGetClock, "GetClock", map[string]any{})
}

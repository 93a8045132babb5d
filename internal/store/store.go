// ABOUTME: Durable key/value storage interface and the well-known session keys
// ABOUTME: Plays the role browser local storage plays for a web client

package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested key does not exist
var ErrNotFound = errors.New("not found")

// Well-known keys. Values are strings unless noted.
const (
	KeyVisitorID          = "visitorId"
	KeySessionID          = "sessionId"
	KeyConversationID     = "conversationId"
	KeyLastConversationID = "lastConversationId"
	KeySecureForms        = "secureForms" // JSON map of invitationId -> invitation
	KeyExternalJWT        = "LP_EXT_JWT"
	KeyUnauthJWT          = "LP_UNAUTH_JWT"
)

// ConsumerIDKey maps a conversation to the consumer that owns it.
func ConsumerIDKey(conversationID string) string {
	return "CONSUMER_ID" + conversationID
}

// ConsumerConversationKey records an anonymous consumer's open conversation,
// used to step the conversation up after authentication.
func ConsumerConversationKey(consumerID string) string {
	return "CONSUMER_CONVERSATION_" + consumerID
}

// SteppedUpKey marks a consumer whose conversation was stepped up.
func SteppedUpKey(consumerID string) string {
	return "STEPPED_UP_" + consumerID
}

// KeyValue is durable string storage.
type KeyValue interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetOr returns the stored value, or fallback when the key is missing or unreadable.
func GetOr(ctx context.Context, kv KeyValue, key, fallback string) string {
	v, err := kv.Get(ctx, key)
	if err != nil {
		return fallback
	}
	return v
}

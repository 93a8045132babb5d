// ABOUTME: Anonymous visitor identity created once and persisted in durable storage
// ABOUTME: Existing ids are never rewritten

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/ums-session/internal/store"
)

// Identity is the anonymous tracking identity of this client.
type Identity struct {
	VisitorID string
	SessionID string
}

// LoadIdentity returns the stored identity, creating and persisting missing ids.
func LoadIdentity(ctx context.Context, kv store.KeyValue) (Identity, error) {
	visitor, err := getOrCreate(ctx, kv, store.KeyVisitorID)
	if err != nil {
		return Identity{}, err
	}
	sess, err := getOrCreate(ctx, kv, store.KeySessionID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{VisitorID: visitor, SessionID: sess}, nil
}

func getOrCreate(ctx context.Context, kv store.KeyValue, key string) (string, error) {
	v, err := kv.Get(ctx, key)
	if err == nil && v != "" {
		return v, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	v = uuid.New().String()
	if err := kv.Set(ctx, key, v); err != nil {
		return "", fmt.Errorf("storing %s: %w", key, err)
	}
	return v, nil
}

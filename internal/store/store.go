// Package store provides durable key-value slots and the transcript store built on them.
package store

import (
	"context"
)

// Well-known slot keys.
const (
	// DefaultTranscriptKey holds the serialized chat history.
	DefaultTranscriptKey = "prakriti_chat"
	// TokenKey holds the bearer credential written by the auth flow.
	TokenKey = "token"
)

// KV defines a durable string slot store. Every Put replaces the whole value.
type KV interface {
	// Get returns the value under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Put creates or overwrites the value under key.
	Put(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}

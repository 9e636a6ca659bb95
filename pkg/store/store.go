// Package store provides the durable key/value persistence behind the
// conversation state. Two whole documents are stored (the message log and the
// session list); every backend implements the small KV capability and the
// Adapter turns it into best-effort TryLoad/TrySave calls that never fail the
// caller.
package store

import (
	"context"
	"errors"
	"strings"
)

// Document keys.
const (
	// MessagesKey holds the thread id -> message sequence map.
	MessagesKey = "chat_messages_cache_v1"
	// SessionsKey holds the ordered session list.
	SessionsKey = "chat_sessions_cache_v1"
)

// Common errors for storage operations.
var (
	// ErrNotFound is returned by Get when the key has never been written.
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned when operating on a closed backend.
	ErrClosed = errors.New("storage backend is closed")
	// ErrInvalidKey is returned when a key contains a path separator or traversal sequence.
	ErrInvalidKey = errors.New("invalid key: contains path separator or traversal sequence")
)

// KV abstracts a byte-or-text store.
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Close releases any resources held by the backend.
	Close() error
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// validateKey checks that a key is safe to use as a file name or document id.
func validateKey(key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

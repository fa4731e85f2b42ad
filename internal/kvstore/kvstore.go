// Package kvstore is the key-value storage adapter behind every client
// session.
//
// A Store holds string values under string keys, the same contract a
// browser's localStorage offers. The services never talk to a database
// directly for session state; they read and write a handful of fixed keys
// through this interface, and the server decides which backend sits behind
// it (memory, SQLite, Redis or S3).
//
// SCOPING:
// Each client session gets its own namespace via Scoped. Two sessions can
// both write "vm_image_generator_credits" without seeing each other:
//
//	base := kvstore.NewMemory()
//	alice := kvstore.Scoped(base, "session/abc/")
//	bob := kvstore.Scoped(base, "session/def/")
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when the key holds no value.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrMalformed is returned by GetJSON when the stored value does not
	// decode into the destination.
	ErrMalformed = errors.New("kvstore: malformed value")
)

// Store is the minimal get/set/remove contract.
//
// Remove of a missing key is not an error. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

type scoped struct {
	inner  Store
	prefix string
}

// Scoped returns a Store that prefixes every key with prefix before
// delegating to inner.
func Scoped(inner Store, prefix string) Store {
	return &scoped{inner: inner, prefix: prefix}
}

func (s *scoped) Get(ctx context.Context, key string) (string, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *scoped) Set(ctx context.Context, key, value string) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *scoped) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, s.prefix+key)
}

// GetJSON decodes the JSON value stored under key into dst.
// It returns ErrNotFound untouched so callers can fall back to a default.
func GetJSON(ctx context.Context, s Store, key string, dst any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMalformed, key, err)
	}
	return nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

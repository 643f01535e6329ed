package crawler

import (
	"context"
	"time"
)

// Fields is a flat set of document fields keyed by name.
type Fields map[string]any

// Document is a stored document body together with its key.
type Document struct {
	Key    string
	Fields Fields
}

// Filter selects documents in FindBatch. All predicates must hold.
type Filter struct {
	// Equals requires field == value.
	Equals Fields
	// NotEquals requires field != value; missing fields match.
	NotEquals Fields
	// Missing requires the field to be absent or null.
	Missing []string
	// MissingOrBefore requires the field to be absent, null, or earlier than the time.
	MissingOrBefore map[string]time.Time
}

// DocumentStore persists key-unique documents. Upsert writes setOnInsert only
// when the key is new and always writes alwaysSet; concurrent upserts on
// distinct keys are independent.
type DocumentStore interface {
	Upsert(ctx context.Context, collection, key string, setOnInsert, alwaysSet Fields) (bool, error)
	FindBatch(ctx context.Context, collection string, filter Filter, limit int) ([]Document, error)
}

// CheckpointStore persists discovery checkpoints. Save merges monotonically.
type CheckpointStore interface {
	Load(ctx context.Context, key string) (Checkpoint, bool, error)
	Save(ctx context.Context, checkpoint Checkpoint) error
	Reset(ctx context.Context, key string) error
}

// Session is one page-fetching capability (a browser tab or an HTTP client)
// owned by a single worker.
type Session interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) (int, error)
	Extract(ctx context.Context, fields []FieldSelector) (map[string]any, error)
	ListLinks(ctx context.Context, selector string) ([]string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// SessionFactory creates sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// CredentialStore loads, saves and refreshes authentication material.
type CredentialStore interface {
	Load(ctx context.Context) (Credential, error)
	Save(ctx context.Context, credential Credential) error
	Refresh(ctx context.Context) (Credential, error)
}

// IdentityRotator changes the process's egress identity.
type IdentityRotator interface {
	Rotate(ctx context.Context) error
	CurrentIdentity(ctx context.Context) (string, error)
	EnsureActive(ctx context.Context) error
}

// Notifier sends best-effort status messages. It never blocks the caller.
type Notifier interface {
	Notify(text string)
	NotifyWithImage(image []byte, caption string)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// NopNotifier discards every message.
type NopNotifier struct{}

// Notify discards text.
func (NopNotifier) Notify(string) {}

// NotifyWithImage discards the image.
func (NopNotifier) NotifyWithImage([]byte, string) {}

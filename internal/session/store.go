// Package session holds the authoritative map from session id to desktop
// registration. Two backends exist: an in-process expiring map and a Redis
// backend for multi-instance deployments. The backend is picked once at
// startup and never switched at runtime.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no live registration exists for the id.
	ErrNotFound = errors.New("session not found")
	// ErrUnavailable means the backing store cannot be reached.
	ErrUnavailable = errors.New("session store unavailable")
)

// Registration is one connected desktop, keyed by its session id.
type Registration struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	URL       string    `json:"url"` // https://<id-lower>.<base-domain>
	CreatedAt time.Time `json:"created_at"`
}

// Store is the capability set shared by both backends. All methods are safe
// for concurrent use.
type Store interface {
	// Put inserts or replaces a registration and arms its TTL.
	Put(ctx context.Context, reg Registration, ttl time.Duration) error
	// Refresh extends the TTL of an existing registration.
	// Returns ErrNotFound if it expired or never existed.
	Refresh(ctx context.Context, sessionID string, ttl time.Duration) error
	// Get returns the registration without side effects.
	Get(ctx context.Context, sessionID string) (Registration, error)
	// Delete removes the registration. Idempotent.
	Delete(ctx context.Context, sessionID string) error
	// Close releases backend resources.
	Close() error
}

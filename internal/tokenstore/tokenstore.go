// Package tokenstore holds the opaque confirmation tokens issued by the
// two-party in-person saga. Tokens are 256-bit random values bound to a
// (subject, protocol run, verifier slot) triple, stored with an expiry, and
// invalidated by saga compensation.
package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknown means no token with that value exists (or it was swept).
	ErrUnknown = errors.New("tokenstore: unknown token")

	// ErrExpired means the token exists but its validity window has passed
	// or it was invalidated by compensation.
	ErrExpired = errors.New("tokenstore: token expired")

	// ErrExists means put-if-absent lost: the token value is already taken.
	ErrExists = errors.New("tokenstore: token already exists")
)

// Token is one outstanding confirmation token.
type Token struct {
	Value       string    `json:"value"`
	SubjectID   uuid.UUID `json:"subject_id"`
	RunID       string    `json:"run_id"`
	Slot        int       `json:"slot"` // verifier slot, 1 or 2
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Invalidated bool      `json:"invalidated"`
}

// Store is a keyed token store with atomic put-if-absent.
type Store interface {
	// PutIfAbsent stores the token; fails with ErrExists when the value is
	// already present.
	PutIfAbsent(ctx context.Context, tok Token) error

	// Get returns the live token for a value. ErrExpired is returned for
	// invalidated or past-expiry tokens so callers can distinguish "never
	// existed" from "no longer valid".
	Get(ctx context.Context, value string) (*Token, error)

	// Invalidate marks a token unusable. Idempotent; unknown values are
	// ignored so compensation retries stay safe.
	Invalidate(ctx context.Context, value string) error
}

// NewValue generates a fresh 256-bit token value, URL-safe base64 encoded.
func NewValue() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

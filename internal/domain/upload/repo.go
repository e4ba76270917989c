package upload

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an upload session does not exist.
var ErrNotFound = errors.New("upload session not found")

// SessionRepository defines storage operations for upload sessions.
type SessionRepository interface {
	// Create persists a new session.
	Create(ctx context.Context, s *Session) error

	// GetByID retrieves a session by its ID.
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)

	// Update persists changes to an existing session.
	Update(ctx context.Context, s *Session) error

	// SetChunkReceived atomically marks chunk index as received and
	// returns the updated session. A pending session moves to uploading.
	SetChunkReceived(ctx context.Context, id uuid.UUID, index int) (*Session, error)

	// Delete removes a session.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListExpired returns sessions past their expiry that are still
	// accepting or awaiting assembly, up to limit.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error)
}

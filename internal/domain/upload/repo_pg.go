package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dicomvault/dicomvault/internal/platform/db"
)

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// sessionRepoPG is a PostgreSQL-backed session repository.
type sessionRepoPG struct {
	pool *pgxpool.Pool
}

// NewSessionRepoPG creates a repository backed by the given pool.
func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionCols = `id, filename, total_size, chunk_size, total_chunks, bitmap, file_digest, chunk_digests, status, error, instance_id, created_at, updated_at, expires_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.Filename, &s.TotalSize, &s.ChunkSize, &s.TotalChunks,
		&s.Bitmap, &s.FileDigest, &s.ChunkDigests, &s.Status, &s.Error,
		&s.InstanceID, &s.CreatedAt, &s.UpdatedAt, &s.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan upload session: %w", err)
	}
	return &s, nil
}

// Create inserts a new session, assigning its ID and timestamps.
func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	query := `
		INSERT INTO upload_sessions (` + sessionCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.conn(ctx).Exec(ctx, query,
		s.ID, s.Filename, s.TotalSize, s.ChunkSize, s.TotalChunks,
		s.Bitmap, s.FileDigest, s.ChunkDigests, s.Status, s.Error,
		s.InstanceID, s.CreatedAt, s.UpdatedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert upload session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by ID.
func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `SELECT ` + sessionCols + ` FROM upload_sessions WHERE id = $1`
	return scanSession(r.conn(ctx).QueryRow(ctx, query, id))
}

// Update persists the mutable fields of a session.
func (r *sessionRepoPG) Update(ctx context.Context, s *Session) error {
	query := `
		UPDATE upload_sessions
		SET bitmap = $2, status = $3, error = $4, instance_id = $5, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.conn(ctx).Exec(ctx, query, s.ID, s.Bitmap, s.Status, s.Error, s.InstanceID)
	if err != nil {
		return fmt.Errorf("update upload session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChunkReceived flips the chunk's bitmap bit server-side so concurrent
// chunk writes never lose an update, and moves a pending session to
// uploading. The bitmap layout matches set_bit's LSB-first addressing.
func (r *sessionRepoPG) SetChunkReceived(ctx context.Context, id uuid.UUID, index int) (*Session, error) {
	query := `
		UPDATE upload_sessions
		SET bitmap = set_bit(bitmap, $2, 1),
		    status = CASE WHEN status = 'pending' THEN 'uploading' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + sessionCols

	return scanSession(r.conn(ctx).QueryRow(ctx, query, id, index))
}

// Delete removes a session row.
func (r *sessionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete upload session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired returns sessions past expiry that never reached a terminal
// state, oldest first.
func (r *sessionRepoPG) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	query := `
		SELECT ` + sessionCols + `
		FROM upload_sessions
		WHERE expires_at < $1 AND status IN ('pending', 'uploading', 'uploaded')
		ORDER BY expires_at ASC
		LIMIT $2`

	rows, err := r.conn(ctx).Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired upload sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

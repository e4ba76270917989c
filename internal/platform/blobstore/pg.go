package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists blobs in a PostgreSQL bytea column. Payload sizes here are
// bounded by the upload chunk limit and instance sizes, which keeps rows well
// inside what bytea handles comfortably.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Store backed by the blobs table.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Put(ctx context.Context, blob Blob, data []byte) (*Blob, error) {
	meta, err := prepare(blob, data)
	if err != nil {
		return nil, err
	}

	// Upsert by ID so chunk re-uploads overwrite the staged copy, matching
	// MemStore semantics.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO blobs (id, kind, ref_id, content_type, size, hash, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET content_type = EXCLUDED.content_type, size = EXCLUDED.size,
			hash = EXCLUDED.hash, data = EXCLUDED.data, created_at = EXCLUDED.created_at`,
		meta.ID, meta.Kind, meta.RefID, meta.ContentType, meta.Size, meta.Hash, data, meta.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert blob: %w", err)
	}

	out := meta // copy
	return &out, nil
}

func (s *PGStore) Get(ctx context.Context, id string) ([]byte, *Blob, error) {
	var meta Blob
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, ref_id, content_type, size, hash, data, created_at
		FROM blobs WHERE id = $1`, id,
	).Scan(&meta.ID, &meta.Kind, &meta.RefID, &meta.ContentType, &meta.Size, &meta.Hash, &data, &meta.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("select blob: %w", err)
	}
	return data, &meta, nil
}

func (s *PGStore) Stat(ctx context.Context, id string) (*Blob, error) {
	var meta Blob
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, ref_id, content_type, size, hash, created_at
		FROM blobs WHERE id = $1`, id,
	).Scan(&meta.ID, &meta.Kind, &meta.RefID, &meta.ContentType, &meta.Size, &meta.Hash, &meta.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat blob: %w", err)
	}
	return &meta, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM blobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) DeleteByRef(ctx context.Context, kind, refID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM blobs WHERE kind = $1 AND ref_id = $2`, kind, refID)
	if err != nil {
		return 0, fmt.Errorf("delete blobs by ref: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

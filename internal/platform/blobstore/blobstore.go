// Package blobstore stores binary payloads for the imaging service: staged
// upload chunks and the original/de-identified instance bodies. It defines
// the Store interface, an in-memory implementation for development and
// tests, and a PostgreSQL implementation for deployments.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound    = errors.New("blob not found")
	ErrTooLarge    = errors.New("blob exceeds maximum allowed size")
	ErrContentType = errors.New("content type is not allowed")
)

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// MaxBlobSize is the maximum allowed blob size in bytes (512 MB).
const MaxBlobSize = 512 * 1024 * 1024

// Blob kinds stored by the service.
const (
	KindChunk    = "chunk"    // staged upload chunk, RefID = session ID
	KindOriginal = "original" // original instance bytes, RefID = instance ID
	KindDeid     = "deid"     // de-identified instance bytes, RefID = instance ID
)

// AllowedContentTypes lists the MIME types the store accepts.
var AllowedContentTypes = map[string]bool{
	"application/dicom":        true,
	"application/octet-stream": true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Blob describes a stored payload.
type Blob struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	RefID       string    `json:"ref_id"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"` // sha256 hex
	CreatedAt   time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store is the contract for blob storage backends. Put fills in ID, Size,
// Hash and CreatedAt and returns the completed record.
type Store interface {
	Put(ctx context.Context, blob Blob, data []byte) (*Blob, error)
	Get(ctx context.Context, id string) ([]byte, *Blob, error)
	Stat(ctx context.Context, id string) (*Blob, error)
	Delete(ctx context.Context, id string) error
	// DeleteByRef removes every blob of the given kind owned by refID and
	// returns the number removed. Used for chunk staging cleanup and
	// instance removal.
	DeleteByRef(ctx context.Context, kind, refID string) (int, error)
}

// prepare validates and completes a Blob record prior to storage.
func prepare(blob Blob, data []byte) (Blob, error) {
	if int64(len(data)) > MaxBlobSize {
		return blob, ErrTooLarge
	}
	if blob.ContentType == "" {
		blob.ContentType = "application/octet-stream"
	}
	if !AllowedContentTypes[blob.ContentType] {
		return blob, fmt.Errorf("%w: %s", ErrContentType, blob.ContentType)
	}
	if blob.ID == "" {
		blob.ID = uuid.New().String()
	}

	h := sha256.Sum256(data)
	blob.Size = int64(len(data))
	blob.Hash = fmt.Sprintf("%x", h)
	blob.CreatedAt = time.Now().UTC()
	return blob, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	meta Blob
	data []byte
}

// MemStore is a thread-safe, in-memory Store for testing and development.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewMemStore returns a ready-to-use MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs: make(map[string]*storedBlob),
	}
}

// Put validates the record, computes the content hash and stores a copy of
// data in memory.
func (s *MemStore) Put(_ context.Context, blob Blob, data []byte) (*Blob, error) {
	meta, err := prepare(blob, data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{
		meta: meta,
		data: append([]byte(nil), data...),
	}
	s.mu.Unlock()

	out := meta // copy
	return &out, nil
}

// Get returns a copy of the blob content and its metadata.
func (s *MemStore) Get(_ context.Context, id string) ([]byte, *Blob, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrNotFound
	}

	meta := blob.meta // copy
	return append([]byte(nil), blob.data...), &meta, nil
}

// Stat returns blob metadata without content.
func (s *MemStore) Stat(_ context.Context, id string) (*Blob, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	meta := blob.meta // copy
	return &meta, nil
}

// Delete removes a blob by ID.
func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, id)
	return nil
}

// DeleteByRef removes every blob of the given kind owned by refID.
func (s *MemStore) DeleteByRef(_ context.Context, kind, refID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, b := range s.blobs {
		if b.meta.Kind == kind && b.meta.RefID == refID {
			delete(s.blobs, id)
			count++
		}
	}
	return count, nil
}

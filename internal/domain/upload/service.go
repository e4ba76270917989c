package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/dicomvault/dicomvault/internal/platform/blobstore"
	"github.com/dicomvault/dicomvault/internal/platform/telemetry"
	"github.com/dicomvault/dicomvault/internal/platform/websocket"
)

var (
	ErrTooLarge       = errors.New("upload exceeds maximum allowed size")
	ErrInvalidInput   = errors.New("invalid upload request")
	ErrChunkIndex     = errors.New("chunk index out of range")
	ErrChunkSize      = errors.New("chunk size mismatch")
	ErrDigestMismatch = errors.New("digest mismatch")
	ErrIncomplete     = errors.New("upload is missing chunks")
	ErrExpired        = errors.New("upload session expired")
	ErrInvalidState   = errors.New("operation not allowed in current session status")
	// ErrRejected marks uploads the processor refused, such as objects
	// missing the UIDs required for storage.
	ErrRejected = errors.New("upload rejected")
)

// sweepBatch caps how many expired sessions a single sweep pass purges.
const sweepBatch = 100

// Processor turns an assembled upload into a stored instance. The ingest
// pipeline implements it; tests substitute fakes.
type Processor interface {
	Process(ctx context.Context, data []byte, sess *Session) (*ProcessResult, error)
}

// ProcessResult identifies what a processed upload produced.
type ProcessResult struct {
	InstanceID uuid.UUID
	StudyID    uuid.UUID
}

// Limits is the sizing policy applied to new sessions.
type Limits struct {
	MaxUploadBytes   int64
	DefaultChunkSize int64
	SessionTTL       time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxUploadBytes <= 0 {
		l.MaxUploadBytes = 2 << 30
	}
	if l.DefaultChunkSize <= 0 {
		l.DefaultChunkSize = 4 << 20
	}
	if l.SessionTTL <= 0 {
		l.SessionTTL = 24 * time.Hour
	}
	return l
}

// Service coordinates chunked upload sessions: staging chunks in the blob
// store, tracking receipt in the session bitmap, and handing the assembled
// file to the processor on completion.
type Service struct {
	repo      SessionRepository
	blobs     blobstore.Store
	processor Processor
	limits    Limits

	publisher websocket.EventPublisher
	metrics   *telemetry.PipelineMetricsRecorder
}

func NewService(repo SessionRepository, blobs blobstore.Store, processor Processor, limits Limits) *Service {
	return &Service{
		repo:      repo,
		blobs:     blobs,
		processor: processor,
		limits:    limits.withDefaults(),
	}
}

func (s *Service) SetPublisher(p websocket.EventPublisher)          { s.publisher = p }
func (s *Service) SetMetrics(m *telemetry.PipelineMetricsRecorder) { s.metrics = m }

// Create validates and registers a new upload session. The caller supplies
// Filename, TotalSize and optionally ChunkSize, FileDigest and per-chunk
// digests; everything else is filled in here.
func (s *Service) Create(ctx context.Context, sess *Session) error {
	if sess.Filename == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if sess.TotalSize <= 0 {
		return fmt.Errorf("%w: total_size must be positive", ErrInvalidInput)
	}
	if sess.TotalSize > s.limits.MaxUploadBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, sess.TotalSize, s.limits.MaxUploadBytes)
	}
	if sess.ChunkSize < 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidInput)
	}
	if sess.ChunkSize == 0 {
		sess.ChunkSize = s.limits.DefaultChunkSize
	}

	sess.TotalChunks = int((sess.TotalSize + sess.ChunkSize - 1) / sess.ChunkSize)
	if len(sess.ChunkDigests) > 0 && len(sess.ChunkDigests) != sess.TotalChunks {
		return fmt.Errorf("%w: expected %d chunk digests, got %d",
			ErrInvalidInput, sess.TotalChunks, len(sess.ChunkDigests))
	}
	if sess.FileDigest != nil && !validDigest(*sess.FileDigest) {
		return fmt.Errorf("%w: file_digest must be 64 hex characters", ErrInvalidInput)
	}
	for _, d := range sess.ChunkDigests {
		if !validDigest(d) {
			return fmt.Errorf("%w: chunk digests must be 64 hex characters", ErrInvalidInput)
		}
	}

	sess.Bitmap = NewChunkBitmap(sess.TotalChunks).Bytes()
	sess.Status = StatusPending
	sess.ExpiresAt = time.Now().UTC().Add(s.limits.SessionTTL)

	if err := s.repo.Create(ctx, sess); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.UploadStarted()
	}
	return nil
}

// Get returns a session by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.repo.GetByID(ctx, id)
}

// PutChunk stages one chunk and marks it received. Chunk writes are
// idempotent: re-sending an index overwrites the staged copy.
func (s *Service) PutChunk(ctx context.Context, id uuid.UUID, index int, data []byte) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.AcceptingChunks() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, sess.Status)
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, ErrExpired
	}
	if index < 0 || index >= sess.TotalChunks {
		return nil, fmt.Errorf("%w: %d (session has %d chunks)", ErrChunkIndex, index, sess.TotalChunks)
	}
	if want := sess.ChunkLength(index); int64(len(data)) != want {
		return nil, fmt.Errorf("%w: chunk %d must be %d bytes, got %d", ErrChunkSize, index, want, len(data))
	}
	if len(sess.ChunkDigests) > 0 {
		sum := blake3.Sum256(data)
		if hex.EncodeToString(sum[:]) != sess.ChunkDigests[index] {
			return nil, fmt.Errorf("%w: chunk %d", ErrDigestMismatch, index)
		}
	}

	_, err = s.blobs.Put(ctx, blobstore.Blob{
		ID:          chunkBlobID(sess.ID, index),
		Kind:        blobstore.KindChunk,
		RefID:       sess.ID.String(),
		ContentType: "application/octet-stream",
	}, data)
	if err != nil {
		return nil, fmt.Errorf("stage chunk %d: %w", index, err)
	}

	updated, err := s.repo.SetChunkReceived(ctx, id, index)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ChunkReceived(int64(len(data)))
	}

	received := updated.ChunkBitmap().Count()
	s.publish(ctx, websocket.NewUploadEvent(websocket.EventUploadProgress, updated.ID.String(), map[string]any{
		"receivedChunks": received,
		"totalChunks":    updated.TotalChunks,
		"percent":        percent(received, updated.TotalChunks),
	}))
	return updated, nil
}

// Complete assembles the staged chunks, verifies size and digest, and runs
// the processor. On success the session points at the stored instance and
// the staged chunks are gone. Completing an already ready session is a
// no-op.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case StatusReady:
		return sess, nil
	case StatusProcessing:
		return nil, fmt.Errorf("%w: assembly already in progress", ErrInvalidState)
	case StatusFailed, StatusAborted:
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, sess.Status)
	}

	bm := sess.ChunkBitmap()
	if !bm.Complete() {
		return nil, fmt.Errorf("%w: %d of %d received", ErrIncomplete, bm.Count(), sess.TotalChunks)
	}

	if sess.Status == StatusUploading {
		if err := s.advance(ctx, sess, StatusUploaded); err != nil {
			return nil, err
		}
	}
	if err := s.advance(ctx, sess, StatusProcessing); err != nil {
		return nil, err
	}

	data, err := s.assemble(ctx, sess)
	if err != nil {
		return nil, s.fail(ctx, sess, err)
	}
	if sess.FileDigest != nil {
		sum := blake3.Sum256(data)
		if hex.EncodeToString(sum[:]) != *sess.FileDigest {
			return nil, s.fail(ctx, sess, fmt.Errorf("%w: assembled file", ErrDigestMismatch))
		}
	}

	result, err := s.processor.Process(ctx, data, sess)
	if err != nil {
		return nil, s.fail(ctx, sess, err)
	}

	sess.InstanceID = &result.InstanceID
	if err := s.advance(ctx, sess, StatusReady); err != nil {
		return nil, err
	}
	_, _ = s.blobs.DeleteByRef(ctx, blobstore.KindChunk, sess.ID.String())

	if s.metrics != nil {
		s.metrics.UploadCompleted()
	}
	s.publish(ctx, websocket.NewUploadEvent(websocket.EventUploadComplete, sess.ID.String(), map[string]any{
		"instanceId": result.InstanceID.String(),
		"studyId":    result.StudyID.String(),
	}))
	return sess, nil
}

// Abort cancels a session and discards its staged chunks. Aborting twice is
// a no-op; ready and failed sessions cannot be aborted.
func (s *Service) Abort(ctx context.Context, id uuid.UUID) error {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == StatusAborted {
		return nil
	}
	if IsTerminal(sess.Status) {
		return fmt.Errorf("%w: %s", ErrInvalidState, sess.Status)
	}

	if err := s.advance(ctx, sess, StatusAborted); err != nil {
		return err
	}
	_, _ = s.blobs.DeleteByRef(ctx, blobstore.KindChunk, sess.ID.String())
	return nil
}

// advance moves the session to the given status, enforcing the transition
// table, and persists it.
func (s *Service) advance(ctx context.Context, sess *Session, to string) error {
	if !CanTransition(sess.Status, to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, sess.Status, to)
	}
	sess.Status = to
	return s.repo.Update(ctx, sess)
}

// Sweep purges sessions past expiry that never reached a terminal state,
// removing their staged chunks and session rows. It returns the number
// purged.
func (s *Service) Sweep(ctx context.Context, now time.Time) (int, error) {
	sessions, err := s.repo.ListExpired(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, sess := range sessions {
		_, _ = s.blobs.DeleteByRef(ctx, blobstore.KindChunk, sess.ID.String())
		if err := s.repo.Delete(ctx, sess.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return purged, fmt.Errorf("purge session %s: %w", sess.ID, err)
		}
		purged++
	}
	return purged, nil
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration, log zerolog.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Sweep(ctx, time.Now().UTC())
				if err != nil {
					log.Error().Err(err).Msg("upload session sweep failed")
				} else if n > 0 {
					log.Info().Int("purged", n).Msg("purged expired upload sessions")
				}
			}
		}
	}()
}

func (s *Service) assemble(ctx context.Context, sess *Session) ([]byte, error) {
	data := make([]byte, 0, sess.TotalSize)
	for i := 0; i < sess.TotalChunks; i++ {
		chunk, _, err := s.blobs.Get(ctx, chunkBlobID(sess.ID, i))
		if err != nil {
			return nil, fmt.Errorf("read staged chunk %d: %w", i, err)
		}
		data = append(data, chunk...)
	}
	if int64(len(data)) != sess.TotalSize {
		return nil, fmt.Errorf("assembled %d bytes, expected %d", len(data), sess.TotalSize)
	}
	return data, nil
}

// fail marks the session failed, records the cause, and discards the staged
// chunks. It returns cause so callers can propagate it.
func (s *Service) fail(ctx context.Context, sess *Session, cause error) error {
	msg := cause.Error()
	sess.Status = StatusFailed
	sess.Error = &msg
	_ = s.repo.Update(ctx, sess)
	_, _ = s.blobs.DeleteByRef(ctx, blobstore.KindChunk, sess.ID.String())

	if s.metrics != nil {
		s.metrics.UploadFailed()
	}
	s.publish(ctx, websocket.NewUploadEvent(websocket.EventUploadFailed, sess.ID.String(), map[string]any{
		"error": msg,
	}))
	return cause
}

func (s *Service) publish(ctx context.Context, ev websocket.Event) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.Publish(ctx, ev)
}

// chunkBlobID is deterministic so chunk re-uploads overwrite the staged
// copy instead of orphaning it.
func chunkBlobID(sessionID uuid.UUID, index int) string {
	return fmt.Sprintf("%s-chunk-%05d", sessionID, index)
}

func percent(received, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(received) * 100 / float64(total)
}

func validDigest(d string) bool {
	if len(d) != 64 {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}

package upload

import (
	"time"

	"github.com/google/uuid"
)

// Session statuses. A session is created pending, moves to uploading on the
// first chunk, to uploaded when the client calls complete with a full bitmap,
// to processing while the pipeline runs, and ends ready or failed. Abort is
// allowed from any non-terminal status.
const (
	StatusPending    = "pending"
	StatusUploading  = "uploading"
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
	StatusAborted    = "aborted"
)

// statusTransitions maps each status to the statuses it may move to.
// Terminal statuses map to nil.
var statusTransitions = map[string][]string{
	StatusPending:    {StatusUploading, StatusFailed, StatusAborted},
	StatusUploading:  {StatusUploaded, StatusFailed, StatusAborted},
	StatusUploaded:   {StatusProcessing, StatusFailed, StatusAborted},
	StatusProcessing: {StatusReady, StatusFailed, StatusAborted},
	StatusReady:      nil,
	StatusFailed:     nil,
	StatusAborted:    nil,
}

// CanTransition reports whether a session may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(s string) bool {
	next, ok := statusTransitions[s]
	return ok && len(next) == 0
}

// Session maps to the upload_sessions table: one chunked resumable upload of
// a single DICOM instance.
type Session struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Filename     string     `db:"filename" json:"filename"`
	TotalSize    int64      `db:"total_size" json:"total_size"`
	ChunkSize    int64      `db:"chunk_size" json:"chunk_size"`
	TotalChunks  int        `db:"total_chunks" json:"total_chunks"`
	Bitmap       []byte     `db:"bitmap" json:"-"`
	FileDigest   *string    `db:"file_digest" json:"file_digest,omitempty"`
	ChunkDigests []string   `db:"chunk_digests" json:"-"`
	Status       string     `db:"status" json:"status"`
	Error        *string    `db:"error" json:"error,omitempty"`
	InstanceID   *uuid.UUID `db:"instance_id" json:"instance_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
	ExpiresAt    time.Time  `db:"expires_at" json:"expires_at"`
}

// ChunkBitmap wraps the session's stored bitmap bytes.
func (s *Session) ChunkBitmap() *ChunkBitmap {
	return BitmapFromBytes(s.Bitmap, s.TotalChunks)
}

// ChunkLength returns the expected byte length of chunk i. Every chunk is
// ChunkSize long except the last, which carries the remainder.
func (s *Session) ChunkLength(i int) int64 {
	if i < 0 || i >= s.TotalChunks {
		return 0
	}
	if i == s.TotalChunks-1 {
		if rem := s.TotalSize - int64(s.TotalChunks-1)*s.ChunkSize; rem > 0 {
			return rem
		}
	}
	return s.ChunkSize
}

// AcceptingChunks reports whether the session can still receive chunk data.
func (s *Session) AcceptingChunks() bool {
	return s.Status == StatusPending || s.Status == StatusUploading
}

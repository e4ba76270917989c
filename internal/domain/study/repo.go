package study

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a study does not exist.
	ErrNotFound = errors.New("study not found")
	// ErrInstanceNotFound is returned when an instance does not exist.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrDuplicateStudy is returned when another study already holds the
	// study UID.
	ErrDuplicateStudy = errors.New("study uid already exists")
	// ErrDuplicateInstance is returned when the SOP instance UID is already
	// stored.
	ErrDuplicateInstance = errors.New("sop instance uid already exists")
)

// Filter narrows a study search.
type Filter struct {
	Modality        string
	PseudoPatientID string
	DateFrom        time.Time
	DateTo          time.Time
	Limit           int
	Offset          int
}

// StudyRepository defines storage operations for studies.
type StudyRepository interface {
	// Create persists a new study. ErrDuplicateStudy signals a study UID
	// race; callers re-read and merge instead.
	Create(ctx context.Context, s *Study) error
	GetByID(ctx context.Context, id uuid.UUID) (*Study, error)
	GetByStudyUID(ctx context.Context, uid string) (*Study, error)
	Update(ctx context.Context, s *Study) error
	// Search returns matching studies newest first plus the total match
	// count.
	Search(ctx context.Context, f Filter) ([]*Study, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// InstanceRepository defines storage operations for instances.
type InstanceRepository interface {
	Create(ctx context.Context, i *Instance) error
	GetByID(ctx context.Context, id uuid.UUID) (*Instance, error)
	GetBySOPUID(ctx context.Context, uid string) (*Instance, error)
	ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*Instance, error)
	DeleteByStudy(ctx context.Context, studyID uuid.UUID) error
}

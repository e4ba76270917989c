package study

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dicomvault/dicomvault/internal/dicom"
	"github.com/dicomvault/dicomvault/internal/domain/upload"
	"github.com/dicomvault/dicomvault/internal/platform/blobstore"
	"github.com/dicomvault/dicomvault/internal/platform/db"
	"github.com/dicomvault/dicomvault/internal/platform/phi"
	"github.com/dicomvault/dicomvault/internal/platform/telemetry"
	"github.com/dicomvault/dicomvault/internal/platform/websocket"
)

var (
	// ErrMissingUID is returned when an object lacks the study or SOP
	// instance UID required for storage.
	ErrMissingUID = errors.New("required uid absent")
	// ErrUnknownVariant is returned for content variants other than deid
	// and original.
	ErrUnknownVariant = errors.New("unknown content variant")
)

// Content variants served by InstanceContent.
const (
	VariantDeidentified = "deid"
	VariantOriginal     = "original"
)

// Service owns study and instance persistence and the ingest pipeline that
// turns uploaded DICOM bytes into de-identified, indexed instances.
type Service struct {
	pool      *pgxpool.Pool
	studies   StudyRepository
	instances InstanceRepository
	blobs     blobstore.Store
	pseudo    phi.Pseudonymizer
	enc       *phi.Encryptor

	publisher websocket.EventPublisher
	metrics   *telemetry.PipelineMetricsRecorder
}

// NewService assembles the study service. pool may be nil when the
// repositories are not PostgreSQL-backed; ingest then runs without a
// surrounding transaction.
func NewService(pool *pgxpool.Pool, studies StudyRepository, instances InstanceRepository,
	blobs blobstore.Store, pseudo phi.Pseudonymizer, enc *phi.Encryptor) *Service {
	return &Service{
		pool:      pool,
		studies:   studies,
		instances: instances,
		blobs:     blobs,
		pseudo:    pseudo,
		enc:       enc,
	}
}

func (s *Service) SetPublisher(p websocket.EventPublisher)          { s.publisher = p }
func (s *Service) SetMetrics(m *telemetry.PipelineMetricsRecorder) { s.metrics = m }

// IngestResult identifies what Ingest stored.
type IngestResult struct {
	StudyID      uuid.UUID
	InstanceID   uuid.UUID
	StudyCreated bool
	DeidActions  int
}

// Ingest runs the full pipeline on one DICOM object: parse, extract,
// de-identify, assign a pseudonym, store both bodies, and upsert the
// study/instance rows. Re-ingesting an already stored SOP instance is
// idempotent and returns the existing IDs.
func (s *Service) Ingest(ctx context.Context, data []byte) (*IngestResult, error) {
	ds, err := dicom.Parse(data)
	if err != nil {
		if s.metrics != nil {
			if errors.Is(err, dicom.ErrNotDICOM) {
				s.metrics.ValidationFailure()
			} else {
				s.metrics.ParseError()
			}
		}
		return nil, err
	}

	meta := dicom.Extract(ds)
	if meta.StudyInstanceUID == "" || meta.SOPInstanceUID == "" {
		if s.metrics != nil {
			s.metrics.ValidationFailure()
		}
		return nil, fmt.Errorf("%w: study or SOP instance UID", ErrMissingUID)
	}

	deid, report, err := dicom.Anonymize(data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ParseError()
		}
		return nil, fmt.Errorf("anonymize: %w", err)
	}

	pseudo, err := s.pseudo.Assign(ctx, phi.Identity{
		PatientID:   meta.PatientID,
		PatientName: meta.PatientName,
		BirthDate:   meta.PatientBirthDate,
	})
	if err != nil {
		return nil, fmt.Errorf("assign pseudonym: %w", err)
	}

	// Blobs are written before the rows so the instance can reference
	// them; they are removed again if the transaction does not land.
	instID := uuid.New()
	origBlob, err := s.blobs.Put(ctx, blobstore.Blob{
		Kind:        blobstore.KindOriginal,
		RefID:       instID.String(),
		ContentType: "application/dicom",
	}, data)
	if err != nil {
		return nil, fmt.Errorf("store original: %w", err)
	}
	deidBlob, err := s.blobs.Put(ctx, blobstore.Blob{
		Kind:        blobstore.KindDeid,
		RefID:       instID.String(),
		ContentType: "application/dicom",
	}, deid)
	if err != nil {
		_ = s.blobs.Delete(ctx, origBlob.ID)
		return nil, fmt.Errorf("store deidentified: %w", err)
	}

	inst := &Instance{
		ID:             instID,
		SOPUID:         meta.SOPInstanceUID,
		SeriesUID:      strOrNil(meta.SeriesInstanceUID),
		Modality:       strOrNil(meta.Modality),
		BodyPart:       strOrNil(meta.BodyPartExamined),
		Rows:           meta.Rows,
		Columns:        meta.Columns,
		TransferSyntax: strOrNil(meta.TransferSyntax),
		Size:           int64(len(data)),
		OriginalBlobID: origBlob.ID,
		DeidBlobID:     deidBlob.ID,
		Metadata:       meta.Deidentified(),
	}

	var (
		st      *Study
		created bool
	)
	err = s.inTx(ctx, func(ctx context.Context) error {
		var err error
		st, created, err = s.upsertStudy(ctx, meta, pseudo)
		if err != nil {
			return err
		}
		inst.StudyID = st.ID
		if err := s.instances.Create(ctx, inst); err != nil {
			return err
		}
		st.NumInstances++
		st.AddModality(meta.Modality)
		return s.studies.Update(ctx, st)
	})
	if err != nil {
		_ = s.blobs.Delete(ctx, origBlob.ID)
		_ = s.blobs.Delete(ctx, deidBlob.ID)
		if errors.Is(err, ErrDuplicateInstance) {
			existing, getErr := s.instances.GetBySOPUID(ctx, meta.SOPInstanceUID)
			if getErr != nil {
				return nil, err
			}
			return &IngestResult{
				StudyID:     existing.StudyID,
				InstanceID:  existing.ID,
				DeidActions: report.Count(),
			}, nil
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.InstanceProcessed()
		s.metrics.Deidentification()
	}
	if created {
		s.publish(ctx, websocket.NewStudyEvent(websocket.EventStudyCreated, st.ID.String(), map[string]any{
			"studyUid":        st.StudyUID,
			"pseudoPatientId": st.PseudoPatientID,
			"modalities":      st.Modalities,
		}))
	}

	return &IngestResult{
		StudyID:      st.ID,
		InstanceID:   inst.ID,
		StudyCreated: created,
		DeidActions:  report.Count(),
	}, nil
}

// Process implements the upload pipeline's processor contract.
func (s *Service) Process(ctx context.Context, data []byte, _ *upload.Session) (*upload.ProcessResult, error) {
	res, err := s.Ingest(ctx, data)
	if err != nil {
		if errors.Is(err, ErrMissingUID) {
			return nil, fmt.Errorf("%w: %v", upload.ErrRejected, err)
		}
		return nil, err
	}
	return &upload.ProcessResult{InstanceID: res.InstanceID, StudyID: res.StudyID}, nil
}

// upsertStudy returns the study for the UID, creating it on first contact.
// The bool result reports whether a new study was created.
func (s *Service) upsertStudy(ctx context.Context, meta dicom.Metadata, pseudo string) (*Study, bool, error) {
	st, err := s.studies.GetByStudyUID(ctx, meta.StudyInstanceUID)
	if err == nil {
		return st, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	st = &Study{
		StudyUID:         meta.StudyInstanceUID,
		PseudoPatientID:  pseudo,
		PatientSex:       strOrNil(meta.PatientSex),
		PatientBirthYear: birthYear(meta.PatientBirthDate),
		StudyDate:        parseDICOMDate(meta.StudyDate),
		Description:      strOrNil(meta.StudyDescription),
	}
	if meta.PatientID != "" {
		enc, err := s.enc.Encrypt(meta.PatientID)
		if err != nil {
			return nil, false, fmt.Errorf("encrypt patient id: %w", err)
		}
		st.PatientIDEnc = &enc
	}
	if meta.PatientName != "" {
		enc, err := s.enc.Encrypt(meta.PatientName)
		if err != nil {
			return nil, false, fmt.Errorf("encrypt patient name: %w", err)
		}
		st.PatientNameEnc = &enc
	}

	err = s.studies.Create(ctx, st)
	if errors.Is(err, ErrDuplicateStudy) {
		// Lost the insert race; the committed row is authoritative.
		st, err = s.studies.GetByStudyUID(ctx, meta.StudyInstanceUID)
		return st, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// GetStudy returns a study by ID.
func (s *Service) GetStudy(ctx context.Context, id uuid.UUID) (*Study, error) {
	return s.studies.GetByID(ctx, id)
}

// SearchStudies returns studies matching the filter plus the total count.
func (s *Service) SearchStudies(ctx context.Context, f Filter) ([]*Study, int, error) {
	return s.studies.Search(ctx, f)
}

// ListInstances returns the instances of a study.
func (s *Service) ListInstances(ctx context.Context, studyID uuid.UUID) ([]*Instance, error) {
	if _, err := s.studies.GetByID(ctx, studyID); err != nil {
		return nil, err
	}
	return s.instances.ListByStudy(ctx, studyID)
}

// GetInstance returns an instance by ID.
func (s *Service) GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	return s.instances.GetByID(ctx, id)
}

// InstanceContent returns the stored bytes for the requested variant along
// with the instance and blob records. The default variant is the
// de-identified body.
func (s *Service) InstanceContent(ctx context.Context, id uuid.UUID, variant string) ([]byte, *Instance, *blobstore.Blob, error) {
	inst, err := s.instances.GetByID(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	blobID := inst.DeidBlobID
	switch variant {
	case "", VariantDeidentified:
	case VariantOriginal:
		blobID = inst.OriginalBlobID
	default:
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrUnknownVariant, variant)
	}

	data, blob, err := s.blobs.Get(ctx, blobID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read instance content: %w", err)
	}
	return data, inst, blob, nil
}

// DeleteStudy removes the study, its instances, and their stored bodies.
func (s *Service) DeleteStudy(ctx context.Context, id uuid.UUID) error {
	insts, err := s.instances.ListByStudy(ctx, id)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.instances.DeleteByStudy(ctx, id); err != nil {
			return err
		}
		return s.studies.Delete(ctx, id)
	})
	if err != nil {
		return err
	}

	for _, inst := range insts {
		_, _ = s.blobs.DeleteByRef(ctx, blobstore.KindOriginal, inst.ID.String())
		_, _ = s.blobs.DeleteByRef(ctx, blobstore.KindDeid, inst.ID.String())
	}
	return nil
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.RunInTx(ctx, s.pool, fn)
}

func (s *Service) publish(ctx context.Context, ev websocket.Event) {
	if s.publisher == nil {
		return
	}
	_ = s.publisher.Publish(ctx, ev)
}

func strOrNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// parseDICOMDate parses a DA value (YYYYMMDD).
func parseDICOMDate(v string) *time.Time {
	t, err := time.Parse("20060102", strings.TrimSpace(v))
	if err != nil {
		return nil
	}
	return &t
}

// birthYear reduces a DICOM birth date to its year, the only birth detail
// retained outside the encrypted fields.
func birthYear(v string) *int {
	v = strings.TrimSpace(v)
	if len(v) < 4 {
		return nil
	}
	y, err := strconv.Atoi(v[:4])
	if err != nil || y < 1880 || y > time.Now().Year() {
		return nil
	}
	return &y
}

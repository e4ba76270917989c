package study

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

// ---------------------------------------------------------------------------
// Studies
// ---------------------------------------------------------------------------

type studyRepoPG struct{ pool *pgxpool.Pool }

func NewStudyRepoPG(pool *pgxpool.Pool) StudyRepository {
	return &studyRepoPG{pool: pool}
}

func (r *studyRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const studyCols = `id, study_uid, pseudo_patient_id, patient_sex, patient_birth_year,
	study_date, description, modalities, num_instances,
	patient_id_enc, patient_name_enc, created_at, updated_at`

func scanStudy(row pgx.Row) (*Study, error) {
	var s Study
	err := row.Scan(&s.ID, &s.StudyUID, &s.PseudoPatientID, &s.PatientSex, &s.PatientBirthYear,
		&s.StudyDate, &s.Description, &s.Modalities, &s.NumInstances,
		&s.PatientIDEnc, &s.PatientNameEnc, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan study: %w", err)
	}
	return &s, nil
}

// Create inserts a new study. A concurrent insert of the same study UID
// surfaces as ErrDuplicateStudy rather than a constraint error so the
// caller can re-read and merge.
func (r *studyRepoPG) Create(ctx context.Context, s *Study) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Modalities == nil {
		s.Modalities = []string{}
	}

	query := `
		INSERT INTO studies (` + studyCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (study_uid) DO NOTHING`

	tag, err := r.conn(ctx).Exec(ctx, query,
		s.ID, s.StudyUID, s.PseudoPatientID, s.PatientSex, s.PatientBirthYear,
		s.StudyDate, s.Description, s.Modalities, s.NumInstances,
		s.PatientIDEnc, s.PatientNameEnc, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert study: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateStudy
	}
	return nil
}

func (r *studyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	query := `SELECT ` + studyCols + ` FROM studies WHERE id = $1`
	return scanStudy(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *studyRepoPG) GetByStudyUID(ctx context.Context, uid string) (*Study, error) {
	query := `SELECT ` + studyCols + ` FROM studies WHERE study_uid = $1`
	return scanStudy(r.conn(ctx).QueryRow(ctx, query, uid))
}

func (r *studyRepoPG) Update(ctx context.Context, s *Study) error {
	query := `
		UPDATE studies
		SET pseudo_patient_id = $2, patient_sex = $3, patient_birth_year = $4,
		    study_date = $5, description = $6, modalities = $7, num_instances = $8,
		    patient_id_enc = $9, patient_name_enc = $10, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.conn(ctx).Exec(ctx, query,
		s.ID, s.PseudoPatientID, s.PatientSex, s.PatientBirthYear,
		s.StudyDate, s.Description, s.Modalities, s.NumInstances,
		s.PatientIDEnc, s.PatientNameEnc)
	if err != nil {
		return fmt.Errorf("update study: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *studyRepoPG) Search(ctx context.Context, f Filter) ([]*Study, int, error) {
	query := `SELECT ` + studyCols + ` FROM studies WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM studies WHERE 1=1`
	var args []any
	idx := 1

	if f.Modality != "" {
		query += fmt.Sprintf(` AND $%d = ANY(modalities)`, idx)
		countQuery += fmt.Sprintf(` AND $%d = ANY(modalities)`, idx)
		args = append(args, f.Modality)
		idx++
	}
	if f.PseudoPatientID != "" {
		query += fmt.Sprintf(` AND pseudo_patient_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND pseudo_patient_id = $%d`, idx)
		args = append(args, f.PseudoPatientID)
		idx++
	}
	if !f.DateFrom.IsZero() {
		query += fmt.Sprintf(` AND study_date >= $%d`, idx)
		countQuery += fmt.Sprintf(` AND study_date >= $%d`, idx)
		args = append(args, f.DateFrom)
		idx++
	}
	if !f.DateTo.IsZero() {
		query += fmt.Sprintf(` AND study_date <= $%d`, idx)
		countQuery += fmt.Sprintf(` AND study_date <= $%d`, idx)
		args = append(args, f.DateTo)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count studies: %w", err)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search studies: %w", err)
	}
	defer rows.Close()

	var items []*Study
	for rows.Next() {
		s, err := scanStudy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *studyRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM studies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete study: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

type instanceRepoPG struct{ pool *pgxpool.Pool }

func NewInstanceRepoPG(pool *pgxpool.Pool) InstanceRepository {
	return &instanceRepoPG{pool: pool}
}

func (r *instanceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const instanceCols = `id, study_id, sop_uid, series_uid, modality, body_part,
	pixel_rows, pixel_cols, transfer_syntax, size,
	original_blob_id, deid_blob_id, metadata, created_at`

func scanInstance(row pgx.Row) (*Instance, error) {
	var i Instance
	err := row.Scan(&i.ID, &i.StudyID, &i.SOPUID, &i.SeriesUID, &i.Modality, &i.BodyPart,
		&i.Rows, &i.Columns, &i.TransferSyntax, &i.Size,
		&i.OriginalBlobID, &i.DeidBlobID, &i.Metadata, &i.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, fmt.Errorf("scan instance: %w", err)
	}
	return &i, nil
}

// Create inserts a new instance. The caller may pre-assign the ID so blob
// references can be written first; a zero ID is assigned here. A duplicate
// SOP UID surfaces as ErrDuplicateInstance.
func (r *instanceRepoPG) Create(ctx context.Context, i *Instance) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	i.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO instances (` + instanceCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (sop_uid) DO NOTHING`

	tag, err := r.conn(ctx).Exec(ctx, query,
		i.ID, i.StudyID, i.SOPUID, i.SeriesUID, i.Modality, i.BodyPart,
		i.Rows, i.Columns, i.TransferSyntax, i.Size,
		i.OriginalBlobID, i.DeidBlobID, i.Metadata, i.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateInstance
	}
	return nil
}

func (r *instanceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Instance, error) {
	query := `SELECT ` + instanceCols + ` FROM instances WHERE id = $1`
	return scanInstance(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *instanceRepoPG) GetBySOPUID(ctx context.Context, uid string) (*Instance, error) {
	query := `SELECT ` + instanceCols + ` FROM instances WHERE sop_uid = $1`
	return scanInstance(r.conn(ctx).QueryRow(ctx, query, uid))
}

func (r *instanceRepoPG) ListByStudy(ctx context.Context, studyID uuid.UUID) ([]*Instance, error) {
	query := `SELECT ` + instanceCols + ` FROM instances WHERE study_id = $1 ORDER BY created_at ASC`

	rows, err := r.conn(ctx).Query(ctx, query, studyID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var items []*Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

func (r *instanceRepoPG) DeleteByStudy(ctx context.Context, studyID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM instances WHERE study_id = $1`, studyID)
	if err != nil {
		return fmt.Errorf("delete instances: %w", err)
	}
	return nil
}

package study

import (
	"time"

	"github.com/google/uuid"

	"github.com/dicomvault/dicomvault/internal/dicom"
)

// Study maps to the studies table: one DICOM study, grouping the instances
// that share its study UID. Direct patient identifiers are stored only in
// encrypted form; the indexable fields carry de-identified coarse
// attributes.
type Study struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	StudyUID         string     `db:"study_uid" json:"study_uid"`
	PseudoPatientID  string     `db:"pseudo_patient_id" json:"pseudo_patient_id"`
	PatientSex       *string    `db:"patient_sex" json:"patient_sex,omitempty"`
	PatientBirthYear *int       `db:"patient_birth_year" json:"patient_birth_year,omitempty"`
	StudyDate        *time.Time `db:"study_date" json:"study_date,omitempty"`
	Description      *string    `db:"description" json:"description,omitempty"`
	Modalities       []string   `db:"modalities" json:"modalities"`
	NumInstances     int        `db:"num_instances" json:"num_instances"`
	PatientIDEnc     *string    `db:"patient_id_enc" json:"-"`
	PatientNameEnc   *string    `db:"patient_name_enc" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// AddModality records a modality on the study if it is not already listed.
func (s *Study) AddModality(m string) {
	if m == "" {
		return
	}
	for _, existing := range s.Modalities {
		if existing == m {
			return
		}
	}
	s.Modalities = append(s.Modalities, m)
}

// Instance maps to the instances table: one stored DICOM object. Metadata
// holds the de-identified attribute set; the original and de-identified
// bodies live in the blob store under the referenced IDs.
type Instance struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	StudyID        uuid.UUID      `db:"study_id" json:"study_id"`
	SOPUID         string         `db:"sop_uid" json:"sop_uid"`
	SeriesUID      *string        `db:"series_uid" json:"series_uid,omitempty"`
	Modality       *string        `db:"modality" json:"modality,omitempty"`
	BodyPart       *string        `db:"body_part" json:"body_part,omitempty"`
	Rows           int            `db:"pixel_rows" json:"rows,omitempty"`
	Columns        int            `db:"pixel_cols" json:"columns,omitempty"`
	TransferSyntax *string        `db:"transfer_syntax" json:"transfer_syntax,omitempty"`
	Size           int64          `db:"size" json:"size"`
	OriginalBlobID string         `db:"original_blob_id" json:"-"`
	DeidBlobID     string         `db:"deid_blob_id" json:"-"`
	Metadata       dicom.Metadata `db:"metadata" json:"metadata"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

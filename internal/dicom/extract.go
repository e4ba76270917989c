package dicom

// Metadata is the flat record of well-known clinical and administrative
// attributes read from a dataset. Absent tags leave zero values; extraction
// is a best-effort read and never fails.
type Metadata struct {
	PatientID        string `json:"patientId,omitempty"`
	PatientName      string `json:"patientName,omitempty"`
	PatientBirthDate string `json:"patientBirthDate,omitempty"`
	PatientSex       string `json:"patientSex,omitempty"`
	PatientAge       string `json:"patientAge,omitempty"`

	StudyInstanceUID string `json:"studyInstanceUid,omitempty"`
	StudyDate        string `json:"studyDate,omitempty"`
	StudyTime        string `json:"studyTime,omitempty"`
	StudyDescription string `json:"studyDescription,omitempty"`
	AccessionNumber  string `json:"accessionNumber,omitempty"`
	StudyID          string `json:"studyId,omitempty"`

	SeriesInstanceUID string `json:"seriesInstanceUid,omitempty"`
	SeriesDescription string `json:"seriesDescription,omitempty"`
	SOPInstanceUID    string `json:"sopInstanceUid,omitempty"`
	SOPClassUID       string `json:"sopClassUid,omitempty"`

	Modality           string `json:"modality,omitempty"`
	BodyPartExamined   string `json:"bodyPartExamined,omitempty"`
	InstitutionName    string `json:"institutionName,omitempty"`
	ReferringPhysician string `json:"referringPhysician,omitempty"`

	Rows          int       `json:"rows,omitempty"`
	Columns       int       `json:"columns,omitempty"`
	BitsAllocated int       `json:"bitsAllocated,omitempty"`
	PixelSpacing  []float64 `json:"pixelSpacing,omitempty"`
	WindowCenter  float64   `json:"windowCenter,omitempty"`
	WindowWidth   float64   `json:"windowWidth,omitempty"`

	TransferSyntax string `json:"transferSyntax,omitempty"`
}

// Extract reads the well-known attribute set from a parsed dataset.
// For the same input buffer the result is always identical.
func Extract(ds *Dataset) Metadata {
	return Metadata{
		PatientID:        ds.String(TagPatientID),
		PatientName:      ds.String(TagPatientName),
		PatientBirthDate: ds.String(TagPatientBirthDate),
		PatientSex:       ds.String(TagPatientSex),
		PatientAge:       ds.String(TagPatientAge),

		StudyInstanceUID: ds.String(TagStudyInstanceUID),
		StudyDate:        ds.String(TagStudyDate),
		StudyTime:        ds.String(TagStudyTime),
		StudyDescription: ds.String(TagStudyDescription),
		AccessionNumber:  ds.String(TagAccessionNumber),
		StudyID:          ds.String(TagStudyID),

		SeriesInstanceUID: ds.String(TagSeriesInstanceUID),
		SeriesDescription: ds.String(TagSeriesDescription),
		SOPInstanceUID:    ds.String(TagSOPInstanceUID),
		SOPClassUID:       ds.String(TagSOPClassUID),

		Modality:           ds.String(TagModality),
		BodyPartExamined:   ds.String(TagBodyPartExamined),
		InstitutionName:    ds.String(TagInstitutionName),
		ReferringPhysician: ds.String(TagReferringPhysician),

		Rows:          int(ds.Uint16(TagRows)),
		Columns:       int(ds.Uint16(TagColumns)),
		BitsAllocated: int(ds.Uint16(TagBitsAllocated)),
		PixelSpacing:  ds.Floats(TagPixelSpacing),
		WindowCenter:  ds.Float64(TagWindowCenter),
		WindowWidth:   ds.Float64(TagWindowWidth),

		TransferSyntax: ds.TransferSyntax,
	}
}

// Deidentified returns a copy of m with every direct identifier cleared,
// suitable for indexing and API responses. Coarse attributes that drive
// search (study date, modality, geometry) are retained.
func (m Metadata) Deidentified() Metadata {
	out := m
	out.PatientID = ""
	out.PatientName = ""
	out.PatientBirthDate = ""
	out.PatientAge = ""
	out.AccessionNumber = ""
	out.StudyID = ""
	out.InstitutionName = ""
	out.ReferringPhysician = ""
	return out
}

// Package dicomweb renders extracted DICOM metadata in the DICOM JSON
// model (PS3.18 annex F): a map keyed by eight-digit hex tags whose values
// carry the VR and a Value array.
package dicomweb

import (
	"fmt"

	"github.com/dicomvault/dicomvault/internal/dicom"
)

// Attribute is one attribute of a DICOM JSON dataset.
type Attribute struct {
	VR    string `json:"vr"`
	Value []any  `json:"Value,omitempty"`
}

// PersonName is the DICOM JSON rendering of a PN value.
type PersonName struct {
	Alphabetic string `json:"Alphabetic"`
}

// Object is a DICOM JSON dataset keyed by uppercase "GGGGEEEE" tags.
// encoding/json emits map keys sorted, so the rendered form is stable.
type Object map[string]Attribute

// TagKey renders a tag as its DICOM JSON key, e.g. (0010,0020) -> "00100020".
func TagKey(t dicom.Tag) string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

// FromMetadata converts an extracted metadata record into a DICOM JSON
// dataset. Zero-valued attributes are omitted.
func FromMetadata(m dicom.Metadata) Object {
	o := Object{}

	o.putString(dicom.TagPatientID, m.PatientID)
	o.putString(dicom.TagPatientName, m.PatientName)
	o.putString(dicom.TagPatientBirthDate, m.PatientBirthDate)
	o.putString(dicom.TagPatientSex, m.PatientSex)
	o.putString(dicom.TagPatientAge, m.PatientAge)

	o.putString(dicom.TagStudyInstanceUID, m.StudyInstanceUID)
	o.putString(dicom.TagStudyDate, m.StudyDate)
	o.putString(dicom.TagStudyTime, m.StudyTime)
	o.putString(dicom.TagStudyDescription, m.StudyDescription)
	o.putString(dicom.TagAccessionNumber, m.AccessionNumber)
	o.putString(dicom.TagStudyID, m.StudyID)

	o.putString(dicom.TagSeriesInstanceUID, m.SeriesInstanceUID)
	o.putString(dicom.TagSeriesDescription, m.SeriesDescription)
	o.putString(dicom.TagSOPInstanceUID, m.SOPInstanceUID)
	o.putString(dicom.TagSOPClassUID, m.SOPClassUID)

	o.putString(dicom.TagModality, m.Modality)
	o.putString(dicom.TagBodyPartExamined, m.BodyPartExamined)
	o.putString(dicom.TagInstitutionName, m.InstitutionName)
	o.putString(dicom.TagReferringPhysician, m.ReferringPhysician)

	o.putInt(dicom.TagRows, m.Rows)
	o.putInt(dicom.TagColumns, m.Columns)
	o.putInt(dicom.TagBitsAllocated, m.BitsAllocated)
	o.putFloats(dicom.TagPixelSpacing, m.PixelSpacing)
	o.putFloat(dicom.TagWindowCenter, m.WindowCenter)
	o.putFloat(dicom.TagWindowWidth, m.WindowWidth)

	o.putString(dicom.TagTransferSyntaxUID, m.TransferSyntax)

	return o
}

func (o Object) putString(t dicom.Tag, v string) {
	if v == "" {
		return
	}
	vr := dicom.DictVR(t)
	var val any = v
	if vr == "PN" {
		val = PersonName{Alphabetic: v}
	}
	o[TagKey(t)] = Attribute{VR: vr, Value: []any{val}}
}

func (o Object) putInt(t dicom.Tag, v int) {
	if v == 0 {
		return
	}
	o[TagKey(t)] = Attribute{VR: dicom.DictVR(t), Value: []any{v}}
}

func (o Object) putFloat(t dicom.Tag, v float64) {
	if v == 0 {
		return
	}
	o[TagKey(t)] = Attribute{VR: dicom.DictVR(t), Value: []any{v}}
}

func (o Object) putFloats(t dicom.Tag, vs []float64) {
	if len(vs) == 0 {
		return
	}
	vals := make([]any, len(vs))
	for i, v := range vs {
		vals[i] = v
	}
	o[TagKey(t)] = Attribute{VR: dicom.DictVR(t), Value: vals}
}

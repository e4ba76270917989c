package dicomweb

import (
	"encoding/json"
	"testing"

	"github.com/dicomvault/dicomvault/internal/dicom"
)

func TestTagKey(t *testing.T) {
	tests := []struct {
		tag  dicom.Tag
		want string
	}{
		{dicom.TagPatientID, "00100020"},
		{dicom.TagModality, "00080060"},
		{dicom.TagPixelData, "7FE00010"},
		{dicom.Tag{Group: 0x0020, Element: 0x000D}, "0020000D"},
	}
	for _, tt := range tests {
		if got := TagKey(tt.tag); got != tt.want {
			t.Errorf("TagKey(%s) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}

func TestFromMetadata(t *testing.T) {
	meta := dicom.Metadata{
		PatientID:        "PID-1",
		PatientName:      "DOE^JANE",
		StudyInstanceUID: "1.2.3",
		Modality:         "CT",
		Rows:             512,
		Columns:          512,
		PixelSpacing:     []float64{0.7, 0.7},
	}

	obj := FromMetadata(meta)

	if got := obj["00100020"]; got.VR != "LO" || len(got.Value) != 1 || got.Value[0] != "PID-1" {
		t.Errorf("patient id attribute = %+v", got)
	}
	if got := obj["0020000D"]; got.VR != "UI" || len(got.Value) != 1 || got.Value[0] != "1.2.3" {
		t.Errorf("study uid attribute = %+v", got)
	}
	if got := obj["00280010"]; got.VR != "US" || len(got.Value) != 1 || got.Value[0] != 512 {
		t.Errorf("rows attribute = %+v", got)
	}
	if got := obj["00280030"]; got.VR != "DS" || len(got.Value) != 2 {
		t.Errorf("pixel spacing attribute = %+v", got)
	}

	// Person names use the Alphabetic representation object.
	pn, ok := obj["00100010"].Value[0].(PersonName)
	if !ok || pn.Alphabetic != "DOE^JANE" {
		t.Errorf("patient name value = %+v", obj["00100010"].Value)
	}

	// Absent attributes stay absent.
	if _, ok := obj["00080050"]; ok {
		t.Error("empty accession number was rendered")
	}
}

func TestFromMetadata_Empty(t *testing.T) {
	if obj := FromMetadata(dicom.Metadata{}); len(obj) != 0 {
		t.Errorf("empty metadata rendered %d attributes", len(obj))
	}
}

func TestFromMetadata_JSONShape(t *testing.T) {
	meta := dicom.Metadata{PatientName: "DOE^JANE", Modality: "MR"}

	raw, err := json.Marshal(FromMetadata(meta))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]struct {
		VR    string `json:"vr"`
		Value []any  `json:"Value"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	name := decoded["00100010"]
	if name.VR != "PN" {
		t.Errorf("vr = %q, want PN", name.VR)
	}
	rep, ok := name.Value[0].(map[string]any)
	if !ok || rep["Alphabetic"] != "DOE^JANE" {
		t.Errorf("person name rendering = %+v", name.Value)
	}

	if decoded["00080060"].Value[0] != "MR" {
		t.Errorf("modality = %+v", decoded["00080060"])
	}
}

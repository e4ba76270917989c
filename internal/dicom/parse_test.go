package dicom_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/dicomvault/dicomvault/internal/dicom"
	"github.com/dicomvault/dicomvault/internal/dicom/dicomtest"
)

func TestParseDefaultFixture(t *testing.T) {
	buf := dicomtest.Default()

	ds, err := dicom.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if ds.TransferSyntax != dicom.ExplicitVRLittleEndian {
		t.Errorf("TransferSyntax = %q, want %q", ds.TransferSyntax, dicom.ExplicitVRLittleEndian)
	}
	if ds.Implicit {
		t.Error("Implicit = true, want false")
	}

	name, ok := ds.Get(dicom.TagPatientName)
	if !ok {
		t.Fatal("patient name element not found")
	}
	if name.VR != "PN" {
		t.Errorf("patient name VR = %q, want PN", name.VR)
	}
	if got := ds.String(dicom.TagPatientName); got != dicomtest.DefaultPatientName {
		t.Errorf("patient name = %q, want %q", got, dicomtest.DefaultPatientName)
	}
	if got := ds.String(dicom.TagPatientID); got != dicomtest.DefaultPatientID {
		t.Errorf("patient ID = %q, want %q", got, dicomtest.DefaultPatientID)
	}
	if got := ds.String(dicom.TagStudyInstanceUID); got != dicomtest.DefaultStudyUID {
		t.Errorf("study UID = %q, want %q", got, dicomtest.DefaultStudyUID)
	}
}

func TestParseStopsAtPixelData(t *testing.T) {
	buf := dicomtest.Default()

	ds, err := dicom.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	px, ok := ds.Get(dicom.TagPixelData)
	if !ok {
		t.Fatal("pixel data element not recorded")
	}
	if px.Value != nil {
		t.Error("pixel data bulk value was retained")
	}
	wantLen := dicomtest.DefaultRows * dicomtest.DefaultColumns * 2
	if px.ValueLength != wantLen {
		t.Errorf("pixel data length = %d, want %d", px.ValueLength, wantLen)
	}
	if px.ValueOffset+px.ValueLength != len(buf) {
		t.Errorf("pixel data region ends at %d, want %d", px.ValueOffset+px.ValueLength, len(buf))
	}

	last := ds.Elements()[ds.Len()-1]
	if last.Tag != dicom.TagPixelData {
		t.Errorf("last element = %s, want %s", last.Tag, dicom.TagPixelData)
	}
}

func TestParseCustomStopTag(t *testing.T) {
	buf := dicomtest.Default()

	ds, err := dicom.Parse(buf, dicom.WithStopTag(dicom.TagPatientName))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if _, ok := ds.Get(dicom.TagPatientName); !ok {
		t.Fatal("stop element not recorded")
	}
	if _, ok := ds.Get(dicom.TagPatientID); ok {
		t.Error("element past the stop tag was decoded")
	}
	last := ds.Elements()[ds.Len()-1]
	if last.Tag != dicom.TagPatientName {
		t.Errorf("last element = %s, want %s", last.Tag, dicom.TagPatientName)
	}
}

func TestParseLimit(t *testing.T) {
	ds, err := dicom.Parse(dicomtest.Default(), dicom.WithLimit(3))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if ds.Len() != 3 {
		t.Errorf("Len() = %d, want 3", ds.Len())
	}
}

func TestParseRejectsMissingMagic(t *testing.T) {
	buf := dicomtest.Default()
	copy(buf[128:132], "NOPE")

	_, err := dicom.Parse(buf)
	if !errors.Is(err, dicom.ErrNotDICOM) {
		t.Fatalf("Parse() error = %v, want ErrNotDICOM", err)
	}
	if !errors.Is(err, dicom.ErrMalformed) {
		t.Error("ErrNotDICOM does not match ErrMalformed")
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	_, err := dicom.Parse(dicomtest.Default()[:100])
	if !errors.Is(err, dicom.ErrNotDICOM) {
		t.Fatalf("Parse() error = %v, want ErrNotDICOM", err)
	}
}

func TestParseRejectsTruncatedStream(t *testing.T) {
	buf := dicomtest.Default()

	// Cut inside the pixel data value so the declared length overruns.
	_, err := dicom.Parse(buf[:len(buf)-100])
	if !errors.Is(err, dicom.ErrMalformed) {
		t.Fatalf("Parse() error = %v, want ErrMalformed", err)
	}

	var merr *dicom.MalformedError
	if !errors.As(err, &merr) {
		t.Fatalf("error type = %T, want *MalformedError", err)
	}
	if merr.Tag != dicom.TagPixelData {
		t.Errorf("failing tag = %s, want %s", merr.Tag, dicom.TagPixelData)
	}
}

func TestParseRejectsLengthOverrun(t *testing.T) {
	buf := dicomtest.NewBuilder().
		Add(dicom.TagPatientName, "PN", "DOE^JANE^ANN").
		Build()

	// Locate the patient name element and inflate its declared length.
	idx := bytes.Index(buf, []byte{0x10, 0x00, 0x10, 0x00})
	if idx < 0 {
		t.Fatal("patient name tag not found in fixture")
	}
	binary.LittleEndian.PutUint16(buf[idx+6:], 0xFFF0)

	_, err := dicom.Parse(buf)
	var merr *dicom.MalformedError
	if !errors.As(err, &merr) {
		t.Fatalf("Parse() error = %v, want *MalformedError", err)
	}
	if merr.Tag != dicom.TagPatientName {
		t.Errorf("failing tag = %s, want %s", merr.Tag, dicom.TagPatientName)
	}
}

func TestParseImplicitTransferSyntax(t *testing.T) {
	buf := dicomtest.NewBuilder().
		Implicit().
		Add(dicom.TagModality, "CS", "MR").
		Add(dicom.TagPatientName, "PN", "DOE^JANE^ANN").
		Add(dicom.TagPatientID, "LO", "PID-7").
		Build()

	ds, err := dicom.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if !ds.Implicit {
		t.Error("Implicit = false, want true")
	}
	if ds.TransferSyntax != dicom.ImplicitVRLittleEndian {
		t.Errorf("TransferSyntax = %q, want %q", ds.TransferSyntax, dicom.ImplicitVRLittleEndian)
	}

	name, ok := ds.Get(dicom.TagPatientName)
	if !ok {
		t.Fatal("patient name element not found")
	}
	if name.VR != "PN" {
		t.Errorf("dictionary VR = %q, want PN", name.VR)
	}
	if got := ds.String(dicom.TagPatientName); got != "DOE^JANE^ANN" {
		t.Errorf("patient name = %q, want DOE^JANE^ANN", got)
	}
}

func TestParseUndefinedLengthSequence(t *testing.T) {
	inner := dicomtest.Element(false, dicom.TagPatientID, "LO", "REF-PID-1")
	buf := dicomtest.NewBuilder().
		Add(dicom.TagModality, "CS", "CT").
		AddUndefinedSequence(dicom.TagReferencedPatientSeq, dicomtest.Item(inner)).
		Add(dicom.TagPatientName, "PN", "DOE^JANE^ANN").
		Build()

	ds, err := dicom.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	seq, ok := ds.Get(dicom.TagReferencedPatientSeq)
	if !ok {
		t.Fatal("sequence element not found")
	}
	if seq.VR != "SQ" {
		t.Errorf("sequence VR = %q, want SQ", seq.VR)
	}
	if !seq.Undefined {
		t.Error("sequence not marked undefined length")
	}
	// Region covers one defined-length item plus the sequence delimiter.
	wantLen := 8 + len(inner) + 8
	if seq.ValueLength != wantLen {
		t.Errorf("sequence region length = %d, want %d", seq.ValueLength, wantLen)
	}

	// The walk must resume cleanly after the sequence delimiter.
	if got := ds.String(dicom.TagPatientName); got != "DOE^JANE^ANN" {
		t.Errorf("patient name after sequence = %q, want DOE^JANE^ANN", got)
	}
}

func TestParseUndefinedLengthItem(t *testing.T) {
	inner := dicomtest.Element(false, dicom.TagPatientID, "LO", "REF-PID-2")
	buf := dicomtest.NewBuilder().
		AddUndefinedSequence(dicom.TagReferencedPatientSeq, dicomtest.UndefinedItem(inner)).
		Add(dicom.TagPatientName, "PN", "DOE^JANE^ANN").
		Build()

	ds, err := dicom.Parse(buf)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if _, ok := ds.Get(dicom.TagReferencedPatientSeq); !ok {
		t.Fatal("sequence element not found")
	}
	if got := ds.String(dicom.TagPatientName); got != "DOE^JANE^ANN" {
		t.Errorf("patient name after sequence = %q, want DOE^JANE^ANN", got)
	}
}

func TestParseUnterminatedSequence(t *testing.T) {
	buf := dicomtest.NewBuilder().
		AddUndefinedSequence(dicom.TagReferencedPatientSeq, dicomtest.Item(dicomtest.Element(false, dicom.TagPatientID, "LO", "X "))).
		Build()

	// Chop off the sequence delimitation tag.
	_, err := dicom.Parse(buf[:len(buf)-8])
	if !errors.Is(err, dicom.ErrMalformed) {
		t.Fatalf("Parse() error = %v, want ErrMalformed", err)
	}
}

func TestParseNeverMutatesInput(t *testing.T) {
	buf := dicomtest.Default()
	snapshot := append([]byte(nil), buf...)

	if _, err := dicom.Parse(buf); err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if !bytes.Equal(buf, snapshot) {
		t.Error("Parse mutated its input buffer")
	}
}

func TestDatasetAccessors(t *testing.T) {
	ds, err := dicom.Parse(dicomtest.Default())
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if got := int(ds.Uint16(dicom.TagRows)); got != dicomtest.DefaultRows {
		t.Errorf("rows = %d, want %d", got, dicomtest.DefaultRows)
	}
	if got := ds.Float64(dicom.TagWindowCenter); got != 40 {
		t.Errorf("window center = %v, want 40", got)
	}
	spacing := ds.Floats(dicom.TagPixelSpacing)
	if len(spacing) != 2 || spacing[0] != 0.70 || spacing[1] != 0.70 {
		t.Errorf("pixel spacing = %v, want [0.7 0.7]", spacing)
	}

	// Trailing padding must be trimmed from string reads.
	if got := ds.String(dicom.TagPatientSex); got != "F" {
		t.Errorf("patient sex = %q, want F", got)
	}

	// Absent tags resolve to zero values.
	if got := ds.String(dicom.Tag{Group: 0x0099, Element: 0x0001}); got != "" {
		t.Errorf("absent tag string = %q, want empty", got)
	}
	if got := ds.Uint16(dicom.Tag{Group: 0x0099, Element: 0x0001}); got != 0 {
		t.Errorf("absent tag uint16 = %d, want 0", got)
	}
}

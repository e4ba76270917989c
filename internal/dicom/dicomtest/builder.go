// Package dicomtest builds deterministic DICOM Part 10 fixtures for tests.
// Generated streams carry a correct preamble, file meta group with group
// length, and even-padded values, so they satisfy strict third-party
// parsers as well as the native one.
package dicomtest

import (
	"encoding/binary"
	"sort"

	"github.com/dicomvault/dicomvault/internal/dicom"
)

// Attribute values used by Default, exported so tests can assert against
// the exact fixture contents.
const (
	DefaultPatientID      = "PID-0042"
	DefaultPatientName    = "DOE^JANE^ANN"
	DefaultPatientBirth   = "19840522"
	DefaultPatientAddress = "123 MAIN ST"
	DefaultPatientSex     = "F"
	DefaultPatientAge     = "041Y"
	DefaultModality       = "CT"
	DefaultStudyDate      = "20240315"
	DefaultStudyTime      = "101530"
	DefaultAccession      = "ACC-99183"
	DefaultInstitution    = "GENERAL HOSPITAL"
	DefaultPhysician      = "SMITH^JOHN"
	DefaultStudyDesc      = "CHEST CT WITH CONTRAST"
	DefaultSeriesDesc     = "AXIAL 5MM"
	DefaultBodyPart       = "CHEST"
	DefaultStudyID        = "S-001"
	DefaultSOPClassUID    = "1.2.840.10008.5.1.4.1.1.2"
	DefaultSOPInstanceUID = "1.2.840.113619.2.55.3.604688119.971.1629700000.3"
	DefaultStudyUID       = "1.2.840.113619.2.55.3.604688119.971.1629700000.1"
	DefaultSeriesUID      = "1.2.840.113619.2.55.3.604688119.971.1629700000.2"
	DefaultRows           = 64
	DefaultColumns        = 64
)

const implementationClassUID = "1.2.826.0.1.3680043.8.691.0.1"

type element struct {
	tag      dicom.Tag
	vr       string
	value    []byte
	undefSeq [][]byte
}

// Builder assembles a Part 10 stream element by element.
type Builder struct {
	implicit bool
	transfer string
	sopClass string
	sopInst  string
	elems    []element
}

// NewBuilder returns a builder producing explicit VR little endian streams.
func NewBuilder() *Builder {
	return &Builder{
		transfer: dicom.ExplicitVRLittleEndian,
		sopClass: DefaultSOPClassUID,
		sopInst:  DefaultSOPInstanceUID,
	}
}

// Implicit switches the main data set to implicit VR little endian. The
// file meta group stays explicit, as the standard requires.
func (b *Builder) Implicit() *Builder {
	b.implicit = true
	b.transfer = dicom.ImplicitVRLittleEndian
	return b
}

// Add appends a string-valued element, padding to even length with a space
// (NUL for UI values).
func (b *Builder) Add(t dicom.Tag, vr, value string) *Builder {
	v := []byte(value)
	if len(v)%2 != 0 {
		if vr == "UI" {
			v = append(v, 0)
		} else {
			v = append(v, ' ')
		}
	}
	b.elems = append(b.elems, element{tag: t, vr: vr, value: v})
	return b
}

// AddBytes appends an element with a raw value, padded to even length with
// a NUL byte.
func (b *Builder) AddBytes(t dicom.Tag, vr string, v []byte) *Builder {
	v = append([]byte(nil), v...)
	if len(v)%2 != 0 {
		v = append(v, 0)
	}
	b.elems = append(b.elems, element{tag: t, vr: vr, value: v})
	return b
}

// AddUint16 appends a binary US element.
func (b *Builder) AddUint16(t dicom.Tag, v uint16) *Builder {
	raw := make([]byte, 2)
	binary.LittleEndian.PutUint16(raw, v)
	return b.AddBytes(t, "US", raw)
}

// AddUndefinedSequence appends an SQ element with undefined length whose
// value is the given defined-length items followed by the sequence
// delimitation tag. Build item contents with Element and Item.
func (b *Builder) AddUndefinedSequence(t dicom.Tag, items ...[]byte) *Builder {
	b.elems = append(b.elems, element{tag: t, vr: "SQ", undefSeq: items})
	return b
}

// WithPixelData appends an OW PixelData element holding rows*cols 16-bit
// samples with a fixed deterministic pattern.
func (b *Builder) WithPixelData(rows, cols int) *Builder {
	px := make([]byte, rows*cols*2)
	for i := range px {
		px[i] = byte(i * 31)
	}
	b.AddUint16(dicom.TagRows, uint16(rows))
	b.AddUint16(dicom.TagColumns, uint16(cols))
	return b.AddBytes(dicom.TagPixelData, "OW", px)
}

// Build encodes the stream: preamble, DICM marker, file meta group with a
// correct group length, then the data set in ascending tag order.
func (b *Builder) Build() []byte {
	meta := encodeExplicit(dicom.Tag{Group: 0x0002, Element: 0x0001}, "OB", []byte{0x00, 0x01})
	meta = append(meta, encodeExplicit(dicom.Tag{Group: 0x0002, Element: 0x0002}, "UI", padUID(b.sopClass))...)
	meta = append(meta, encodeExplicit(dicom.Tag{Group: 0x0002, Element: 0x0003}, "UI", padUID(b.sopInst))...)
	meta = append(meta, encodeExplicit(dicom.TagTransferSyntaxUID, "UI", padUID(b.transfer))...)
	meta = append(meta, encodeExplicit(dicom.Tag{Group: 0x0002, Element: 0x0012}, "UI", padUID(implementationClassUID))...)

	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(len(meta)))

	out := make([]byte, 128, 128+4+len(meta)+256)
	out = append(out, "DICM"...)
	out = append(out, encodeExplicit(dicom.TagFileMetaGroupLength, "UL", groupLen)...)
	out = append(out, meta...)

	elems := append([]element(nil), b.elems...)
	sort.SliceStable(elems, func(i, j int) bool {
		return elems[i].tag.Compare(elems[j].tag) < 0
	})
	for _, e := range elems {
		out = append(out, encodeDataElement(b.implicit, e)...)
	}
	return out
}

// Default returns the canonical CT fixture: full demographics, study and
// series attributes, image geometry and a small pixel data payload.
func Default() []byte {
	return DefaultBuilder().Build()
}

// DefaultBuilder returns a builder preloaded with the Default attribute
// set, letting tests tweak single elements before Build.
func DefaultBuilder() *Builder {
	return NewBuilder().
		Add(dicom.TagSpecificCharacterSet, "CS", "ISO_IR 100").
		Add(dicom.TagSOPClassUID, "UI", DefaultSOPClassUID).
		Add(dicom.TagSOPInstanceUID, "UI", DefaultSOPInstanceUID).
		Add(dicom.TagStudyDate, "DA", DefaultStudyDate).
		Add(dicom.TagStudyTime, "TM", DefaultStudyTime).
		Add(dicom.TagAccessionNumber, "SH", DefaultAccession).
		Add(dicom.TagModality, "CS", DefaultModality).
		Add(dicom.TagInstitutionName, "LO", DefaultInstitution).
		Add(dicom.TagReferringPhysician, "PN", DefaultPhysician).
		Add(dicom.TagStudyDescription, "LO", DefaultStudyDesc).
		Add(dicom.TagSeriesDescription, "LO", DefaultSeriesDesc).
		Add(dicom.TagPatientName, "PN", DefaultPatientName).
		Add(dicom.TagPatientID, "LO", DefaultPatientID).
		Add(dicom.TagPatientBirthDate, "DA", DefaultPatientBirth).
		Add(dicom.TagPatientSex, "CS", DefaultPatientSex).
		Add(dicom.TagPatientAge, "AS", DefaultPatientAge).
		Add(dicom.TagPatientAddress, "LO", DefaultPatientAddress).
		Add(dicom.TagBodyPartExamined, "CS", DefaultBodyPart).
		Add(dicom.TagStudyInstanceUID, "UI", DefaultStudyUID).
		Add(dicom.TagSeriesInstanceUID, "UI", DefaultSeriesUID).
		Add(dicom.TagStudyID, "SH", DefaultStudyID).
		AddUint16(dicom.TagBitsAllocated, 16).
		Add(dicom.TagPixelSpacing, "DS", "0.70\\0.70").
		Add(dicom.TagWindowCenter, "DS", "40").
		Add(dicom.TagWindowWidth, "DS", "400").
		WithPixelData(DefaultRows, DefaultColumns)
}

// Element encodes a single data element for embedding in sequence items.
func Element(implicit bool, t dicom.Tag, vr, value string) []byte {
	v := []byte(value)
	if len(v)%2 != 0 {
		if vr == "UI" {
			v = append(v, 0)
		} else {
			v = append(v, ' ')
		}
	}
	if implicit {
		return encodeImplicit(t, v)
	}
	return encodeExplicit(t, vr, v)
}

// Item wraps encoded elements in a defined-length sequence item.
func Item(inner []byte) []byte {
	out := make([]byte, 0, 8+len(inner))
	out = appendTag(out, dicom.Tag{Group: 0xFFFE, Element: 0xE000})
	out = appendUint32(out, uint32(len(inner)))
	return append(out, inner...)
}

// UndefinedItem wraps encoded elements in an undefined-length item closed
// by the item delimitation tag.
func UndefinedItem(inner []byte) []byte {
	out := make([]byte, 0, 16+len(inner))
	out = appendTag(out, dicom.Tag{Group: 0xFFFE, Element: 0xE000})
	out = appendUint32(out, 0xFFFFFFFF)
	out = append(out, inner...)
	out = appendTag(out, dicom.Tag{Group: 0xFFFE, Element: 0xE00D})
	return appendUint32(out, 0)
}

func encodeDataElement(implicit bool, e element) []byte {
	if e.undefSeq != nil {
		var value []byte
		for _, item := range e.undefSeq {
			value = append(value, item...)
		}
		value = appendTag(value, dicom.Tag{Group: 0xFFFE, Element: 0xE0DD})
		value = appendUint32(value, 0)

		var out []byte
		out = appendTag(out, e.tag)
		if implicit {
			out = appendUint32(out, 0xFFFFFFFF)
		} else {
			out = append(out, "SQ"...)
			out = append(out, 0, 0)
			out = appendUint32(out, 0xFFFFFFFF)
		}
		return append(out, value...)
	}
	if implicit {
		return encodeImplicit(e.tag, e.value)
	}
	return encodeExplicit(e.tag, e.vr, e.value)
}

func encodeExplicit(t dicom.Tag, vr string, v []byte) []byte {
	out := make([]byte, 0, 12+len(v))
	out = appendTag(out, t)
	out = append(out, vr...)
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "UC", "UN", "UR", "UT":
		out = append(out, 0, 0)
		out = appendUint32(out, uint32(len(v)))
	default:
		out = appendUint16(out, uint16(len(v)))
	}
	return append(out, v...)
}

func encodeImplicit(t dicom.Tag, v []byte) []byte {
	out := make([]byte, 0, 8+len(v))
	out = appendTag(out, t)
	out = appendUint32(out, uint32(len(v)))
	return append(out, v...)
}

func padUID(s string) []byte {
	v := []byte(s)
	if len(v)%2 != 0 {
		v = append(v, 0)
	}
	return v
}

func appendTag(out []byte, t dicom.Tag) []byte {
	out = appendUint16(out, t.Group)
	return appendUint16(out, t.Element)
}

func appendUint16(out []byte, v uint16) []byte {
	var raw [2]byte
	binary.LittleEndian.PutUint16(raw[:], v)
	return append(out, raw[:]...)
}

func appendUint32(out []byte, v uint32) []byte {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	return append(out, raw[:]...)
}

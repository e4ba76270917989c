// Package dicom implements byte-level parsing, validation, metadata
// extraction and PHI de-identification for DICOM Part 10 streams.
//
// All operations are pure functions of their input buffer plus static tag
// tables: nothing here touches the network, the filesystem or shared mutable
// state, so every entry point is safe for concurrent use.
package dicom

import "fmt"

// Tag identifies a single DICOM attribute as a (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

// String renders the tag in the conventional "(GGGG,EEEE)" form.
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Compare returns -1, 0 or 1 ordering tags by group, then element.
func (t Tag) Compare(o Tag) int {
	switch {
	case t.Group < o.Group:
		return -1
	case t.Group > o.Group:
		return 1
	case t.Element < o.Element:
		return -1
	case t.Element > o.Element:
		return 1
	default:
		return 0
	}
}

// Well-known tags used by the extractor, the de-identifier and the
// validator. Names follow the DICOM data dictionary.
var (
	TagFileMetaGroupLength = Tag{0x0002, 0x0000}
	TagTransferSyntaxUID   = Tag{0x0002, 0x0010}

	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagStudyDate            = Tag{0x0008, 0x0020}
	TagSeriesDate           = Tag{0x0008, 0x0021}
	TagStudyTime            = Tag{0x0008, 0x0030}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagModality             = Tag{0x0008, 0x0060}
	TagInstitutionName      = Tag{0x0008, 0x0080}
	TagInstitutionAddress   = Tag{0x0008, 0x0081}
	TagReferringPhysician   = Tag{0x0008, 0x0090}
	TagStationName          = Tag{0x0008, 0x1010}
	TagStudyDescription     = Tag{0x0008, 0x1030}
	TagSeriesDescription    = Tag{0x0008, 0x103E}
	TagPhysiciansOfRecord   = Tag{0x0008, 0x1048}
	TagPerformingPhysician  = Tag{0x0008, 0x1050}
	TagReadingPhysician     = Tag{0x0008, 0x1060}
	TagOperatorsName        = Tag{0x0008, 0x1070}
	TagReferencedPatientSeq = Tag{0x0008, 0x1120}

	TagPatientName      = Tag{0x0010, 0x0010}
	TagPatientID        = Tag{0x0010, 0x0020}
	TagPatientBirthDate = Tag{0x0010, 0x0030}
	TagPatientSex       = Tag{0x0010, 0x0040}
	TagOtherPatientIDs  = Tag{0x0010, 0x1000}
	TagOtherPatientName = Tag{0x0010, 0x1001}
	TagPatientAge       = Tag{0x0010, 0x1010}
	TagPatientAddress   = Tag{0x0010, 0x1040}
	TagPatientPhone     = Tag{0x0010, 0x2154}

	TagBodyPartExamined = Tag{0x0018, 0x0015}

	TagStudyInstanceUID  = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID = Tag{0x0020, 0x000E}
	TagStudyID           = Tag{0x0020, 0x0010}

	TagRows          = Tag{0x0028, 0x0010}
	TagColumns       = Tag{0x0028, 0x0011}
	TagPixelSpacing  = Tag{0x0028, 0x0030}
	TagBitsAllocated = Tag{0x0028, 0x0100}
	TagWindowCenter  = Tag{0x0028, 0x1050}
	TagWindowWidth   = Tag{0x0028, 0x1051}

	TagPixelData = Tag{0x7FE0, 0x0010}

	// Item and delimitation tags carry no VR in any transfer syntax.
	tagItem        = Tag{0xFFFE, 0xE000}
	tagItemDelim   = Tag{0xFFFE, 0xE00D}
	tagSequenceEnd = Tag{0xFFFE, 0xE0DD}
)

// dictionary maps known tags to their VR for implicit transfer syntaxes.
// Tags absent here resolve to UN.
var dictionary = map[Tag]string{
	TagFileMetaGroupLength: "UL",
	TagTransferSyntaxUID:   "UI",

	TagSpecificCharacterSet: "CS",
	TagSOPClassUID:          "UI",
	TagSOPInstanceUID:       "UI",
	TagStudyDate:            "DA",
	TagSeriesDate:           "DA",
	TagStudyTime:            "TM",
	TagAccessionNumber:      "SH",
	TagModality:             "CS",
	TagInstitutionName:      "LO",
	TagInstitutionAddress:   "ST",
	TagReferringPhysician:   "PN",
	TagStationName:          "SH",
	TagStudyDescription:     "LO",
	TagSeriesDescription:    "LO",
	TagPhysiciansOfRecord:   "PN",
	TagPerformingPhysician:  "PN",
	TagReadingPhysician:     "PN",
	TagOperatorsName:        "PN",
	TagReferencedPatientSeq: "SQ",

	TagPatientName:      "PN",
	TagPatientID:        "LO",
	TagPatientBirthDate: "DA",
	TagPatientSex:       "CS",
	TagOtherPatientIDs:  "LO",
	TagOtherPatientName: "PN",
	TagPatientAge:       "AS",
	TagPatientAddress:   "LO",
	TagPatientPhone:     "SH",

	TagBodyPartExamined: "CS",

	TagStudyInstanceUID:  "UI",
	TagSeriesInstanceUID: "UI",
	TagStudyID:           "SH",

	TagRows:          "US",
	TagColumns:       "US",
	TagPixelSpacing:  "DS",
	TagBitsAllocated: "US",
	TagWindowCenter:  "DS",
	TagWindowWidth:   "DS",

	TagPixelData: "OW",
}

// DictVR returns the dictionary VR for a tag, or "UN" when unknown.
func DictVR(t Tag) string {
	if vr, ok := dictionary[t]; ok {
		return vr
	}
	return "UN"
}

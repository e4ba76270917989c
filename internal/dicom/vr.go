package dicom

// Transfer syntax UIDs the parser switches decoding behavior on. Anything
// not listed decodes as explicit VR little endian, which covers the
// compressed syntaxes as well.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// longFormVRs use the 12-byte explicit header: 2-byte VR, 2 reserved bytes
// and a 4-byte length. Every other VR uses the 8-byte header with a 2-byte
// length.
var longFormVRs = map[string]bool{
	"OB": true,
	"OD": true,
	"OF": true,
	"OL": true,
	"OV": true,
	"OW": true,
	"SQ": true,
	"UC": true,
	"UN": true,
	"UR": true,
	"UT": true,
}

// textVRs hold character data padded with trailing spaces to even length.
var textVRs = map[string]bool{
	"AE": true,
	"AS": true,
	"CS": true,
	"DA": true,
	"DS": true,
	"DT": true,
	"IS": true,
	"LO": true,
	"LT": true,
	"PN": true,
	"SH": true,
	"ST": true,
	"TM": true,
	"UC": true,
	"UT": true,
}

// knownVRs is the full set the parser accepts as an explicit VR field.
// Two uppercase letters that are not listed are still decoded (short form)
// so that files using newer VRs degrade gracefully.
var knownVRs = map[string]bool{
	"AE": true, "AS": true, "AT": true, "CS": true, "DA": true,
	"DS": true, "DT": true, "FD": true, "FL": true, "IS": true,
	"LO": true, "LT": true, "OB": true, "OD": true, "OF": true,
	"OL": true, "OV": true, "OW": true, "PN": true, "SH": true,
	"SL": true, "SQ": true, "SS": true, "ST": true, "SV": true,
	"TM": true, "UC": true, "UI": true, "UL": true, "UN": true,
	"UR": true, "US": true, "UT": true, "UV": true,
}

func isLongFormVR(vr string) bool { return longFormVRs[vr] }

func isTextVR(vr string) bool { return textVRs[vr] }

// isVRByte reports whether b can appear in an explicit VR field.
func isVRByte(b byte) bool { return b >= 'A' && b <= 'Z' }

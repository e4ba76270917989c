package dicom

// Replacement literals written over PHI values. Each is padded (or
// truncated) to the original value length so offsets never move.
const (
	anonymizedName = "ANONYMIZED"
	anonymizedDate = "19000101"
	anonymizedAge  = "000Y"
)

// Policy names recorded in the de-identification report.
const (
	PolicyReplace = "replace"
	PolicyBlank   = "blank"
	PolicyZero    = "zero"
)

// Target pairs a tag with the VR assumed when the dataset does not supply
// one, mirroring the static PHI attribute list.
type Target struct {
	Tag Tag
	VR  string
}

// defaultPHITargets covers the directly identifying attributes: patient
// demographics, physician and operator names, institution identity and the
// administrative identifiers tied to them. Clinical content (dates of
// acquisition, UIDs, geometry, pixel data) is deliberately not listed.
var defaultPHITargets = []Target{
	{TagPatientName, "PN"},
	{TagPatientID, "LO"},
	{TagPatientBirthDate, "DA"},
	{TagPatientSex, "CS"},
	{TagPatientAge, "AS"},
	{TagPatientAddress, "LO"},
	{TagPatientPhone, "SH"},
	{TagOtherPatientIDs, "LO"},
	{TagOtherPatientName, "PN"},
	{TagReferringPhysician, "PN"},
	{TagPhysiciansOfRecord, "PN"},
	{TagPerformingPhysician, "PN"},
	{TagReadingPhysician, "PN"},
	{TagOperatorsName, "PN"},
	{TagInstitutionName, "LO"},
	{TagInstitutionAddress, "ST"},
	{TagStationName, "SH"},
	{TagAccessionNumber, "SH"},
	{TagStudyID, "SH"},
	{TagReferencedPatientSeq, "SQ"},
}

// DefaultPHITargets returns a copy of the built-in PHI attribute list.
func DefaultPHITargets() []Target {
	out := make([]Target, len(defaultPHITargets))
	copy(out, defaultPHITargets)
	return out
}

// Action records one rewritten element.
type Action struct {
	Tag    Tag    `json:"tag"`
	VR     string `json:"vr"`
	Policy string `json:"policy"`
	Length int    `json:"length"`
	// Fallback is set when the VR was unrecognized and the zero-fill
	// policy was applied instead of failing.
	Fallback bool `json:"fallback,omitempty"`
}

// Report lists the actions one Anonymize call performed.
type Report struct {
	Actions []Action `json:"actions"`
}

// Count returns the number of rewritten elements.
func (r *Report) Count() int { return len(r.Actions) }

// AnonymizeOption adjusts de-identification behavior.
type AnonymizeOption func(*anonymizeOptions)

type anonymizeOptions struct {
	targets []Target
}

// WithTargets replaces the default PHI attribute list.
func WithTargets(targets []Target) AnonymizeOption {
	return func(o *anonymizeOptions) { o.targets = targets }
}

// Anonymize parses buf and returns a copy with every listed PHI element
// overwritten in place according to its VR:
//
//	PN            -> "ANONYMIZED", space-padded to the original length
//	DA            -> "19000101", space-padded
//	AS            -> "000Y", space-padded
//	text VRs      -> all spaces
//	SQ or unknown -> zero-filled value region
//
// The output has exactly the input's length, every byte outside targeted
// value regions is preserved verbatim, and element offsets are unchanged,
// so the result remains a decodable DICOM stream. Listed tags absent from
// the dataset are skipped. Anonymize is idempotent: running it over its own
// output changes nothing. The input buffer is never mutated.
func Anonymize(buf []byte, opts ...AnonymizeOption) ([]byte, *Report, error) {
	o := anonymizeOptions{targets: defaultPHITargets}
	for _, fn := range opts {
		fn(&o)
	}

	ds, err := Parse(buf)
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, len(buf))
	copy(out, buf)

	report := &Report{}
	for _, target := range o.targets {
		elem, ok := ds.Get(target.Tag)
		if !ok {
			continue
		}
		vr := elem.VR
		if vr == "" || vr == "UN" {
			vr = target.VR
		}
		report.Actions = append(report.Actions, overwrite(buf, out, elem, vr, ds.Implicit))
	}

	return out, report, nil
}

// overwrite applies the VR policy for one element to out and returns the
// action taken. orig supplies the untouched structure for sequence walks.
func overwrite(orig, out []byte, elem *Element, vr string, implicit bool) Action {
	action := Action{Tag: elem.Tag, VR: vr, Length: elem.ValueLength}
	region := out[elem.ValueOffset : elem.ValueOffset+elem.ValueLength]

	switch {
	case vr == "PN":
		writeLiteral(region, anonymizedName)
		action.Policy = PolicyReplace
	case vr == "DA":
		writeLiteral(region, anonymizedDate)
		action.Policy = PolicyReplace
	case vr == "AS":
		writeLiteral(region, anonymizedAge)
		action.Policy = PolicyReplace
	case isTextVR(vr):
		fill(region, ' ')
		action.Policy = PolicyBlank
	case vr == "SQ":
		zeroSequence(orig, out, elem, !implicit)
		action.Policy = PolicyZero
	default:
		fill(region, 0)
		action.Policy = PolicyZero
		action.Fallback = true
	}
	return action
}

// writeLiteral copies lit into region, truncating when the region is
// shorter and space-padding the remainder when it is longer.
func writeLiteral(region []byte, lit string) {
	n := copy(region, lit)
	for i := n; i < len(region); i++ {
		region[i] = ' '
	}
}

func fill(region []byte, b byte) {
	for i := range region {
		region[i] = b
	}
}

// zeroSequence blanks a sequence value. Defined-length sequences are an
// opaque region and are zero-filled whole. Undefined-length sequences are
// delimiter-walked, so only element values inside the items are zeroed and
// the item, element and delimiter headers survive; otherwise the stream
// could no longer be walked past the sequence.
func zeroSequence(orig, out []byte, elem *Element, explicit bool) {
	if !elem.Undefined {
		fill(out[elem.ValueOffset:elem.ValueOffset+elem.ValueLength], 0)
		return
	}
	for _, item := range elem.items {
		zeroItemValues(orig, out, item, explicit)
	}
}

// zeroItemValues walks the elements inside one item content region and
// zeroes each value, recursing into nested undefined-length sequences.
// The structure was already validated by Parse.
func zeroItemValues(orig, out []byte, sp span, explicit bool) {
	pos := sp.off
	end := sp.off + sp.n
	for pos < end {
		if pos+4 > len(orig) {
			return
		}
		tag := readTag(orig, pos)
		elem, next, err := decodeElement(orig, pos, explicit, tag, 0)
		if err != nil {
			return
		}
		if elem.Undefined {
			for _, item := range elem.items {
				zeroItemValues(orig, out, item, explicit)
			}
		} else if elem.ValueLength > 0 {
			fill(out[elem.ValueOffset:elem.ValueOffset+elem.ValueLength], 0)
		}
		pos = next
	}
}

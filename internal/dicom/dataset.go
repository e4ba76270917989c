package dicom

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// span marks a byte region of the input buffer.
type span struct {
	off int
	n   int
}

// Element is a single decoded data element. Value aliases the parsed buffer;
// callers must not mutate it.
type Element struct {
	Tag         Tag
	VR          string
	ValueOffset int
	ValueLength int
	Value       []byte

	// Undefined marks elements declared with length 0xFFFFFFFF; their
	// ValueLength is the measured size of the delimiter-walked region.
	Undefined bool

	// items holds the content region of each top-level item of an
	// undefined-length sequence so rewriting can preserve the item and
	// delimiter headers.
	items []span
}

// Dataset is the ordered result of one Parse call. It is immutable after
// construction and owned exclusively by the caller that parsed it.
type Dataset struct {
	// TransferSyntax is the UID read from (0002,0010), empty when the
	// file meta group does not carry one.
	TransferSyntax string
	// Implicit reports whether the main data set used implicit VR.
	Implicit bool

	elems []*Element
	byTag map[Tag]*Element
}

// Get returns the element for a tag, if present. For tags repeated in the
// stream the first occurrence wins.
func (d *Dataset) Get(t Tag) (*Element, bool) {
	e, ok := d.byTag[t]
	return e, ok
}

// Elements returns the decoded elements in stream order. The returned slice
// is shared; callers must not modify it.
func (d *Dataset) Elements() []*Element { return d.elems }

// Len returns the number of decoded elements.
func (d *Dataset) Len() int { return len(d.elems) }

// String returns the element value decoded as a trimmed string, or "" when
// the tag is absent. Trailing space and NUL padding is removed.
func (d *Dataset) String(t Tag) string {
	e, ok := d.byTag[t]
	if !ok || e.Value == nil {
		return ""
	}
	return strings.TrimRight(string(e.Value), " \x00")
}

// Strings splits a multi-valued string element on the DICOM backslash
// delimiter. Absent tags yield a nil slice.
func (d *Dataset) Strings(t Tag) []string {
	s := d.String(t)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\\")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Uint16 decodes a binary US value. Absent or short values yield 0.
func (d *Dataset) Uint16(t Tag) uint16 {
	e, ok := d.byTag[t]
	if !ok || len(e.Value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(e.Value)
}

// Float64 parses a DS-style decimal string value. Absent or unparseable
// values yield 0. Multi-valued elements yield the first component.
func (d *Dataset) Float64(t Tag) float64 {
	parts := d.Strings(t)
	if len(parts) == 0 {
		return 0
	}
	f, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0
	}
	return f
}

// Floats parses every component of a multi-valued DS element, skipping
// components that do not parse.
func (d *Dataset) Floats(t Tag) []float64 {
	parts := d.Strings(t)
	if len(parts) == 0 {
		return nil
	}
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}

func (d *Dataset) add(e *Element) {
	d.elems = append(d.elems, e)
	if _, exists := d.byTag[e.Tag]; !exists {
		d.byTag[e.Tag] = e
	}
}

package dicom

import "encoding/binary"

const (
	preambleLength  = 128
	headerLength    = preambleLength + 4
	magicWord       = "DICM"
	undefinedLength = 0xFFFFFFFF

	// maxSequenceDepth bounds recursion while skipping nested sequences.
	maxSequenceDepth = 32
)

// ParseOption adjusts how far Parse walks the element stream.
type ParseOption func(*parseOptions)

type parseOptions struct {
	stopTag Tag
	limit   int
}

// WithStopTag sets the tag that terminates the walk. The stop element is
// recorded with its offset and declared length but its bulk value is not
// retained. The default stop tag is PixelData.
func WithStopTag(t Tag) ParseOption {
	return func(o *parseOptions) { o.stopTag = t }
}

// WithLimit stops the walk after n decoded elements. Zero means no limit.
func WithLimit(n int) ParseOption {
	return func(o *parseOptions) { o.limit = n }
}

// Parse decodes a Part 10 byte stream into a Dataset.
//
// The 128-byte preamble and DICM marker are verified first; a buffer
// without them fails with ErrNotDICOM. The file meta group (0002,xxxx) is
// always explicit VR little endian; the transfer syntax it names switches
// the main data set to implicit decoding when required. A declared element
// length that overruns the buffer fails with a *MalformedError.
//
// Parse never mutates buf. Element values alias it, so the buffer must not
// be modified while the Dataset is in use.
func Parse(buf []byte, opts ...ParseOption) (*Dataset, error) {
	o := parseOptions{stopTag: TagPixelData}
	for _, fn := range opts {
		fn(&o)
	}

	if len(buf) < headerLength {
		return nil, ErrNotDICOM
	}
	if string(buf[preambleLength:headerLength]) != magicWord {
		return nil, ErrNotDICOM
	}

	ds := &Dataset{byTag: make(map[Tag]*Element)}
	pos := headerLength
	inMeta := true

	for pos < len(buf) {
		if o.limit > 0 && ds.Len() >= o.limit {
			break
		}
		if pos+4 > len(buf) {
			return nil, malformed(pos, Tag{}, "truncated element tag")
		}
		tag := readTag(buf, pos)

		// The meta group ends at the first element outside group 0002.
		if inMeta && tag.Group != 0x0002 {
			inMeta = false
			ds.Implicit = ds.TransferSyntax == ImplicitVRLittleEndian
		}
		explicit := inMeta || !ds.Implicit

		if tag == o.stopTag {
			// Record the stop element's location without decoding
			// its bulk value.
			vr, valueLen, headerLen, err := decodeHeader(buf, pos, explicit, tag)
			if err != nil {
				return nil, err
			}
			elem := &Element{Tag: tag, VR: vr, ValueOffset: pos + headerLen}
			if valueLen == undefinedLength {
				elem.Undefined = true
			} else {
				if elem.ValueOffset+int(valueLen) > len(buf) {
					return nil, malformed(pos, tag, "declared length %d overruns buffer", valueLen)
				}
				elem.ValueLength = int(valueLen)
			}
			ds.add(elem)
			break
		}

		elem, next, err := decodeElement(buf, pos, explicit, tag, 0)
		if err != nil {
			return nil, err
		}

		if tag == TagTransferSyntaxUID && inMeta {
			ds.TransferSyntax = trimUID(elem.Value)
		}

		ds.add(elem)
		pos = next
	}

	return ds, nil
}

// decodeHeader decodes one element header at pos and returns the VR, the
// declared value length and the header size in bytes.
func decodeHeader(buf []byte, pos int, explicit bool, tag Tag) (string, uint32, int, error) {
	switch {
	case tag.Group == 0xFFFE:
		// Item and delimitation tags never carry a VR.
		if pos+8 > len(buf) {
			return "", 0, 0, malformed(pos, tag, "truncated item header")
		}
		return "UN", binary.LittleEndian.Uint32(buf[pos+4:]), 8, nil

	case explicit:
		if pos+8 > len(buf) {
			return "", 0, 0, malformed(pos, tag, "truncated element header")
		}
		if !isVRByte(buf[pos+4]) || !isVRByte(buf[pos+5]) {
			return "", 0, 0, malformed(pos, tag, "invalid VR bytes %q", buf[pos+4:pos+6])
		}
		vr := string(buf[pos+4 : pos+6])
		if isLongFormVR(vr) {
			if pos+12 > len(buf) {
				return "", 0, 0, malformed(pos, tag, "truncated element header")
			}
			return vr, binary.LittleEndian.Uint32(buf[pos+8:]), 12, nil
		}
		return vr, uint32(binary.LittleEndian.Uint16(buf[pos+6:])), 8, nil

	default:
		if pos+8 > len(buf) {
			return "", 0, 0, malformed(pos, tag, "truncated element header")
		}
		return DictVR(tag), binary.LittleEndian.Uint32(buf[pos+4:]), 8, nil
	}
}

// decodeElement decodes one element at pos, resolves its value region and
// returns the element plus the offset of the next element. depth counts
// sequence nesting to bound recursion.
func decodeElement(buf []byte, pos int, explicit bool, tag Tag, depth int) (*Element, int, error) {
	vr, valueLen, headerLen, err := decodeHeader(buf, pos, explicit, tag)
	if err != nil {
		return nil, 0, err
	}

	elem := &Element{
		Tag:         tag,
		VR:          vr,
		ValueOffset: pos + headerLen,
	}

	if valueLen == undefinedLength {
		elem.Undefined = true
		items, end, err := walkSequence(buf, elem.ValueOffset, explicit, depth+1)
		if err != nil {
			return nil, 0, err
		}
		elem.items = items
		elem.ValueLength = end - elem.ValueOffset
		return elem, end, nil
	}

	vo := elem.ValueOffset
	if vo+int(valueLen) > len(buf) {
		return nil, 0, malformed(pos, tag, "declared length %d overruns buffer", valueLen)
	}
	elem.ValueLength = int(valueLen)
	elem.Value = buf[vo : vo+int(valueLen)]
	return elem, vo + int(valueLen), nil
}

// walkSequence scans an undefined-length value region: a series of items
// terminated by a sequence delimitation tag. It returns the content span of
// each top-level item and the offset just past the delimiter.
func walkSequence(buf []byte, pos int, explicit bool, depth int) ([]span, int, error) {
	if depth > maxSequenceDepth {
		return nil, 0, malformed(pos, Tag{}, "sequence nesting exceeds %d", maxSequenceDepth)
	}

	var items []span
	for {
		if pos+8 > len(buf) {
			return nil, 0, malformed(pos, Tag{}, "unterminated sequence")
		}
		tag := readTag(buf, pos)
		length := binary.LittleEndian.Uint32(buf[pos+4:])

		switch tag {
		case tagSequenceEnd:
			return items, pos + 8, nil

		case tagItem:
			content := pos + 8
			if length == undefinedLength {
				end, err := skipUndefinedItem(buf, content, explicit, depth)
				if err != nil {
					return nil, 0, err
				}
				// end points at the item delimitation header.
				items = append(items, span{off: content, n: end - content})
				pos = end + 8
				continue
			}
			if content+int(length) > len(buf) {
				return nil, 0, malformed(pos, tag, "item length %d overruns buffer", length)
			}
			items = append(items, span{off: content, n: int(length)})
			pos = content + int(length)

		default:
			return nil, 0, malformed(pos, tag, "expected sequence item")
		}
	}
}

// skipUndefinedItem advances past the elements of an undefined-length item
// and returns the offset of the item delimitation header.
func skipUndefinedItem(buf []byte, pos int, explicit bool, depth int) (int, error) {
	for {
		if pos+8 > len(buf) {
			return 0, malformed(pos, Tag{}, "unterminated sequence item")
		}
		tag := readTag(buf, pos)
		if tag == tagItemDelim {
			return pos, nil
		}
		_, next, err := decodeElement(buf, pos, explicit, tag, depth)
		if err != nil {
			return 0, err
		}
		pos = next
	}
}

func readTag(buf []byte, pos int) Tag {
	return Tag{
		Group:   binary.LittleEndian.Uint16(buf[pos:]),
		Element: binary.LittleEndian.Uint16(buf[pos+2:]),
	}
}

// trimUID strips the trailing NUL padding UI values carry to even length.
func trimUID(v []byte) string {
	for len(v) > 0 && (v[len(v)-1] == 0 || v[len(v)-1] == ' ') {
		v = v[:len(v)-1]
	}
	return string(v)
}

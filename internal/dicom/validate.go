package dicom

// shallowElementLimit bounds the partial parse IsValid performs: enough to
// cover the file meta group and the first few data set elements.
const shallowElementLimit = 16

// IsValid reports whether buf looks like a well-formed DICOM stream: at
// least 132 bytes, the DICM marker at [128:132], and a shallow partial
// parse that decodes without error. It never returns an error and never
// panics; truncated and corrupt streams simply yield false.
func IsValid(buf []byte) bool {
	if len(buf) < headerLength {
		return false
	}
	if string(buf[preambleLength:headerLength]) != magicWord {
		return false
	}
	_, err := Parse(buf, WithLimit(shallowElementLimit))
	return err == nil
}

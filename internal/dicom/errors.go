package dicom

import (
	"errors"
	"fmt"
)

// ErrMalformed is the category error for streams that cannot be decoded.
// Concrete failures are reported as *MalformedError and match this via
// errors.Is.
var ErrMalformed = errors.New("malformed dicom stream")

// ErrNotDICOM reports a buffer without the Part 10 preamble and magic.
// It matches ErrMalformed.
var ErrNotDICOM = fmt.Errorf("%w: missing DICM marker", ErrMalformed)

// MalformedError describes where and why decoding failed. Offsets are
// absolute positions in the input buffer.
type MalformedError struct {
	Offset int
	Tag    Tag
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Tag != (Tag{}) {
		return fmt.Sprintf("malformed dicom stream: %s at offset %d: %s", e.Tag, e.Offset, e.Reason)
	}
	return fmt.Sprintf("malformed dicom stream: offset %d: %s", e.Offset, e.Reason)
}

// Is makes every *MalformedError match ErrMalformed.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func malformed(offset int, tag Tag, format string, args ...interface{}) error {
	return &MalformedError{Offset: offset, Tag: tag, Reason: fmt.Sprintf(format, args...)}
}

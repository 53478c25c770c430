// Package syntax parses AV1 sequence headers and uncompressed frame headers
// into structured records. Frame-header parsing takes the active sequence
// header and the reference-slot state as explicit inputs; nothing in the
// package is mutable shared state, so frames parse independently.
package syntax

import (
	"errors"
	"fmt"
)

// Sentinel errors carried by SyntaxError.
var (
	ErrTruncated        = errors.New("syntax: header truncated")
	ErrReservedValue    = errors.New("syntax: reserved value")
	ErrOutOfRange       = errors.New("syntax: value out of range")
	ErrMissingReference = errors.New("syntax: reference slot not valid")
	ErrNoSequenceHeader = errors.New("syntax: no active sequence header")
)

// SyntaxError reports an invalid or truncated header field. Header names the
// syntax structure ("sequence_header" or "frame_header"), Field the
// offending syntax element and BitOffset the position at which it starts.
type SyntaxError struct {
	Header    string
	Field     string
	BitOffset int
	Err       error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s.%s at bit %d: %v", e.Header, e.Field, e.BitOffset, e.Err)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Package obu iterates AV1 open bitstream units (OBUs) in low-overhead
// format. Each unit is a 1-byte header, an optional extension byte and a
// leb128 size prefix ahead of its payload.
package obu

import (
	"errors"
	"fmt"
)

// Kind is the OBU type tag from the unit header.
type Kind uint8

// OBU types as defined in the AV1 specification, section 6.2.2.
const (
	KindSequenceHeader       Kind = 1
	KindTemporalDelimiter    Kind = 2
	KindFrameHeader          Kind = 3
	KindTileGroup            Kind = 4
	KindMetadata             Kind = 5
	KindFrame                Kind = 6
	KindRedundantFrameHeader Kind = 7
	KindTileList             Kind = 8
	KindPadding              Kind = 15
)

// Known reports whether k is a defined OBU type. Reserved tags are carried
// as unknown units.
func (k Kind) Known() bool {
	switch k {
	case KindSequenceHeader, KindTemporalDelimiter, KindFrameHeader,
		KindTileGroup, KindMetadata, KindFrame, KindRedundantFrameHeader,
		KindTileList, KindPadding:
		return true
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindSequenceHeader:
		return "sequence_header"
	case KindTemporalDelimiter:
		return "temporal_delimiter"
	case KindFrameHeader:
		return "frame_header"
	case KindTileGroup:
		return "tile_group"
	case KindMetadata:
		return "metadata"
	case KindFrame:
		return "frame"
	case KindRedundantFrameHeader:
		return "redundant_frame_header"
	case KindTileList:
		return "tile_list"
	case KindPadding:
		return "padding"
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Unit is one OBU. Payload is a view into the iterated buffer and is only
// valid as long as that buffer is.
type Unit struct {
	Kind         Kind
	Offset       int // offset of the OBU header within the buffer
	HeaderSize   int // header, extension and size-field bytes
	HasExtension bool
	HasSizeField bool
	TemporalID   uint8
	SpatialID    uint8
	Payload      []byte
}

// Size returns the total number of bytes the unit occupies, header included.
func (u Unit) Size() int {
	return u.HeaderSize + len(u.Payload)
}

// Unknown reports whether the unit carries a reserved type tag.
func (u Unit) Unknown() bool {
	return !u.Kind.Known()
}

// Sentinel errors carried by UnitError.
var (
	ErrTruncated    = errors.New("obu: truncated unit")
	ErrForbiddenBit = errors.New("obu: forbidden bit set")
	ErrInvalidSize  = errors.New("obu: invalid size field")
)

// UnitError reports malformed unit framing at a byte offset within the
// iterated buffer.
type UnitError struct {
	Offset int
	Err    error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Package ivf implements demuxing of IVF containers: a fixed 32-byte file
// header followed by frame chunks, each prefixed by a 4-byte little-endian
// payload size and an 8-byte little-endian timestamp.
package ivf

import (
	"errors"
	"fmt"
)

const (
	// HeaderSize is the minimum IVF file header length.
	HeaderSize = 32
	// FrameHeaderSize is the length of the size+timestamp prefix on each chunk.
	FrameHeaderSize = 12

	signature = "DKIF"
)

// Header is the parsed IVF file header.
type Header struct {
	Version     uint16
	HeaderLen   uint16
	FourCC      string
	Width       uint16
	Height      uint16
	TimebaseDen uint32
	TimebaseNum uint32
	// FrameCount is the frame-count hint; zero means unknown.
	FrameCount uint32
}

// Frame describes one chunk in the container. Offset and Size locate the
// payload; the 12-byte chunk prefix sits immediately before Offset.
type Frame struct {
	Index     int
	Offset    int64
	Size      int
	Timestamp int64
}

// End returns the offset one past the last payload byte.
func (f Frame) End() int64 {
	return f.Offset + int64(f.Size)
}

// Sentinel errors carried by ContainerError. These enable callers to
// distinguish failure modes using errors.Is.
var (
	ErrTruncatedHeader    = errors.New("ivf: truncated header")
	ErrTruncatedFrame     = errors.New("ivf: truncated frame")
	ErrUnsupportedVersion = errors.New("ivf: unsupported version")
	ErrBadSignature       = errors.New("ivf: bad signature")
	ErrUnexpectedFourCC   = errors.New("ivf: unexpected fourcc")
)

// ContainerError reports a malformed or truncated container. It is fatal to
// the whole stream and is never retried.
type ContainerError struct {
	Offset int64
	Frame  int // chunk index, -1 for header errors
	Err    error
}

func (e *ContainerError) Error() string {
	if e.Frame < 0 {
		return fmt.Sprintf("%v at offset %d", e.Err, e.Offset)
	}
	return fmt.Sprintf("%v: frame %d at offset %d", e.Err, e.Frame, e.Offset)
}

func (e *ContainerError) Unwrap() error {
	return e.Err
}

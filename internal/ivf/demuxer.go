package ivf

import (
	"encoding/binary"
	"errors"
	"io"
)

// Demuxer reads IVF chunks from a random-access reader. It holds no state
// beyond its cursor; Reset restarts iteration from the first chunk.
type Demuxer struct {
	reader     io.ReaderAt
	size       int64
	header     Header
	fourcc     string
	next       int64
	index      int
	headerRead bool
}

// NewDemuxer creates a demuxer over size bytes of r. The header is read
// lazily by Header or the first call to Next.
func NewDemuxer(r io.ReaderAt, size int64, opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{
		reader: r,
		size:   size,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DemuxerOptFourCC makes the demuxer reject streams whose header carries a
// different FourCC.
func DemuxerOptFourCC(fourcc string) func(*Demuxer) {
	return func(d *Demuxer) {
		d.fourcc = fourcc
	}
}

// Header validates and returns the file header.
func (d *Demuxer) Header() (Header, error) {
	if d.headerRead {
		return d.header, nil
	}
	if d.size < HeaderSize {
		return Header{}, &ContainerError{Offset: 0, Frame: -1, Err: ErrTruncatedHeader}
	}
	buf := make([]byte, HeaderSize)
	if _, err := d.reader.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return Header{}, err
	}
	h, err := parseHeader(buf)
	if err != nil {
		return Header{}, err
	}
	if d.fourcc != "" && h.FourCC != d.fourcc {
		return Header{}, &ContainerError{Offset: 8, Frame: -1, Err: ErrUnexpectedFourCC}
	}
	if int64(h.HeaderLen) > d.size {
		return Header{}, &ContainerError{Offset: 6, Frame: -1, Err: ErrTruncatedHeader}
	}
	d.header = h
	d.headerRead = true
	d.next = int64(h.HeaderLen)
	return h, nil
}

func parseHeader(buf []byte) (Header, error) {
	if string(buf[0:4]) != signature {
		return Header{}, &ContainerError{Offset: 0, Frame: -1, Err: ErrBadSignature}
	}
	h := Header{
		Version:     binary.LittleEndian.Uint16(buf[4:6]),
		HeaderLen:   binary.LittleEndian.Uint16(buf[6:8]),
		FourCC:      string(buf[8:12]),
		Width:       binary.LittleEndian.Uint16(buf[12:14]),
		Height:      binary.LittleEndian.Uint16(buf[14:16]),
		TimebaseDen: binary.LittleEndian.Uint32(buf[16:20]),
		TimebaseNum: binary.LittleEndian.Uint32(buf[20:24]),
		FrameCount:  binary.LittleEndian.Uint32(buf[24:28]),
	}
	if h.Version != 0 {
		return Header{}, &ContainerError{Offset: 4, Frame: -1, Err: ErrUnsupportedVersion}
	}
	if h.HeaderLen < HeaderSize {
		return Header{}, &ContainerError{Offset: 6, Frame: -1, Err: ErrTruncatedHeader}
	}
	return h, nil
}

// Next returns the next chunk. It returns io.EOF when the data ends cleanly
// after the last chunk, and a ContainerError wrapping ErrTruncatedFrame when
// a chunk prefix or payload runs past the end of the data, or when the data
// ends before the header's frame-count hint is reached.
func (d *Demuxer) Next() (Frame, error) {
	if _, err := d.Header(); err != nil {
		return Frame{}, err
	}

	remaining := d.size - d.next
	if remaining == 0 {
		if d.header.FrameCount > 0 && d.index < int(d.header.FrameCount) {
			return Frame{}, &ContainerError{Offset: d.next, Frame: d.index, Err: ErrTruncatedFrame}
		}
		return Frame{}, io.EOF
	}
	if remaining < FrameHeaderSize {
		return Frame{}, &ContainerError{Offset: d.next, Frame: d.index, Err: ErrTruncatedFrame}
	}

	var prefix [FrameHeaderSize]byte
	if _, err := d.reader.ReadAt(prefix[:], d.next); err != nil && !errors.Is(err, io.EOF) {
		return Frame{}, err
	}
	size := int64(binary.LittleEndian.Uint32(prefix[0:4]))
	ts := int64(binary.LittleEndian.Uint64(prefix[4:12]))

	if size > remaining-FrameHeaderSize {
		return Frame{}, &ContainerError{Offset: d.next, Frame: d.index, Err: ErrTruncatedFrame}
	}

	f := Frame{
		Index:     d.index,
		Offset:    d.next + FrameHeaderSize,
		Size:      int(size),
		Timestamp: ts,
	}
	d.next = f.End()
	d.index++
	return f, nil
}

// ReadPayload reads the payload bytes of f.
func (d *Demuxer) ReadPayload(f Frame) ([]byte, error) {
	return ReadRange(d.reader, f.Offset, f.Size)
}

// Reset restarts iteration at the first chunk.
func (d *Demuxer) Reset() {
	d.index = 0
	if d.headerRead {
		d.next = int64(d.header.HeaderLen)
	}
}

// ReadRange reads size bytes at off from r.
func ReadRange(r io.ReaderAt, off int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := r.ReadAt(buf, off)
	if n == size {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

// AppendHeader appends an encoded IVF file header to buf. A HeaderLen
// below HeaderSize is written as HeaderSize; larger values are padded
// with zeros.
func AppendHeader(buf []byte, h Header) []byte {
	headerLen := max(h.HeaderLen, HeaderSize)
	fourcc := h.FourCC + "    "
	buf = append(buf, signature...)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version)
	buf = binary.LittleEndian.AppendUint16(buf, headerLen)
	buf = append(buf, fourcc[:4]...)
	buf = binary.LittleEndian.AppendUint16(buf, h.Width)
	buf = binary.LittleEndian.AppendUint16(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.TimebaseDen)
	buf = binary.LittleEndian.AppendUint32(buf, h.TimebaseNum)
	buf = binary.LittleEndian.AppendUint32(buf, h.FrameCount)
	buf = append(buf, make([]byte, int(headerLen)-28)...)
	return buf
}

// AppendFrame appends one chunk prefix and payload to buf.
func AppendFrame(buf []byte, timestamp int64, payload []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(timestamp))
	return append(buf, payload...)
}

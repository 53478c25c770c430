package obu

import (
	"errors"
	"io"
	"iter"

	"github.com/zsiec/av1scope/internal/bitstream"
)

// Iterator walks a buffer of concatenated OBUs. It never copies payloads.
type Iterator struct {
	data []byte
	pos  int
	err  error
}

// NewIterator returns an Iterator over data.
func NewIterator(data []byte) *Iterator {
	return &Iterator{data: data}
}

// Next returns the next unit, io.EOF once the buffer is exhausted, or a
// *UnitError. After an error every further call returns the same error.
func (it *Iterator) Next() (Unit, error) {
	if it.err != nil {
		return Unit{}, it.err
	}
	if it.pos >= len(it.data) {
		return Unit{}, io.EOF
	}
	u, err := parseUnit(it.data, it.pos)
	if err != nil {
		it.err = err
		return Unit{}, err
	}
	it.pos += u.Size()
	return u, nil
}

// All returns the remaining units as a lazy sequence. Iteration stops after
// the first error is yielded.
func (it *Iterator) All() iter.Seq2[Unit, error] {
	return func(yield func(Unit, error) bool) {
		for {
			u, err := it.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(u, err) || err != nil {
				return
			}
		}
	}
}

// Units collects every unit in data.
func Units(data []byte) ([]Unit, error) {
	var units []Unit
	for u, err := range NewIterator(data).All() {
		if err != nil {
			return units, err
		}
		units = append(units, u)
	}
	return units, nil
}

func parseUnit(data []byte, off int) (Unit, error) {
	b := data[off]
	if b&0x80 != 0 {
		return Unit{}, &UnitError{Offset: off, Err: ErrForbiddenBit}
	}
	u := Unit{
		Kind:         Kind((b >> 3) & 0x0F),
		Offset:       off,
		HasExtension: b&0x04 != 0,
		HasSizeField: b&0x02 != 0,
	}
	pos := off + 1
	if u.HasExtension {
		if pos >= len(data) {
			return Unit{}, &UnitError{Offset: pos, Err: ErrTruncated}
		}
		ext := data[pos]
		u.TemporalID = ext >> 5
		u.SpatialID = (ext >> 3) & 0x03
		pos++
	}

	size := len(data) - pos
	if u.HasSizeField {
		v, n, err := bitstream.ParseLEB128(data[pos:])
		if err != nil {
			if len(data)-pos < 8 {
				return Unit{}, &UnitError{Offset: pos, Err: ErrTruncated}
			}
			return Unit{}, &UnitError{Offset: pos, Err: ErrInvalidSize}
		}
		pos += n
		if v > uint64(len(data)-pos) {
			return Unit{}, &UnitError{Offset: pos, Err: ErrTruncated}
		}
		size = int(v)
	}

	u.HeaderSize = pos - off
	u.Payload = data[pos : pos+size]
	return u, nil
}

// AppendUnit appends an OBU with a size field to buf. A non-nil ext adds
// the extension byte with the given temporal and spatial ids.
func AppendUnit(buf []byte, kind Kind, ext *Extension, payload []byte) []byte {
	h := byte(kind&0x0F)<<3 | 0x02
	if ext != nil {
		h |= 0x04
	}
	buf = append(buf, h)
	if ext != nil {
		buf = append(buf, ext.TemporalID<<5|(ext.SpatialID&0x03)<<3)
	}
	buf = bitstream.AppendLEB128(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// Extension holds the layer ids of the optional OBU extension header.
type Extension struct {
	TemporalID uint8
	SpatialID  uint8
}

// Package bitstream provides MSB-first bit cursors over AV1 syntax: the
// f(n), su(n), ns(n), le(n), leb128() and uvlc() descriptors, plus a
// matching writer used to synthesize streams.
package bitstream

import (
	"encoding/binary"
	"errors"
)

// ErrOverflow is reported by Reader.Err once any read runs past the end of
// the data.
var ErrOverflow = errors.New("bitstream: read past end of data")

// ErrLEB128 is returned for a LEB128 value that is unterminated within 8
// bytes or exceeds 32 bits.
var ErrLEB128 = errors.New("bitstream: invalid leb128")

// Reader reads bits MSB-first from a byte slice. Reads past the end return
// zero bits and latch the overflow flag, so a parser may read a whole
// section and check Err once.
type Reader struct {
	data     []byte
	bitPos   int
	overflow bool
}

// NewReader returns a Reader positioned at the first bit of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Pos returns the current position in bits from the start of the data.
func (r *Reader) Pos() int {
	return r.bitPos
}

// BytePos returns the index of the byte holding the next bit.
func (r *Reader) BytePos() int {
	return r.bitPos / 8
}

// Len returns the total length of the data in bits.
func (r *Reader) Len() int {
	return len(r.data) * 8
}

// BitsLeft returns the number of unread bits.
func (r *Reader) BitsLeft() int {
	total := len(r.data) * 8
	if r.bitPos > total {
		return 0
	}
	return total - r.bitPos
}

// Overflow reports whether any read ran past the end of the data.
func (r *Reader) Overflow() bool {
	return r.overflow
}

// Err returns ErrOverflow if the reader overflowed, nil otherwise.
func (r *Reader) Err() error {
	if r.overflow {
		return ErrOverflow
	}
	return nil
}

// ReadBit reads a single bit.
func (r *Reader) ReadBit() bool {
	if r.bitPos >= len(r.data)*8 {
		r.overflow = true
		return false
	}
	byteIdx := r.bitPos / 8
	bitIdx := 7 - (r.bitPos % 8)
	r.bitPos++
	return (r.data[byteIdx]>>uint(bitIdx))&1 == 1
}

// ReadFlag is ReadBit under the name the syntax tables use for 1-bit flags.
func (r *Reader) ReadFlag() bool {
	return r.ReadBit()
}

// ReadBits reads an n-bit unsigned value, f(n). n must be at most 32.
func (r *Reader) ReadBits(n int) uint32 {
	var val uint32
	for i := 0; i < n; i++ {
		val <<= 1
		if r.ReadBit() {
			val |= 1
		}
	}
	return val
}

// ReadBits64 reads an n-bit unsigned value into a uint64. n must be at most 64.
func (r *Reader) ReadBits64(n int) uint64 {
	var val uint64
	for i := 0; i < n; i++ {
		val <<= 1
		if r.ReadBit() {
			val |= 1
		}
	}
	return val
}

// ReadSU reads an n-bit two's complement signed value, su(n).
func (r *Reader) ReadSU(n int) int32 {
	if n <= 0 {
		return 0
	}
	value := int64(r.ReadBits64(n))
	signMask := int64(1) << (n - 1)
	if value&signMask != 0 {
		value -= 2 * signMask
	}
	return int32(value)
}

// ReadNS reads a non-symmetric unsigned value in [0, n), ns(n).
func (r *Reader) ReadNS(n uint32) uint32 {
	if n <= 1 {
		return 0
	}
	w := floorLog2(n) + 1
	m := (uint32(1) << w) - n
	v := r.ReadBits(w - 1)
	if v < m {
		return v
	}
	extra := r.ReadBits(1)
	return (v << 1) - m + extra
}

// ReadLE reads n little-endian bytes, le(n). The reader must be byte aligned.
func (r *Reader) ReadLE(n int) uint64 {
	var t uint64
	for i := 0; i < n; i++ {
		t += r.ReadBits64(8) << (8 * i)
	}
	return t
}

// ReadUVLC reads an Exp-Golomb style variable length code, uvlc().
func (r *Reader) ReadUVLC() uint32 {
	leadingZeros := 0
	for {
		if r.overflow {
			return 0
		}
		if r.ReadBit() {
			break
		}
		leadingZeros++
	}
	if leadingZeros >= 32 {
		return (1 << 32) - 1
	}
	value := r.ReadBits(leadingZeros)
	return value + (uint32(1) << leadingZeros) - 1
}

// ReadLEB128 reads a byte-aligned leb128() value.
func (r *Reader) ReadLEB128() uint64 {
	var value uint64
	for i := 0; i < 8; i++ {
		b := r.ReadBits64(8)
		value |= (b & 0x7f) << (i * 7)
		if b&0x80 == 0 {
			break
		}
	}
	return value
}

// Skip advances the cursor by n bits.
func (r *Reader) Skip(n int) {
	r.bitPos += n
	if r.bitPos > len(r.data)*8 {
		r.overflow = true
	}
}

// ByteAlign advances to the next byte boundary, returning true if all the
// skipped bits were zero.
func (r *Reader) ByteAlign() bool {
	zero := true
	for r.bitPos%8 != 0 {
		if r.ReadBit() {
			zero = false
		}
	}
	return zero
}

// TrailingBitsOK reports whether the rest of the data is a valid
// trailing_bits() pattern: a single one bit followed by zero bits. Empty
// remaining data is accepted as well, which covers units that end exactly on
// their last field.
func (r *Reader) TrailingBitsOK() bool {
	left := r.BitsLeft()
	if left == 0 {
		return true
	}
	pos := r.bitPos
	defer func() { r.bitPos = pos }()
	if !r.ReadBit() {
		return false
	}
	for r.bitPos < len(r.data)*8 {
		if r.ReadBit() {
			return false
		}
	}
	return true
}

// ParseLEB128 decodes a leb128 value from the start of data, returning the
// value and the number of bytes consumed. AV1 limits encodings to 8 bytes
// and values to 32 bits.
func ParseLEB128(data []byte) (uint64, int, error) {
	if len(data) > 8 {
		data = data[:8]
	}
	v, n := binary.Uvarint(data)
	if n <= 0 || v > (1<<32)-1 {
		return 0, 0, ErrLEB128
	}
	return v, n, nil
}

// AppendLEB128 appends the leb128 encoding of v to buf.
func AppendLEB128(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

func floorLog2(n uint32) int {
	s := 0
	for n > 1 {
		n >>= 1
		s++
	}
	return s
}

// FloorLog2 returns floor(log2(n)) for n > 0.
func FloorLog2(n uint32) int {
	return floorLog2(n)
}

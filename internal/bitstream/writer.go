package bitstream

// Writer writes bits MSB-first into a growing byte slice. Each Put method
// mirrors the Reader method of the same descriptor.
type Writer struct {
	data   []byte
	bitPos int
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Pos returns the number of bits written so far.
func (w *Writer) Pos() int {
	return w.bitPos
}

// PutBit writes a single bit.
func (w *Writer) PutBit(v bool) {
	if w.bitPos%8 == 0 {
		w.data = append(w.data, 0)
	}
	if v {
		byteIdx := w.bitPos / 8
		bitIdx := 7 - (w.bitPos % 8)
		w.data[byteIdx] |= 1 << uint(bitIdx)
	}
	w.bitPos++
}

// PutFlag writes a 1-bit flag.
func (w *Writer) PutFlag(v bool) {
	w.PutBit(v)
}

// PutBits writes the low n bits of v, f(n).
func (w *Writer) PutBits(n int, v uint64) {
	for i := n - 1; i >= 0; i-- {
		w.PutBit((v>>uint(i))&1 == 1)
	}
}

// PutSU writes v as an n-bit two's complement value, su(n).
func (w *Writer) PutSU(n int, v int32) {
	w.PutBits(n, uint64(int64(v))&((1<<n)-1))
}

// PutNS writes v in [0, n) using the non-symmetric code, ns(n).
func (w *Writer) PutNS(n, v uint32) {
	if n <= 1 {
		return
	}
	bits := floorLog2(n) + 1
	m := (uint32(1) << bits) - n
	if v < m {
		w.PutBits(bits-1, uint64(v))
		return
	}
	x := v + m
	w.PutBits(bits-1, uint64(x>>1))
	w.PutBits(1, uint64(x&1))
}

// PutLE writes v as n little-endian bytes, le(n).
func (w *Writer) PutLE(n int, v uint64) {
	for i := 0; i < n; i++ {
		w.PutBits(8, (v>>(8*i))&0xff)
	}
}

// PutUVLC writes v with the uvlc() code.
func (w *Writer) PutUVLC(v uint32) {
	x := uint64(v) + 1
	leadingZeros := 0
	for (x >> uint(leadingZeros+1)) != 0 {
		leadingZeros++
	}
	for i := 0; i < leadingZeros; i++ {
		w.PutBit(false)
	}
	w.PutBit(true)
	w.PutBits(leadingZeros, x-(1<<uint(leadingZeros)))
}

// PutBytes writes whole bytes at the current bit position.
func (w *Writer) PutBytes(b []byte) {
	for _, v := range b {
		w.PutBits(8, uint64(v))
	}
}

// ByteAlign pads with zero bits to the next byte boundary.
func (w *Writer) ByteAlign() {
	for w.bitPos%8 != 0 {
		w.PutBit(false)
	}
}

// TrailingBits writes trailing_bits(): a one bit then zeros to the next
// byte boundary.
func (w *Writer) TrailingBits() {
	w.PutBit(true)
	w.ByteAlign()
}

// Bytes returns the written data. A partial final byte is zero padded.
func (w *Writer) Bytes() []byte {
	return w.data
}

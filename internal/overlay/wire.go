package overlay

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// WireVersion is the version byte leading every encoded grid.
const WireVersion = 1

// ErrWireFormat reports an encoded grid that cannot be decoded.
var ErrWireFormat = errors.New("overlay: malformed wire data")

// Wire layout, all integers QUIC varints and signed values zig-zag coded:
//
//	version(8) kind width height cols rows count
//	count x { x y w h value }
//
// where value is qp for QP grids, n { ref mvx mvy } for motion grids (n = 0
// for intra) and type depth for partition grids.

// AppendBinary implements Overlay.
func (g *Grid[T]) AppendBinary(b []byte) ([]byte, error) {
	if g.enc == nil {
		return b, fmt.Errorf("overlay: %v grid has no wire encoding", g.OverlayKind)
	}
	b = append(b, WireVersion)
	for _, v := range []int{int(g.OverlayKind), g.Width, g.Height, g.Cols, g.Rows, len(g.Cells)} {
		b = quicvarint.Append(b, uint64(v))
	}
	for _, c := range g.Cells {
		b = quicvarint.Append(b, uint64(c.X))
		b = quicvarint.Append(b, uint64(c.Y))
		b = quicvarint.Append(b, uint64(c.W))
		b = quicvarint.Append(b, uint64(c.H))
		b = g.enc(b, c.Value)
	}
	return b, nil
}

func zigzag(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func appendQP(b []byte, qp int) []byte {
	return quicvarint.Append(b, uint64(qp))
}

func appendMotion(b []byte, m *MotionValue) []byte {
	if m == nil {
		return quicvarint.Append(b, 0)
	}
	b = quicvarint.Append(b, uint64(len(m.MVs)))
	refs := [2]uint64{uint64(m.RefFrame), uint64(m.RefFrame2)}
	for i, mv := range m.MVs {
		b = quicvarint.Append(b, refs[min(i, 1)])
		b = quicvarint.Append(b, zigzag(int64(mv.X)))
		b = quicvarint.Append(b, zigzag(int64(mv.Y)))
	}
	return b
}

func appendPartition(b []byte, p PartitionValue) []byte {
	b = quicvarint.Append(b, uint64(p.Type))
	return quicvarint.Append(b, uint64(p.Depth))
}

// WireGrid is a decoded grid of any kind. Values holds each cell's value
// fields in wire order with signed fields already unzigzagged.
type WireGrid struct {
	Kind   Kind
	Width  int
	Height int
	Cols   int
	Rows   int
	Cells  []WireCell
}

// WireCell is one decoded cell.
type WireCell struct {
	X, Y, W, H int
	Values     []int64
}

// bufReader walks a byte slice of varints.
type bufReader struct {
	data []byte
	pos  int
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readInts(dst ...*int) error {
	for _, d := range dst {
		v, err := b.readVarint()
		if err != nil {
			return err
		}
		*d = int(v)
	}
	return nil
}

// DecodeWire parses the output of AppendBinary.
func DecodeWire(data []byte) (*WireGrid, error) {
	if len(data) == 0 || data[0] != WireVersion {
		return nil, fmt.Errorf("%w: bad version", ErrWireFormat)
	}
	r := &bufReader{data: data, pos: 1}
	g := &WireGrid{}
	var kind, count int
	if err := r.readInts(&kind, &g.Width, &g.Height, &g.Cols, &g.Rows, &count); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrWireFormat, err)
	}
	g.Kind = Kind(kind)
	// Every cell takes at least five bytes.
	if count > (len(data)-r.pos)/5 {
		return nil, fmt.Errorf("%w: %d cells in %d bytes", ErrWireFormat, count, len(data))
	}

	g.Cells = make([]WireCell, count)
	for i := range g.Cells {
		c := &g.Cells[i]
		if err := r.readInts(&c.X, &c.Y, &c.W, &c.H); err != nil {
			return nil, fmt.Errorf("%w: cell %d: %w", ErrWireFormat, i, err)
		}
		var err error
		c.Values, err = readValue(r, g.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: cell %d value: %w", ErrWireFormat, i, err)
		}
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrWireFormat, len(data)-r.pos)
	}
	return g, nil
}

func readValue(r *bufReader, kind Kind) ([]int64, error) {
	var fields []bool // true for signed
	switch kind {
	case KindQP:
		fields = []bool{false}
	case KindPartitionMap:
		fields = []bool{false, false}
	case KindMotionVector:
		n, err := r.readVarint()
		if err != nil {
			return nil, err
		}
		if n > 2 {
			return nil, fmt.Errorf("%d vectors", n)
		}
		for range n {
			fields = append(fields, false, true, true)
		}
	default:
		return nil, ErrUnknownKind
	}

	vals := make([]int64, len(fields))
	for i, signed := range fields {
		u, err := r.readVarint()
		if err != nil {
			return nil, err
		}
		if signed {
			vals[i] = unzigzag(u)
		} else {
			vals[i] = int64(u)
		}
	}
	return vals, nil
}

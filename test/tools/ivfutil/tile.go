package ivfutil

import "github.com/zsiec/av1scope/internal/bitstream"

// Widths are the analysis-syntax field widths, matching the default
// partition table.
type Widths struct {
	Partition    int
	Partition8x8 int
	IsInter      int
	IntraMode    int
	RefFrame     int
	InterMode    int
	Compound     int
	MV           int
	DeltaQ       int
}

// DefaultWidths returns the widths of the compiled-in syntax table.
func DefaultWidths() Widths {
	return Widths{
		Partition:    4,
		Partition8x8: 2,
		IsInter:      1,
		IntraMode:    4,
		RefFrame:     3,
		InterMode:    2,
		Compound:     1,
		MV:           14,
		DeltaQ:       8,
	}
}

// Partition symbols.
const (
	PartitionNone  = 0
	PartitionHorz  = 1
	PartitionVert  = 2
	PartitionSplit = 3
	PartitionHorz4 = 8
)

// MV is a motion vector in 1/8 sample units.
type MV struct {
	X, Y int32
}

// TileWriter writes the analysis syntax of one tile. The caller emits
// symbols in the order the partition walk reads them.
type TileWriter struct {
	w      *bitstream.Writer
	widths Widths
	frame  Frame
}

// NewTileWriter returns a TileWriter for a tile of frame f using the
// default widths.
func NewTileWriter(f Frame) *TileWriter {
	return NewTileWriterWidths(f, DefaultWidths())
}

// NewTileWriterWidths is NewTileWriter with explicit widths.
func NewTileWriterWidths(f Frame, widths Widths) *TileWriter {
	return &TileWriter{w: bitstream.NewWriter(), widths: widths, frame: f}
}

// Partition writes a partition symbol for a node larger than 8x8.
func (t *TileWriter) Partition(sym int) *TileWriter {
	t.w.PutBits(t.widths.Partition, uint64(sym))
	return t
}

// Partition8x8 writes a partition symbol for an 8x8 node.
func (t *TileWriter) Partition8x8(sym int) *TileWriter {
	t.w.PutBits(t.widths.Partition8x8, uint64(sym))
	return t
}

// Flag writes split_or_horz or split_or_vert at the frame edge.
func (t *TileWriter) Flag(v bool) *TileWriter {
	t.w.PutFlag(v)
	return t
}

func (t *TileWriter) deltaQ(dq int32) {
	if t.frame.DeltaQ {
		t.w.PutSU(1+t.widths.DeltaQ, dq)
	}
}

// Intra writes an intra block with prediction mode mode.
func (t *TileWriter) Intra(dq int32, mode int) *TileWriter {
	t.deltaQ(dq)
	if !t.frame.intra() {
		t.w.PutBits(t.widths.IsInter, 0)
	}
	t.w.PutBits(t.widths.IntraMode, uint64(mode))
	return t
}

// Inter writes an inter block. refs are zero-based (0 = LAST); two refs
// make a compound block and need two vectors.
func (t *TileWriter) Inter(dq int32, refs []int, mode int, mvs ...MV) *TileWriter {
	t.deltaQ(dq)
	t.w.PutBits(t.widths.IsInter, 1)
	t.w.PutBits(t.widths.RefFrame, uint64(refs[0]))
	if t.frame.ReferenceSelect {
		t.w.PutBits(t.widths.Compound, boolBit(len(refs) > 1))
		if len(refs) > 1 {
			t.w.PutBits(t.widths.RefFrame, uint64(refs[1]))
		}
	}
	t.w.PutBits(t.widths.InterMode, uint64(mode))
	for _, mv := range mvs {
		t.w.PutSU(1+t.widths.MV, mv.Y)
		t.w.PutSU(1+t.widths.MV, mv.X)
	}
	return t
}

// Bits writes raw bits.
func (t *TileWriter) Bits(n int, v uint64) *TileWriter {
	t.w.PutBits(n, v)
	return t
}

// Bytes returns the tile data zero padded to a byte boundary.
func (t *TileWriter) Bytes() []byte {
	t.w.ByteAlign()
	return t.w.Bytes()
}

func boolBit(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

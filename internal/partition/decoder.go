package partition

import (
	"github.com/zsiec/av1scope/internal/bitstream"
	"github.com/zsiec/av1scope/internal/syntax"
)

// Result holds the coding units decoded from one frame's tile data in
// decode order. Tiles records which CUs each decoded tile produced.
type Result struct {
	Width          int
	Height         int
	SuperblockSize int
	CUs            []CodingUnit
	Tiles          []TileSpan
}

// TileSpan locates one tile's coding units inside Result.CUs.
type TileSpan struct {
	Index int
	First int
	Count int
	Size  int
}

// Decode walks every tile of the frame described by fh. groups holds the
// frame's tile group payloads in stream order; for a frame OBU that is the
// payload after the frame header's byte alignment.
//
// Decode always returns a Result. When it also returns an error, the CUs in
// the Result are the ones decoded before the fault and remain valid.
func Decode(fh *syntax.FrameHeader, groups [][]byte, table *Table) (*Result, error) {
	if table == nil {
		table = DefaultTable()
	}
	sbSize := fh.SuperblockSize()
	d := &decoder{
		fh:       fh,
		table:    table,
		sb4:      sbSize / 4,
		maxDepth: table.MaxDepth(sbSize),
		res: &Result{
			Width:          fh.FrameWidth,
			Height:         fh.FrameHeight,
			SuperblockSize: sbSize,
		},
	}
	d.sbCols = (fh.MiCols + d.sb4 - 1) / d.sb4

	for _, g := range groups {
		if err := d.decodeGroup(g); err != nil {
			return d.res, err
		}
	}
	if d.nextTile != fh.Tiles.NumTiles() {
		return d.res, &PartitionError{Tile: d.nextTile, SuperblockRow: -1, SuperblockCol: -1, Err: ErrMissingTiles}
	}
	return d.res, nil
}

// AppendDecodeContext appends a canonical encoding of every frame header
// field Decode reads. Two frames whose tile data, context and syntax table
// match decode to the same CUs.
func AppendDecodeContext(b []byte, fh *syntax.FrameHeader) []byte {
	var flags uint64
	for i, f := range []bool{fh.FrameIsIntra, fh.ReferenceSelect, fh.DeltaQ.Present} {
		if f {
			flags |= 1 << i
		}
	}
	t := fh.Tiles
	vals := []int{
		int(flags), int(fh.DeltaQ.Res), fh.SuperblockSize(),
		fh.FrameWidth, fh.FrameHeight, fh.MiRows, fh.MiCols,
		t.Cols, t.Rows, t.SizeBytes, len(t.MiColStarts), len(t.MiRowStarts),
	}
	for _, v := range vals {
		b = bitstream.AppendLEB128(b, uint64(v))
	}
	for _, v := range t.MiColStarts {
		b = bitstream.AppendLEB128(b, uint64(v))
	}
	for _, v := range t.MiRowStarts {
		b = bitstream.AppendLEB128(b, uint64(v))
	}
	return b
}

type decoder struct {
	fh       *syntax.FrameHeader
	table    *Table
	res      *Result
	r        *bitstream.Reader
	sb4      int
	sbCols   int
	maxDepth int

	nextTile int
	tile     int
	sbRow    int
	sbCol    int
}

func (d *decoder) groupError(err error) error {
	return &PartitionError{Tile: d.nextTile, SuperblockRow: -1, SuperblockCol: -1, Err: err}
}

// decodeGroup parses one tile group: the optional tile range, then each
// tile's size prefix and data.
func (d *decoder) decodeGroup(data []byte) error {
	t := d.fh.Tiles
	r := bitstream.NewReader(data)
	start, end, err := readGroupRange(r, t)
	if err != nil {
		return d.groupError(err)
	}
	if start != d.nextTile {
		return d.groupError(ErrTileRange)
	}

	off := r.BytePos()
	for tile := start; tile <= end; tile++ {
		d.nextTile = tile
		size := len(data) - off
		if tile != end {
			if off+t.SizeBytes > len(data) {
				return d.groupError(ErrTileSize)
			}
			size = int(readLE(data[off:off+t.SizeBytes])) + 1
			off += t.SizeBytes
			if size > len(data)-off {
				return d.groupError(ErrTileSize)
			}
		}

		first := len(d.res.CUs)
		err := d.decodeTile(tile, data[off:off+size])
		d.res.Tiles = append(d.res.Tiles, TileSpan{
			Index: tile,
			First: first,
			Count: len(d.res.CUs) - first,
			Size:  size,
		})
		if err != nil {
			return err
		}
		off += size
	}
	d.nextTile = end + 1
	return nil
}

// GroupRange returns the first and last tile index carried by the tile
// group payload data of the frame described by fh.
func GroupRange(fh *syntax.FrameHeader, data []byte) (start, end int, err error) {
	return readGroupRange(bitstream.NewReader(data), fh.Tiles)
}

func readGroupRange(r *bitstream.Reader, t syntax.TileInfo) (start, end int, err error) {
	numTiles := t.NumTiles()
	start, end = 0, numTiles-1
	if numTiles > 1 && r.ReadFlag() {
		bits := t.ColsLog2 + t.RowsLog2
		start = int(r.ReadBits(bits))
		end = int(r.ReadBits(bits))
	}
	r.ByteAlign()
	if r.Overflow() {
		return 0, 0, ErrTruncated
	}
	if end < start || end >= numTiles {
		return 0, 0, ErrTileRange
	}
	return start, end, nil
}

func readLE(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (8 * i)
	}
	return v
}

// decodeTile visits the tile's superblocks in raster order and requires
// the tile data to be consumed exactly.
func (d *decoder) decodeTile(tile int, data []byte) error {
	d.tile = tile
	d.r = bitstream.NewReader(data)
	rowStart, rowEnd, colStart, colEnd := d.fh.Tiles.Bounds(tile)

	for r := rowStart; r < rowEnd; r += d.sb4 {
		for c := colStart; c < colEnd; c += d.sb4 {
			d.sbRow, d.sbCol = r/d.sb4, c/d.sb4
			if err := d.decodePartition(r, c, d.sb4, 0); err != nil {
				return d.fault(err)
			}
		}
	}
	if !d.r.ByteAlign() || d.r.BitsLeft() > 0 {
		return d.fault(ErrTrailingData)
	}
	return nil
}

func (d *decoder) fault(err error) error {
	return &PartitionError{Tile: d.tile, SuperblockRow: d.sbRow, SuperblockCol: d.sbCol, Err: err}
}

// decodePartition decodes the partition node at mode-info position (r, c)
// whose square size is n4 4x4 units.
func (d *decoder) decodePartition(r, c, n4, depth int) error {
	fh := d.fh
	if r >= fh.MiRows || c >= fh.MiCols {
		return nil
	}
	half := n4 >> 1
	quarter := half >> 1
	hasRows := r+half < fh.MiRows
	hasCols := c+half < fh.MiCols

	var p Type
	switch {
	case n4 < 2:
		p = None
	case hasRows && hasCols:
		var err error
		if p, err = d.readPartition(n4); err != nil {
			return err
		}
	case hasCols:
		p = Horz
		if d.r.ReadFlag() {
			p = Split
		}
	case hasRows:
		p = Vert
		if d.r.ReadFlag() {
			p = Split
		}
	default:
		p = Split
	}
	if d.r.Overflow() {
		return ErrTruncated
	}

	block := func(br, bc, w4, h4 int) error {
		return d.decodeBlock(br, bc, w4, h4, p, depth)
	}
	switch p {
	case None:
		return block(r, c, n4, n4)
	case Horz:
		if err := block(r, c, n4, half); err != nil || !hasRows {
			return err
		}
		return block(r+half, c, n4, half)
	case Vert:
		if err := block(r, c, half, n4); err != nil || !hasCols {
			return err
		}
		return block(r, c+half, half, n4)
	case Split:
		if depth+1 > d.maxDepth {
			return ErrOverDepth
		}
		for _, o := range [4][2]int{{0, 0}, {0, half}, {half, 0}, {half, half}} {
			if err := d.decodePartition(r+o[0], c+o[1], half, depth+1); err != nil {
				return err
			}
		}
		return nil
	case HorzA:
		return d.blocks(block, [][4]int{{r, c, half, half}, {r, c + half, half, half}, {r + half, c, n4, half}})
	case HorzB:
		return d.blocks(block, [][4]int{{r, c, n4, half}, {r + half, c, half, half}, {r + half, c + half, half, half}})
	case VertA:
		return d.blocks(block, [][4]int{{r, c, half, half}, {r + half, c, half, half}, {r, c + half, half, n4}})
	case VertB:
		return d.blocks(block, [][4]int{{r, c, half, n4}, {r, c + half, half, half}, {r + half, c + half, half, half}})
	case Horz4:
		for i := 0; i < 4; i++ {
			br := r + quarter*i
			if i > 0 && br >= fh.MiRows {
				break
			}
			if err := block(br, c, n4, quarter); err != nil {
				return err
			}
		}
		return nil
	case Vert4:
		for i := 0; i < 4; i++ {
			bc := c + quarter*i
			if i > 0 && bc >= fh.MiCols {
				break
			}
			if err := block(r, bc, quarter, n4); err != nil {
				return err
			}
		}
		return nil
	}
	return ErrSymbolOutOfRange
}

func (d *decoder) blocks(block func(r, c, w4, h4 int) error, specs [][4]int) error {
	for _, s := range specs {
		if err := block(s[0], s[1], s[2], s[3]); err != nil {
			return err
		}
	}
	return nil
}

// readPartition reads a partition symbol for a square node of n4 units.
// 8x8 nodes allow only the first four types and 128x128 nodes exclude the
// 4-way types.
func (d *decoder) readPartition(n4 int) (Type, error) {
	bits, limit := d.table.PartitionBits, Vert4
	switch n4 {
	case 2:
		bits, limit = d.table.PartitionBits8x8, Split
	case 32:
		limit = VertB
	}
	v := d.r.ReadBits(bits)
	if d.r.Overflow() {
		return 0, ErrTruncated
	}
	if v > uint32(limit) {
		return 0, ErrSymbolOutOfRange
	}
	return Type(v), nil
}

// decodeBlock reads one block's prediction syntax and emits it as a CU
// unless its origin lies outside the coded area. The footprint is clipped
// to the frame edge.
func (d *decoder) decodeBlock(r, c, w4, h4 int, p Type, depth int) error {
	fh, t := d.fh, d.table
	cu := CodingUnit{
		X:          c * 4,
		Y:          r * 4,
		W:          w4 * 4,
		H:          h4 * 4,
		Type:       p,
		Depth:      depth,
		Tile:       d.tile,
		Superblock: d.sbRow*d.sbCols + d.sbCol,
	}

	if fh.DeltaQ.Present {
		cu.QPDelta = int(d.r.ReadSU(1+t.DeltaQBits)) << fh.DeltaQ.Res
	}
	intra := fh.FrameIsIntra || d.r.ReadBits(t.IsInterBits) == 0
	if intra {
		m := d.r.ReadBits(t.IntraModeBits)
		if d.r.Overflow() {
			return ErrTruncated
		}
		if m >= numIntraModes {
			return ErrSymbolOutOfRange
		}
		cu.Mode = PredictionMode(m)
	} else {
		refs := 1
		if err := d.readRef(&cu.RefFrames[0]); err != nil {
			return err
		}
		if fh.ReferenceSelect && d.r.ReadBits(t.CompoundBits) == 1 {
			if err := d.readRef(&cu.RefFrames[1]); err != nil {
				return err
			}
			refs = 2
		}
		m := d.r.ReadBits(t.InterModeBits)
		if d.r.Overflow() {
			return ErrTruncated
		}
		if m >= numInterModes {
			return ErrSymbolOutOfRange
		}
		cu.Mode = NearestMV + PredictionMode(m)
		cu.MVs = make([]MV, refs)
		for i := range cu.MVs {
			cu.MVs[i].Y = d.r.ReadSU(1 + t.MVBits)
			cu.MVs[i].X = d.r.ReadSU(1 + t.MVBits)
		}
	}
	if d.r.Overflow() {
		return ErrTruncated
	}

	if cu.X >= fh.FrameWidth || cu.Y >= fh.FrameHeight {
		return nil
	}
	cu.W = min(cu.X+cu.W, fh.FrameWidth) - cu.X
	cu.H = min(cu.Y+cu.H, fh.FrameHeight) - cu.Y
	d.res.CUs = append(d.res.CUs, cu)
	return nil
}

// readRef reads a single reference frame. Values map to LAST..ALTREF.
func (d *decoder) readRef(dst *syntax.RefFrame) error {
	v := d.r.ReadBits(d.table.RefFrameBits)
	if d.r.Overflow() {
		return ErrTruncated
	}
	if v >= syntax.RefsPerFrame {
		return ErrSymbolOutOfRange
	}
	*dst = syntax.RefLast + syntax.RefFrame(v)
	return nil
}

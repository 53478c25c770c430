package syntax

const (
	maxTileWidth = 4096
	maxTileArea  = 4096 * 2304
	maxTileRows  = 64
	maxTileCols  = 64
)

// TileInfo is the frame's tile layout in mode-info units.
type TileInfo struct {
	Uniform  bool
	Cols     int
	Rows     int
	ColsLog2 int
	RowsLog2 int
	// MiColStarts and MiRowStarts hold Cols+1 and Rows+1 boundaries; the
	// last entry is MiCols or MiRows.
	MiColStarts         []int
	MiRowStarts         []int
	ContextUpdateTileID uint32
	SizeBytes           int
}

// NumTiles returns Cols*Rows.
func (t TileInfo) NumTiles() int {
	return t.Cols * t.Rows
}

// Bounds returns the mode-info rectangle of tile n in raster order.
func (t TileInfo) Bounds(n int) (rowStart, rowEnd, colStart, colEnd int) {
	r, c := n/t.Cols, n%t.Cols
	return t.MiRowStarts[r], t.MiRowStarts[r+1], t.MiColStarts[c], t.MiColStarts[c+1]
}

func tileLog2(blkSize, target int) int {
	k := 0
	for (blkSize << k) < target {
		k++
	}
	return k
}

func (fp *frameParser) tileInfo() {
	fh := fp.fh
	t := &fh.Tiles

	sbShift := 4
	if fp.seq.Use128x128Superblock {
		sbShift = 5
	}
	sbCols := (fh.MiCols + (1 << sbShift) - 1) >> sbShift
	sbRows := (fh.MiRows + (1 << sbShift) - 1) >> sbShift
	sbSize := sbShift + 2
	maxTileWidthSb := maxTileWidth >> sbSize
	maxTileAreaSb := maxTileArea >> (2 * sbSize)
	minLog2TileCols := tileLog2(maxTileWidthSb, sbCols)
	maxLog2TileCols := tileLog2(1, min(sbCols, maxTileCols))
	maxLog2TileRows := tileLog2(1, min(sbRows, maxTileRows))
	minLog2Tiles := max(minLog2TileCols, tileLog2(maxTileAreaSb, sbRows*sbCols))

	t.Uniform = fp.flag("uniform_tile_spacing_flag")
	if t.Uniform {
		t.ColsLog2 = minLog2TileCols
		for t.ColsLog2 < maxLog2TileCols && fp.flag("increment_tile_cols_log2") {
			t.ColsLog2++
		}
		tileWidthSb := (sbCols + (1 << t.ColsLog2) - 1) >> t.ColsLog2
		for start := 0; start < sbCols; start += tileWidthSb {
			t.MiColStarts = append(t.MiColStarts, start<<sbShift)
		}
		t.Cols = len(t.MiColStarts)
		t.MiColStarts = append(t.MiColStarts, fh.MiCols)

		t.RowsLog2 = max(minLog2Tiles-t.ColsLog2, 0)
		for t.RowsLog2 < maxLog2TileRows && fp.flag("increment_tile_rows_log2") {
			t.RowsLog2++
		}
		tileHeightSb := (sbRows + (1 << t.RowsLog2) - 1) >> t.RowsLog2
		for start := 0; start < sbRows; start += tileHeightSb {
			t.MiRowStarts = append(t.MiRowStarts, start<<sbShift)
		}
		t.Rows = len(t.MiRowStarts)
		t.MiRowStarts = append(t.MiRowStarts, fh.MiRows)
	} else {
		widestTileSb := 0
		for start := 0; start < sbCols && !fp.failed(); {
			t.MiColStarts = append(t.MiColStarts, start<<sbShift)
			maxWidth := min(sbCols-start, maxTileWidthSb)
			size := int(fp.ns("width_in_sbs_minus_1", uint32(maxWidth))) + 1
			widestTileSb = max(size, widestTileSb)
			start += size
		}
		t.Cols = len(t.MiColStarts)
		t.MiColStarts = append(t.MiColStarts, fh.MiCols)
		t.ColsLog2 = tileLog2(1, t.Cols)

		areaSb := sbRows * sbCols
		if minLog2Tiles > 0 {
			areaSb >>= minLog2Tiles + 1
		}
		maxTileHeightSb := max(areaSb/max(widestTileSb, 1), 1)
		for start := 0; start < sbRows && !fp.failed(); {
			t.MiRowStarts = append(t.MiRowStarts, start<<sbShift)
			maxHeight := min(sbRows-start, maxTileHeightSb)
			start += int(fp.ns("height_in_sbs_minus_1", uint32(maxHeight))) + 1
		}
		t.Rows = len(t.MiRowStarts)
		t.MiRowStarts = append(t.MiRowStarts, fh.MiRows)
		t.RowsLog2 = tileLog2(1, t.Rows)
	}
	if fp.failed() {
		return
	}
	if t.Cols > maxTileCols || t.Rows > maxTileRows {
		fp.invalid("tile_info", fp.r.Pos(), ErrOutOfRange)
		return
	}

	if t.ColsLog2 > 0 || t.RowsLog2 > 0 {
		pos := fp.r.Pos()
		t.ContextUpdateTileID = fp.f("context_update_tile_id", t.RowsLog2+t.ColsLog2)
		if int(t.ContextUpdateTileID) >= t.NumTiles() {
			fp.invalid("context_update_tile_id", pos, ErrOutOfRange)
		}
		t.SizeBytes = int(fp.f("tile_size_bytes_minus_1", 2)) + 1
	}
}

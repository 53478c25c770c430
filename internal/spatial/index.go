// Package spatial maps points of a decoded frame to the coding unit that
// covers them.
package spatial

import "github.com/zsiec/av1scope/internal/partition"

// CellSize is the edge of one index cell in luma samples, matching the AV1
// mode-info unit.
const CellSize = 4

const unowned = -1

// Index is a read-only grid of ceil(width/4) x ceil(height/4) cells, each
// holding the decode-order index of the CU that covers it. It is safe for
// concurrent readers.
type Index struct {
	width  int
	height int
	cols   int
	rows   int
	cells  []int32
}

// Build fills an index from cus in one pass. Cells no CU covers (a frame
// whose decode stopped early) stay unowned.
func Build(width, height int, cus []partition.CodingUnit) *Index {
	ix := &Index{
		width:  width,
		height: height,
		cols:   (width + CellSize - 1) / CellSize,
		rows:   (height + CellSize - 1) / CellSize,
	}
	ix.cells = make([]int32, ix.cols*ix.rows)
	for i := range ix.cells {
		ix.cells[i] = unowned
	}

	for i, cu := range cus {
		x0, y0 := cu.X/CellSize, cu.Y/CellSize
		x1 := min((cu.X+cu.W+CellSize-1)/CellSize, ix.cols)
		y1 := min((cu.Y+cu.H+CellSize-1)/CellSize, ix.rows)
		for y := y0; y < y1; y++ {
			row := ix.cells[y*ix.cols : (y+1)*ix.cols]
			for x := x0; x < x1; x++ {
				row[x] = int32(i)
			}
		}
	}
	return ix
}

// OwningCU returns the index of the CU covering sample (x, y). ok is false
// outside the coded area or where no CU was decoded.
func (ix *Index) OwningCU(x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= ix.width || y >= ix.height {
		return 0, false
	}
	v := ix.cells[(y/CellSize)*ix.cols+x/CellSize]
	if v == unowned {
		return 0, false
	}
	return int(v), true
}

// Cell returns the owner of grid cell (col, row).
func (ix *Index) Cell(col, row int) (int, bool) {
	if col < 0 || row < 0 || col >= ix.cols || row >= ix.rows {
		return 0, false
	}
	v := ix.cells[row*ix.cols+col]
	return int(v), v != unowned
}

// Cols returns the grid width in cells.
func (ix *Index) Cols() int { return ix.cols }

// Rows returns the grid height in cells.
func (ix *Index) Rows() int { return ix.rows }

// Owned returns how many cells have an owner.
func (ix *Index) Owned() int {
	n := 0
	for _, v := range ix.cells {
		if v != unowned {
			n++
		}
	}
	return n
}

// SizeBytes estimates the memory held by the index.
func (ix *Index) SizeBytes() int {
	return 4*len(ix.cells) + 64
}

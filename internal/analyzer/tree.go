package analyzer

import (
	"context"
	"errors"
	"slices"

	"github.com/zsiec/av1scope/internal/catalog"
	"github.com/zsiec/av1scope/internal/partition"
	"github.com/zsiec/av1scope/internal/syntax"
)

// UnitTree is the structural drill-down of one frame: the OBUs of its
// temporal unit and, once decoded, tiles, superblocks and coding units.
type UnitTree struct {
	Frame catalog.Entry `json:"frame"`
	Units []UnitInfo    `json:"units"`
	Tiles []TileNode    `json:"tiles,omitempty"`
	Error string        `json:"error,omitempty"`
}

type TileNode struct {
	Index       int              `json:"index"`
	Size        int              `json:"size"`
	Superblocks []SuperblockNode `json:"superblocks"`
}

type SuperblockNode struct {
	Index int      `json:"index"`
	Row   int      `json:"row"`
	Col   int      `json:"col"`
	CUs   []CUNode `json:"cus"`
}

type CUNode struct {
	X         int                      `json:"x"`
	Y         int                      `json:"y"`
	W         int                      `json:"w"`
	H         int                      `json:"h"`
	Type      partition.Type           `json:"partition"`
	Depth     int                      `json:"depth"`
	Mode      partition.PredictionMode `json:"mode"`
	QPDelta   int                      `json:"qpDelta"`
	RefFrames []syntax.RefFrame        `json:"refFrames,omitempty"`
	MVs       []partition.MV           `json:"mvs,omitempty"`
}

// UnitTree builds the tree for frame idx. Frames without tile data (and
// show-existing frames whose source is gone) return the unit list alone.
// A frame whose header failed returns its units with a *FrameError; a
// partial decode returns the CUs it has with a *FrameError.
func (s *Session) UnitTree(ctx context.Context, idx int) (*UnitTree, error) {
	e, err := s.Frame(idx)
	if err != nil {
		return nil, err
	}
	t := &UnitTree{Frame: e, Units: append([]UnitInfo(nil), s.frames[idx].units...)}

	src, v, err := s.decoded(ctx, idx)
	if errors.Is(err, ErrNoTileData) {
		return t, nil
	}
	if err != nil {
		t.Error = err.Error()
		return t, err
	}
	t.Frame, _ = s.catalog.At(idx)
	t.Tiles = buildTiles(s.frames[src].header, v.Result)
	if v.DecodeErr != nil {
		err := &FrameError{Index: idx, Err: v.DecodeErr}
		t.Error = err.Error()
		return t, err
	}
	return t, nil
}

func buildTiles(fh *syntax.FrameHeader, res *partition.Result) []TileNode {
	sb4 := res.SuperblockSize / 4
	sbCols := (fh.MiCols + sb4 - 1) / sb4

	tiles := make([]TileNode, 0, len(res.Tiles))
	for _, span := range res.Tiles {
		tn := TileNode{Index: span.Index, Size: span.Size}
		for _, cu := range res.CUs[span.First : span.First+span.Count] {
			if n := len(tn.Superblocks); n == 0 || tn.Superblocks[n-1].Index != cu.Superblock {
				tn.Superblocks = append(tn.Superblocks, SuperblockNode{
					Index: cu.Superblock,
					Row:   cu.Superblock / sbCols,
					Col:   cu.Superblock % sbCols,
				})
			}
			sb := &tn.Superblocks[len(tn.Superblocks)-1]
			sb.CUs = append(sb.CUs, cuNode(&cu))
		}
		tiles = append(tiles, tn)
	}
	return tiles
}

func cuNode(cu *partition.CodingUnit) CUNode {
	n := CUNode{
		X:       cu.X,
		Y:       cu.Y,
		W:       cu.W,
		H:       cu.H,
		Type:    cu.Type,
		Depth:   cu.Depth,
		Mode:    cu.Mode,
		QPDelta: cu.QPDelta,
		MVs:     slices.Clone(cu.MVs),
	}
	if !cu.Intra() {
		n.RefFrames = []syntax.RefFrame{cu.RefFrames[0]}
		if len(cu.MVs) > 1 {
			n.RefFrames = append(n.RefFrames, cu.RefFrames[1])
		}
	}
	return n
}

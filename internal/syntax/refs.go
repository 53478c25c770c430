package syntax

import "fmt"

const (
	NumRefFrames   = 8
	RefsPerFrame   = 7
	PrimaryRefNone = 7
	allFrames      = 0xFF
)

// RefFrame names a reference frame type as used by inter prediction.
type RefFrame uint8

const (
	RefIntra RefFrame = iota
	RefLast
	RefLast2
	RefLast3
	RefGolden
	RefBwdref
	RefAltref2
	RefAltref
)

// MarshalText encodes the reference by name.
func (r RefFrame) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r RefFrame) String() string {
	switch r {
	case RefIntra:
		return "INTRA"
	case RefLast:
		return "LAST"
	case RefLast2:
		return "LAST2"
	case RefLast3:
		return "LAST3"
	case RefGolden:
		return "GOLDEN"
	case RefBwdref:
		return "BWDREF"
	case RefAltref2:
		return "ALTREF2"
	case RefAltref:
		return "ALTREF"
	}
	return fmt.Sprintf("ref(%d)", uint8(r))
}

// RefSlot is the saved state of one of the eight reference frame slots.
type RefSlot struct {
	Valid      bool
	FrameIndex int
	FrameID    uint32
	FrameType  FrameType
	OrderHint  uint32
	Showable   bool

	UpscaledWidth int
	FrameWidth    int
	FrameHeight   int
	RenderWidth   int
	RenderHeight  int
	MiCols        int
	MiRows        int

	GMParams             [NumRefFrames][6]int32
	LoopFilterRefDeltas  [NumRefFrames]int8
	LoopFilterModeDeltas [2]int8
	Segmentation         SegmentationParams
	FilmGrain            FilmGrainParams
}

// RefState is the decoder's reference slot table. It is a plain value:
// ParseFrameHeader takes one and returns the state after the frame's
// reference update, leaving its input untouched.
type RefState struct {
	Slots [NumRefFrames]RefSlot
}

// Valid reports how many slots hold a frame.
func (rs RefState) Valid() int {
	var n int
	for _, s := range rs.Slots {
		if s.Valid {
			n++
		}
	}
	return n
}

// update applies the reference frame update process for fh.
func (rs RefState) update(fh *FrameHeader, frameIndex int) RefState {
	if fh.ShowExistingFrame {
		if fh.FrameType != FrameKey {
			return rs
		}
		src := rs.Slots[fh.FrameToShowMapIdx]
		for i := range rs.Slots {
			rs.Slots[i] = src
		}
		return rs
	}

	slot := RefSlot{
		Valid:                true,
		FrameIndex:           frameIndex,
		FrameID:              fh.CurrentFrameID,
		FrameType:            fh.FrameType,
		OrderHint:            fh.OrderHint,
		Showable:             fh.ShowableFrame,
		UpscaledWidth:        fh.UpscaledWidth,
		FrameWidth:           fh.FrameWidth,
		FrameHeight:          fh.FrameHeight,
		RenderWidth:          fh.RenderWidth,
		RenderHeight:         fh.RenderHeight,
		MiCols:               fh.MiCols,
		MiRows:               fh.MiRows,
		GMParams:             fh.GlobalMotion.Params,
		LoopFilterRefDeltas:  fh.LoopFilter.RefDeltas,
		LoopFilterModeDeltas: fh.LoopFilter.ModeDeltas,
		Segmentation:         fh.Segmentation,
		FilmGrain:            fh.FilmGrain,
	}
	for i := range rs.Slots {
		if fh.RefreshFrameFlags&(1<<i) != 0 {
			rs.Slots[i] = slot
		}
	}
	return rs
}

// RelativeDist returns the signed distance from order hint b to a, or 0
// when the sequence does not use order hints.
func (s *SequenceHeader) RelativeDist(a, b uint32) int {
	return relativeDist(s, a, b)
}

// relativeDist is get_relative_dist(): the signed distance between two
// order hints modulo the order hint range.
func relativeDist(seq *SequenceHeader, a, b uint32) int {
	if !seq.EnableOrderHint {
		return 0
	}
	diff := int(a) - int(b)
	m := 1 << (seq.OrderHintBits - 1)
	return (diff & (m - 1)) - (diff & m)
}

// Package ivfutil synthesizes AV1-in-IVF streams for tests and the gen-ivf
// tool. Sequence and frame headers use a fixed minimal tool set; tile data
// is written field by field with a TileWriter.
package ivfutil

import (
	"github.com/zsiec/av1scope/internal/bitstream"
	"github.com/zsiec/av1scope/internal/ivf"
	"github.com/zsiec/av1scope/internal/obu"
)

// Frame types as coded in frame_type.
const (
	KeyFrame       = 0
	InterFrame     = 1
	IntraOnlyFrame = 2
)

const (
	orderHintBits = 7
	allFrames     = 0xFF
	refsPerFrame  = 7
)

// Sequence describes the sequence header the builder emits.
type Sequence struct {
	Width  int
	Height int
	// Use128 selects 128x128 superblocks.
	Use128 bool
}

func (s Sequence) sbShift() int {
	if s.Use128 {
		return 5
	}
	return 4
}

func (s Sequence) miCols() int { return 2 * ((s.Width + 7) >> 3) }
func (s Sequence) miRows() int { return 2 * ((s.Height + 7) >> 3) }

// SuperblockCols returns the number of superblock columns in a frame.
func (s Sequence) SuperblockCols() int {
	return (s.miCols() + (1 << s.sbShift()) - 1) >> s.sbShift()
}

// SuperblockRows returns the number of superblock rows in a frame.
func (s Sequence) SuperblockRows() int {
	return (s.miRows() + (1 << s.sbShift()) - 1) >> s.sbShift()
}

// SequenceHeader returns a sequence header OBU payload: profile 0, one
// operating point, 8-bit 4:2:0, order hints enabled and every optional
// coding tool disabled.
func SequenceHeader(s Sequence) []byte {
	w := bitstream.NewWriter()
	w.PutBits(3, 0)  // seq_profile
	w.PutFlag(false) // still_picture
	w.PutFlag(false) // reduced_still_picture_header
	w.PutFlag(false) // timing_info_present_flag
	w.PutFlag(false) // initial_display_delay_present_flag
	w.PutBits(5, 0)  // operating_points_cnt_minus_1
	w.PutBits(12, 0) // operating_point_idc
	w.PutBits(5, 8)  // seq_level_idx
	w.PutFlag(false) // seq_tier
	w.PutBits(4, 15) // frame_width_bits_minus_1
	w.PutBits(4, 15) // frame_height_bits_minus_1
	w.PutBits(16, uint64(s.Width-1))
	w.PutBits(16, uint64(s.Height-1))
	w.PutFlag(false) // frame_id_numbers_present_flag
	w.PutFlag(s.Use128)
	w.PutFlag(false) // enable_filter_intra
	w.PutFlag(false) // enable_intra_edge_filter
	w.PutFlag(false) // enable_interintra_compound
	w.PutFlag(false) // enable_masked_compound
	w.PutFlag(false) // enable_warped_motion
	w.PutFlag(false) // enable_dual_filter
	w.PutFlag(true)  // enable_order_hint
	w.PutFlag(false) // enable_jnt_comp
	w.PutFlag(false) // enable_ref_frame_mvs
	w.PutFlag(true)  // seq_choose_screen_content_tools
	w.PutFlag(true)  // seq_choose_integer_mv
	w.PutBits(3, orderHintBits-1)
	w.PutFlag(false) // enable_superres
	w.PutFlag(false) // enable_cdef
	w.PutFlag(false) // enable_restoration
	w.PutFlag(false) // high_bitdepth
	w.PutFlag(false) // mono_chrome
	w.PutFlag(false) // color_description_present_flag
	w.PutFlag(false) // color_range
	w.PutBits(2, 0)  // chroma_sample_position
	w.PutFlag(false) // separate_uv_delta_q
	w.PutFlag(false) // film_grain_params_present
	w.TrailingBits()
	return w.Bytes()
}

// Frame describes one coded frame header.
type Frame struct {
	Type      int
	Hidden    bool
	OrderHint uint32
	BaseQIdx  uint8
	DeltaQ    bool
	DeltaQRes uint8
	// Refresh is refresh_frame_flags for frames other than shown key
	// frames, which always refresh every slot.
	Refresh         uint8
	RefIdx          [refsPerFrame]int
	ReferenceSelect bool
	TileColsLog2    int
	TileRowsLog2    int
	// TileSizeBytes is the width of tile size prefixes in multi-tile
	// frames; zero means 4.
	TileSizeBytes int
}

func (f Frame) intra() bool {
	return f.Type == KeyFrame || f.Type == IntraOnlyFrame
}

func (f Frame) tileSizeBytes() int {
	if f.TileSizeBytes == 0 {
		return 4
	}
	return f.TileSizeBytes
}

// NumTiles returns the number of tiles the header signals.
func (f Frame) NumTiles() int {
	return (1 << f.TileColsLog2) * (1 << f.TileRowsLog2)
}

// Stream builds an IVF file one temporal unit at a time. It tracks the
// order hint held in each reference slot so skip-mode signalling matches
// what a parser derives.
type Stream struct {
	seq    Sequence
	seqHdr []byte
	slots  [8]uint32
	chunks [][]byte
}

// NewStream returns an empty stream for seq.
func NewStream(seq Sequence) *Stream {
	return &Stream{seq: seq, seqHdr: SequenceHeader(seq)}
}

// Sequence returns the stream's sequence description.
func (s *Stream) Sequence() Sequence {
	return s.seq
}

// AddFrame appends a temporal unit holding a temporal delimiter, a sequence
// header for key frames, and one frame OBU carrying f and the given tiles.
func (s *Stream) AddFrame(f Frame, tiles ...[]byte) {
	s.AddFrameWithMetadata(f, nil, tiles...)
}

// AddFrameWithMetadata is AddFrame with metadata OBUs placed ahead of the
// frame OBU.
func (s *Stream) AddFrameWithMetadata(f Frame, metadata [][]byte, tiles ...[]byte) {
	var tu []byte
	tu = obu.AppendUnit(tu, obu.KindTemporalDelimiter, nil, nil)
	if f.Type == KeyFrame {
		tu = obu.AppendUnit(tu, obu.KindSequenceHeader, nil, s.seqHdr)
	}
	for _, m := range metadata {
		tu = obu.AppendUnit(tu, obu.KindMetadata, nil, m)
	}
	tu = obu.AppendUnit(tu, obu.KindFrame, nil, s.FramePayload(f, tiles...))
	s.chunks = append(s.chunks, tu)
}

// AddShowExisting appends a temporal unit that redisplays the frame in slot.
func (s *Stream) AddShowExisting(slot int) {
	w := bitstream.NewWriter()
	w.PutFlag(true)
	w.PutBits(3, uint64(slot))
	w.TrailingBits()
	var tu []byte
	tu = obu.AppendUnit(tu, obu.KindTemporalDelimiter, nil, nil)
	tu = obu.AppendUnit(tu, obu.KindFrameHeader, nil, w.Bytes())
	s.chunks = append(s.chunks, tu)
}

// AddChunk appends a raw temporal unit.
func (s *Stream) AddChunk(tu []byte) {
	s.chunks = append(s.chunks, tu)
}

// Chunks returns the temporal units added so far.
func (s *Stream) Chunks() [][]byte {
	return s.chunks
}

// Bytes returns the stream as an IVF file whose header carries the true
// frame count.
func (s *Stream) Bytes() []byte {
	return s.BytesWithCount(uint32(len(s.chunks)))
}

// BytesWithCount is Bytes with an explicit frame-count hint.
func (s *Stream) BytesWithCount(count uint32) []byte {
	buf := ivf.AppendHeader(nil, ivf.Header{
		HeaderLen:   ivf.HeaderSize,
		FourCC:      "AV01",
		Width:       uint16(s.seq.Width),
		Height:      uint16(s.seq.Height),
		TimebaseDen: 30,
		TimebaseNum: 1,
		FrameCount:  count,
	})
	for i, c := range s.chunks {
		buf = ivf.AppendFrame(buf, int64(i), c)
	}
	return buf
}

// FramePayload returns a frame OBU payload: the frame header, byte
// alignment, then one tile group holding tiles. It updates the tracked
// reference slots.
func (s *Stream) FramePayload(f Frame, tiles ...[]byte) []byte {
	w := bitstream.NewWriter()
	s.writeFrameHeader(w, f)
	w.ByteAlign()
	w.PutBytes(TileGroup(f, tiles...))
	s.refresh(f)
	return w.Bytes()
}

func (s *Stream) refresh(f Frame) {
	flags := f.Refresh
	if f.Type == KeyFrame && !f.Hidden {
		flags = allFrames
	}
	for i := range s.slots {
		if flags&(1<<i) != 0 {
			s.slots[i] = f.OrderHint
		}
	}
}

func (s *Stream) writeFrameHeader(w *bitstream.Writer, f Frame) {
	shownKey := f.Type == KeyFrame && !f.Hidden
	w.PutFlag(false) // show_existing_frame
	w.PutBits(2, uint64(f.Type))
	w.PutFlag(!f.Hidden)
	if f.Hidden {
		w.PutFlag(true) // showable_frame
	}
	if !shownKey {
		w.PutFlag(false) // error_resilient_mode
	}
	w.PutFlag(false) // disable_cdf_update
	w.PutFlag(false) // allow_screen_content_tools
	w.PutFlag(false) // frame_size_override_flag
	w.PutBits(orderHintBits, uint64(f.OrderHint))
	if !f.intra() {
		w.PutBits(3, 7) // primary_ref_frame = PRIMARY_REF_NONE
	}
	if !shownKey {
		w.PutBits(8, uint64(f.Refresh))
	}

	if f.intra() {
		w.PutFlag(false) // render_and_frame_size_different
	} else {
		w.PutFlag(false) // frame_refs_short_signaling
		for _, idx := range f.RefIdx {
			w.PutBits(3, uint64(idx))
		}
		w.PutFlag(false) // render_and_frame_size_different
		w.PutFlag(false) // allow_high_precision_mv
		w.PutFlag(true)  // is_filter_switchable
		w.PutFlag(false) // is_motion_mode_switchable
	}
	w.PutFlag(true) // disable_frame_end_update_cdf

	s.writeTileInfo(w, f)

	w.PutBits(8, uint64(f.BaseQIdx))
	w.PutFlag(false) // delta_q_y_dc coded
	w.PutFlag(false) // delta_q_u_dc coded
	w.PutFlag(false) // delta_q_u_ac coded
	w.PutFlag(false) // using_qmatrix
	w.PutFlag(false) // segmentation_enabled
	if f.BaseQIdx > 0 {
		w.PutFlag(f.DeltaQ)
		if f.DeltaQ {
			w.PutBits(2, uint64(f.DeltaQRes))
			w.PutFlag(false) // delta_lf_present
		}
	}
	lossless := f.BaseQIdx == 0
	if !lossless {
		w.PutBits(6, 0)  // loop_filter_level[0]
		w.PutBits(6, 0)  // loop_filter_level[1]
		w.PutBits(3, 0)  // loop_filter_sharpness
		w.PutFlag(false) // loop_filter_delta_enabled
		w.PutFlag(false) // tx_mode_select
	}
	if !f.intra() {
		w.PutFlag(f.ReferenceSelect)
		if f.ReferenceSelect && s.skipModeAllowed(f) {
			w.PutFlag(false) // skip_mode_present
		}
	}
	w.PutFlag(false) // reduced_tx_set
	if !f.intra() {
		for i := 0; i < refsPerFrame; i++ {
			w.PutFlag(false) // is_global
		}
	}
}

func tileLog2(blk, target int) int {
	k := 0
	for (blk << k) < target {
		k++
	}
	return k
}

func (s *Stream) writeTileInfo(w *bitstream.Writer, f Frame) {
	sbCols, sbRows := s.seq.SuperblockCols(), s.seq.SuperblockRows()
	maxLog2Cols := tileLog2(1, min(sbCols, 64))
	maxLog2Rows := tileLog2(1, min(sbRows, 64))

	w.PutFlag(true) // uniform_tile_spacing_flag
	for i := 0; i < maxLog2Cols && i <= f.TileColsLog2; i++ {
		w.PutFlag(i < f.TileColsLog2)
	}
	for i := 0; i < maxLog2Rows && i <= f.TileRowsLog2; i++ {
		w.PutFlag(i < f.TileRowsLog2)
	}
	if f.TileColsLog2 > 0 || f.TileRowsLog2 > 0 {
		w.PutBits(f.TileColsLog2+f.TileRowsLog2, 0) // context_update_tile_id
		w.PutBits(2, uint64(f.tileSizeBytes()-1))
	}
}

func (s *Stream) relativeDist(a, b uint32) int {
	diff := int(a) - int(b)
	m := 1 << (orderHintBits - 1)
	return (diff & (m - 1)) - (diff & m)
}

func (s *Stream) skipModeAllowed(f Frame) bool {
	forward, backward := -1, -1
	var forwardHint uint32
	for i, idx := range f.RefIdx {
		hint := s.slots[idx]
		d := s.relativeDist(hint, f.OrderHint)
		if d < 0 && (forward < 0 || s.relativeDist(hint, forwardHint) > 0) {
			forward, forwardHint = i, hint
		} else if d > 0 {
			backward = i
		}
	}
	if forward < 0 {
		return false
	}
	if backward >= 0 {
		return true
	}
	for _, idx := range f.RefIdx {
		if s.relativeDist(s.slots[idx], forwardHint) < 0 {
			return true
		}
	}
	return false
}

// TileGroup returns a tile group payload for f holding tiles in order.
// Every tile but the last carries a size prefix.
func TileGroup(f Frame, tiles ...[]byte) []byte {
	w := bitstream.NewWriter()
	if f.NumTiles() > 1 {
		w.PutFlag(false) // tile_start_and_end_present_flag
		w.ByteAlign()
	}
	n := f.tileSizeBytes()
	for i, t := range tiles {
		if i < len(tiles)-1 {
			w.PutLE(n, uint64(len(t)-1))
		}
		w.PutBytes(t)
	}
	return w.Bytes()
}

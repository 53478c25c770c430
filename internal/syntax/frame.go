package syntax

import "fmt"

// FrameType is the AV1 frame_type.
type FrameType uint8

const (
	FrameKey FrameType = iota
	FrameInter
	FrameIntraOnly
	FrameSwitch
)

// MarshalText encodes the frame type by name.
func (t FrameType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t FrameType) String() string {
	switch t {
	case FrameKey:
		return "key"
	case FrameInter:
		return "inter"
	case FrameIntraOnly:
		return "intra_only"
	case FrameSwitch:
		return "switch"
	}
	return fmt.Sprintf("frame_type(%d)", uint8(t))
}

// InterpolationSwitchable is the interpolation_filter value meaning the
// filter is chosen per block.
const InterpolationSwitchable = 4

// MinBlockSize is the smallest coding block edge in luma samples.
const MinBlockSize = 4

// FrameContext carries what frame-header parsing needs from outside the
// header bytes: the OBU extension layer ids and the catalog index the frame
// will be stored under in the reference slots.
type FrameContext struct {
	TemporalID uint8
	SpatialID  uint8
	FrameIndex int
}

// FrameHeader is a parsed uncompressed frame header.
type FrameHeader struct {
	Sequence *SequenceHeader

	TemporalID uint8
	SpatialID  uint8

	ShowExistingFrame bool
	FrameToShowMapIdx int
	// SourceFrameIndex is the catalog index of the frame a show-existing
	// header displays, or -1.
	SourceFrameIndex int

	FrameType               FrameType
	FrameIsIntra            bool
	ShowFrame               bool
	ShowableFrame           bool
	ErrorResilientMode      bool
	DisableCDFUpdate        bool
	AllowScreenContentTools bool
	ForceIntegerMV          bool
	CurrentFrameID          uint32
	FrameSizeOverride       bool
	OrderHint               uint32
	PrimaryRefFrame         int
	BufferRemovalTimes      []uint32
	FramePresentationTime   uint32
	RefreshFrameFlags       uint8
	RefOrderHint            [NumRefFrames]uint32

	FrameWidth    int
	FrameHeight   int
	UpscaledWidth int
	RenderWidth   int
	RenderHeight  int
	UseSuperres   bool
	SuperresDenom int
	MiCols        int
	MiRows        int

	AllowIntraBC            bool
	FrameRefsShortSignaling bool
	RefFrameIdx             [RefsPerFrame]int
	OrderHints              [NumRefFrames]uint32
	RefFrameSignBias        [NumRefFrames]bool

	AllowHighPrecisionMV     bool
	InterpolationFilter      uint8
	IsMotionModeSwitchable   bool
	UseRefFrameMVs           bool
	DisableFrameEndUpdateCDF bool

	Tiles           TileInfo
	Quant           QuantizationParams
	Segmentation    SegmentationParams
	DeltaQ          DeltaQParams
	DeltaLF         DeltaLFParams
	CodedLossless   bool
	AllLossless     bool
	LoopFilter      LoopFilterParams
	CDEF            CDEFParams
	LoopRestoration LoopRestorationParams
	TxModeSelect    bool
	ReferenceSelect bool
	SkipModePresent bool
	SkipModeFrames  [2]RefFrame

	AllowWarpedMotion bool
	ReducedTxSet      bool
	GlobalMotion      GlobalMotionParams
	FilmGrain         FilmGrainParams

	// HeaderBits is the length of the uncompressed header in bits.
	HeaderBits int
}

// HeaderBytes is the header length rounded up to a whole byte, which is
// where the tile group starts inside a frame OBU.
func (fh *FrameHeader) HeaderBytes() int {
	return (fh.HeaderBits + 7) / 8
}

// SuperblockSize returns the partition-tree root size in luma samples.
func (fh *FrameHeader) SuperblockSize() int {
	return fh.Sequence.SuperblockSize()
}

// QIndex returns the quantizer index for segmentId ignoring block-level
// delta-Q (get_qindex with ignoreDeltaQ set).
func (fh *FrameHeader) QIndex(segmentID int) int {
	q := int(fh.Quant.BaseQIdx)
	if seg := fh.Segmentation; seg.Enabled && seg.FeatureEnabled[segmentID][segLvlAltQ] {
		q = clip3(0, 255, q+int(seg.FeatureData[segmentID][segLvlAltQ]))
	}
	return q
}

// RefFrameIndex returns the reference slot used for ref, which must be one
// of RefLast through RefAltref.
func (fh *FrameHeader) RefFrameIndex(ref RefFrame) int {
	return fh.RefFrameIdx[ref-RefLast]
}

// ParseFrameHeader decodes an uncompressed frame header against seq and the
// reference state refs. It returns the header and the reference state after
// this frame's reference update. On error the input state is returned
// unchanged.
func ParseFrameHeader(data []byte, seq *SequenceHeader, refs RefState, fc FrameContext) (*FrameHeader, RefState, error) {
	if seq == nil {
		return nil, refs, &SyntaxError{Header: "frame_header", Field: "sequence_header", Err: ErrNoSequenceHeader}
	}
	p := newFieldReader(data, "frame_header")
	fp := &frameParser{fieldReader: p, seq: seq, refs: refs}
	fh := &FrameHeader{
		Sequence:         seq,
		TemporalID:       fc.TemporalID,
		SpatialID:        fc.SpatialID,
		SourceFrameIndex: -1,
	}
	fp.fh = fh

	fp.parse()
	if p.failed() {
		return nil, refs, p.result()
	}
	fh.HeaderBits = p.r.Pos()
	return fh, fp.refs.update(fh, fc.FrameIndex), nil
}

// frameParser holds the working copy of the reference state, which
// key frames and error-resilient order hints modify before the header's
// own reference update.
type frameParser struct {
	*fieldReader
	seq  *SequenceHeader
	refs RefState
	fh   *FrameHeader
}

func (fp *frameParser) parse() {
	seq, fh := fp.seq, fp.fh
	idLen := seq.FrameIDLength

	if seq.ReducedStillPictureHeader {
		fh.FrameType = FrameKey
		fh.FrameIsIntra = true
		fh.ShowFrame = true
	} else {
		fh.ShowExistingFrame = fp.flag("show_existing_frame")
		if fh.ShowExistingFrame {
			fp.showExisting()
			return
		}
		fh.FrameType = FrameType(fp.f("frame_type", 2))
		fh.FrameIsIntra = fh.FrameType == FrameIntraOnly || fh.FrameType == FrameKey
		fh.ShowFrame = fp.flag("show_frame")
		if fh.ShowFrame {
			fp.temporalPointInfo()
			fh.ShowableFrame = fh.FrameType != FrameKey
		} else {
			fh.ShowableFrame = fp.flag("showable_frame")
		}
		if fh.FrameType == FrameSwitch || (fh.FrameType == FrameKey && fh.ShowFrame) {
			fh.ErrorResilientMode = true
		} else {
			fh.ErrorResilientMode = fp.flag("error_resilient_mode")
		}
	}
	if fp.failed() {
		return
	}

	if fh.FrameType == FrameKey && fh.ShowFrame {
		for i := range fp.refs.Slots {
			fp.refs.Slots[i].Valid = false
			fp.refs.Slots[i].OrderHint = 0
		}
	}

	fh.DisableCDFUpdate = fp.flag("disable_cdf_update")
	if seq.SeqForceScreenContentTools == selectScreenContentTools {
		fh.AllowScreenContentTools = fp.flag("allow_screen_content_tools")
	} else {
		fh.AllowScreenContentTools = seq.SeqForceScreenContentTools == 1
	}
	if fh.AllowScreenContentTools {
		if seq.SeqForceIntegerMV == selectIntegerMV {
			fh.ForceIntegerMV = fp.flag("force_integer_mv")
		} else {
			fh.ForceIntegerMV = seq.SeqForceIntegerMV == 1
		}
	}
	if fh.FrameIsIntra {
		fh.ForceIntegerMV = true
	}

	if seq.FrameIDNumbersPresent {
		fh.CurrentFrameID = fp.f("current_frame_id", idLen)
		fp.markRefFrames(idLen)
	}

	switch {
	case fh.FrameType == FrameSwitch:
		fh.FrameSizeOverride = true
	case seq.ReducedStillPictureHeader:
	default:
		fh.FrameSizeOverride = fp.flag("frame_size_override_flag")
	}

	fh.OrderHint = fp.f("order_hint", seq.OrderHintBits)
	if fh.FrameIsIntra || fh.ErrorResilientMode {
		fh.PrimaryRefFrame = PrimaryRefNone
	} else {
		fh.PrimaryRefFrame = int(fp.f("primary_ref_frame", 3))
	}

	if seq.DecoderModelInfoPresent {
		fp.bufferRemovalTimes()
	}

	pos := fp.r.Pos()
	if fh.FrameType == FrameSwitch || (fh.FrameType == FrameKey && fh.ShowFrame) {
		fh.RefreshFrameFlags = allFrames
	} else {
		fh.RefreshFrameFlags = uint8(fp.f("refresh_frame_flags", 8))
	}
	if fh.FrameType == FrameIntraOnly && fh.RefreshFrameFlags == allFrames {
		fp.invalid("refresh_frame_flags", pos, ErrOutOfRange)
	}

	if (!fh.FrameIsIntra || fh.RefreshFrameFlags != allFrames) && fh.ErrorResilientMode && seq.EnableOrderHint {
		for i := range fp.refs.Slots {
			hint := fp.f("ref_order_hint", seq.OrderHintBits)
			if hint != fp.refs.Slots[i].OrderHint || !fp.refs.Slots[i].Valid {
				fp.refs.Slots[i] = RefSlot{OrderHint: hint, FrameIndex: -1}
			}
		}
	}
	for i, s := range fp.refs.Slots {
		fh.RefOrderHint[i] = s.OrderHint
	}
	if fp.failed() {
		return
	}

	if fh.FrameIsIntra {
		fp.frameSize()
		fp.renderSize()
		if fh.AllowScreenContentTools && fh.UpscaledWidth == fh.FrameWidth {
			fh.AllowIntraBC = fp.flag("allow_intrabc")
		}
	} else {
		fp.interRefs()
	}
	if fp.failed() {
		return
	}

	if seq.ReducedStillPictureHeader || fh.DisableCDFUpdate {
		fh.DisableFrameEndUpdateCDF = true
	} else {
		fh.DisableFrameEndUpdateCDF = fp.flag("disable_frame_end_update_cdf")
	}

	fp.tileInfo()
	if fp.failed() {
		return
	}
	fp.quantizationParams()
	fp.segmentationParams()
	fp.deltaParams()
	fp.losslessDerivation()
	fp.loopFilterParams()
	fp.cdefParams()
	fp.lrParams()
	if fp.failed() {
		return
	}

	if fh.CodedLossless {
		fh.TxModeSelect = false
	} else {
		fh.TxModeSelect = fp.flag("tx_mode_select")
	}
	if !fh.FrameIsIntra {
		fh.ReferenceSelect = fp.flag("reference_select")
	}
	fp.skipModeParams()
	if !fh.FrameIsIntra && !fh.ErrorResilientMode && seq.EnableWarpedMotion {
		fh.AllowWarpedMotion = fp.flag("allow_warped_motion")
	}
	fh.ReducedTxSet = fp.flag("reduced_tx_set")
	fp.globalMotionParams()
	fp.filmGrainParams()
}

// showExisting handles a header that redisplays a frame held in a
// reference slot.
func (fp *frameParser) showExisting() {
	seq, fh := fp.seq, fp.fh
	pos := fp.r.Pos()
	fh.FrameToShowMapIdx = int(fp.f("frame_to_show_map_idx", 3))
	fp.temporalPointInfo()
	if seq.FrameIDNumbersPresent {
		fh.CurrentFrameID = fp.f("display_frame_id", seq.FrameIDLength)
	}
	if fp.failed() {
		return
	}
	slot := fp.refs.Slots[fh.FrameToShowMapIdx]
	if !slot.Valid {
		fp.invalid("frame_to_show_map_idx", pos, ErrMissingReference)
		return
	}

	fh.SourceFrameIndex = slot.FrameIndex
	fh.FrameType = slot.FrameType
	fh.FrameIsIntra = slot.FrameType == FrameKey || slot.FrameType == FrameIntraOnly
	fh.ShowFrame = true
	fh.OrderHint = slot.OrderHint
	fh.UpscaledWidth = slot.UpscaledWidth
	fh.FrameWidth = slot.FrameWidth
	fh.FrameHeight = slot.FrameHeight
	fh.RenderWidth = slot.RenderWidth
	fh.RenderHeight = slot.RenderHeight
	fh.MiCols = slot.MiCols
	fh.MiRows = slot.MiRows
	fh.PrimaryRefFrame = PrimaryRefNone
	if fh.FrameType == FrameKey {
		fh.RefreshFrameFlags = allFrames
	}
	if seq.FilmGrainParamsPresent {
		fh.FilmGrain = slot.FilmGrain
	}
}

func (fp *frameParser) temporalPointInfo() {
	seq := fp.seq
	if seq.DecoderModelInfoPresent && !seq.Timing.EqualPictureInterval {
		fp.fh.FramePresentationTime = fp.f("frame_presentation_time", seq.DecoderModel.FramePresentationTimeLength)
	}
}

func (fp *frameParser) bufferRemovalTimes() {
	seq, fh := fp.seq, fp.fh
	if !fp.flag("buffer_removal_time_present_flag") {
		return
	}
	for _, op := range seq.OperatingPoints {
		if !op.DecoderModelPresent {
			continue
		}
		inTemporal := (op.IDC>>fh.TemporalID)&1 == 1
		inSpatial := (op.IDC>>(fh.SpatialID+8))&1 == 1
		if op.IDC == 0 || (inTemporal && inSpatial) {
			t := fp.f("buffer_removal_time", seq.DecoderModel.BufferRemovalTimeLength)
			fh.BufferRemovalTimes = append(fh.BufferRemovalTimes, t)
		}
	}
}

// markRefFrames invalidates slots whose frame id is too far from the
// current one to be referenced.
func (fp *frameParser) markRefFrames(idLen int) {
	cur := fp.fh.CurrentFrameID
	diff := uint32(1) << fp.seq.DeltaFrameIDLength
	for i := range fp.refs.Slots {
		id := fp.refs.Slots[i].FrameID
		if cur > diff {
			if id > cur || id < cur-diff {
				fp.refs.Slots[i].Valid = false
			}
		} else if id > cur && id < (uint32(1)<<idLen)+cur-diff {
			fp.refs.Slots[i].Valid = false
		}
	}
}

// interRefs parses the inter and switch frame portion of the header: the
// reference selection, frame size and motion vector tools.
func (fp *frameParser) interRefs() {
	seq, fh := fp.seq, fp.fh

	if seq.EnableOrderHint {
		fh.FrameRefsShortSignaling = fp.flag("frame_refs_short_signaling")
		if fh.FrameRefsShortSignaling {
			last := int(fp.f("last_frame_idx", 3))
			gold := int(fp.f("gold_frame_idx", 3))
			fp.setFrameRefs(last, gold)
		}
	}
	for i := range fh.RefFrameIdx {
		pos := fp.r.Pos()
		if !fh.FrameRefsShortSignaling {
			fh.RefFrameIdx[i] = int(fp.f("ref_frame_idx", 3))
		}
		if seq.FrameIDNumbersPresent {
			fp.f("delta_frame_id_minus_1", seq.DeltaFrameIDLength)
		}
		if fp.failed() {
			return
		}
		if !fp.refs.Slots[fh.RefFrameIdx[i]].Valid {
			fp.invalid("ref_frame_idx", pos, ErrMissingReference)
			return
		}
	}

	if fh.FrameSizeOverride && !fh.ErrorResilientMode {
		fp.frameSizeWithRefs()
	} else {
		fp.frameSize()
		fp.renderSize()
	}

	if !fh.ForceIntegerMV {
		fh.AllowHighPrecisionMV = fp.flag("allow_high_precision_mv")
	}
	if fp.flag("is_filter_switchable") {
		fh.InterpolationFilter = InterpolationSwitchable
	} else {
		fh.InterpolationFilter = uint8(fp.f("interpolation_filter", 2))
	}
	fh.IsMotionModeSwitchable = fp.flag("is_motion_mode_switchable")
	if !fh.ErrorResilientMode && seq.EnableRefFrameMVs {
		fh.UseRefFrameMVs = fp.flag("use_ref_frame_mvs")
	}

	for i, idx := range fh.RefFrameIdx {
		ref := int(RefLast) + i
		hint := fp.refs.Slots[idx].OrderHint
		fh.OrderHints[ref] = hint
		if seq.EnableOrderHint {
			fh.RefFrameSignBias[ref] = relativeDist(seq, hint, fh.OrderHint) > 0
		}
	}
}

// primarySlot returns the slot named by primary_ref_frame, or nil when the
// frame starts from default state.
func (fp *frameParser) primarySlot() *RefSlot {
	if fp.fh.PrimaryRefFrame == PrimaryRefNone {
		return nil
	}
	return &fp.refs.Slots[fp.fh.RefFrameIdx[fp.fh.PrimaryRefFrame]]
}

func clip3(lo, hi, v int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

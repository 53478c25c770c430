package syntax

const (
	maxSegments     = 8
	segLvlMax       = 8
	segLvlAltQ      = 0
	segLvlRefFrame  = 5
	restorationTile = 256
)

var (
	segFeatureBits   = [segLvlMax]int{8, 6, 6, 6, 6, 3, 0, 0}
	segFeatureSigned = [segLvlMax]bool{true, true, true, true, true, false, false, false}
	segFeatureMax    = [segLvlMax]int{255, 63, 63, 63, 63, 7, 0, 0}

	defaultLoopFilterRefDeltas = [NumRefFrames]int8{1, 0, 0, 0, -1, 0, -1, -1}
)

type QuantizationParams struct {
	BaseQIdx     uint8
	DeltaQYDc    int
	DeltaQUDc    int
	DeltaQUAc    int
	DeltaQVDc    int
	DeltaQVAc    int
	DiffUVDelta  bool
	UsingQMatrix bool
	QMY          uint8
	QMU          uint8
	QMV          uint8
}

type SegmentationParams struct {
	Enabled        bool
	UpdateMap      bool
	TemporalUpdate bool
	UpdateData     bool
	FeatureEnabled [maxSegments][segLvlMax]bool
	FeatureData    [maxSegments][segLvlMax]int16
	SegIDPreSkip   bool
	LastActiveSeg  int
}

// DeltaQParams controls block-level quantizer deltas. When Present, each
// coded delta is scaled by 1<<Res.
type DeltaQParams struct {
	Present bool
	Res     uint8
}

type DeltaLFParams struct {
	Present bool
	Res     uint8
	Multi   bool
}

type LoopFilterParams struct {
	Level        [4]uint8
	Sharpness    uint8
	DeltaEnabled bool
	DeltaUpdate  bool
	RefDeltas    [NumRefFrames]int8
	ModeDeltas   [2]int8
}

type CDEFParams struct {
	Damping       int
	Bits          int
	YPriStrength  []uint8
	YSecStrength  []uint8
	UVPriStrength []uint8
	UVSecStrength []uint8
}

// RestorationType is a loop restoration filter kind.
type RestorationType uint8

const (
	RestoreNone RestorationType = iota
	RestoreWiener
	RestoreSgrproj
	RestoreSwitchable
)

var remapLrType = [4]RestorationType{RestoreNone, RestoreSwitchable, RestoreWiener, RestoreSgrproj}

func (t RestorationType) String() string {
	switch t {
	case RestoreWiener:
		return "wiener"
	case RestoreSgrproj:
		return "sgrproj"
	case RestoreSwitchable:
		return "switchable"
	}
	return "none"
}

type LoopRestorationParams struct {
	Type     [3]RestorationType
	UnitSize [3]int
}

// UsesLR reports whether any plane has restoration enabled.
func (p LoopRestorationParams) UsesLR() bool {
	for _, t := range p.Type {
		if t != RestoreNone {
			return true
		}
	}
	return false
}

func (fp *frameParser) readDeltaQ(field string) int {
	if fp.flag(field + "_coded") {
		return int(fp.su(field, 7))
	}
	return 0
}

func (fp *frameParser) quantizationParams() {
	q := &fp.fh.Quant
	color := fp.seq.Color
	q.BaseQIdx = uint8(fp.f("base_q_idx", 8))
	q.DeltaQYDc = fp.readDeltaQ("delta_q_y_dc")
	if color.NumPlanes > 1 {
		if color.SeparateUVDeltaQ {
			q.DiffUVDelta = fp.flag("diff_uv_delta")
		}
		q.DeltaQUDc = fp.readDeltaQ("delta_q_u_dc")
		q.DeltaQUAc = fp.readDeltaQ("delta_q_u_ac")
		if q.DiffUVDelta {
			q.DeltaQVDc = fp.readDeltaQ("delta_q_v_dc")
			q.DeltaQVAc = fp.readDeltaQ("delta_q_v_ac")
		} else {
			q.DeltaQVDc = q.DeltaQUDc
			q.DeltaQVAc = q.DeltaQUAc
		}
	}
	q.UsingQMatrix = fp.flag("using_qmatrix")
	if q.UsingQMatrix {
		q.QMY = uint8(fp.f("qm_y", 4))
		q.QMU = uint8(fp.f("qm_u", 4))
		if color.SeparateUVDeltaQ {
			q.QMV = uint8(fp.f("qm_v", 4))
		} else {
			q.QMV = q.QMU
		}
	}
}

func (fp *frameParser) segmentationParams() {
	fh := fp.fh
	seg := &fh.Segmentation
	seg.Enabled = fp.flag("segmentation_enabled")
	if !seg.Enabled {
		return
	}
	if prev := fp.primarySlot(); prev != nil {
		seg.FeatureEnabled = prev.Segmentation.FeatureEnabled
		seg.FeatureData = prev.Segmentation.FeatureData
		seg.UpdateMap = fp.flag("segmentation_update_map")
		if seg.UpdateMap {
			seg.TemporalUpdate = fp.flag("segmentation_temporal_update")
		}
		seg.UpdateData = fp.flag("segmentation_update_data")
	} else {
		seg.UpdateMap = true
		seg.UpdateData = true
	}

	if seg.UpdateData {
		for i := 0; i < maxSegments; i++ {
			for j := 0; j < segLvlMax; j++ {
				enabled := fp.flag("feature_enabled")
				seg.FeatureEnabled[i][j] = enabled
				var v int
				if enabled {
					bits, limit := segFeatureBits[j], segFeatureMax[j]
					if segFeatureSigned[j] {
						v = clip3(-limit, limit, int(fp.su("feature_value", 1+bits)))
					} else {
						v = clip3(0, limit, int(fp.f("feature_value", bits)))
					}
				}
				seg.FeatureData[i][j] = int16(v)
			}
		}
	}

	for i := 0; i < maxSegments; i++ {
		for j := 0; j < segLvlMax; j++ {
			if seg.FeatureEnabled[i][j] {
				seg.LastActiveSeg = i
				if j >= segLvlRefFrame {
					seg.SegIDPreSkip = true
				}
			}
		}
	}
}

func (fp *frameParser) deltaParams() {
	fh := fp.fh
	if fh.Quant.BaseQIdx > 0 {
		fh.DeltaQ.Present = fp.flag("delta_q_present")
	}
	if fh.DeltaQ.Present {
		fh.DeltaQ.Res = uint8(fp.f("delta_q_res", 2))
	}
	if fh.DeltaQ.Present && !fh.AllowIntraBC {
		fh.DeltaLF.Present = fp.flag("delta_lf_present")
		if fh.DeltaLF.Present {
			fh.DeltaLF.Res = uint8(fp.f("delta_lf_res", 2))
			fh.DeltaLF.Multi = fp.flag("delta_lf_multi")
		}
	}
}

func (fp *frameParser) losslessDerivation() {
	fh := fp.fh
	q := fh.Quant
	fh.CodedLossless = true
	for seg := 0; seg < maxSegments; seg++ {
		lossless := fh.QIndex(seg) == 0 && q.DeltaQYDc == 0 &&
			q.DeltaQUAc == 0 && q.DeltaQUDc == 0 &&
			q.DeltaQVAc == 0 && q.DeltaQVDc == 0
		if !lossless {
			fh.CodedLossless = false
			break
		}
	}
	fh.AllLossless = fh.CodedLossless && fh.FrameWidth == fh.UpscaledWidth
}

func (fp *frameParser) loopFilterParams() {
	fh := fp.fh
	lf := &fh.LoopFilter
	lf.RefDeltas = defaultLoopFilterRefDeltas
	if prev := fp.primarySlot(); prev != nil {
		lf.RefDeltas = prev.LoopFilterRefDeltas
		lf.ModeDeltas = prev.LoopFilterModeDeltas
	}
	if fh.CodedLossless || fh.AllowIntraBC {
		lf.RefDeltas = defaultLoopFilterRefDeltas
		lf.ModeDeltas = [2]int8{}
		return
	}

	lf.Level[0] = uint8(fp.f("loop_filter_level", 6))
	lf.Level[1] = uint8(fp.f("loop_filter_level", 6))
	if fp.seq.Color.NumPlanes > 1 && (lf.Level[0] != 0 || lf.Level[1] != 0) {
		lf.Level[2] = uint8(fp.f("loop_filter_level", 6))
		lf.Level[3] = uint8(fp.f("loop_filter_level", 6))
	}
	lf.Sharpness = uint8(fp.f("loop_filter_sharpness", 3))
	lf.DeltaEnabled = fp.flag("loop_filter_delta_enabled")
	if !lf.DeltaEnabled {
		return
	}
	lf.DeltaUpdate = fp.flag("loop_filter_delta_update")
	if !lf.DeltaUpdate {
		return
	}
	for i := range lf.RefDeltas {
		if fp.flag("update_ref_delta") {
			lf.RefDeltas[i] = int8(fp.su("loop_filter_ref_deltas", 7))
		}
	}
	for i := range lf.ModeDeltas {
		if fp.flag("update_mode_delta") {
			lf.ModeDeltas[i] = int8(fp.su("loop_filter_mode_deltas", 7))
		}
	}
}

func (fp *frameParser) cdefParams() {
	fh := fp.fh
	c := &fh.CDEF
	c.Damping = 3
	if fh.CodedLossless || fh.AllowIntraBC || !fp.seq.EnableCDEF {
		return
	}
	c.Damping = int(fp.f("cdef_damping_minus_3", 2)) + 3
	c.Bits = int(fp.f("cdef_bits", 2))
	n := 1 << c.Bits
	secondary := func(field string) uint8 {
		v := uint8(fp.f(field, 2))
		if v == 3 {
			v++
		}
		return v
	}
	for i := 0; i < n; i++ {
		c.YPriStrength = append(c.YPriStrength, uint8(fp.f("cdef_y_pri_strength", 4)))
		c.YSecStrength = append(c.YSecStrength, secondary("cdef_y_sec_strength"))
		if fp.seq.Color.NumPlanes > 1 {
			c.UVPriStrength = append(c.UVPriStrength, uint8(fp.f("cdef_uv_pri_strength", 4)))
			c.UVSecStrength = append(c.UVSecStrength, secondary("cdef_uv_sec_strength"))
		}
	}
}

func (fp *frameParser) lrParams() {
	fh, seq := fp.fh, fp.seq
	lr := &fh.LoopRestoration
	if fh.AllLossless || fh.AllowIntraBC || !seq.EnableRestoration {
		return
	}
	var usesChroma bool
	for i := 0; i < seq.Color.NumPlanes; i++ {
		lr.Type[i] = remapLrType[fp.f("lr_type", 2)]
		if lr.Type[i] != RestoreNone && i > 0 {
			usesChroma = true
		}
	}
	if !lr.UsesLR() {
		return
	}

	var shift int
	if seq.Use128x128Superblock {
		shift = int(fp.f("lr_unit_shift", 1)) + 1
	} else {
		shift = int(fp.f("lr_unit_shift", 1))
		if shift != 0 {
			shift += int(fp.f("lr_unit_extra_shift", 1))
		}
	}
	lr.UnitSize[0] = restorationTile >> (2 - shift)
	var uvShift int
	if seq.Color.SubsamplingX && seq.Color.SubsamplingY && usesChroma {
		uvShift = int(fp.f("lr_uv_shift", 1))
	}
	lr.UnitSize[1] = lr.UnitSize[0] >> uvShift
	lr.UnitSize[2] = lr.UnitSize[0] >> uvShift
}

// skipModeParams finds the nearest forward and backward references; skip
// mode can only be signalled when such a pair exists.
func (fp *frameParser) skipModeParams() {
	fh, seq := fp.fh, fp.seq
	if fh.FrameIsIntra || !fh.ReferenceSelect || !seq.EnableOrderHint {
		return
	}
	forwardIdx, backwardIdx := -1, -1
	var forwardHint, backwardHint uint32
	for i, idx := range fh.RefFrameIdx {
		refHint := fp.refs.Slots[idx].OrderHint
		d := relativeDist(seq, refHint, fh.OrderHint)
		if d < 0 {
			if forwardIdx < 0 || relativeDist(seq, refHint, forwardHint) > 0 {
				forwardIdx, forwardHint = i, refHint
			}
		} else if d > 0 {
			if backwardIdx < 0 || relativeDist(seq, refHint, backwardHint) < 0 {
				backwardIdx, backwardHint = i, refHint
			}
		}
	}

	var allowed bool
	switch {
	case forwardIdx < 0:
	case backwardIdx >= 0:
		allowed = true
		fh.SkipModeFrames = [2]RefFrame{
			RefLast + RefFrame(min(forwardIdx, backwardIdx)),
			RefLast + RefFrame(max(forwardIdx, backwardIdx)),
		}
	default:
		secondIdx := -1
		var secondHint uint32
		for i, idx := range fh.RefFrameIdx {
			refHint := fp.refs.Slots[idx].OrderHint
			if relativeDist(seq, refHint, forwardHint) < 0 {
				if secondIdx < 0 || relativeDist(seq, refHint, secondHint) > 0 {
					secondIdx, secondHint = i, refHint
				}
			}
		}
		if secondIdx >= 0 {
			allowed = true
			fh.SkipModeFrames = [2]RefFrame{
				RefLast + RefFrame(min(forwardIdx, secondIdx)),
				RefLast + RefFrame(max(forwardIdx, secondIdx)),
			}
		}
	}
	if allowed {
		fh.SkipModePresent = fp.flag("skip_mode_present")
	}
}

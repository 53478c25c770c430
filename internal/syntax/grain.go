package syntax

// ScalingPoint is one piecewise-linear film grain scaling point.
type ScalingPoint struct {
	Value   uint8
	Scaling uint8
}

// FilmGrainParams are the film grain synthesis parameters of a frame.
type FilmGrainParams struct {
	ApplyGrain            bool
	GrainSeed             uint16
	UpdateGrain           bool
	RefIdx                int
	YPoints               []ScalingPoint
	ChromaScalingFromLuma bool
	CbPoints              []ScalingPoint
	CrPoints              []ScalingPoint
	GrainScaling          int
	ARCoeffLag            int
	ARCoeffsY             []int8
	ARCoeffsCb            []int8
	ARCoeffsCr            []int8
	ARCoeffShift          int
	GrainScaleShift       int
	CbMult                uint8
	CbLumaMult            uint8
	CbOffset              uint16
	CrMult                uint8
	CrLumaMult            uint8
	CrOffset              uint16
	OverlapFlag           bool
	ClipToRestrictedRange bool
}

func (fp *frameParser) filmGrainParams() {
	fh, seq := fp.fh, fp.seq
	if !seq.FilmGrainParamsPresent || (!fh.ShowFrame && !fh.ShowableFrame) {
		return
	}
	g := &fh.FilmGrain
	g.ApplyGrain = fp.flag("apply_grain")
	if !g.ApplyGrain {
		*g = FilmGrainParams{}
		return
	}
	g.GrainSeed = uint16(fp.f("grain_seed", 16))
	g.UpdateGrain = true
	if fh.FrameType == FrameInter {
		g.UpdateGrain = fp.flag("update_grain")
	}
	if !g.UpdateGrain {
		pos := fp.r.Pos()
		idx := int(fp.f("film_grain_params_ref_idx", 3))
		if fp.failed() {
			return
		}
		slot := fp.refs.Slots[idx]
		if !slot.Valid {
			fp.invalid("film_grain_params_ref_idx", pos, ErrMissingReference)
			return
		}
		seed := g.GrainSeed
		*g = slot.FilmGrain
		g.GrainSeed = seed
		g.RefIdx = idx
		return
	}

	color := seq.Color
	pos := fp.r.Pos()
	g.YPoints = fp.scalingPoints("num_y_points", "point_y", 14, pos)
	if !color.MonoChrome {
		g.ChromaScalingFromLuma = fp.flag("chroma_scaling_from_luma")
	}
	if !color.MonoChrome && !g.ChromaScalingFromLuma &&
		!(color.SubsamplingX && color.SubsamplingY && len(g.YPoints) == 0) {
		g.CbPoints = fp.scalingPoints("num_cb_points", "point_cb", 10, fp.r.Pos())
		g.CrPoints = fp.scalingPoints("num_cr_points", "point_cr", 10, fp.r.Pos())
	}
	if fp.failed() {
		return
	}

	g.GrainScaling = int(fp.f("grain_scaling_minus_8", 2)) + 8
	g.ARCoeffLag = int(fp.f("ar_coeff_lag", 2))
	numPosLuma := 2 * g.ARCoeffLag * (g.ARCoeffLag + 1)
	numPosChroma := numPosLuma
	if len(g.YPoints) > 0 {
		numPosChroma++
		g.ARCoeffsY = fp.arCoeffs("ar_coeffs_y_plus_128", numPosLuma)
	}
	if g.ChromaScalingFromLuma || len(g.CbPoints) > 0 {
		g.ARCoeffsCb = fp.arCoeffs("ar_coeffs_cb_plus_128", numPosChroma)
	}
	if g.ChromaScalingFromLuma || len(g.CrPoints) > 0 {
		g.ARCoeffsCr = fp.arCoeffs("ar_coeffs_cr_plus_128", numPosChroma)
	}
	g.ARCoeffShift = int(fp.f("ar_coeff_shift_minus_6", 2)) + 6
	g.GrainScaleShift = int(fp.f("grain_scale_shift", 2))
	if len(g.CbPoints) > 0 {
		g.CbMult = uint8(fp.f("cb_mult", 8))
		g.CbLumaMult = uint8(fp.f("cb_luma_mult", 8))
		g.CbOffset = uint16(fp.f("cb_offset", 9))
	}
	if len(g.CrPoints) > 0 {
		g.CrMult = uint8(fp.f("cr_mult", 8))
		g.CrLumaMult = uint8(fp.f("cr_luma_mult", 8))
		g.CrOffset = uint16(fp.f("cr_offset", 9))
	}
	g.OverlapFlag = fp.flag("overlap_flag")
	g.ClipToRestrictedRange = fp.flag("clip_to_restricted_range")
}

func (fp *frameParser) scalingPoints(countField, prefix string, limit, pos int) []ScalingPoint {
	n := int(fp.f(countField, 4))
	if n > limit {
		fp.invalid(countField, pos, ErrOutOfRange)
		return nil
	}
	if n == 0 {
		return nil
	}
	points := make([]ScalingPoint, n)
	for i := range points {
		points[i].Value = uint8(fp.f(prefix+"_value", 8))
		points[i].Scaling = uint8(fp.f(prefix+"_scaling", 8))
	}
	return points
}

func (fp *frameParser) arCoeffs(field string, n int) []int8 {
	coeffs := make([]int8, n)
	for i := range coeffs {
		coeffs[i] = int8(int(fp.f(field, 8)) - 128)
	}
	return coeffs
}

package syntax

import "fmt"

// WarpModel is a global motion model type.
type WarpModel uint8

const (
	WarpIdentity WarpModel = iota
	WarpTranslation
	WarpRotZoom
	WarpAffine
)

func (m WarpModel) String() string {
	switch m {
	case WarpIdentity:
		return "identity"
	case WarpTranslation:
		return "translation"
	case WarpRotZoom:
		return "rotzoom"
	case WarpAffine:
		return "affine"
	}
	return fmt.Sprintf("warp(%d)", uint8(m))
}

const (
	warpedModelPrecBits = 16
	gmAbsAlphaBits      = 12
	gmAlphaPrecBits     = 15
	gmAbsTransOnlyBits  = 9
	gmTransOnlyPrecBits = 3
	gmAbsTransBits      = 12
	gmTransPrecBits     = 6
)

// GlobalMotionParams holds one warp model per reference frame, indexed by
// RefFrame. Params are in WARPEDMODEL_PREC_BITS fixed point.
type GlobalMotionParams struct {
	Type   [NumRefFrames]WarpModel
	Params [NumRefFrames][6]int32
}

func defaultGMParams() [NumRefFrames][6]int32 {
	var p [NumRefFrames][6]int32
	for ref := range p {
		p[ref][2] = 1 << warpedModelPrecBits
		p[ref][5] = 1 << warpedModelPrecBits
	}
	return p
}

func (fp *frameParser) globalMotionParams() {
	fh := fp.fh
	gm := &fh.GlobalMotion
	gm.Params = defaultGMParams()
	if fh.FrameIsIntra {
		return
	}
	prev := defaultGMParams()
	if slot := fp.primarySlot(); slot != nil {
		prev = slot.GMParams
	}

	for ref := RefLast; ref <= RefAltref; ref++ {
		typ := WarpIdentity
		if fp.flag("is_global") {
			switch {
			case fp.flag("is_rot_zoom"):
				typ = WarpRotZoom
			case fp.flag("is_translation"):
				typ = WarpTranslation
			default:
				typ = WarpAffine
			}
		}
		gm.Type[ref] = typ

		if typ >= WarpRotZoom {
			fp.readGlobalParam(typ, ref, 2, &prev)
			fp.readGlobalParam(typ, ref, 3, &prev)
			if typ == WarpAffine {
				fp.readGlobalParam(typ, ref, 4, &prev)
				fp.readGlobalParam(typ, ref, 5, &prev)
			} else {
				gm.Params[ref][4] = -gm.Params[ref][3]
				gm.Params[ref][5] = gm.Params[ref][2]
			}
		}
		if typ >= WarpTranslation {
			fp.readGlobalParam(typ, ref, 0, &prev)
			fp.readGlobalParam(typ, ref, 1, &prev)
		}
		if fp.failed() {
			return
		}
	}
}

func (fp *frameParser) readGlobalParam(typ WarpModel, ref RefFrame, idx int, prev *[NumRefFrames][6]int32) {
	absBits, precBits := gmAbsAlphaBits, gmAlphaPrecBits
	if idx < 2 {
		if typ == WarpTranslation {
			hp := 0
			if !fp.fh.AllowHighPrecisionMV {
				hp = 1
			}
			absBits = gmAbsTransOnlyBits - hp
			precBits = gmTransOnlyPrecBits - hp
		} else {
			absBits, precBits = gmAbsTransBits, gmTransPrecBits
		}
	}
	precDiff := warpedModelPrecBits - precBits
	var round, sub int
	if idx%3 == 2 {
		round = 1 << warpedModelPrecBits
		sub = 1 << precBits
	}
	mx := 1 << absBits
	r := (int(prev[ref][idx]) >> precDiff) - sub
	v := fp.decodeSignedSubexpWithRef(-mx, mx+1, r)
	fp.fh.GlobalMotion.Params[ref][idx] = int32((v << precDiff) + round)
}

func (fp *frameParser) decodeSignedSubexpWithRef(low, high, r int) int {
	return fp.decodeUnsignedSubexpWithRef(high-low, r-low) + low
}

func (fp *frameParser) decodeUnsignedSubexpWithRef(mx, r int) int {
	v := fp.decodeSubexp(mx)
	if r<<1 <= mx {
		return inverseRecenter(r, v)
	}
	return mx - 1 - inverseRecenter(mx-1-r, v)
}

func (fp *frameParser) decodeSubexp(numSyms int) int {
	i, mk, k := 0, 0, 3
	for {
		b2 := k
		if i > 0 {
			b2 = k + i - 1
		}
		a := 1 << b2
		if numSyms <= mk+3*a {
			return int(fp.ns("subexp_final_bits", uint32(numSyms-mk))) + mk
		}
		if !fp.flag("subexp_more_bits") {
			return int(fp.f("subexp_bits", b2)) + mk
		}
		i++
		mk += a
	}
}

func inverseRecenter(r, v int) int {
	switch {
	case v > 2*r:
		return v
	case v&1 == 1:
		return r - ((v + 1) >> 1)
	}
	return r + (v >> 1)
}

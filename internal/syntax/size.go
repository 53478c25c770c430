package syntax

const (
	superresNum      = 8
	superresDenomMin = 9
)

func (fp *frameParser) frameSize() {
	seq, fh := fp.seq, fp.fh
	if fh.FrameSizeOverride {
		pos := fp.r.Pos()
		fh.FrameWidth = int(fp.f("frame_width_minus_1", seq.FrameWidthBits)) + 1
		if fh.FrameWidth > seq.MaxFrameWidth {
			fp.invalid("frame_width_minus_1", pos, ErrOutOfRange)
		}
		pos = fp.r.Pos()
		fh.FrameHeight = int(fp.f("frame_height_minus_1", seq.FrameHeightBits)) + 1
		if fh.FrameHeight > seq.MaxFrameHeight {
			fp.invalid("frame_height_minus_1", pos, ErrOutOfRange)
		}
	} else {
		fh.FrameWidth = seq.MaxFrameWidth
		fh.FrameHeight = seq.MaxFrameHeight
	}
	fp.superresParams()
}

func (fp *frameParser) superresParams() {
	fh := fp.fh
	if fp.seq.EnableSuperres {
		fh.UseSuperres = fp.flag("use_superres")
	}
	fh.SuperresDenom = superresNum
	if fh.UseSuperres {
		fh.SuperresDenom = int(fp.f("coded_denom", 3)) + superresDenomMin
	}
	fh.UpscaledWidth = fh.FrameWidth
	fh.FrameWidth = (fh.UpscaledWidth*superresNum + fh.SuperresDenom/2) / fh.SuperresDenom
	fh.MiCols = 2 * ((fh.FrameWidth + 7) >> 3)
	fh.MiRows = 2 * ((fh.FrameHeight + 7) >> 3)
}

func (fp *frameParser) renderSize() {
	fh := fp.fh
	if fp.flag("render_and_frame_size_different") {
		fh.RenderWidth = int(fp.f("render_width_minus_1", 16)) + 1
		fh.RenderHeight = int(fp.f("render_height_minus_1", 16)) + 1
	} else {
		fh.RenderWidth = fh.UpscaledWidth
		fh.RenderHeight = fh.FrameHeight
	}
}

// frameSizeWithRefs takes the frame dimensions from the first reference
// marked found_ref, falling back to explicit sizes.
func (fp *frameParser) frameSizeWithRefs() {
	fh := fp.fh
	for _, idx := range fh.RefFrameIdx {
		if fp.flag("found_ref") {
			slot := fp.refs.Slots[idx]
			fh.UpscaledWidth = slot.UpscaledWidth
			fh.FrameWidth = fh.UpscaledWidth
			fh.FrameHeight = slot.FrameHeight
			fh.RenderWidth = slot.RenderWidth
			fh.RenderHeight = slot.RenderHeight
			fp.superresParams()
			return
		}
		if fp.failed() {
			return
		}
	}
	fp.frameSize()
	fp.renderSize()
}

// setFrameRefs derives all seven reference indices from the signalled
// LAST and GOLDEN slots using the slots' order hints.
func (fp *frameParser) setFrameRefs(lastIdx, goldIdx int) {
	seq, fh := fp.seq, fp.fh
	for i := range fh.RefFrameIdx {
		fh.RefFrameIdx[i] = -1
	}
	fh.RefFrameIdx[RefLast-RefLast] = lastIdx
	fh.RefFrameIdx[RefGolden-RefLast] = goldIdx

	var used [NumRefFrames]bool
	used[lastIdx] = true
	used[goldIdx] = true

	curFrameHint := 1 << (seq.OrderHintBits - 1)
	var shifted [NumRefFrames]int
	for i, s := range fp.refs.Slots {
		shifted[i] = curFrameHint + relativeDist(seq, s.OrderHint, fh.OrderHint)
	}

	// Latest backward reference becomes ALTREF, the earliest two become
	// BWDREF and ALTREF2.
	pick := func(ref RefFrame, better func(hint, best int) bool, backward bool) {
		sel, best := -1, 0
		for i, hint := range shifted {
			if used[i] || (hint >= curFrameHint) != backward {
				continue
			}
			if sel < 0 || better(hint, best) {
				sel, best = i, hint
			}
		}
		if sel >= 0 {
			fh.RefFrameIdx[ref-RefLast] = sel
			used[sel] = true
		}
	}
	latest := func(hint, best int) bool { return hint >= best }
	earliest := func(hint, best int) bool { return hint < best }

	pick(RefAltref, latest, true)
	pick(RefBwdref, earliest, true)
	pick(RefAltref2, earliest, true)
	for _, ref := range []RefFrame{RefLast2, RefLast3, RefBwdref, RefAltref2, RefAltref} {
		if fh.RefFrameIdx[ref-RefLast] < 0 {
			pick(ref, latest, false)
		}
	}

	sel, earliestHint := -1, 0
	for i, hint := range shifted {
		if sel < 0 || hint < earliestHint {
			sel, earliestHint = i, hint
		}
	}
	for i := range fh.RefFrameIdx {
		if fh.RefFrameIdx[i] < 0 {
			fh.RefFrameIdx[i] = sel
		}
	}
}

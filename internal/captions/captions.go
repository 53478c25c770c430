// Package captions decodes ATSC A/53 closed captions carried in AV1
// ITU-T T.35 metadata OBUs.
//
// AV1 has no SEI, so the registered user data is rewrapped as an H.264
// user_data_registered_itu_t_t35 SEI NAL unit and handed to ccx, which
// understands that framing.
package captions

import (
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/zsiec/av1scope/internal/obu"
)

// countryUS is the T.35 country code used by A/53 (United States).
const countryUS = 0xB5

// seiUserDataRegistered is the SEI payload type for T.35 user data.
const seiUserDataRegistered = 4

// Stats counts what the decoder has seen.
type Stats struct {
	Messages  int64 `json:"messages"`
	CC608     int64 `json:"cc608Pairs"`
	DTVCC     int64 `json:"dtvccPairs"`
	Frames    int64 `json:"captionFrames"`
	Discarded int64 `json:"discarded"`
}

// Decoder holds CEA-608 and CEA-708 decoder state across a stream. It is
// not safe for concurrent use; feed it metadata in frame order.
type Decoder struct {
	log        *slog.Logger
	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	frame           int64
	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64

	stats Stats
}

// NewDecoder returns a Decoder for channels CC1-CC4 and DTVCC services
// 1-6. If log is nil, slog.Default() is used.
func NewDecoder(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	d := &Decoder{
		log:        log.With("component", "captions"),
		cea608Decs: make(map[int]*ccx.CEA608Decoder, 4),
		cea708Svcs: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		d.cea608Decs[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		d.cea708Svcs[svc] = ccx.NewCEA708Service()
	}
	return d
}

// IsA53 reports whether t35 carries ATSC (GA94) user data.
func IsA53(t35 *obu.ITUTT35) bool {
	p := t35.Payload
	return t35.CountryCode == countryUS && len(p) >= 6 &&
		p[0] == 0x00 && p[1] == 0x31 && string(p[2:6]) == "GA94"
}

// Decode feeds one T.35 metadata payload belonging to the frame with
// presentation timestamp pts and returns any caption text it completed.
// Non-A/53 payloads are ignored.
func (d *Decoder) Decode(t35 *obu.ITUTT35, pts int64) []*ccx.CaptionFrame {
	d.frame++
	if t35 == nil || !IsA53(t35) {
		d.stats.Discarded++
		return nil
	}
	d.stats.Messages++

	cd := ccx.ExtractCaptions(SEINAL(t35))
	if cd == nil {
		d.log.Debug("A/53 payload without cc_data", "pts", pts)
		return nil
	}

	var out []*ccx.CaptionFrame
	for _, pair := range cd.CC608Pairs {
		d.stats.CC608++
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// Control codes are sent twice; drop the repeat.
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if d.lastCCWasCtrl[f] && d.lastCCCtrl[f] == cp && d.frame-d.lastCCCtrlFrame[f] <= 2 {
				d.lastCCWasCtrl[f] = false
				continue
			}
			d.lastCCCtrl[f] = cp
			d.lastCCWasCtrl[f] = true
			d.lastCCCtrlFrame[f] = d.frame
		} else {
			d.lastCCWasCtrl[f] = false
		}

		dec := d.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			out = append(out, frame)
		}
	}

	for _, t := range cd.DTVCC {
		d.stats.DTVCC++
		if t.Start {
			out = d.drainDTVCC(out, pts)
			d.dtvccBuf = d.dtvccBuf[:0]
		}
		d.dtvccBuf = append(d.dtvccBuf, t.Data[0], t.Data[1])
	}

	d.stats.Frames += int64(len(out))
	return out
}

func (d *Decoder) drainDTVCC(out []*ccx.CaptionFrame, pts int64) []*ccx.CaptionFrame {
	if len(d.dtvccBuf) < 1 {
		return out
	}
	packetSize := ccx.DTVCCPacketSize(d.dtvccBuf[0])
	if len(d.dtvccBuf) < packetSize {
		return out
	}

	for _, block := range ccx.ParseDTVCCPacket(d.dtvccBuf[:packetSize]) {
		svc := d.cea708Svcs[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: block.ServiceNum + 6}
			frame.Regions = svc.StyledRegions()
			out = append(out, frame)
		}
	}
	d.dtvccBuf = d.dtvccBuf[packetSize:]
	return out
}

// Stats returns a copy of the decoder counters.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// SEINAL wraps a T.35 payload as an H.264 SEI NAL unit (header byte
// included, no start code) with emulation prevention applied.
func SEINAL(t35 *obu.ITUTT35) []byte {
	body := make([]byte, 0, len(t35.Payload)+2)
	body = append(body, t35.CountryCode)
	if t35.CountryCode == 0xFF {
		body = append(body, t35.CountryCodeExtension)
	}
	body = append(body, t35.Payload...)

	msg := appendSEIValue(nil, seiUserDataRegistered)
	msg = appendSEIValue(msg, len(body))
	msg = append(msg, body...)
	msg = append(msg, 0x80)

	nal := make([]byte, 0, len(msg)+len(msg)/64+1)
	nal = append(nal, 0x06)
	return appendEPB(nal, msg)
}

func appendSEIValue(b []byte, v int) []byte {
	for v >= 255 {
		b = append(b, 0xFF)
		v -= 255
	}
	return append(b, byte(v))
}

// appendEPB inserts an emulation prevention byte before any byte <= 0x03
// that follows two zero bytes.
func appendEPB(dst, src []byte) []byte {
	zeros := 0
	for _, b := range src {
		if zeros >= 2 && b <= 0x03 {
			dst = append(dst, 0x03)
			zeros = 0
		}
		dst = append(dst, b)
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return dst
}

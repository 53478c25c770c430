package obu

import (
	"fmt"

	"github.com/zsiec/av1scope/internal/bitstream"
)

// MetadataType identifies the payload of a metadata OBU (AV1 section 6.7.1).
type MetadataType uint64

// Metadata types.
const (
	MetadataHDRCLL       MetadataType = 1
	MetadataHDRMDCV      MetadataType = 2
	MetadataScalability  MetadataType = 3
	MetadataITUTT35      MetadataType = 4
	MetadataTimecode     MetadataType = 5
	MetadataUnregistered MetadataType = 6
)

func (t MetadataType) String() string {
	switch t {
	case MetadataHDRCLL:
		return "hdr_cll"
	case MetadataHDRMDCV:
		return "hdr_mdcv"
	case MetadataScalability:
		return "scalability"
	case MetadataITUTT35:
		return "itut_t35"
	case MetadataTimecode:
		return "timecode"
	}
	return fmt.Sprintf("metadata(%d)", uint64(t))
}

// Metadata is a parsed metadata OBU. Exactly one of the typed fields is set
// for the known types; Raw always holds the bytes after the type field.
type Metadata struct {
	Type     MetadataType
	CLL      *ContentLightLevel
	MDCV     *MasteringDisplay
	T35      *ITUTT35
	Timecode *Timecode
	Raw      []byte
}

// ContentLightLevel is the HDR content light level payload.
type ContentLightLevel struct {
	MaxCLL  uint16
	MaxFALL uint16
}

// MasteringDisplay is the HDR mastering display colour volume payload.
type MasteringDisplay struct {
	PrimaryX     [3]uint16
	PrimaryY     [3]uint16
	WhitePointX  uint16
	WhitePointY  uint16
	LuminanceMax uint32
	LuminanceMin uint32
}

// ITUTT35 is a registered user data payload.
type ITUTT35 struct {
	CountryCode          uint8
	CountryCodeExtension uint8
	Payload              []byte
}

// Timecode is the SMPTE timecode payload.
type Timecode struct {
	CountingType  uint8
	FullStamp     bool
	Discontinuity bool
	CountDropped  bool
	Frames        uint16
	Seconds       uint8
	Minutes       uint8
	Hours         uint8
	TimeOffset    uint32
}

// String formats the timecode as HH:MM:SS:FF.
func (tc Timecode) String() string {
	return fmt.Sprintf("%02d:%02d:%02d:%02d", tc.Hours, tc.Minutes, tc.Seconds, tc.Frames)
}

// ParseMetadata decodes the payload of a metadata OBU. Unrecognized types
// are returned with only Type and Raw set.
func ParseMetadata(payload []byte) (Metadata, error) {
	v, n, err := bitstream.ParseLEB128(payload)
	if err != nil {
		return Metadata{}, &UnitError{Offset: 0, Err: ErrInvalidSize}
	}
	m := Metadata{Type: MetadataType(v), Raw: payload[n:]}
	r := bitstream.NewReader(m.Raw)

	switch m.Type {
	case MetadataHDRCLL:
		m.CLL = &ContentLightLevel{
			MaxCLL:  uint16(r.ReadBits(16)),
			MaxFALL: uint16(r.ReadBits(16)),
		}
	case MetadataHDRMDCV:
		md := &MasteringDisplay{}
		for i := 0; i < 3; i++ {
			md.PrimaryX[i] = uint16(r.ReadBits(16))
			md.PrimaryY[i] = uint16(r.ReadBits(16))
		}
		md.WhitePointX = uint16(r.ReadBits(16))
		md.WhitePointY = uint16(r.ReadBits(16))
		md.LuminanceMax = r.ReadBits(32)
		md.LuminanceMin = r.ReadBits(32)
		m.MDCV = md
	case MetadataITUTT35:
		t35 := &ITUTT35{CountryCode: uint8(r.ReadBits(8))}
		if t35.CountryCode == 0xFF {
			t35.CountryCodeExtension = uint8(r.ReadBits(8))
		}
		if start := r.BytePos(); start <= len(m.Raw) {
			t35.Payload = m.Raw[start:]
		}
		m.T35 = t35
	case MetadataTimecode:
		m.Timecode = parseTimecode(r)
	}

	if r.Overflow() {
		return m, &UnitError{Offset: n + r.BytePos(), Err: ErrTruncated}
	}
	return m, nil
}

func parseTimecode(r *bitstream.Reader) *Timecode {
	tc := &Timecode{
		CountingType:  uint8(r.ReadBits(5)),
		FullStamp:     r.ReadFlag(),
		Discontinuity: r.ReadFlag(),
		CountDropped:  r.ReadFlag(),
		Frames:        uint16(r.ReadBits(9)),
	}
	if tc.FullStamp {
		tc.Seconds = uint8(r.ReadBits(6))
		tc.Minutes = uint8(r.ReadBits(6))
		tc.Hours = uint8(r.ReadBits(5))
	} else if r.ReadFlag() {
		tc.Seconds = uint8(r.ReadBits(6))
		if r.ReadFlag() {
			tc.Minutes = uint8(r.ReadBits(6))
			if r.ReadFlag() {
				tc.Hours = uint8(r.ReadBits(5))
			}
		}
	}
	if l := int(r.ReadBits(5)); l > 0 {
		tc.TimeOffset = r.ReadBits(l)
	}
	return tc
}

package ivfutil

import "github.com/zsiec/av1scope/internal/bitstream"

// CCPair is one CEA-608 byte pair for field 0 or 1.
type CCPair struct {
	Field byte
	Data1 byte
	Data2 byte
}

// A53Payload builds the ATSC A/53 cc_data user data that follows the T.35
// country code. Pairs are written with odd parity.
func A53Payload(pairs ...CCPair) []byte {
	n := min(len(pairs), 31)
	p := []byte{0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x40 | byte(n), 0xFF}
	for _, c := range pairs[:n] {
		p = append(p, 0xFC|c.Field&0x03, parity(c.Data1), parity(c.Data2))
	}
	return append(p, 0xFF)
}

func parity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		b |= 0x80
	}
	return b
}

// MetadataT35 returns a metadata OBU payload of type ITU-T T.35.
func MetadataT35(country byte, payload []byte) []byte {
	b := bitstream.AppendLEB128(nil, 4)
	b = append(b, country)
	return append(b, payload...)
}

// MetadataCLL returns an HDR content light level metadata OBU payload.
func MetadataCLL(maxCLL, maxFALL uint16) []byte {
	b := bitstream.AppendLEB128(nil, 1)
	return append(b, byte(maxCLL>>8), byte(maxCLL), byte(maxFALL>>8), byte(maxFALL))
}

package syntax

import (
	"crypto/sha256"
	"encoding/hex"
)

const (
	selectScreenContentTools = 2
	selectIntegerMV          = 2
)

// Identity is the SHA-256 digest of a sequence header payload.
type Identity [32]byte

func (id Identity) String() string {
	return hex.EncodeToString(id[:8])
}

// ColorConfig holds the color_config() fields of a sequence header.
type ColorConfig struct {
	BitDepth                int
	MonoChrome              bool
	NumPlanes               int
	ColorDescription        bool
	ColorPrimaries          uint8
	TransferCharacteristics uint8
	MatrixCoefficients      uint8
	FullRange               bool
	SubsamplingX            bool
	SubsamplingY            bool
	ChromaSamplePosition    uint8
	SeparateUVDeltaQ        bool
}

// ChromaFormat names the chroma subsampling ("4:2:0", "4:2:2", "4:4:4" or
// "mono").
func (c ColorConfig) ChromaFormat() string {
	switch {
	case c.MonoChrome:
		return "mono"
	case c.SubsamplingX && c.SubsamplingY:
		return "4:2:0"
	case c.SubsamplingX:
		return "4:2:2"
	}
	return "4:4:4"
}

type TimingInfo struct {
	NumUnitsInDisplayTick uint32
	TimeScale             uint32
	EqualPictureInterval  bool
	NumTicksPerPicture    uint32
}

type DecoderModelInfo struct {
	BufferDelayLength           int
	NumUnitsInDecodingTick      uint32
	BufferRemovalTimeLength     int
	FramePresentationTimeLength int
}

// OperatingPoint is one entry of the sequence header's operating point list.
type OperatingPoint struct {
	IDC                 uint16
	SeqLevelIdx         uint8
	SeqTier             uint8
	DecoderModelPresent bool
	DecoderBufferDelay  uint32
	EncoderBufferDelay  uint32
	LowDelayMode        bool

	InitialDisplayDelayPresent bool
	InitialDisplayDelay        uint8
}

// SequenceHeader is a parsed sequence header OBU. Frame headers keep a
// pointer to the SequenceHeader they were parsed against.
type SequenceHeader struct {
	Profile                   uint8
	StillPicture              bool
	ReducedStillPictureHeader bool

	TimingInfoPresent          bool
	Timing                     TimingInfo
	DecoderModelInfoPresent    bool
	DecoderModel               DecoderModelInfo
	InitialDisplayDelayPresent bool
	OperatingPoints            []OperatingPoint

	FrameWidthBits  int
	FrameHeightBits int
	MaxFrameWidth   int
	MaxFrameHeight  int

	FrameIDNumbersPresent bool
	DeltaFrameIDLength    int
	FrameIDLength         int

	Use128x128Superblock     bool
	EnableFilterIntra        bool
	EnableIntraEdgeFilter    bool
	EnableInterintraCompound bool
	EnableMaskedCompound     bool
	EnableWarpedMotion       bool
	EnableDualFilter         bool
	EnableOrderHint          bool
	EnableJntComp            bool
	EnableRefFrameMVs        bool

	SeqForceScreenContentTools uint8
	SeqForceIntegerMV          uint8
	OrderHintBits              int

	EnableSuperres    bool
	EnableCDEF        bool
	EnableRestoration bool

	Color                  ColorConfig
	FilmGrainParamsPresent bool

	ID Identity
}

// SuperblockSize returns the superblock edge in luma samples.
func (s *SequenceHeader) SuperblockSize() int {
	if s.Use128x128Superblock {
		return 128
	}
	return 64
}

// ParseSequenceHeader decodes the payload of a sequence header OBU.
func ParseSequenceHeader(payload []byte) (*SequenceHeader, error) {
	p := newFieldReader(payload, "sequence_header")
	s := &SequenceHeader{ID: sha256.Sum256(payload)}

	pos := p.r.Pos()
	s.Profile = uint8(p.f("seq_profile", 3))
	if s.Profile > 2 {
		p.invalid("seq_profile", pos, ErrReservedValue)
	}
	s.StillPicture = p.flag("still_picture")
	pos = p.r.Pos()
	s.ReducedStillPictureHeader = p.flag("reduced_still_picture_header")
	if s.ReducedStillPictureHeader && !s.StillPicture {
		p.invalid("reduced_still_picture_header", pos, ErrOutOfRange)
	}
	if p.failed() {
		return nil, p.result()
	}

	if s.ReducedStillPictureHeader {
		s.OperatingPoints = []OperatingPoint{{SeqLevelIdx: uint8(p.f("seq_level_idx", 5))}}
	} else {
		parseOperatingPoints(p, s)
	}
	if p.failed() {
		return nil, p.result()
	}

	s.FrameWidthBits = int(p.f("frame_width_bits_minus_1", 4)) + 1
	s.FrameHeightBits = int(p.f("frame_height_bits_minus_1", 4)) + 1
	s.MaxFrameWidth = int(p.f("max_frame_width_minus_1", s.FrameWidthBits)) + 1
	s.MaxFrameHeight = int(p.f("max_frame_height_minus_1", s.FrameHeightBits)) + 1
	if !s.ReducedStillPictureHeader {
		s.FrameIDNumbersPresent = p.flag("frame_id_numbers_present_flag")
	}
	if s.FrameIDNumbersPresent {
		s.DeltaFrameIDLength = int(p.f("delta_frame_id_length_minus_2", 4)) + 2
		s.FrameIDLength = int(p.f("additional_frame_id_length_minus_1", 3)) + 1 + s.DeltaFrameIDLength
	}

	s.Use128x128Superblock = p.flag("use_128x128_superblock")
	s.EnableFilterIntra = p.flag("enable_filter_intra")
	s.EnableIntraEdgeFilter = p.flag("enable_intra_edge_filter")
	if s.ReducedStillPictureHeader {
		s.SeqForceScreenContentTools = selectScreenContentTools
		s.SeqForceIntegerMV = selectIntegerMV
	} else {
		parseToolEnables(p, s)
	}
	s.EnableSuperres = p.flag("enable_superres")
	s.EnableCDEF = p.flag("enable_cdef")
	s.EnableRestoration = p.flag("enable_restoration")
	if p.failed() {
		return nil, p.result()
	}

	s.Color = parseColorConfig(p, s.Profile)
	s.FilmGrainParamsPresent = p.flag("film_grain_params_present")
	if p.failed() {
		return nil, p.result()
	}
	return s, nil
}

func parseOperatingPoints(p *fieldReader, s *SequenceHeader) {
	s.TimingInfoPresent = p.flag("timing_info_present_flag")
	if s.TimingInfoPresent {
		s.Timing.NumUnitsInDisplayTick = p.f("num_units_in_display_tick", 32)
		s.Timing.TimeScale = p.f("time_scale", 32)
		s.Timing.EqualPictureInterval = p.flag("equal_picture_interval")
		if s.Timing.EqualPictureInterval {
			s.Timing.NumTicksPerPicture = p.uvlc("num_ticks_per_picture_minus_1") + 1
		}
		s.DecoderModelInfoPresent = p.flag("decoder_model_info_present_flag")
		if s.DecoderModelInfoPresent {
			dm := &s.DecoderModel
			dm.BufferDelayLength = int(p.f("buffer_delay_length_minus_1", 5)) + 1
			dm.NumUnitsInDecodingTick = p.f("num_units_in_decoding_tick", 32)
			dm.BufferRemovalTimeLength = int(p.f("buffer_removal_time_length_minus_1", 5)) + 1
			dm.FramePresentationTimeLength = int(p.f("frame_presentation_time_length_minus_1", 5)) + 1
		}
	}
	s.InitialDisplayDelayPresent = p.flag("initial_display_delay_present_flag")

	count := int(p.f("operating_points_cnt_minus_1", 5)) + 1
	s.OperatingPoints = make([]OperatingPoint, count)
	for i := range s.OperatingPoints {
		op := &s.OperatingPoints[i]
		op.IDC = uint16(p.f("operating_point_idc", 12))
		op.SeqLevelIdx = uint8(p.f("seq_level_idx", 5))
		if op.SeqLevelIdx > 7 {
			op.SeqTier = uint8(p.f("seq_tier", 1))
		}
		if s.DecoderModelInfoPresent {
			op.DecoderModelPresent = p.flag("decoder_model_present_for_this_op")
			if op.DecoderModelPresent {
				n := s.DecoderModel.BufferDelayLength
				op.DecoderBufferDelay = p.f("decoder_buffer_delay", n)
				op.EncoderBufferDelay = p.f("encoder_buffer_delay", n)
				op.LowDelayMode = p.flag("low_delay_mode_flag")
			}
		}
		if s.InitialDisplayDelayPresent {
			op.InitialDisplayDelayPresent = p.flag("initial_display_delay_present_for_this_op")
			if op.InitialDisplayDelayPresent {
				op.InitialDisplayDelay = uint8(p.f("initial_display_delay_minus_1", 4)) + 1
			}
		}
		if p.failed() {
			return
		}
	}
}

func parseToolEnables(p *fieldReader, s *SequenceHeader) {
	s.EnableInterintraCompound = p.flag("enable_interintra_compound")
	s.EnableMaskedCompound = p.flag("enable_masked_compound")
	s.EnableWarpedMotion = p.flag("enable_warped_motion")
	s.EnableDualFilter = p.flag("enable_dual_filter")
	s.EnableOrderHint = p.flag("enable_order_hint")
	if s.EnableOrderHint {
		s.EnableJntComp = p.flag("enable_jnt_comp")
		s.EnableRefFrameMVs = p.flag("enable_ref_frame_mvs")
	}
	if p.flag("seq_choose_screen_content_tools") {
		s.SeqForceScreenContentTools = selectScreenContentTools
	} else {
		s.SeqForceScreenContentTools = uint8(p.f("seq_force_screen_content_tools", 1))
	}
	if s.SeqForceScreenContentTools > 0 {
		if p.flag("seq_choose_integer_mv") {
			s.SeqForceIntegerMV = selectIntegerMV
		} else {
			s.SeqForceIntegerMV = uint8(p.f("seq_force_integer_mv", 1))
		}
	} else {
		s.SeqForceIntegerMV = selectIntegerMV
	}
	if s.EnableOrderHint {
		s.OrderHintBits = int(p.f("order_hint_bits_minus_1", 3)) + 1
	}
}

// Color description code points used by color_config().
const (
	cpBT709       = 1
	cpUnspecified = 2
	tcUnspecified = 2
	tcSRGB        = 13
	mcIdentity    = 0
	mcUnspecified = 2
)

func parseColorConfig(p *fieldReader, profile uint8) ColorConfig {
	var c ColorConfig
	highBitDepth := p.flag("high_bitdepth")
	switch {
	case profile == 2 && highBitDepth:
		if p.flag("twelve_bit") {
			c.BitDepth = 12
		} else {
			c.BitDepth = 10
		}
	case highBitDepth:
		c.BitDepth = 10
	default:
		c.BitDepth = 8
	}

	if profile != 1 {
		c.MonoChrome = p.flag("mono_chrome")
	}
	c.NumPlanes = 3
	if c.MonoChrome {
		c.NumPlanes = 1
	}

	c.ColorDescription = p.flag("color_description_present_flag")
	if c.ColorDescription {
		c.ColorPrimaries = uint8(p.f("color_primaries", 8))
		c.TransferCharacteristics = uint8(p.f("transfer_characteristics", 8))
		c.MatrixCoefficients = uint8(p.f("matrix_coefficients", 8))
	} else {
		c.ColorPrimaries = cpUnspecified
		c.TransferCharacteristics = tcUnspecified
		c.MatrixCoefficients = mcUnspecified
	}

	switch {
	case c.MonoChrome:
		c.FullRange = p.flag("color_range")
		c.SubsamplingX, c.SubsamplingY = true, true
		return c
	case c.ColorPrimaries == cpBT709 && c.TransferCharacteristics == tcSRGB && c.MatrixCoefficients == mcIdentity:
		c.FullRange = true
	default:
		c.FullRange = p.flag("color_range")
		switch profile {
		case 0:
			c.SubsamplingX, c.SubsamplingY = true, true
		case 1:
		default:
			if c.BitDepth == 12 {
				c.SubsamplingX = p.flag("subsampling_x")
				if c.SubsamplingX {
					c.SubsamplingY = p.flag("subsampling_y")
				}
			} else {
				c.SubsamplingX = true
			}
		}
		if c.SubsamplingX && c.SubsamplingY {
			c.ChromaSamplePosition = uint8(p.f("chroma_sample_position", 2))
		}
	}
	c.SeparateUVDeltaQ = p.flag("separate_uv_delta_q")
	return c
}

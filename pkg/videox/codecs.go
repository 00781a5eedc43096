package videox

import (
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
)

type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecH265
	CodecMJPEG  // Every frame is independently decodable
	CodecYUV420 // Raw stills. Every frame is independently decodable
)

// NALUKind is the part of a NALU's type that matters to us, independent of codec
type NALUKind int

const (
	NALUKindOther     NALUKind = iota // SEI, AUD, filler, etc
	NALUKindParameter                 // SPS, PPS, VPS. A decoder needs these before the first picture.
	NALUKindIDR                       // Keyframe (Instantaneous Decoder Refresh)
	NALUKindPicture                   // Any other picture slice
)

// ParseCodec accepts the codec names that a capture parameters document uses.
// An empty string is CodecUnknown, which means "trust the producer's keyframe flag".
func ParseCodec(codec string) (Codec, error) {
	switch codec {
	case "":
		return CodecUnknown, nil
	case "h264", "H264":
		return CodecH264, nil
	case "h265", "H265", "hevc":
		return CodecH265, nil
	case "mjpeg", "jpeg", "jpg":
		return CodecMJPEG, nil
	case "yuv420":
		return CodecYUV420, nil
	default:
		return CodecUnknown, fmt.Errorf("Unknown codec: %v", codec)
	}
}

func (c Codec) InternalName() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecMJPEG:
		return "mjpeg"
	case CodecYUV420:
		return "yuv420"
	default:
		return "unknown"
	}
}

func (c Codec) String() string {
	return c.InternalName()
}

// Returns true if every frame of this codec can be decoded on its own
func (c Codec) IsIntraOnly() bool {
	return c == CodecMJPEG || c == CodecYUV420
}

// ClassifyNALU returns the kind of NALU, given its first (header) byte.
// Only H264 and H265 carry NALUs, so every other codec returns NALUKindOther.
func ClassifyNALU(codec Codec, header byte) NALUKind {
	switch codec {
	case CodecH264:
		switch h264.NALUType(header & 0x1f) {
		case h264.NALUTypeIDR:
			return NALUKindIDR
		case h264.NALUTypeNonIDR, h264.NALUTypeDataPartitionA:
			return NALUKindPicture
		case h264.NALUTypeSPS, h264.NALUTypePPS:
			return NALUKindParameter
		}
	case CodecH265:
		t := h265.NALUType((header >> 1) & 0x3f)
		switch {
		case t == h265.NALUType_IDR_W_RADL || t == h265.NALUType_IDR_N_LP:
			return NALUKindIDR
		case t == h265.NALUType_VPS_NUT || t == h265.NALUType_SPS_NUT || t == h265.NALUType_PPS_NUT:
			return NALUKindParameter
		case t <= 21:
			// TRAIL, TSA, STSA, RADL, RASL, BLA and CRA are all VCL
			return NALUKindPicture
		}
	}
	return NALUKindOther
}

package videox

// ContainsKeyframe inspects an encoded payload and returns true if a decoder could start at it.
// For H264/H265 we look for an IDR NALU. Intra-only codecs are always keyframes.
// For CodecUnknown we can't say anything, so we return false.
func ContainsKeyframe(codec Codec, payload []byte) bool {
	if codec.IsIntraOnly() {
		return true
	}
	if codec != CodecH264 && codec != CodecH265 {
		return false
	}
	for _, nalu := range SplitAnnexB(payload) {
		if len(nalu) == 0 {
			continue
		}
		if ClassifyNALU(codec, nalu[0]) == NALUKindIDR {
			return true
		}
	}
	return false
}

// MarkKeyframe sets f.IsKeyframe from the payload, unless the producer already flagged it.
func MarkKeyframe(codec Codec, f *Frame) {
	if !f.IsKeyframe && codec != CodecUnknown {
		f.IsKeyframe = ContainsKeyframe(codec, f.Payload)
	}
}

package videox

// Returns length of the start code at the beginning of buf
// Possible return values:
// 0: No start code
// 3: 00 00 01
// 4: 00 00 00 01
func StartCodeLen(buf []byte) int {
	if len(buf) < 3 {
		return 0
	}
	if buf[0] == 0 && buf[1] == 0 && buf[2] == 1 {
		return 3
	}
	if len(buf) < 4 {
		return 0
	}
	if buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 1 {
		return 4
	}
	return 0
}

// SplitAnnexB splits an Annex-B byte stream into NALU payloads, with their start codes removed.
// The returned slices alias buf. If buf does not begin with a start code, then the whole
// buffer is treated as a single NALU.
// We don't need to decode emulation prevention bytes here, because we only ever look at the
// first byte of each NALU, and the header byte is never escaped.
func SplitAnnexB(buf []byte) [][]byte {
	if StartCodeLen(buf) == 0 {
		if len(buf) == 0 {
			return nil
		}
		return [][]byte{buf}
	}
	nalus := [][]byte{}
	start := -1
	zeros := 0
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b == 1 && zeros >= 2 {
			// Found a start code. Trim the zeros belonging to it off the previous NALU.
			if start != -1 {
				end := i - zeros
				if end > start {
					nalus = append(nalus, buf[start:end])
				}
			}
			start = i + 1
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	if start != -1 && start < len(buf) {
		nalus = append(nalus, buf[start:])
	}
	return nalus
}

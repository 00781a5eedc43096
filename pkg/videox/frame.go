package videox

import "time"

// Frame is one encoded frame, as delivered by the acquisition pipeline.
// Frames are transient: nothing holds onto Payload after the call that receives it returns,
// except the frame ring, which copies it into its own arena.
type Frame struct {
	Payload     []byte
	IsKeyframe  bool          // Frame can be decoded without reference to any prior frame
	PTS         time.Duration // Presentation time, relative to the start of the acquisition
	ColourGains [2]float32    // Red and blue white balance gains reported with the frame. Zero if unknown.
}

func (f *Frame) Size() int {
	return len(f.Payload)
}

func (f *Frame) HasColourGains() bool {
	return f.ColourGains[0] != 0 || f.ColourGains[1] != 0
}

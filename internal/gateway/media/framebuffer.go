package media

// FrameBuffer accumulates arbitrarily-chunked audio bytes and yields fixed
// size frames. The AI service delivers audio deltas at whatever chunking its
// encoder produced; RTP wants exact 20ms frames. A partial remainder stays
// buffered until the next append. Not safe for concurrent use; the call
// session's pump goroutine is the sole owner.
type FrameBuffer struct {
	buf       []byte
	frameSize int
}

// NewFrameBuffer creates a frame buffer emitting frames of frameSize bytes.
func NewFrameBuffer(frameSize int) *FrameBuffer {
	return &FrameBuffer{frameSize: frameSize}
}

// Append adds bytes to the buffer.
func (f *FrameBuffer) Append(data []byte) {
	f.buf = append(f.buf, data...)
}

// NextFrame extracts one complete frame, or returns false if less than a
// full frame is buffered. Frames are never emitted short.
func (f *FrameBuffer) NextFrame() ([]byte, bool) {
	if len(f.buf) < f.frameSize {
		return nil, false
	}
	frame := make([]byte, f.frameSize)
	copy(frame, f.buf[:f.frameSize])
	f.buf = f.buf[f.frameSize:]
	return frame, true
}

// Frames extracts all complete frames currently buffered.
func (f *FrameBuffer) Frames() [][]byte {
	var frames [][]byte
	for {
		frame, ok := f.NextFrame()
		if !ok {
			return frames
		}
		frames = append(frames, frame)
	}
}

// Buffered returns the number of bytes currently held, including any
// partial frame.
func (f *FrameBuffer) Buffered() int {
	return len(f.buf)
}

// Reset discards all buffered bytes. Used to flush queued audio when the
// caller barges in over the AI's speech.
func (f *FrameBuffer) Reset() {
	f.buf = f.buf[:0]
}

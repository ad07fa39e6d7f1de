package media

// SequenceTracker follows inbound RTP sequence numbers across 16-bit
// rollover, maintaining an extended 32-bit count and loss statistics for
// the call's state summary.
type SequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32 // rollover count, upper 16 bits of the extended seq
	lost        uint64
	received    uint64
}

// NewSequenceTracker creates an empty tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{}
}

// Update records a received sequence number. It returns the extended
// sequence number and how many packets went missing since the previous one.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return uint32(seq), 0
	}

	// uint16 subtraction gives the forward distance; reinterpreting as
	// int16 gives direction, per RFC 3550 wraparound rules.
	diff := int16(seq - s.lastSeq)
	if diff <= 0 {
		// Reordered or duplicate packet; the jitter buffer handles those.
		// The cursor stays put so the next packet is not miscounted.
		return (s.cycles << 16) | uint32(seq), 0
	}
	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}

	if s.lastSeq > 0xF000 && seq < 0x1000 {
		s.cycles++
	}

	s.lastSeq = seq
	return (s.cycles << 16) | uint32(seq), lost
}

// Stats returns cumulative received and lost counts.
func (s *SequenceTracker) Stats() (received, lost uint64) {
	return s.received, s.lost
}

// LossRate returns the packet loss rate as a fraction (0.0 to 1.0).
func (s *SequenceTracker) LossRate() float64 {
	total := s.received + s.lost
	if total == 0 {
		return 0.0
	}
	return float64(s.lost) / float64(total)
}

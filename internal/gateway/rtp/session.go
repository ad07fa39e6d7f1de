// Package rtp implements the gateway's UDP media endpoint: one shared
// server socket demultiplexing datagrams to per-call sessions, and the
// per-call session owning jitter compensation and outbound packetization.
package rtp

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"

	"github.com/sebas/voicegate/internal/gateway/media"
)

// DefaultSSRC stamps outbound packets when no inbound packet has been seen
// yet to learn the caller's SSRC.
const DefaultSSRC uint32 = 12345

// PacketSender transmits a marshaled RTP packet to a remote address.
// The Server implements it; tests substitute a capture fake.
type PacketSender interface {
	SendPacket(pkt *rtp.Packet, addr *net.UDPAddr) error
}

// Stats is a snapshot of a session's stream counters.
type Stats struct {
	PacketsReceived uint64  `json:"packets_received"`
	PacketsSent     uint64  `json:"packets_sent"`
	PacketsLost     uint64  `json:"packets_lost"`
	JitterDropped   uint64  `json:"jitter_dropped"`
	JitterLate      uint64  `json:"jitter_late"`
	LossRate        float64 `json:"loss_rate"`
}

// Session is one call's RTP endpoint state: the inbound jitter buffer and
// sequence tracking, plus outbound sequence/timestamp counters. Created when
// the call controller learns the caller's RTP address; destroyed with the
// call session.
type Session struct {
	remote *net.UDPAddr
	jitter *media.JitterBuffer
	sender PacketSender

	mu          sync.Mutex
	tracker     *media.SequenceTracker
	ssrc        uint32
	ssrcLearned bool
	outSeq      uint16
	outTS       uint32
	received    uint64
	sent        uint64
}

// NewSession creates a session for the given remote endpoint. jitterCapacity
// is in 20ms frames; zero selects the default (~100ms).
func NewSession(remote *net.UDPAddr, sender PacketSender, jitterCapacity int) *Session {
	return &Session{
		remote:  remote,
		jitter:  media.NewJitterBuffer(jitterCapacity),
		sender:  sender,
		tracker: media.NewSequenceTracker(),
	}
}

// RemoteAddr returns the caller's RTP endpoint.
func (s *Session) RemoteAddr() *net.UDPAddr {
	return s.remote
}

// Receive accepts one inbound packet from the server's read loop. The first
// packet teaches the session the caller's SSRC, which stamps all outbound
// packets from then on.
func (s *Session) Receive(pkt *rtp.Packet) {
	s.mu.Lock()
	if !s.ssrcLearned {
		s.ssrc = pkt.SSRC
		s.ssrcLearned = true
	}
	s.tracker.Update(pkt.SequenceNumber)
	s.received++
	s.mu.Unlock()

	s.jitter.Push(pkt)
}

// NextPayload releases the next in-order µ-law payload from the jitter
// buffer, or returns false when nothing is ready.
func (s *Session) NextPayload() ([]byte, bool) {
	pkt, ok := s.jitter.Pop()
	if !ok {
		return nil, false
	}
	return pkt.Payload, true
}

// SendFrame packetizes one 20ms µ-law frame and transmits it. The sequence
// number advances by 1 and the timestamp by 160 per frame, monotonically for
// the life of the session. marker flags the first frame of a talkspurt.
func (s *Session) SendFrame(payload []byte, marker bool) error {
	s.mu.Lock()
	ssrc := s.ssrc
	if !s.ssrcLearned {
		ssrc = DefaultSSRC
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    media.CodecPCMU.PayloadType,
			SequenceNumber: s.outSeq,
			Timestamp:      s.outTS,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	s.outSeq++
	s.outTS += media.CodecPCMU.TimestampIncrement()
	s.sent++
	s.mu.Unlock()

	if err := s.sender.SendPacket(pkt, s.remote); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// OutboundState reports the next sequence number and timestamp that will be
// stamped on an outbound packet.
func (s *Session) OutboundState() (seq uint16, timestamp uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outSeq, s.outTS
}

// SSRC returns the stream SSRC: learned from the first inbound packet, or
// the default when nothing has arrived yet.
func (s *Session) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ssrcLearned {
		return DefaultSSRC
	}
	return s.ssrc
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	_, lost := s.tracker.Stats()
	lossRate := s.tracker.LossRate()
	received := s.received
	sent := s.sent
	s.mu.Unlock()

	js := s.jitter.Stats()
	return Stats{
		PacketsReceived: received,
		PacketsSent:     sent,
		PacketsLost:     lost,
		JitterDropped:   js.Dropped,
		JitterLate:      js.Late,
		LossRate:        lossRate,
	}
}

package media

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// DefaultJitterCapacity is the reorder window in 20ms frames (~100ms).
const DefaultJitterCapacity = 5

type jitterEntry struct {
	packet  *rtp.Packet
	arrived time.Time
}

// JitterBuffer reorders RTP packets by sequence number and absorbs network
// delay variation. Packets are released strictly in order; a sequence gap is
// waited on until occupancy reaches capacity, then skipped permanently. This
// bounds added latency to capacity frames at the cost of an audible gap,
// which is the right trade for live conversation.
//
// Sequence comparisons use 16-bit wraparound arithmetic: a packet more than
// 32768 behind the cursor is late, not early.
type JitterBuffer struct {
	mu       sync.Mutex
	packets  map[uint16]jitterEntry
	nextSeq  uint16
	started  bool
	released bool
	capacity int

	received uint64
	dropped  uint64
	late     uint64
}

// NewJitterBuffer creates a jitter buffer holding up to capacity frames.
func NewJitterBuffer(capacity int) *JitterBuffer {
	if capacity < 1 {
		capacity = DefaultJitterCapacity
	}
	return &JitterBuffer{
		packets:  make(map[uint16]jitterEntry),
		capacity: capacity,
	}
}

// Push inserts a received packet. Until the first release the cursor follows
// the lowest buffered sequence, so early reordering cannot strand packets.
// After release has begun, packets behind the cursor are discarded and
// counted as late.
func (j *JitterBuffer) Push(pkt *rtp.Packet) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.received++

	seq := pkt.SequenceNumber
	if !j.started {
		j.nextSeq = seq
		j.started = true
	}

	// Forward distance from the cursor; > 32768 means the packet is behind.
	if seq-j.nextSeq > 32768 {
		if !j.released {
			j.nextSeq = seq
		} else {
			j.late++
			return
		}
	}

	j.packets[seq] = jitterEntry{packet: pkt, arrived: time.Now()}

	if len(j.packets) > 2*j.capacity {
		j.trimLocked()
	}
}

// trimLocked evicts entries far outside the current release window.
func (j *JitterBuffer) trimLocked() {
	for seq := range j.packets {
		if seq-j.nextSeq > uint16(2*j.capacity) {
			delete(j.packets, seq)
			j.dropped++
		}
	}
}

// Pop releases the next in-order packet. When the packet at the cursor is
// missing and occupancy has reached capacity, the missing sequence is
// declared lost: the cursor advances past it and release retries so the
// caller still gets the next available frame without stalling.
func (j *JitterBuffer) Pop() (*rtp.Packet, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.started {
		return nil, false
	}

	for {
		if entry, ok := j.packets[j.nextSeq]; ok {
			delete(j.packets, j.nextSeq)
			j.nextSeq++
			j.released = true
			return entry.packet, true
		}

		if len(j.packets) < j.capacity {
			// Gap may still fill in; wait for more packets.
			return nil, false
		}

		// Buffer is full and the head is missing: the packet is gone.
		j.dropped++
		j.nextSeq++
	}
}

// Len returns the current occupancy in packets.
func (j *JitterBuffer) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.packets)
}

// JitterStats is a snapshot of buffer counters.
type JitterStats struct {
	Received uint64 `json:"received"`
	Dropped  uint64 `json:"dropped"`
	Late     uint64 `json:"late"`
}

// Stats returns cumulative counters.
func (j *JitterBuffer) Stats() JitterStats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JitterStats{Received: j.received, Dropped: j.dropped, Late: j.late}
}

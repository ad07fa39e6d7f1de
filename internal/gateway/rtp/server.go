package rtp

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

// minHeaderSize is the fixed RTP header length per RFC 3550; anything
// shorter cannot be a packet.
const minHeaderSize = 12

// Server owns the gateway's single UDP media socket. It binds the first free
// port in a configured range, parses inbound datagrams, and routes each
// packet to the session registered for its source address. The socket and
// the registry are the only mutable state shared between calls; everything
// else is partitioned per session.
type Server struct {
	conn *net.UDPConn
	port int

	mu       sync.RWMutex
	sessions map[string]*Session // source "ip:port" -> session

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	packetsReceived atomic.Uint64
	packetsDropped  atomic.Uint64
}

// NewServer binds a UDP socket on the first available port in
// [portMin, portMax]. Every candidate failing is fatal to gateway startup.
func NewServer(bindAddr string, portMin, portMax int) (*Server, error) {
	ip := net.ParseIP(bindAddr)
	if ip == nil {
		return nil, fmt.Errorf("invalid bind address: %q", bindAddr)
	}
	if portMin <= 0 || portMax < portMin {
		return nil, fmt.Errorf("invalid RTP port range: %d-%d", portMin, portMax)
	}

	var conn *net.UDPConn
	var port int
	var lastErr error
	for p := portMin; p <= portMax; p++ {
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: p})
		if err != nil {
			lastErr = err
			continue
		}
		conn = c
		port = p
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("no RTP port available in %d-%d: %w", portMin, portMax, lastErr)
	}

	slog.Info("[RTPServer] Listening", "addr", bindAddr, "port", port)

	return &Server{
		conn:     conn,
		port:     port,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}, nil
}

// Port returns the bound UDP port.
func (s *Server) Port() int {
	return s.port
}

// Start launches the datagram read loop.
func (s *Server) Start() {
	if s.started.Swap(true) {
		return
	}
	go s.readLoop()
}

func (s *Server) readLoop() {
	defer close(s.done)

	buf := make([]byte, 1500) // MTU-sized buffer
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() {
				return
			}
			slog.Debug("[RTPServer] Read error", "error", err)
			continue
		}

		s.packetsReceived.Add(1)

		if n < minHeaderSize {
			s.packetsDropped.Add(1)
			slog.Debug("[RTPServer] Runt datagram dropped", "from", src.String(), "size", n)
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			// Covers malformed extension and CSRC length fields; drop, never raise.
			s.packetsDropped.Add(1)
			slog.Debug("[RTPServer] Malformed packet dropped", "from", src.String(), "error", err)
			continue
		}

		if pkt.PayloadType != 0 {
			// Only PCMU is negotiated for this gateway.
			s.packetsDropped.Add(1)
			slog.Debug("[RTPServer] Unsupported payload type dropped",
				"from", src.String(), "payload_type", pkt.PayloadType)
			continue
		}

		s.mu.RLock()
		sess, ok := s.sessions[src.String()]
		s.mu.RUnlock()
		if !ok {
			s.packetsDropped.Add(1)
			slog.Debug("[RTPServer] Packet from unknown source dropped", "from", src.String())
			continue
		}

		sess.Receive(pkt)
	}
}

// RegisterSession routes future packets from addr to sess.
func (s *Server) RegisterSession(addr *net.UDPAddr, sess *Session) {
	s.mu.Lock()
	s.sessions[addr.String()] = sess
	s.mu.Unlock()
	slog.Info("[RTPServer] Session registered", "remote", addr.String())
}

// UnregisterSession removes the routing entry for addr.
func (s *Server) UnregisterSession(addr *net.UDPAddr) {
	s.mu.Lock()
	delete(s.sessions, addr.String())
	s.mu.Unlock()
	slog.Info("[RTPServer] Session unregistered", "remote", addr.String())
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SendPacket marshals and transmits a packet to addr. Implements
// PacketSender for the per-call sessions' outbound path.
func (s *Server) SendPacket(pkt *rtp.Packet, addr *net.UDPAddr) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// ServerStats is a snapshot of socket-level counters.
type ServerStats struct {
	PacketsReceived uint64 `json:"packets_received"`
	PacketsDropped  uint64 `json:"packets_dropped"`
}

// Stats returns socket-level counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		PacketsReceived: s.packetsReceived.Load(),
		PacketsDropped:  s.packetsDropped.Load(),
	}
}

// Close shuts the socket and waits for the read loop to exit. Safe to call
// more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.conn.Close()
		if s.started.Load() {
			<-s.done
		}
		slog.Info("[RTPServer] Closed", "port", s.port)
	})
	return nil
}

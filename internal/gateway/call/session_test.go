package call

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	pionrtp "github.com/pion/rtp"

	"github.com/sebas/voicegate/internal/gateway/ai"
	"github.com/sebas/voicegate/internal/gateway/events"
	"github.com/sebas/voicegate/internal/gateway/rtp"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeAIServer is a minimal realtime endpoint for driving session tests.
type fakeAIServer struct {
	server   *httptest.Server
	messages chan map[string]any
	conns    chan *websocket.Conn
}

func newFakeAIServer(t *testing.T) *fakeAIServer {
	t.Helper()
	f := &fakeAIServer{
		messages: make(chan map[string]any, 256),
		conns:    make(chan *websocket.Conn, 1),
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case f.messages <- msg:
			default:
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAIServer) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeAIServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("session never connected to the fake AI server")
		return nil
	}
}

func (f *fakeAIServer) send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("fake server write failed: %v", err)
	}
}

// captureSender records outbound RTP packets.
type captureSender struct {
	mu      sync.Mutex
	packets []*pionrtp.Packet
}

func (c *captureSender) SendPacket(pkt *pionrtp.Packet, addr *net.UDPAddr) error {
	c.mu.Lock()
	c.packets = append(c.packets, pkt)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) snapshot() []*pionrtp.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*pionrtp.Packet, len(c.packets))
	copy(out, c.packets)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func inboundPacket(seq uint16) *pionrtp.Packet {
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0x55
	}
	return &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           777,
		},
		Payload: payload,
	}
}

func newTestSession(t *testing.T, fake *fakeAIServer, timeout time.Duration) (*Session, *captureSender, *events.ChannelPublisher) {
	t.Helper()
	publisher := events.NewChannelPublisher(32)
	sess := NewSession(Config{
		CallID:         "call-test-1",
		Direction:      DirectionInbound,
		AI:             ai.Config{URL: fake.url()},
		SilenceTimeout: timeout,
		Publisher:      publisher,
		Builder:        events.NewBuilder("test-node"),
	})

	sender := &captureSender{}
	remote := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 20), Port: 40002}
	sess.AttachRTP(rtp.NewSession(remote, sender, 5))
	return sess, sender, publisher
}

func TestSessionLifecycle(t *testing.T) {
	fake := newFakeAIServer(t)
	sess, sender, publisher := newTestSession(t, fake, time.Minute)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got := sess.StateMachine().State(); got != StateRinging {
		t.Fatalf("state after Start = %s, want Ringing", got)
	}

	conn := fake.conn(t)
	fake.send(t, conn, map[string]any{"type": "conversation.item.created"})

	waitFor(t, func() bool {
		return sess.StateMachine().Is(StateActive)
	}, "session never went Active")

	// Feed caller audio through the attached RTP session.
	rtpSess := sess.rtpSession()
	for seq := uint16(0); seq < 50; seq++ {
		rtpSess.Receive(inboundPacket(seq))
	}

	// The pump must forward the caller audio to the AI as appends.
	waitFor(t, func() bool {
		for {
			select {
			case msg := <-fake.messages:
				if msg["type"] == "input_audio_buffer.append" {
					return true
				}
			default:
				return false
			}
		}
	}, "no audio append reached the AI server")

	// AI speaks: 100ms of PCM16@24k at constant amplitude 1000.
	pcm := make([]byte, 9600)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0xE8
		pcm[i+1] = 0x03
	}
	fake.send(t, conn, map[string]any{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString(pcm),
	})

	// Expect real (non-silence) mu-law frames on the wire.
	waitFor(t, func() bool {
		for _, pkt := range sender.snapshot() {
			if len(pkt.Payload) == 160 && pkt.Payload[0] != 0xFF {
				return true
			}
		}
		return false
	}, "AI audio never reached the RTP sender")

	if err := sess.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	summary := sess.GetStateSummary()
	if summary.State != StateCompleted.String() {
		t.Errorf("final state = %s, want Completed", summary.State)
	}
	if !summary.CleanupCalled {
		t.Error("cleanup_called should be true after Stop")
	}
	if summary.RTPStats.PacketsReceived != 50 {
		t.Errorf("packets_received = %d, want 50", summary.RTPStats.PacketsReceived)
	}

	// A call-ended event must have been published.
	waitFor(t, func() bool {
		select {
		case ev := <-publisher.Events():
			return ev.Type() == events.CallEnded
		default:
			return false
		}
	}, "no call.ended event published")
}

func TestSessionFirstFrameCarriesMarker(t *testing.T) {
	fake := newFakeAIServer(t)
	sess, sender, _ := newTestSession(t, fake, time.Minute)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Stop()
	conn := fake.conn(t)

	// AI audio arrives while the call is still Ringing, so no silence fill
	// precedes it. The first packet of the first talkspurt must still carry
	// the marker bit.
	pcm := make([]byte, 9600)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0xE8
		pcm[i+1] = 0x03
	}
	fake.send(t, conn, map[string]any{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString(pcm),
	})

	waitFor(t, func() bool {
		return len(sender.snapshot()) > 0
	}, "no frame reached the RTP sender")

	first := sender.snapshot()[0]
	if first.Payload[0] == 0xFF {
		t.Fatalf("first transmitted frame is silence, want AI audio")
	}
	if !first.Marker {
		t.Error("first frame of the call should carry the marker bit")
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	fake := newFakeAIServer(t)
	sess, _, _ := newTestSession(t, fake, time.Minute)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := sess.Stop(); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
	if err := sess.Stop(); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
	if got := sess.StateMachine().State(); got != StateCompleted {
		t.Errorf("state = %s, want Completed", got)
	}
}

func TestSessionSummaryDuringStart(t *testing.T) {
	fake := newFakeAIServer(t)
	sess, _, _ := newTestSession(t, fake, time.Minute)

	// The controller may poll status while Start is still connecting.
	done := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-done:
				return
			default:
				_ = sess.GetStateSummary()
			}
		}
	}()

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(done)
	<-polled
	defer sess.Stop()

	summary := sess.GetStateSummary()
	if !summary.Running {
		t.Error("summary.Running should be true after Start")
	}
	if summary.DurationMS < 0 {
		t.Errorf("DurationMS = %d, want >= 0", summary.DurationMS)
	}
}

func TestSessionConnectFailure(t *testing.T) {
	sess := NewSession(Config{
		CallID: "call-test-2",
		AI:     ai.Config{URL: "ws://127.0.0.1:1/realtime"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Start(ctx); err == nil {
		t.Fatal("Start() against a dead endpoint should fail")
	}

	if got := sess.StateMachine().State(); got != StateFailed {
		t.Errorf("state = %s, want Failed", got)
	}
	reason, _, set := sess.StateMachine().HangupInfo()
	if !set || reason != HangupFailedToConnect {
		t.Errorf("hangup reason = (%s, %v), want failed_to_connect", reason, set)
	}
}

func TestSessionAIDisconnectEndsCall(t *testing.T) {
	fake := newFakeAIServer(t)
	sess, _, _ := newTestSession(t, fake, time.Minute)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := fake.conn(t)
	_ = conn.Close()

	waitFor(t, func() bool {
		return sess.StateMachine().CleanupCalled()
	}, "session never cleaned up after AI disconnect")

	reason, owner, _ := sess.StateMachine().HangupInfo()
	if reason != HangupNetworkFailure {
		t.Errorf("hangup reason = %s, want network_failure", reason)
	}
	if owner != "audio_loop" {
		t.Errorf("hangup owner = %s, want audio_loop", owner)
	}
}

func TestSessionSilenceWatchdog(t *testing.T) {
	fake := newFakeAIServer(t)
	sess, _, _ := newTestSession(t, fake, 100*time.Millisecond)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := fake.conn(t)
	fake.send(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})

	waitFor(t, func() bool {
		return sess.StateMachine().CleanupCalled()
	}, "watchdog never fired")

	reason, owner, _ := sess.StateMachine().HangupInfo()
	if reason != HangupSilenceTimeout {
		t.Errorf("hangup reason = %s, want silence_timeout", reason)
	}
	if owner != "watchdog" {
		t.Errorf("hangup owner = %s, want watchdog", owner)
	}
}

func TestSessionBargeInFlushesQueuedAudio(t *testing.T) {
	fake := newFakeAIServer(t)
	sess, sender, _ := newTestSession(t, fake, time.Minute)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sess.Stop()
	conn := fake.conn(t)

	fake.send(t, conn, map[string]any{"type": "conversation.item.created"})
	waitFor(t, func() bool { return sess.StateMachine().Is(StateActive) }, "never Active")

	// Queue a second of AI audio (50 frames at amplitude 1000), then barge
	// in immediately. The flushed backlog must never fully drain onto the
	// wire at one frame per tick.
	pcm := make([]byte, 96000)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0xE8
		pcm[i+1] = 0x03
	}
	fake.send(t, conn, map[string]any{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString(pcm),
	})
	fake.send(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})

	time.Sleep(600 * time.Millisecond)

	real := 0
	for _, pkt := range sender.snapshot() {
		if len(pkt.Payload) == 160 && pkt.Payload[0] != 0xFF {
			real++
		}
	}
	// Without the flush roughly 30 of the 50 queued frames would have been
	// transmitted by now.
	if real > 20 {
		t.Errorf("sent %d AI frames after barge-in, backlog was not flushed", real)
	}
}

package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/voicegate/internal/gateway/ai"
	"github.com/sebas/voicegate/internal/gateway/events"
	"github.com/sebas/voicegate/internal/gateway/media"
	"github.com/sebas/voicegate/internal/gateway/rtp"
)

// Direction indicates who originated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DefaultSilenceTimeout hangs up calls that stay audio-free this long.
const DefaultSilenceTimeout = 20 * time.Second

// Config holds everything a session needs besides its RTP endpoint, which
// is attached separately once the controller learns the caller's address.
type Config struct {
	CallID    string
	TenantID  string
	Direction Direction
	Metadata  map[string]string

	AI             ai.Config
	SilenceTimeout time.Duration

	Publisher events.Publisher
	Builder   *events.Builder

	// OnCleanup runs exactly once during Stop with the attached RTP
	// session (nil if none was attached). The service uses it to
	// unregister the session from the shared server socket.
	OnCleanup func(rs *rtp.Session)
}

// Session orchestrates one call: it owns the RTP session and the AI
// WebSocket connection and runs the bidirectional audio pump between them.
type Session struct {
	cfg Config
	sm  *StateMachine

	mu       sync.Mutex
	rtpSess  *rtp.Session
	aiClient *ai.Client

	frameBuf *media.FrameBuffer

	ctx         context.Context
	cancel      context.CancelFunc
	pumpStarted bool
	pumpDone    chan struct{}

	running       atomic.Bool
	startedAt     time.Time
	lastAudioNano atomic.Int64

	// outSilent tracks whether the outbound stream is currently in a
	// silence fill; the next real frame starts a talkspurt (marker bit).
	// Starts true so the first frame of the call carries the marker.
	// Touched only by the pump goroutine.
	outSilent bool
}

// NewSession creates a session in StateInitiated.
func NewSession(cfg Config) *Session {
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NewNoopPublisher()
	}
	if cfg.Builder == nil {
		cfg.Builder = events.NewBuilder("")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:       cfg,
		sm:        NewStateMachine(cfg.CallID),
		frameBuf:  media.NewFrameBuffer(media.CodecPCMU.BytesPerFrame()),
		ctx:       ctx,
		cancel:    cancel,
		pumpDone:  make(chan struct{}),
		outSilent: true,
	}
}

// CallID returns the call identifier.
func (s *Session) CallID() string { return s.cfg.CallID }

// StateMachine exposes the lifecycle for the service's status reporting.
func (s *Session) StateMachine() *StateMachine { return s.sm }

// AttachRTP binds the call's RTP session. Called by the service once the
// controller has learned the caller's RTP endpoint; may happen before or
// after Start.
func (s *Session) AttachRTP(rs *rtp.Session) {
	s.mu.Lock()
	s.rtpSess = rs
	s.mu.Unlock()
	slog.Info("[CallSession] RTP session attached",
		"call_id", s.cfg.CallID, "remote", rs.RemoteAddr().String())
}

func (s *Session) rtpSession() *rtp.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtpSess
}

// startTime returns when Start connected the call, zero if it never did.
func (s *Session) startTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Start transitions Initiated -> Ringing, connects to the AI endpoint,
// configures the session, and launches the audio pump. A connection
// failure leaves the call in StateFailed with reason failed_to_connect;
// there is no retry within a call.
func (s *Session) Start(ctx context.Context) error {
	if !s.sm.TransitionTo(StateRinging, "start") {
		return fmt.Errorf("call %s cannot start from state %s", s.cfg.CallID, s.sm.State())
	}

	client, err := ai.Dial(ctx, s.cfg.AI)
	if err != nil {
		s.failToConnect(err)
		return fmt.Errorf("connect AI endpoint: %w", err)
	}

	if err := client.SendSessionUpdate(s.cfg.AI); err != nil {
		_ = client.Close()
		s.failToConnect(err)
		return fmt.Errorf("configure AI session: %w", err)
	}

	now := time.Now()
	s.mu.Lock()
	s.aiClient = client
	s.pumpStarted = true
	s.startedAt = now
	s.mu.Unlock()

	s.lastAudioNano.Store(now.UnixNano())
	s.running.Store(true)

	go func() {
		err := s.run(client)
		close(s.pumpDone)
		if err != nil {
			slog.Warn("[CallSession] Audio loop ended with error",
				"call_id", s.cfg.CallID, "error", err)
			// First recorded reason wins; this is a no-op if the loop
			// already classified the failure.
			s.sm.MarkHangup(HangupSystemError, "audio_loop", false)
		}
		if s.ctx.Err() == nil {
			_ = s.Stop()
		}
	}()

	slog.Info("[CallSession] Started",
		"call_id", s.cfg.CallID, "tenant_id", s.cfg.TenantID, "direction", string(s.cfg.Direction))
	return nil
}

func (s *Session) failToConnect(err error) {
	slog.Error("[CallSession] AI connection failed", "call_id", s.cfg.CallID, "error", err)
	s.sm.MarkHangup(HangupFailedToConnect, "system", false)
	s.sm.TransitionTo(StateFailed, "failed_to_connect")
}

// run is the bidirectional audio pump. Each 20ms tick it drains the jitter
// buffer toward the AI and emits one frame toward the caller; AI events are
// handled as they arrive. Per-frame failures drop that frame and continue,
// stream-level failures end the loop.
func (s *Session) run(client *ai.Client) error {
	ticker := time.NewTicker(media.CodecPCMU.SampleDur)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil

		case ev, ok := <-client.Events():
			if !ok {
				if s.ctx.Err() != nil {
					return nil
				}
				s.sm.MarkHangup(HangupNetworkFailure, "audio_loop", false)
				if err := client.Err(); err != nil {
					return fmt.Errorf("ai stream closed: %w", err)
				}
				return fmt.Errorf("ai stream closed")
			}
			s.handleAIEvent(ev)

		case <-ticker.C:
			s.pumpInbound(client)
			s.pumpOutbound()
			if s.silenceExpired() {
				s.sm.TransitionTo(StateSilent, "silence_timeout")
				s.sm.MarkHangup(HangupSilenceTimeout, "watchdog", false)
				return fmt.Errorf("silence timeout after %s", s.cfg.SilenceTimeout)
			}
		}
	}
}

func (s *Session) handleAIEvent(ev ai.Event) {
	switch e := ev.(type) {
	case ai.AudioDeltaEvent:
		s.lastAudioNano.Store(time.Now().UnixNano())
		pcmu, err := media.PCM24kToULaw(e.PCM)
		if err != nil {
			// Codec failure drops exactly this delta; the call continues.
			slog.Warn("[CallSession] Dropping AI audio delta",
				"call_id", s.cfg.CallID, "stage", "pcm24k_to_ulaw", "error", err)
			return
		}
		s.frameBuf.Append(pcmu)

	case ai.ConversationStartedEvent:
		if e.Trigger == "input_audio_buffer.speech_started" {
			// Caller barged in: flush queued AI audio so the new utterance
			// is not played behind the stale one.
			s.frameBuf.Reset()
		}
		if s.sm.Is(StateRinging) && s.sm.TransitionTo(StateActive, e.Trigger) {
			s.cfg.Publisher.PublishAsync(
				s.cfg.Builder.CallAnswered(s.cfg.CallID, time.Since(s.startTime())))
			slog.Info("[CallSession] Conversation active",
				"call_id", s.cfg.CallID, "trigger", e.Trigger)
		}

	case ai.ResponseDoneEvent:
		slog.Debug("[CallSession] AI response complete", "call_id", s.cfg.CallID)

	case ai.ErrorEvent:
		slog.Warn("[CallSession] AI reported error",
			"call_id", s.cfg.CallID, "code", e.Code, "message", e.Message)
	}
}

// pumpInbound forwards whatever the jitter buffer yields to the AI. This
// direction never waits for a cadence; lost packets were already skipped by
// the buffer.
func (s *Session) pumpInbound(client *ai.Client) {
	rs := s.rtpSession()
	if rs == nil {
		return
	}

	for {
		payload, ok := rs.NextPayload()
		if !ok {
			return
		}

		s.lastAudioNano.Store(time.Now().UnixNano())

		if err := media.ValidateFrameSize(payload, media.CodecPCMU.BytesPerFrame(), "inbound ulaw"); err != nil {
			continue
		}

		pcm, err := media.ULawToPCM24k(payload)
		if err != nil {
			slog.Warn("[CallSession] Dropping inbound frame",
				"call_id", s.cfg.CallID, "stage", "ulaw_to_pcm24k", "error", err)
			continue
		}

		if err := client.AppendAudio(pcm); err != nil {
			// The reader goroutine will observe the dead connection and end
			// the loop; no need to escalate from here.
			slog.Debug("[CallSession] Audio append failed",
				"call_id", s.cfg.CallID, "error", err)
			return
		}
	}
}

// pumpOutbound transmits one 20ms frame per tick: AI audio when the frame
// buffer has a complete frame, synthesized silence while the call is
// active and none is ready. The marker bit flags the first frame after a
// silence fill (talkspurt start).
func (s *Session) pumpOutbound() {
	rs := s.rtpSession()
	if rs == nil {
		return
	}

	frame, ok := s.frameBuf.NextFrame()
	if !ok {
		if !s.sm.Is(StateActive) {
			return
		}
		frame = media.SilenceFrame(media.CodecPCMU)
		if err := rs.SendFrame(frame, false); err != nil {
			slog.Debug("[CallSession] Silence frame send failed",
				"call_id", s.cfg.CallID, "error", err)
		}
		s.outSilent = true
		return
	}

	if err := media.ValidateFrameSize(frame, media.CodecPCMU.BytesPerFrame(), "outbound ulaw"); err != nil {
		return
	}

	marker := s.outSilent
	s.outSilent = false
	if err := rs.SendFrame(frame, marker); err != nil {
		slog.Warn("[CallSession] Frame send failed", "call_id", s.cfg.CallID, "error", err)
	}
}

func (s *Session) silenceExpired() bool {
	if !s.sm.Is(StateActive) {
		return false
	}
	last := time.Unix(0, s.lastAudioNano.Load())
	return time.Since(last) > s.cfg.SilenceTimeout
}

// Stop tears the call down: it latches the cleanup gate, cancels the pump
// and waits for it, closes the AI connection, releases the RTP binding,
// and transitions to Completed. Safe to call multiple times and from any
// error path; only the first call does the work.
func (s *Session) Stop() error {
	if !s.sm.RequestCleanup() {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	started := s.pumpStarted
	client := s.aiClient
	s.mu.Unlock()

	if started {
		<-s.pumpDone
	}
	if client != nil {
		_ = client.Close()
	}
	if s.cfg.OnCleanup != nil {
		s.cfg.OnCleanup(s.rtpSession())
	}

	s.running.Store(false)
	s.sm.TransitionTo(StateCompleted, "cleanup")

	s.publishEnded()

	slog.Info("[CallSession] Stopped", "call_id", s.cfg.CallID,
		"state", s.sm.State().String())
	return nil
}

func (s *Session) publishEnded() {
	reason, owner, _ := s.sm.HangupInfo()

	var stats rtp.Stats
	if rs := s.rtpSession(); rs != nil {
		stats = rs.Stats()
	}

	var duration time.Duration
	if started := s.startTime(); !started.IsZero() {
		duration = time.Since(started)
	}

	history := s.sm.History()
	changes := make([]events.StateChange, 0, len(history))
	for _, t := range history {
		changes = append(changes, events.StateChange{
			From:   t.From.String(),
			To:     t.To.String(),
			Reason: t.Reason,
			At:     t.At,
		})
	}

	s.cfg.Publisher.PublishAsync(s.cfg.Builder.CallEnded(
		s.cfg.CallID,
		s.sm.State().String(),
		string(reason),
		owner,
		duration,
		events.StreamStats{
			PacketsReceived: stats.PacketsReceived,
			PacketsSent:     stats.PacketsSent,
			PacketsLost:     stats.PacketsLost,
			JitterDropped:   stats.JitterDropped,
			LossRate:        stats.LossRate,
		},
		changes,
	))
}

// Summary is the state snapshot exposed to the controller. The gateway
// never persists it.
type Summary struct {
	CallID        string    `json:"call_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	Direction     Direction `json:"direction"`
	State         string    `json:"state"`
	HangupReason  string    `json:"hangup_reason,omitempty"`
	HangupOwner   string    `json:"hangup_owner,omitempty"`
	CleanupCalled bool      `json:"cleanup_called"`
	Running       bool      `json:"running"`
	AIConnected   bool      `json:"ai_connected"`
	RTPAttached   bool      `json:"rtp_attached"`
	RTPRemote     string    `json:"rtp_remote,omitempty"`
	RTPStats      rtp.Stats `json:"rtp_stats"`
	DurationMS    int64     `json:"duration_ms"`
}

// GetStateSummary returns the call's current status for polling or logging.
func (s *Session) GetStateSummary() Summary {
	reason, owner, _ := s.sm.HangupInfo()

	summary := Summary{
		CallID:        s.cfg.CallID,
		TenantID:      s.cfg.TenantID,
		Direction:     s.cfg.Direction,
		State:         s.sm.State().String(),
		HangupReason:  string(reason),
		HangupOwner:   owner,
		CleanupCalled: s.sm.CleanupCalled(),
		Running:       s.running.Load(),
	}

	s.mu.Lock()
	summary.AIConnected = s.aiClient != nil && s.running.Load()
	if s.rtpSess != nil {
		summary.RTPAttached = true
		summary.RTPRemote = s.rtpSess.RemoteAddr().String()
		summary.RTPStats = s.rtpSess.Stats()
	}
	started := s.startedAt
	s.mu.Unlock()

	if !started.IsZero() {
		summary.DurationMS = time.Since(started).Milliseconds()
	}
	return summary
}

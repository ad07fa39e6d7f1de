// Package service wires the media gateway together: one shared RTP server
// socket, a registry of call sessions keyed by call ID, and the event
// publisher the sessions report through.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/voicegate/internal/gateway/ai"
	"github.com/sebas/voicegate/internal/gateway/call"
	"github.com/sebas/voicegate/internal/gateway/events"
	"github.com/sebas/voicegate/internal/gateway/media"
	"github.com/sebas/voicegate/internal/gateway/rtp"
	"github.com/sebas/voicegate/internal/gateway/sdp"
)

var (
	// ErrSessionExists is returned when a call ID is already registered.
	ErrSessionExists = errors.New("call session already exists")
	// ErrSessionNotFound is returned for operations on unknown call IDs.
	ErrSessionNotFound = errors.New("call session not found")
)

// Config carries the per-deployment settings the service needs.
type Config struct {
	// AdvertiseAddr is the address written into SDP answers. It may differ
	// from the bind address behind NAT.
	AdvertiseAddr string

	AI             ai.Config
	JitterCapacity int
	SilenceTimeout time.Duration
	NodeID         string
}

// StartRequest describes a new call session. The RTP endpoint is not part
// of it; the controller reports that separately once it knows the caller's
// media address.
type StartRequest struct {
	CallID    string
	TenantID  string
	Direction call.Direction
	Metadata  map[string]string
}

// Service is the top-level media gateway: it owns the RTP server and the
// call session registry.
type Service struct {
	cfg       Config
	rtpServer *rtp.Server
	publisher events.Publisher
	builder   *events.Builder

	mu       sync.RWMutex
	sessions map[string]*call.Session
}

// New creates the service around an already-bound RTP server. The caller
// starts and stops the server through the service.
func New(cfg Config, rtpServer *rtp.Server, publisher events.Publisher) *Service {
	if cfg.JitterCapacity <= 0 {
		cfg.JitterCapacity = media.DefaultJitterCapacity
	}
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Service{
		cfg:       cfg,
		rtpServer: rtpServer,
		publisher: publisher,
		builder:   events.NewBuilder(cfg.NodeID),
		sessions:  make(map[string]*call.Session),
	}
}

// Start begins serving RTP.
func (s *Service) Start() {
	s.rtpServer.Start()
	slog.Info("[Gateway] Service started",
		"rtp_port", s.rtpServer.Port(), "advertise_addr", s.cfg.AdvertiseAddr)
}

// StartCallSession creates and starts a session for the given call. The
// call ID must be new; reusing an ID is a controller bug and is rejected.
func (s *Service) StartCallSession(ctx context.Context, req StartRequest) error {
	if req.CallID == "" {
		return fmt.Errorf("call ID is required")
	}
	if req.Direction == "" {
		req.Direction = call.DirectionInbound
	}

	sess := call.NewSession(call.Config{
		CallID:         req.CallID,
		TenantID:       req.TenantID,
		Direction:      req.Direction,
		Metadata:       req.Metadata,
		AI:             s.cfg.AI,
		SilenceTimeout: s.cfg.SilenceTimeout,
		Publisher:      s.publisher,
		Builder:        s.builder,
		OnCleanup: func(rs *rtp.Session) {
			if rs != nil {
				s.rtpServer.UnregisterSession(rs.RemoteAddr())
			}
		},
	})

	s.mu.Lock()
	if _, exists := s.sessions[req.CallID]; exists {
		s.mu.Unlock()
		slog.Warn("[Gateway] Duplicate call session rejected", "call_id", req.CallID)
		return fmt.Errorf("%w: %s", ErrSessionExists, req.CallID)
	}
	s.sessions[req.CallID] = sess
	s.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.sessions, req.CallID)
		s.mu.Unlock()
		return fmt.Errorf("start call %s: %w", req.CallID, err)
	}

	s.publisher.PublishAsync(s.builder.CallStarted(
		req.CallID, events.Direction(req.Direction), s.rtpServer.Port()))

	slog.Info("[Gateway] Call session started",
		"call_id", req.CallID, "tenant_id", req.TenantID, "active_calls", s.sessionCount())
	return nil
}

// SetRemoteEndpoint binds the caller's RTP address to the call and returns
// the SDP answer advertising the gateway's endpoint. Called once per call
// when the controller learns the caller's media address.
func (s *Service) SetRemoteEndpoint(callID string, remote *net.UDPAddr) ([]byte, error) {
	s.mu.RLock()
	sess, ok := s.sessions[callID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, callID)
	}

	rtpSess := rtp.NewSession(remote, s.rtpServer, s.cfg.JitterCapacity)
	s.rtpServer.RegisterSession(remote, rtpSess)
	sess.AttachRTP(rtpSess)

	answer, err := sdp.BuildAnswer(s.cfg.AdvertiseAddr, s.rtpServer.Port())
	if err != nil {
		s.rtpServer.UnregisterSession(remote)
		return nil, fmt.Errorf("build SDP answer for %s: %w", callID, err)
	}

	slog.Info("[Gateway] Remote RTP endpoint set",
		"call_id", callID, "remote", remote.String())
	return answer, nil
}

// EndCallSession stops the call and removes it from the registry. Ending
// an unknown call is logged and reported, but the registry is unchanged;
// hangup races with cleanup are normal, not errors worth crashing over.
func (s *Service) EndCallSession(callID string, reason call.HangupReason, owner string) error {
	s.mu.Lock()
	sess, ok := s.sessions[callID]
	if ok {
		delete(s.sessions, callID)
	}
	s.mu.Unlock()

	if !ok {
		slog.Warn("[Gateway] End requested for unknown call", "call_id", callID)
		return fmt.Errorf("%w: %s", ErrSessionNotFound, callID)
	}

	sess.StateMachine().MarkHangup(reason, owner, false)
	if err := sess.Stop(); err != nil {
		return fmt.Errorf("stop call %s: %w", callID, err)
	}

	slog.Info("[Gateway] Call session ended",
		"call_id", callID, "reason", string(reason), "active_calls", s.sessionCount())
	return nil
}

// GetStateSummary returns the status snapshot for one call.
func (s *Service) GetStateSummary(callID string) (call.Summary, error) {
	s.mu.RLock()
	sess, ok := s.sessions[callID]
	s.mu.RUnlock()
	if !ok {
		return call.Summary{}, fmt.Errorf("%w: %s", ErrSessionNotFound, callID)
	}
	return sess.GetStateSummary(), nil
}

// StateSummaries returns snapshots for every registered call.
func (s *Service) StateSummaries() []call.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]call.Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.GetStateSummary())
	}
	return out
}

// RTPStats exposes the shared server socket's counters.
func (s *Service) RTPStats() rtp.ServerStats {
	return s.rtpServer.Stats()
}

func (s *Service) sessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SessionCount returns the number of live call sessions.
func (s *Service) SessionCount() int {
	return s.sessionCount()
}

// Stop ends every call concurrently, then closes the RTP server and the
// publisher. Used on shutdown; individual call errors are collected, not
// short-circuited.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*call.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*call.Session)
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			sess.StateMachine().MarkHangup(call.HangupSystemError, "shutdown", false)
			return sess.Stop()
		})
	}
	err := g.Wait()

	if cerr := s.rtpServer.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if perr := s.publisher.Close(); perr != nil && err == nil {
		err = perr
	}

	slog.Info("[Gateway] Service stopped", "calls_ended", len(sessions))
	return err
}

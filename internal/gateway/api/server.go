// Package api exposes the gateway's HTTP control surface. The call
// controller drives the gateway through it: create a call, report the
// caller's RTP endpoint, end the call, poll status.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sebas/voicegate/internal/gateway/call"
	"github.com/sebas/voicegate/internal/gateway/sdp"
	"github.com/sebas/voicegate/internal/gateway/service"
)

// Server provides the HTTP control API for the media gateway
type Server struct {
	addr       string
	httpServer *http.Server
	gateway    *service.Service
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(addr string, gateway *service.Service) *Server {
	s := &Server{
		addr:      addr,
		gateway:   gateway,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	mux.HandleFunc("/api/v1/calls", s.handleCalls)
	mux.HandleFunc("/api/v1/calls/", s.handleCallByID)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Handler returns the route mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime).Seconds()
	response := map[string]interface{}{
		"status": "ok",
		"uptime": int64(uptime),
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	rtpStats := s.gateway.RTPStats()
	response := map[string]interface{}{
		"active_calls":         s.gateway.SessionCount(),
		"rtp_packets_received": rtpStats.PacketsReceived,
		"rtp_packets_dropped":  rtpStats.PacketsDropped,
	}
	s.writeJSON(w, http.StatusOK, response)
}

// --- Calls ---

type startCallRequest struct {
	CallID    string            `json:"call_id"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Direction string            `json:"direction,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type endpointRequest struct {
	// SDP carries the caller's offer; when present it wins over Addr/Port.
	SDP  string `json:"sdp,omitempty"`
	Addr string `json:"addr,omitempty"`
	Port int    `json:"port,omitempty"`
}

type endCallRequest struct {
	Reason string `json:"reason,omitempty"`
	Owner  string `json:"owner,omitempty"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.gateway.StateSummaries())

	case http.MethodPost:
		var req startCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.CallID == "" {
			s.writeError(w, http.StatusBadRequest, "call_id is required")
			return
		}

		err := s.gateway.StartCallSession(r.Context(), service.StartRequest{
			CallID:    req.CallID,
			TenantID:  req.TenantID,
			Direction: call.Direction(req.Direction),
			Metadata:  req.Metadata,
		})
		if err != nil {
			if errors.Is(err, service.ErrSessionExists) {
				s.writeError(w, http.StatusConflict, err.Error())
				return
			}
			s.writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]string{"call_id": req.CallID, "status": "started"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCallByID routes /api/v1/calls/{id} and /api/v1/calls/{id}/endpoint
func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/calls/")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "call ID required")
		return
	}

	callID, rest, _ := strings.Cut(path, "/")

	switch {
	case rest == "endpoint" && r.Method == http.MethodPost:
		s.handleSetEndpoint(w, r, callID)
	case rest == "" && r.Method == http.MethodGet:
		s.handleGetCall(w, callID)
	case rest == "" && r.Method == http.MethodDelete:
		s.handleEndCall(w, r, callID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSetEndpoint(w http.ResponseWriter, r *http.Request, callID string) {
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var remote *net.UDPAddr
	if req.SDP != "" {
		addr, err := sdp.ExtractRTPEndpoint([]byte(req.SDP))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		remote = addr
	} else {
		ip := net.ParseIP(req.Addr)
		if ip == nil || req.Port <= 0 || req.Port > 65535 {
			s.writeError(w, http.StatusBadRequest, "valid addr and port (or sdp) required")
			return
		}
		remote = &net.UDPAddr{IP: ip, Port: req.Port}
	}

	answer, err := s.gateway.SetRemoteEndpoint(callID, remote)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"call_id": callID,
		"sdp":     string(answer),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, callID string) {
	summary, err := s.gateway.GetStateSummary(callID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request, callID string) {
	var req endCallRequest
	// Body is optional on DELETE.
	_ = json.NewDecoder(r.Body).Decode(&req)

	reason := call.HangupReason(req.Reason)
	if reason == "" {
		reason = call.HangupUserHangup
	}
	owner := req.Owner
	if owner == "" {
		owner = "controller"
	}

	if err := s.gateway.EndCallSession(callID, reason, owner); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"call_id": callID, "status": "ended"})
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

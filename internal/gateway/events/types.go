// Package events provides call lifecycle event definitions and publishing
// infrastructure. Events feed the external controller and observability
// layers over NATS JetStream; persistence is entirely their job. The
// package is transport-agnostic and self-contained so every part of the
// gateway can publish without coupling.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the type of call event
type EventType string

const (
	// CallStarted fires when a call session is registered and its AI
	// connection established.
	CallStarted EventType = "call.started"
	// CallAnswered fires on the Ringing -> Active transition.
	CallAnswered EventType = "call.answered"
	// CallEnded fires when a call terminates, for any reason.
	CallEnded EventType = "call.ended"
)

// Direction indicates call direction
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Event is the base interface for all call events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the NATS subject this event should publish to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// CallID returns the primary correlation ID
	CallID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	// EventID is a unique identifier for this event instance (for deduplication)
	EventID string `json:"event_id"`
	// EventType identifies the event
	EventType EventType `json:"event_type"`
	// EventTime is when the event occurred (RFC3339Nano)
	EventTime time.Time `json:"event_time"`
	// CallUUID is the gateway's call identifier
	CallUUID string `json:"call_uuid"`
	// TenantID for multi-tenant isolation
	TenantID string `json:"tenant_id,omitempty"`
	// NodeID identifies the gateway instance
	NodeID string `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.CallUUID }

// Subject returns the NATS subject for routing.
// Format: voicegate.calls.<call_uuid>.<event_type_suffix>
func (e *BaseEvent) Subject() string {
	suffix := string(e.EventType)[5:] // strip "call." prefix
	return "voicegate.calls." + e.CallUUID + "." + suffix
}

// StreamStats captures RTP stream counters for the post-call record.
type StreamStats struct {
	PacketsReceived uint64  `json:"packets_received"`
	PacketsSent     uint64  `json:"packets_sent"`
	PacketsLost     uint64  `json:"packets_lost"`
	JitterDropped   uint64  `json:"jitter_dropped"`
	LossRate        float64 `json:"loss_rate"`
}

// StateChange is one lifecycle transition in the call's history.
type StateChange struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// CallStartedEvent records a new call session.
type CallStartedEvent struct {
	BaseEvent
	Direction Direction `json:"direction"`
	RTPPort   int       `json:"rtp_port"`
}

// CallAnsweredEvent records the conversation going live.
type CallAnsweredEvent struct {
	BaseEvent
	RingDurationMS int64 `json:"ring_duration_ms"`
}

// CallEndedEvent is the post-call record: final state, hangup bookkeeping,
// stream statistics, and the full transition history for diagnostics.
type CallEndedEvent struct {
	BaseEvent
	FinalState   string        `json:"final_state"`
	HangupReason string        `json:"hangup_reason,omitempty"`
	HangupOwner  string        `json:"hangup_owner,omitempty"`
	DurationMS   int64         `json:"duration_ms"`
	RTPStats     StreamStats   `json:"rtp_stats"`
	History      []StateChange `json:"history,omitempty"`
}

// Builder constructs events with consistent defaults.
type Builder struct {
	nodeID   string
	tenantID string
}

// NewBuilder creates an event builder for this gateway instance.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID}
}

// WithTenant sets the default tenant ID for all events.
func (b *Builder) WithTenant(tenantID string) *Builder {
	b.tenantID = tenantID
	return b
}

func (b *Builder) newBase(eventType EventType, callUUID string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		EventTime: time.Now().UTC(),
		CallUUID:  callUUID,
		TenantID:  b.tenantID,
		NodeID:    b.nodeID,
	}
}

// CallStarted builds a CallStartedEvent.
func (b *Builder) CallStarted(callUUID string, direction Direction, rtpPort int) *CallStartedEvent {
	return &CallStartedEvent{
		BaseEvent: b.newBase(CallStarted, callUUID),
		Direction: direction,
		RTPPort:   rtpPort,
	}
}

// CallAnswered builds a CallAnsweredEvent.
func (b *Builder) CallAnswered(callUUID string, ringDuration time.Duration) *CallAnsweredEvent {
	return &CallAnsweredEvent{
		BaseEvent:      b.newBase(CallAnswered, callUUID),
		RingDurationMS: ringDuration.Milliseconds(),
	}
}

// CallEnded builds a CallEndedEvent.
func (b *Builder) CallEnded(callUUID, finalState, reason, owner string,
	duration time.Duration, stats StreamStats, history []StateChange) *CallEndedEvent {
	return &CallEndedEvent{
		BaseEvent:    b.newBase(CallEnded, callUUID),
		FinalState:   finalState,
		HangupReason: reason,
		HangupOwner:  owner,
		DurationMS:   duration.Milliseconds(),
		RTPStats:     stats,
		History:      history,
	}
}

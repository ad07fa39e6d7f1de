// Package call implements the per-call lifecycle: the explicit state
// machine with hangup bookkeeping, and the session orchestrating one RTP
// endpoint against one AI WebSocket connection.
package call

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the lifecycle phase of a call.
type State int

const (
	// StateInitiated indicates the session exists but no media is flowing.
	StateInitiated State = iota
	// StateRinging indicates the AI connection is being established.
	StateRinging
	// StateActive indicates bidirectional audio is flowing.
	StateActive
	// StateSilent indicates the call is active but no audio has been heard
	// for long enough to matter.
	StateSilent
	// StateHungup indicates a hangup reason was recorded and the call ended.
	StateHungup
	// StateFailed indicates the call ended due to an error.
	StateFailed
	// StateCompleted indicates the call finished and cleanup ran.
	StateCompleted
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateInitiated:
		return "Initiated"
	case StateRinging:
		return "Ringing"
	case StateActive:
		return "Active"
	case StateSilent:
		return "Silent"
	case StateHungup:
		return "Hungup"
	case StateFailed:
		return "Failed"
	case StateCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true for states no transition may leave.
func (s State) IsTerminal() bool {
	return s == StateHungup || s == StateFailed || s == StateCompleted
}

// HangupReason classifies why a call ended.
type HangupReason string

const (
	HangupAiComplete        HangupReason = "ai_complete"
	HangupSilenceTimeout    HangupReason = "silence_timeout"
	HangupVoicemailDetected HangupReason = "voicemail_detected"
	HangupUserHangup        HangupReason = "user_hangup"
	HangupSystemError       HangupReason = "system_error"
	HangupNetworkFailure    HangupReason = "network_failure"
	HangupTimeout           HangupReason = "timeout"
	HangupFailedToConnect   HangupReason = "failed_to_connect"
)

// forwardTransitions lists the allowed non-terminal transitions. Terminal
// states are reachable from anywhere and handled separately.
var forwardTransitions = map[State][]State{
	StateInitiated: {StateRinging, StateActive},
	StateRinging:   {StateActive},
	StateActive:    {StateSilent},
	StateSilent:    {},
}

// Transition is one entry in the call's diagnostic history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// StateMachine tracks one call's lifecycle. Transitions are forward-only
// except into the terminal states, which are always allowed. The hangup
// reason is recorded once, and cleanup latches so resource release runs
// exactly once no matter how many paths race to end the call.
type StateMachine struct {
	mu            sync.Mutex
	callID        string
	state         State
	enteredAt     time.Time
	history       []Transition
	hangupReason  HangupReason
	hangupOwner   string
	hangupSet     bool
	cleanupCalled bool
}

// NewStateMachine creates a machine in StateInitiated.
func NewStateMachine(callID string) *StateMachine {
	now := time.Now()
	return &StateMachine{
		callID:    callID,
		state:     StateInitiated,
		enteredAt: now,
		history: []Transition{
			{From: StateInitiated, To: StateInitiated, Reason: "created", At: now},
		},
	}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Is reports whether the call currently is in state s.
func (m *StateMachine) Is(s State) bool {
	return m.State() == s
}

// DurationInState returns how long the call has been in its current state.
func (m *StateMachine) DurationInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.enteredAt)
}

// TransitionTo moves the call to the target state if the transition is
// legal, returning false and leaving the state untouched otherwise.
func (m *StateMachine) TransitionTo(to State, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to, reason)
}

func (m *StateMachine) transitionLocked(to State, reason string) bool {
	if m.state == to {
		return true
	}
	if !to.IsTerminal() {
		if m.state.IsTerminal() {
			slog.Warn("[CallState] Transition from terminal state rejected",
				"call_id", m.callID, "from", m.state.String(), "to", to.String())
			return false
		}
		allowed := false
		for _, next := range forwardTransitions[m.state] {
			if next == to {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.Warn("[CallState] Illegal transition rejected",
				"call_id", m.callID, "from", m.state.String(), "to", to.String())
			return false
		}
	}

	now := time.Now()
	m.history = append(m.history, Transition{From: m.state, To: to, Reason: reason, At: now})
	slog.Debug("[CallState] Transition",
		"call_id", m.callID, "from", m.state.String(), "to", to.String(), "reason", reason)
	m.state = to
	m.enteredAt = now
	return true
}

// MarkHangup is the single gate for ending a call. The first recorded
// reason wins; later calls are no-ops unless force is set. Recording a
// reason transitions the call to StateHungup.
func (m *StateMachine) MarkHangup(reason HangupReason, owner string, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hangupSet && !force {
		slog.Debug("[CallState] Hangup already recorded",
			"call_id", m.callID, "existing", string(m.hangupReason), "ignored", string(reason))
		return false
	}

	m.hangupReason = reason
	m.hangupOwner = owner
	m.hangupSet = true
	m.transitionLocked(StateHungup, string(reason))
	slog.Info("[CallState] Hangup recorded",
		"call_id", m.callID, "reason", string(reason), "owner", owner, "force", force)
	return true
}

// HangupInfo returns the recorded reason and owner, if any.
func (m *StateMachine) HangupInfo() (reason HangupReason, owner string, set bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hangupReason, m.hangupOwner, m.hangupSet
}

// RequestCleanup latches on first call and returns false on every
// subsequent call, guaranteeing exactly-once resource release.
func (m *StateMachine) RequestCleanup() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleanupCalled {
		return false
	}
	m.cleanupCalled = true
	return true
}

// CleanupCalled reports whether cleanup has been requested.
func (m *StateMachine) CleanupCalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupCalled
}

// History returns a copy of the transition history for post-call
// diagnostics. Persistence is the controller's job, not the gateway's.
func (m *StateMachine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

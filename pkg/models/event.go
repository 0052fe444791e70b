// Package models provides the wire-level types shared between the agent
// daemon, the remote client, and UIs.
package models

import "time"

// EventType identifies the kind of agent event. The set is closed: every
// event a session emits uses one of the constants below.
type EventType string

const (
	// Session lifecycle
	EventSessionCreated  EventType = "session_created"
	EventSessionCleared  EventType = "session_cleared"
	EventCancelRequested EventType = "cancel_requested"

	// Turn lifecycle
	EventTurnEnqueued EventType = "turn_enqueued"
	EventTurnStarted  EventType = "turn_started"
	EventUser         EventType = "user"
	EventAnswer       EventType = "answer"
	EventError        EventType = "error"
	EventTurnFinished EventType = "turn_finished"

	// Reasoning-loop progress
	EventToolCall         EventType = "tool_call"
	EventToolDeduplicated EventType = "tool_deduplicated"
	EventToolResult       EventType = "tool_result"
	EventRateLimitRetry   EventType = "rate_limit_retry"
	EventRateLimitFailed  EventType = "rate_limit_failed"
	EventWarning          EventType = "warning"
)

// Turn completion statuses carried by the turn_finished payload.
const (
	TurnStatusCompleted = "completed"
	TurnStatusFailed    = "failed"
)

// AgentEvent is one immutable record in a session's event buffer.
//
// EventID is strictly increasing and dense within a session. TurnID is nil
// for session-scoped events (session_created, session_cleared,
// cancel_requested) and set for everything emitted on behalf of a turn.
type AgentEvent struct {
	EventID   int64          `json:"event_id"`
	SessionID string         `json:"session_id"`
	TurnID    *int64         `json:"turn_id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	// Timestamp is wall time in unix seconds (fractional).
	Timestamp float64 `json:"timestamp"`
}

// EventPage is the result of one event read, with enough bookkeeping for
// clients to detect buffer overflow and reconcile.
type EventPage struct {
	SessionID     string       `json:"session_id"`
	Events        []AgentEvent `json:"events"`
	LastEventID   int64        `json:"last_event_id"`
	OldestEventID int64        `json:"oldest_event_id"`
	DroppedEvents int64        `json:"dropped_events"`
}

// TurnRequest is one queued user question. It is created by the HTTP layer
// and consumed at most once by the session worker.
type TurnRequest struct {
	TurnID    int64     `json:"turn_id"`
	UserInput string    `json:"user_input"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTurnRequest stamps a turn request with the current wall time.
func NewTurnRequest(turnID int64, userInput string) *TurnRequest {
	return &TurnRequest{
		TurnID:    turnID,
		UserInput: userInput,
		CreatedAt: time.Now(),
	}
}

// SessionStatus is a point-in-time snapshot of one session.
type SessionStatus struct {
	SessionID    string `json:"session_id"`
	Provider     string `json:"provider"`
	ModelID      string `json:"model_id"`
	Busy         bool   `json:"busy"`
	PendingCount int    `json:"pending_count"`
	HistorySize  int    `json:"history_size"`
	LastEventID  int64  `json:"last_event_id"`
	LastTurnID   int64  `json:"last_turn_id"`
}

// CancelResult reports the outcome of a cancel request. Hard cancellation
// of an in-flight model call is not supported; only queued turns are
// dropped.
type CancelResult struct {
	Running             bool `json:"running"`
	DroppedPending      int  `json:"dropped_pending"`
	HardCancelSupported bool `json:"hard_cancel_supported"`
}

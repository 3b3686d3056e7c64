package engine

// This package implements the tool-call continuation engine of the Quill
// conversational client.
//
// Design notes:
// - The engine owns all per-conversation tool-call state (identity aliases,
//   pending/completed sets, batches, continuation context). One mutex guards
//   every shared map; network calls and action execution run on their own
//   goroutines and synchronize back in to read/mutate state.
// - The UI/persistence collaborator observes the engine through a single
//   Notify callback; it never mutates engine state directly.

import (
	"crypto/rand"
	"encoding/base64"
)

// Status is the small finite signal exposed to the UI collaborator.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusConnecting       Status = "connecting"
	StatusThinking         Status = "thinking"
	StatusStreamingText    Status = "streaming_text"
	StatusRunningTool      Status = "running_tool"
	StatusUsingComputer    Status = "using_computer"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusGeneratingImage  Status = "generating_image"
	StatusDone             Status = "done"
)

// Event is the single payload type pushed to the UI collaborator.
//
// JSON fields use snake_case because the same payload is serialized to the
// local UI bridge.
type Event struct {
	Type       string                 `json:"type"`
	MessageID  string                 `json:"message_id,omitempty"`
	Delta      string                 `json:"delta,omitempty"`
	Status     Status                 `json:"status,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	Line       string                 `json:"line,omitempty"`
	Role       string                 `json:"role,omitempty"`
	Text       string                 `json:"text,omitempty"`
	ArtifactID string                 `json:"artifact_id,omitempty"`
	MimeType   string                 `json:"mime_type,omitempty"`
	Approval   *SafetyApprovalRequest `json:"approval,omitempty"`
}

const (
	EventTypeTextDelta        = "text_delta"
	EventTypeStatus           = "status"
	EventTypeActivity         = "activity"
	EventTypeNotice           = "notice"
	EventTypeArtifact         = "artifact"
	EventTypeApprovalRequired = "approval_required"
	EventTypeTurnDone         = "turn_done"
	EventTypeTurnCanceled     = "turn_canceled"
)

// PendingCall is one tool-call request within a model turn.
//
// It is created when the call item is first observed and destroyed when its
// output has been durably delivered to the model, or when the owning message
// is discarded.
type PendingCall struct {
	CanonicalID string
	TurnID      string
	MessageID   string
	Name        string
	ArgsJSON    string
}

// BatchedOutput is one (canonical id, output, function name) triple handed to
// the continuation dispatcher when a batch submits.
type BatchedOutput struct {
	CanonicalID  string
	Output       string
	FunctionName string
}

// ContinuationContext is the state needed to resume a model turn.
type ContinuationContext struct {
	// LastResponseID is the continuation token the next request resumes from.
	LastResponseID string
	// ChainOpen reports whether the client still owes the model a tool result.
	// While open, no new user turn may be sent.
	ChainOpen bool
}

// SafetyApprovalRequest is a suspended resolution-loop state awaiting a human
// decision.
type SafetyApprovalRequest struct {
	CallID         string         `json:"call_id"`
	ContinuationID string         `json:"continuation_id"`
	MessageID      string         `json:"message_id"`
	TurnID         string         `json:"turn_id"`
	Action         ComputerAction `json:"action"`
	Checks         []SafetyCheck  `json:"checks"`
}

// RetryContext is the per-turn retry budget for the initial streaming send.
//
// BaseContinuationID is captured before streaming begins because streaming may
// overwrite the live continuation id before a failure is observed.
type RetryContext struct {
	MessageID          string
	TurnID             string
	Remaining          int
	BaseContinuationID string
	Input              TurnInput
}

// NewTurnID generates a random turn id.
func NewTurnID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "turn_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// NewMessageID generates a random assistant message id.
func NewMessageID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "msg_" + base64.RawURLEncoding.EncodeToString(b), nil
}

package engine

import "context"

// Chunk is one streaming event from the model transport. The sequence is lazy,
// finite and not restartable.
type Chunk struct {
	Kind      string
	TextDelta string
	Item      *ResponseItem
	Response  *Response
}

const (
	ChunkKindTextDelta = "text_delta"
	ChunkKindItemAdded = "item_added"
	ChunkKindItemDone  = "item_done"
	ChunkKindCompleted = "completed"
)

// Response is a full model response as exposed by the transport.
type Response struct {
	ID     string
	Status string
	Output []ResponseItem
}

// ResponseItem is one output item of a model response.
type ResponseItem struct {
	Type          string // "message"|"function_call"|"computer_call"|"reasoning"|"image_generation_call"
	ID            string
	CallID        string
	Name          string
	ArgumentsJSON string
	Status        string
	Text          string

	Action              *ComputerAction
	PendingSafetyChecks []SafetyCheck
	Reasoning           *ReasoningItem
}

// ReasoningItem is the opaque intermediate reasoning payload tied to a
// response id. The engine never inspects it; it is replayed only when the
// target model variant requires it.
type ReasoningItem struct {
	ID               string
	EncryptedContent string
	Summary          []string
}

// ComputerAction is one control action requested by the model.
type ComputerAction struct {
	Type    string // "click"|"double_click"|"drag"|"keypress"|"move"|"screenshot"|"scroll"|"type"|"wait"
	X       int64
	Y       int64
	Button  string
	Keys    []string
	Text    string
	ScrollX int64
	ScrollY int64
	Path    []Point
}

type Point struct {
	X int64
	Y int64
}

// SafetyCheck is a model-flagged check that requires human confirmation before
// the associated action may execute.
type SafetyCheck struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolOutput is one acknowledged tool result sent back to the model.
type ToolOutput struct {
	CallID       string
	Output       string
	FunctionName string

	// Computer-use fields. When IsComputer is set the output is delivered as a
	// control-action result (screenshot plus current location) instead of
	// function output text.
	IsComputer               bool
	Screenshot               []byte
	CurrentURL               string
	AcknowledgedSafetyChecks []SafetyCheck
}

// TurnInput is the user input starting a turn.
type TurnInput struct {
	Text string
}

// Transport is the model API boundary. Implementations construct requests and
// authenticate on their own; the engine only drives protocol semantics through
// these operation shapes.
type Transport interface {
	// StreamTurn sends a user turn and streams chunks until the response
	// completes. continuationID may be empty for a fresh context.
	StreamTurn(ctx context.Context, input TurnInput, continuationID string, onChunk func(Chunk)) (*Response, error)

	// SendTurn is the synchronous analogue of StreamTurn.
	SendTurn(ctx context.Context, input TurnInput, continuationID string) (*Response, error)

	// ResumeToolOutputs acknowledges tool outputs against a continuation id and
	// returns the model's next response. reasoning is attached only when the
	// resume contract separately requires it; it is never combined with
	// outputs in the same call.
	ResumeToolOutputs(ctx context.Context, outputs []ToolOutput, continuationID string, reasoning []ReasoningItem, stream bool, onChunk func(Chunk)) (*Response, error)

	// FetchResponse recovers the complete item detail for a response id.
	FetchResponse(ctx context.Context, responseID string) (*Response, error)
}

// ActionResult is what the control-action executor produced.
type ActionResult struct {
	Screenshot []byte
	CurrentURL string
}

// ActionExecutor executes a single control action, e.g. against a sandboxed
// browser backend. It may fail.
type ActionExecutor interface {
	Execute(ctx context.Context, action ComputerAction) (ActionResult, error)
}

// FunctionExecutor executes a named function with raw JSON arguments and
// returns output text. The engine treats all tool domains uniformly through
// this contract.
type FunctionExecutor interface {
	Execute(ctx context.Context, name string, argsJSON string) (string, error)
}

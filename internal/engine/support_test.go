package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quillforge/quill-client/internal/config"
)

// fakeTransport scripts the model boundary per call index (1-based).
type fakeTransport struct {
	mu sync.Mutex

	streamFn func(n int, input TurnInput, continuationID string, onChunk func(Chunk)) (*Response, error)
	resumeFn func(n int, outputs []ToolOutput, continuationID string, reasoning []ReasoningItem, onChunk func(Chunk)) (*Response, error)
	fetchFn  func(n int, responseID string) (*Response, error)

	streamN int
	resumeN int
	fetchN  int

	streamConts []string
	resumeCalls []recordedResume
}

type recordedResume struct {
	outputs        []ToolOutput
	continuationID string
	reasoning      []ReasoningItem
}

func (f *fakeTransport) StreamTurn(ctx context.Context, input TurnInput, continuationID string, onChunk func(Chunk)) (*Response, error) {
	f.mu.Lock()
	f.streamN++
	n := f.streamN
	f.streamConts = append(f.streamConts, continuationID)
	fn := f.streamFn
	f.mu.Unlock()
	if fn == nil {
		return &Response{ID: "resp_default"}, nil
	}
	return fn(n, input, continuationID, onChunk)
}

func (f *fakeTransport) SendTurn(ctx context.Context, input TurnInput, continuationID string) (*Response, error) {
	return f.StreamTurn(ctx, input, continuationID, nil)
}

func (f *fakeTransport) ResumeToolOutputs(ctx context.Context, outputs []ToolOutput, continuationID string, reasoning []ReasoningItem, stream bool, onChunk func(Chunk)) (*Response, error) {
	f.mu.Lock()
	f.resumeN++
	n := f.resumeN
	f.resumeCalls = append(f.resumeCalls, recordedResume{
		outputs:        append([]ToolOutput(nil), outputs...),
		continuationID: continuationID,
		reasoning:      append([]ReasoningItem(nil), reasoning...),
	})
	fn := f.resumeFn
	f.mu.Unlock()
	if fn == nil {
		return &Response{ID: "resp_resume"}, nil
	}
	return fn(n, outputs, continuationID, reasoning, onChunk)
}

func (f *fakeTransport) FetchResponse(ctx context.Context, responseID string) (*Response, error) {
	f.mu.Lock()
	f.fetchN++
	n := f.fetchN
	fn := f.fetchFn
	f.mu.Unlock()
	if fn == nil {
		return &Response{ID: responseID}, nil
	}
	return fn(n, responseID)
}

func (f *fakeTransport) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamN
}

func (f *fakeTransport) resumes() []recordedResume {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedResume(nil), f.resumeCalls...)
}

// fakeFuncs counts executions per function name.
type fakeFuncs struct {
	mu    sync.Mutex
	calls []string
	fn    func(name string, argsJSON string) (string, error)
}

func (f *fakeFuncs) Execute(ctx context.Context, name string, argsJSON string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return "ok", nil
	}
	return fn(name, argsJSON)
}

func (f *fakeFuncs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeActions scripts control-action execution.
type fakeActions struct {
	mu      sync.Mutex
	actions []ComputerAction
	fn      func(n int, action ComputerAction) (ActionResult, error)
}

func (f *fakeActions) Execute(ctx context.Context, action ComputerAction) (ActionResult, error) {
	f.mu.Lock()
	f.actions = append(f.actions, action)
	n := len(f.actions)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return ActionResult{Screenshot: []byte("png"), CurrentURL: "https://example.com"}, nil
	}
	return fn(n, action)
}

func (f *fakeActions) executed() []ComputerAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ComputerAction(nil), f.actions...)
}

// fakeArtifacts records stored artifacts.
type fakeArtifacts struct {
	mu     sync.Mutex
	stored map[string][]byte
}

func (f *fakeArtifacts) Put(ctx context.Context, id string, mimeType string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = make(map[string][]byte)
	}
	f.stored[id] = append([]byte(nil), data...)
	return nil
}

func (f *fakeArtifacts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

// eventRecorder captures engine events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) byType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, ev := range r.events {
		if ev.Type == EventTypeTextDelta {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

type engineOverrides struct {
	config    *config.Config
	actions   ActionExecutor
	functions FunctionExecutor
	artifacts ArtifactStore
	gateFresh func() bool
}

func newTestEngine(t *testing.T, tr Transport, ov engineOverrides) (*Engine, *eventRecorder) {
	t.Helper()
	cfg := ov.config
	if cfg == nil {
		cfg = &config.Config{Model: "gpt-4o"}
	}
	rec := &eventRecorder{}
	eng, err := New(Options{
		Logger:             testLogger(),
		Config:             cfg,
		Transport:          tr,
		Actions:            ov.actions,
		Functions:          ov.functions,
		Artifacts:          ov.artifacts,
		Notify:             rec.record,
		ConnectorGateFresh: ov.gateFresh,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.Close)
	// Keep batch timers short so partial-batch tests stay fast.
	eng.reg.waitDelay = 50 * time.Millisecond
	eng.reg.retryDelay = 20 * time.Millisecond
	return eng, rec
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func functionCallItem(callID string, itemID string, name string, args string) *ResponseItem {
	return &ResponseItem{Type: "function_call", ID: itemID, CallID: callID, Name: name, ArgumentsJSON: args}
}

func messageResponse(id string, text string) *Response {
	return &Response{ID: id, Status: "completed", Output: []ResponseItem{{Type: "message", Text: text}}}
}

func computerCallResponse(id string, callID string, action ComputerAction, checks ...SafetyCheck) *Response {
	return &Response{ID: id, Status: "completed", Output: []ResponseItem{{
		Type:                "computer_call",
		ID:                  "item_" + callID,
		CallID:              callID,
		Action:              &action,
		PendingSafetyChecks: checks,
	}}}
}

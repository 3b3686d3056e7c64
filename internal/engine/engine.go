package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quillforge/quill-client/internal/config"
	"github.com/quillforge/quill-client/internal/engine/toolerr"
)

var (
	// ErrChainOpen means the client still owes the model a tool result; no new
	// user turn may be sent until the chain closes.
	ErrChainOpen = errors.New("continuation chain open")
	// ErrTurnActive means a user turn is already in flight.
	ErrTurnActive = errors.New("turn already active")
	// ErrResolveLoopBusy means another resolution loop instance is running.
	ErrResolveLoopBusy = errors.New("resolution loop already running")
	// ErrNotConfigured means the engine is missing a required collaborator.
	ErrNotConfigured = errors.New("engine not configured")
)

const heartbeatInterval = 15 * time.Second

// ArtifactStore persists visual artifacts produced by control actions so UI
// re-renders do not re-fetch them. Optional.
type ArtifactStore interface {
	Put(ctx context.Context, id string, mimeType string, data []byte) error
}

// Options configures a conversation engine.
type Options struct {
	Logger    *slog.Logger
	Config    *config.Config
	Transport Transport

	// Actions executes control actions; nil disables computer use.
	Actions ActionExecutor
	// Functions executes named functions; nil makes every call fail as an
	// unknown function (the batch still completes).
	Functions FunctionExecutor
	// Artifacts stores captured screenshots; nil disables caching.
	Artifacts ArtifactStore

	// Notify receives engine events. Called from engine goroutines, never
	// while engine locks are held.
	Notify func(Event)

	// ConnectorGateFresh reports whether gating preconditions for connected
	// external tools have been freshly validated. A turn retry is ineligible
	// while it returns false, so retry cannot silently bypass the gate.
	// nil means always fresh.
	ConnectorGateFresh func() bool
}

// Engine is the tool-call continuation engine for one conversation.
type Engine struct {
	log       *slog.Logger
	cfg       *config.Config
	transport Transport
	actions   ActionExecutor
	functions FunctionExecutor
	artifacts ArtifactStore
	notify    func(Event)
	gateFresh func() bool

	feed *activityFeed

	baseCtx   context.Context
	closeBase context.CancelFunc

	mu                  sync.Mutex
	ids                 *identityTable
	reg                 *callRegistry
	cont                ContinuationContext
	reasoningByResponse map[string][]ReasoningItem
	retryCtx            *RetryContext
	approval            *SafetyApprovalRequest
	resolveBusy         bool
	status              Status

	activeMessageID string
	activeTurnID    string
	turnCancel      context.CancelFunc

	streamedText   map[string]*strings.Builder
	artifactHashes map[string]map[string]string // message_id -> content hash -> artifact id

	resolveIteration int
	waitStreak       int
	lastActionSig    string
	actionRepeat     int
	lastLocation     string
	lastShotHash     string
}

// New builds an engine. Transport and Config are required.
func New(opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("missing transport")
	}
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := opts.ConnectorGateFresh
	if gate == nil {
		gate = func() bool { return true }
	}
	baseCtx, closeBase := context.WithCancel(context.Background())
	e := &Engine{
		log:                 logger,
		cfg:                 opts.Config,
		transport:           opts.Transport,
		actions:             opts.Actions,
		functions:           opts.Functions,
		artifacts:           opts.Artifacts,
		notify:              opts.Notify,
		gateFresh:           gate,
		feed:                newActivityFeed(defaultActivityCap),
		baseCtx:             baseCtx,
		closeBase:           closeBase,
		ids:                 newIdentityTable(),
		reasoningByResponse: make(map[string][]ReasoningItem),
		status:              StatusIdle,
		streamedText:        make(map[string]*strings.Builder),
		artifactHashes:      make(map[string]map[string]string),
	}
	e.reg = newCallRegistry(logger, e.submitTurnBatch)
	e.ids.addMigration(e.reg.migrate)
	return e, nil
}

// Close cancels every in-flight operation and scheduled callback.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.CancelTurn()
	e.mu.Lock()
	e.reg.reset()
	e.mu.Unlock()
	e.closeBase()
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	if e == nil {
		return StatusIdle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Activity returns a snapshot of the recent activity line feed.
func (e *Engine) Activity() []string {
	if e == nil {
		return nil
	}
	return e.feed.snapshot()
}

// ContinuationID returns the current continuation token. Empty means a new
// user turn starts a fresh context.
func (e *Engine) ContinuationID() string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cont.LastResponseID
}

// ChainOpen reports whether the client still owes the model a tool result.
func (e *Engine) ChainOpen() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cont.ChainOpen
}

// AssistantText returns the assistant text accumulated for a message.
func (e *Engine) AssistantText(messageID string) string {
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if b := e.streamedText[strings.TrimSpace(messageID)]; b != nil {
		return b.String()
	}
	return ""
}

// SendUserTurn submits a user turn. messageID identifies the assistant
// message the response streams into. The call blocks until the initial model
// response completes; tool-call chains continue asynchronously.
func (e *Engine) SendUserTurn(ctx context.Context, messageID string, input TurnInput) error {
	if e == nil {
		return ErrNotConfigured
	}
	if ctx == nil {
		ctx = context.Background()
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return errors.New("missing message id")
	}

	e.mu.Lock()
	if e.cont.ChainOpen {
		e.mu.Unlock()
		return ErrChainOpen
	}
	if e.activeTurnID != "" {
		e.mu.Unlock()
		return ErrTurnActive
	}
	turnID, err := NewTurnID()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	base := e.cont.LastResponseID
	tctx, cancel := context.WithCancel(ctx)
	e.activeMessageID = messageID
	e.activeTurnID = turnID
	e.turnCancel = cancel
	e.streamedText[messageID] = &strings.Builder{}
	if e.cfg.EffectiveStreamingEnabled() {
		// Captured before streaming begins: streaming may overwrite the live
		// continuation id before a failure is observed.
		e.retryCtx = &RetryContext{
			MessageID:          messageID,
			TurnID:             turnID,
			Remaining:          1,
			BaseContinuationID: base,
			Input:              input,
		}
	}
	e.mu.Unlock()

	e.setStatus(StatusConnecting, "")
	e.addActivity("Sending message")
	return e.startTurn(tctx, messageID, turnID, input, base)
}

func (e *Engine) startTurn(ctx context.Context, messageID string, turnID string, input TurnInput, continuationID string) error {
	stopHeartbeat := e.startHeartbeat()
	defer stopHeartbeat()

	var resp *Response
	var err error
	if e.cfg.EffectiveStreamingEnabled() {
		resp, err = e.transport.StreamTurn(ctx, input, continuationID, func(ch Chunk) {
			e.handleChunk(ctx, messageID, turnID, ch)
		})
	} else {
		resp, err = e.transport.SendTurn(ctx, input, continuationID)
	}
	if err != nil {
		return e.handleTurnFailure(messageID, turnID, err)
	}
	e.absorbResponse(ctx, resp, messageID, turnID)
	return nil
}

// handleTurnFailure routes an initial-send failure: cancellation finalizes
// quietly, known transient protocol races are suppressed, everything else goes
// through the retry manager before being surfaced.
func (e *Engine) handleTurnFailure(messageID string, turnID string, err error) error {
	kind := classifyError(err)
	switch kind {
	case errKindCanceled:
		e.finalizeCanceled(messageID, turnID)
		return nil
	case errKindProtocolMismatch:
		e.log.Warn("suppressed transient protocol error", "turn_id", turnID, "error", err)
		e.finishTurn(messageID)
		return nil
	}

	clearContinuation := kind == errKindStaleContinuation
	if e.attemptRetry(messageID, string(kind), clearContinuation) {
		return nil
	}

	e.log.Error("turn failed", "turn_id", turnID, "kind", string(kind), "error", err)
	e.resetAfterFailure(messageID, turnID)
	e.emit(Event{Type: EventTypeNotice, MessageID: messageID, Role: "system", Text: userFacingError(kind, err)})
	e.setStatus(StatusDone, "")
	return err
}

func userFacingError(kind errorKind, err error) string {
	switch kind {
	case errKindStaleContinuation:
		return "The conversation context expired. Please send your message again."
	default:
		msg := strings.TrimSpace(err.Error())
		if msg == "" {
			msg = "the request failed"
		}
		return "Something went wrong: " + msg + ". Please try again."
	}
}

// resetAfterFailure clears all in-flight state so the next turn starts clean.
// Every abort path must leave no continuation id pointing at an
// unacknowledged tool call.
func (e *Engine) resetAfterFailure(messageID string, turnID string) {
	e.mu.Lock()
	e.clearContinuationLocked()
	e.retryCtx = nil
	e.activeMessageID = ""
	e.activeTurnID = ""
	cancel := e.turnCancel
	e.turnCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) finalizeCanceled(messageID string, turnID string) {
	e.mu.Lock()
	// If cancellation left a tool call outstanding, the server can never
	// receive its output; drop the continuation so the next turn is accepted.
	if len(e.reg.pending) > 0 || e.cont.ChainOpen {
		e.clearContinuationLocked()
	}
	for tid, batch := range e.reg.batches {
		if batch.messageID == strings.TrimSpace(messageID) {
			batch.stopTimers()
			delete(e.reg.batches, tid)
		}
	}
	e.retryCtx = nil
	e.activeMessageID = ""
	e.activeTurnID = ""
	cancel := e.turnCancel
	e.turnCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	e.emit(Event{Type: EventTypeTurnCanceled, MessageID: messageID, Text: "cancelled"})
	e.setStatus(StatusDone, "")
}

// CancelTurn cancels the active stream. Cancellation is a control signal, not
// a fault: partial text stays delivered and no error notice is produced.
func (e *Engine) CancelTurn() {
	if e == nil {
		return
	}
	e.mu.Lock()
	cancel := e.turnCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// absorbResponse folds a completed model response into conversation state:
// records the continuation id, caches reasoning payloads, registers tool-call
// items and decides whether the chain stays open.
func (e *Engine) absorbResponse(ctx context.Context, resp *Response, messageID string, turnID string) {
	e.absorbResponseWith(ctx, resp, messageID, turnID, true)
}

// absorbResponseWith is absorbResponse with control over whether a pending
// control action starts the resolution loop; the loop itself absorbs its
// intermediate responses without respawning.
func (e *Engine) absorbResponseWith(ctx context.Context, resp *Response, messageID string, turnID string, startResolver bool) {
	if e == nil || resp == nil {
		return
	}

	e.mu.Lock()
	if id := strings.TrimSpace(resp.ID); id != "" {
		e.cont.LastResponseID = id
	}
	e.cacheReasoningLocked(resp)
	e.mu.Unlock()

	hasCalls := false
	hasComputer := false
	fullText := strings.Builder{}
	for i := range resp.Output {
		item := &resp.Output[i]
		switch strings.TrimSpace(item.Type) {
		case "function_call":
			if e.observeCallItem(ctx, item, messageID, turnID) {
				hasCalls = true
			}
		case "computer_call":
			hasComputer = true
		case "message":
			if item.Text != "" {
				fullText.WriteString(item.Text)
			}
		}
	}

	// One-shot mode delivers text only here; in streaming mode the chunks
	// already emitted it.
	if text := fullText.String(); text != "" && !e.cfg.EffectiveStreamingEnabled() {
		e.mu.Lock()
		builder := e.streamedText[messageID]
		if builder == nil {
			builder = &strings.Builder{}
			e.streamedText[messageID] = builder
		}
		builder.WriteString(text)
		e.mu.Unlock()
		e.emit(Event{Type: EventTypeTextDelta, MessageID: messageID, Delta: text})
	}

	e.mu.Lock()
	e.cont.ChainOpen = hasCalls || hasComputer
	open := e.cont.ChainOpen
	e.mu.Unlock()

	if hasComputer {
		if startResolver {
			go func() {
				if err := e.ResolvePendingActions(e.baseCtx, messageID); err != nil && !errors.Is(err, ErrResolveLoopBusy) {
					e.log.Warn("resolution loop ended with error", "message_id", messageID, "error", err)
				}
			}()
		}
		return
	}
	if !open {
		e.finishTurn(messageID)
	}
}

// handleChunk applies one streaming chunk to the owning message.
func (e *Engine) handleChunk(ctx context.Context, messageID string, turnID string, ch Chunk) {
	switch ch.Kind {
	case ChunkKindTextDelta:
		if ch.TextDelta == "" {
			return
		}
		e.mu.Lock()
		builder := e.streamedText[messageID]
		if builder == nil {
			builder = &strings.Builder{}
			e.streamedText[messageID] = builder
		}
		builder.WriteString(ch.TextDelta)
		e.mu.Unlock()
		e.setStatus(StatusStreamingText, "")
		e.emit(Event{Type: EventTypeTextDelta, MessageID: messageID, Delta: ch.TextDelta})

	case ChunkKindItemAdded:
		if ch.Item == nil {
			return
		}
		switch strings.TrimSpace(ch.Item.Type) {
		case "reasoning":
			e.setStatus(StatusThinking, "")
		case "image_generation_call":
			e.setStatus(StatusGeneratingImage, "")
		case "computer_call":
			e.setStatus(StatusUsingComputer, "")
		}

	case ChunkKindItemDone:
		if ch.Item == nil {
			return
		}
		if strings.TrimSpace(ch.Item.Type) == "function_call" {
			e.observeCallItem(ctx, ch.Item, messageID, turnID)
		}

	case ChunkKindCompleted:
		if ch.Response == nil {
			return
		}
		// The continuation id may be overwritten mid-stream; record it as soon
		// as the server announces it.
		e.mu.Lock()
		if id := strings.TrimSpace(ch.Response.ID); id != "" {
			e.cont.LastResponseID = id
		}
		e.mu.Unlock()
	}
}

// observeCallItem canonicalizes and registers a function-call item, starting
// execution when the registry grants it. Returns whether the item was routed.
func (e *Engine) observeCallItem(ctx context.Context, item *ResponseItem, messageID string, turnID string) bool {
	if e == nil || item == nil {
		return false
	}

	e.mu.Lock()
	canonical, ok := e.ids.canonicalize(item.CallID, item.ID)
	if !ok {
		e.mu.Unlock()
		e.log.Warn("dropping unroutable tool call: no identifier", "turn_id", turnID, "name", item.Name)
		return false
	}
	call := &PendingCall{
		CanonicalID: canonical,
		TurnID:      turnID,
		MessageID:   messageID,
		Name:        strings.TrimSpace(item.Name),
		ArgsJSON:    item.ArgumentsJSON,
	}
	shouldExecute := e.reg.register(call)
	e.mu.Unlock()

	if shouldExecute {
		go e.executeFunction(ctx, call)
	}
	return true
}

// executeFunction runs one named function and records its output. Execution
// failures become textual outputs so the model can react and the batch still
// completes.
func (e *Engine) executeFunction(ctx context.Context, call *PendingCall) {
	name := strings.TrimSpace(call.Name)
	display := name
	if display == "" {
		display = "unknown function"
	}
	e.setStatus(StatusRunningTool, display)
	e.addActivity("Running " + display)

	var output string
	switch {
	case name == "":
		output = toolerr.RenderError(name, errors.New("unknown function: call carried no name"))
	case e.functions == nil:
		output = toolerr.RenderError(name, errors.New("unknown function: no executor configured"))
	default:
		out, err := e.functions.Execute(ctx, name, call.ArgsJSON)
		if err != nil {
			e.log.Warn("function execution failed", "name", name, "error", err)
			output = toolerr.RenderError(name, err)
		} else {
			output = out
		}
	}

	e.mu.Lock()
	ready := e.reg.recordOutput(call.CanonicalID, call.TurnID, output)
	e.mu.Unlock()
	if ready {
		e.submitTurnBatch(call.TurnID)
	}
}

// submitTurnBatch delivers a turn's ready outputs to the model in one batch.
// Invoked on batch completion, on wait-timer expiry (partial submission) and
// on batch-retry timers.
func (e *Engine) submitTurnBatch(turnID string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	items, messageID, ok := e.reg.beginSubmit(turnID, e.ids.resolve)
	contID := e.cont.LastResponseID
	e.mu.Unlock()
	if !ok {
		return
	}

	outputs := make([]ToolOutput, 0, len(items))
	for _, it := range items {
		outputs = append(outputs, ToolOutput{CallID: it.CanonicalID, Output: it.Output, FunctionName: it.FunctionName})
	}

	resp, err := e.resumeWithOutputs(e.baseCtx, outputs, contID, turnID, messageID)
	succeeded := err == nil && resp != nil

	e.mu.Lock()
	e.reg.finishSubmit(turnID, succeeded)
	e.mu.Unlock()

	if !succeeded {
		if err != nil && classifyError(err) == errKindCanceled {
			return
		}
		e.log.Warn("batch submission failed, rescheduling", "turn_id", turnID, "error", err)
		return
	}
	e.absorbResponse(e.baseCtx, resp, messageID, turnID)
}

func (e *Engine) finishTurn(messageID string) {
	e.mu.Lock()
	e.cont.ChainOpen = false
	e.retryCtx = nil
	e.activeMessageID = ""
	e.activeTurnID = ""
	cancel := e.turnCancel
	e.turnCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	e.setStatus(StatusDone, "")
	e.emit(Event{Type: EventTypeTurnDone, MessageID: messageID})
}

// DeleteMessage purges all engine-owned state tied to a message: identity
// aliases, batches, retry context and cached reasoning.
func (e *Engine) DeleteMessage(messageID string) {
	if e == nil {
		return
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return
	}

	e.mu.Lock()
	purged := e.reg.purgeMessage(messageID)
	e.ids.forget(purged)
	delete(e.streamedText, messageID)
	delete(e.artifactHashes, messageID)
	if e.retryCtx != nil && e.retryCtx.MessageID == messageID {
		e.retryCtx = nil
	}
	if e.approval != nil && e.approval.MessageID == messageID {
		e.approval = nil
		e.clearContinuationLocked()
	}
	if e.activeMessageID == messageID {
		e.clearContinuationLocked()
	}
	// Reasoning payloads are keyed by response id, not message; purge all to
	// guarantee nothing leaks past the deletion.
	e.reasoningByResponse = make(map[string][]ReasoningItem)
	e.mu.Unlock()
}

// ClearConversation cancels in-flight work and purges every engine-owned
// per-message and per-turn structure.
func (e *Engine) ClearConversation() {
	if e == nil {
		return
	}
	e.CancelTurn()

	e.mu.Lock()
	e.reg.reset()
	e.ids.reset()
	e.cont = ContinuationContext{}
	e.reasoningByResponse = make(map[string][]ReasoningItem)
	e.retryCtx = nil
	e.approval = nil
	e.streamedText = make(map[string]*strings.Builder)
	e.artifactHashes = make(map[string]map[string]string)
	e.activeMessageID = ""
	e.activeTurnID = ""
	e.turnCancel = nil
	e.resolveIteration = 0
	e.waitStreak = 0
	e.lastActionSig = ""
	e.actionRepeat = 0
	e.lastLocation = ""
	e.lastShotHash = ""
	e.status = StatusIdle
	e.mu.Unlock()

	e.feed.reset()
}

func (e *Engine) cacheReasoningLocked(resp *Response) {
	if resp == nil {
		return
	}
	id := strings.TrimSpace(resp.ID)
	if id == "" {
		return
	}
	var items []ReasoningItem
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) == "reasoning" && item.Reasoning != nil {
			items = append(items, *item.Reasoning)
		}
	}
	if len(items) > 0 {
		e.reasoningByResponse[id] = items
	}
}

// clearContinuationLocked drops the continuation token. Every halt and abort
// path goes through here so the next user turn starts a fresh context.
func (e *Engine) clearContinuationLocked() {
	e.cont.LastResponseID = ""
	e.cont.ChainOpen = false
}

func (e *Engine) setStatus(status Status, toolName string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	changed := e.status != status
	e.status = status
	e.mu.Unlock()
	if changed || toolName != "" {
		e.emit(Event{Type: EventTypeStatus, Status: status, ToolName: toolName})
	}
}

func (e *Engine) addActivity(line string) {
	if e == nil {
		return
	}
	if e.feed.add(line) {
		e.emit(Event{Type: EventTypeActivity, Line: line})
	}
}

func (e *Engine) emit(ev Event) {
	if e == nil || e.notify == nil {
		return
	}
	e.notify(ev)
}

func (e *Engine) startHeartbeat() (stop func()) {
	ticker := time.NewTicker(heartbeatInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.addActivity("Still working")
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

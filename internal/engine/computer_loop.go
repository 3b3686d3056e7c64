package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// resolveMaxIterations bounds one resolution loop run; the model gets at
	// most this many control actions before the engine hands back to the user.
	resolveMaxIterations = 5
	// waitActionLimit ends the loop after this many consecutive wait actions.
	// The final wait's result is still delivered before halting.
	waitActionLimit = 3
	// repeatedActionLimit ends the loop when the same low-level action repeats
	// this many times without the page location changing.
	repeatedActionLimit = 3
	// blankStateIteration is the iteration after which low-level actions
	// against a blank page are treated as a stuck loop.
	blankStateIteration = 2
)

var errAwaitingApproval = errors.New("resolution suspended awaiting safety approval")

// ResolvePendingActions drives the model's pending control actions to
// completion: fetch the latest response, execute its pending computer call,
// deliver the result, repeat. The loop is single-flight per engine and bounded
// by resolveMaxIterations; every halt path clears the continuation id so the
// next user turn is accepted.
func (e *Engine) ResolvePendingActions(ctx context.Context, messageID string) error {
	if e == nil {
		return ErrNotConfigured
	}
	messageID = strings.TrimSpace(messageID)

	e.mu.Lock()
	if e.resolveBusy {
		e.mu.Unlock()
		return ErrResolveLoopBusy
	}
	if e.approval != nil {
		e.mu.Unlock()
		return errAwaitingApproval
	}
	e.resolveBusy = true
	e.resolveIteration = 0
	e.waitStreak = 0
	e.lastActionSig = ""
	e.actionRepeat = 0
	e.lastLocation = ""
	e.lastShotHash = ""
	contID := e.cont.LastResponseID
	turnID := e.activeTurnID
	e.mu.Unlock()
	defer e.clearResolveBusy()

	if e.actions == nil {
		e.haltResolution(messageID, "Computer use is not available in this session.")
		return errors.New("no action executor configured")
	}
	if contID == "" {
		return nil
	}

	resp, err := e.transport.FetchResponse(ctx, contID)
	if err != nil {
		return e.failResolution(messageID, err)
	}
	return e.runResolveLoop(ctx, messageID, turnID, resp)
}

func (e *Engine) clearResolveBusy() {
	e.mu.Lock()
	e.resolveBusy = false
	e.mu.Unlock()
}

// runResolveLoop consumes responses until no pending control action remains,
// the iteration budget is spent, or a heuristic/safety gate halts the loop.
func (e *Engine) runResolveLoop(ctx context.Context, messageID string, turnID string, resp *Response) error {
	for {
		item := latestPendingComputerCall(resp)
		if item == nil {
			return nil
		}

		e.mu.Lock()
		iteration := e.resolveIteration
		contID := e.cont.LastResponseID
		e.mu.Unlock()

		if iteration >= resolveMaxIterations {
			e.log.Info("resolution loop exhausted its step budget", "message_id", messageID)
			e.haltResolution(messageID, "I stopped after several computer steps. Tell me how you'd like to continue.")
			return nil
		}
		e.mu.Lock()
		e.resolveIteration = iteration + 1
		e.mu.Unlock()

		if item.Action == nil {
			e.log.Error("control call without an action payload", "call_id", item.CallID)
			e.haltResolution(messageID, "I couldn't interpret the requested computer action.")
			return nil
		}

		if len(item.PendingSafetyChecks) > 0 {
			e.suspendForApproval(item, contID, messageID, turnID)
			return nil
		}

		next, halted, err := e.performAction(ctx, messageID, turnID, contID, item, nil)
		if err != nil {
			return e.failResolution(messageID, err)
		}
		if halted {
			return nil
		}
		resp = next
	}
}

// performAction executes one control action, caches its screenshot as an
// artifact and delivers the result to the model. It returns the model's next
// response, or halted=true when a loop heuristic ended the chain.
func (e *Engine) performAction(ctx context.Context, messageID string, turnID string, contID string, item *ResponseItem, acked []SafetyCheck) (*Response, bool, error) {
	action := *item.Action
	lowLevel := isLowLevelAction(action.Type)
	strict := e.cfg.StrictComputerUse

	e.mu.Lock()
	iteration := e.resolveIteration
	sig := actionSignature(action)
	if sig == e.lastActionSig {
		e.actionRepeat++
	} else {
		e.lastActionSig = sig
		e.actionRepeat = 1
	}
	if action.Type == "wait" {
		e.waitStreak++
	} else {
		e.waitStreak = 0
	}
	repeat := e.actionRepeat
	waits := e.waitStreak
	location := e.lastLocation
	e.mu.Unlock()

	if !strict && lowLevel && repeat >= repeatedActionLimit {
		e.log.Error("repeated control action without progress", "action", action.Type, "repeats", repeat, "location", location)
		e.haltResolution(messageID, "I seem to be repeating the same action without making progress, so I stopped. Tell me how you'd like to continue.")
		return nil, true, nil
	}
	if !strict && lowLevel && iteration > blankStateIteration && isBlankLocation(location) {
		e.log.Error("control actions against a blank page", "action", action.Type, "iteration", iteration)
		e.haltResolution(messageID, "The page appears blank, so I stopped interacting with it. Tell me how you'd like to continue.")
		return nil, true, nil
	}

	e.setStatus(StatusUsingComputer, "")
	e.addActivity(describeAction(action))

	result, err := e.actions.Execute(ctx, action)
	if err != nil {
		if classifyError(err) == errKindCanceled {
			return nil, false, err
		}
		e.log.Error("control action failed", "action", action.Type, "error", err)
		e.haltResolution(messageID, "A computer action failed, so I stopped. Tell me how you'd like to continue.")
		return nil, true, nil
	}

	shotHash := hashBytes(result.Screenshot)

	e.mu.Lock()
	redundantShot := !strict && action.Type == "screenshot" && shotHash != "" && shotHash == e.lastShotHash
	if shotHash != "" {
		e.lastShotHash = shotHash
	}
	if url := strings.TrimSpace(result.CurrentURL); url != "" && url != e.lastLocation {
		e.lastLocation = url
		e.actionRepeat = 0
	}
	e.mu.Unlock()

	if redundantShot {
		e.log.Info("redundant screenshot, ending loop", "message_id", messageID)
		e.haltResolution(messageID, "The screen hasn't changed, so I stopped taking screenshots. Tell me how you'd like to continue.")
		return nil, true, nil
	}

	e.storeScreenshotArtifact(ctx, messageID, shotHash, result.Screenshot)

	output := ToolOutput{
		CallID:                   item.CallID,
		IsComputer:               true,
		Screenshot:               result.Screenshot,
		CurrentURL:               result.CurrentURL,
		AcknowledgedSafetyChecks: acked,
	}
	next, err := e.resumeWithOutputs(ctx, []ToolOutput{output}, contID, turnID, messageID)
	if err != nil {
		return nil, false, err
	}
	e.absorbResponseWith(ctx, next, messageID, turnID, false)

	// Wait streaks terminate after their result is delivered, not instead of
	// delivering it; the model keeps a consistent view of the chain.
	if waits >= waitActionLimit {
		e.log.Info("consecutive waits, ending loop", "message_id", messageID, "waits", waits)
		e.haltResolution(messageID, "The page is still loading after several waits, so I paused. Ask me to continue when you're ready.")
		return nil, true, nil
	}
	return next, false, nil
}

// suspendForApproval parks the loop until the user approves or denies the
// flagged action. The pending state survives in the engine, not the loop
// goroutine.
func (e *Engine) suspendForApproval(item *ResponseItem, contID string, messageID string, turnID string) {
	req := &SafetyApprovalRequest{
		CallID:         item.CallID,
		ContinuationID: contID,
		MessageID:      messageID,
		TurnID:         turnID,
		Action:         *item.Action,
		Checks:         item.PendingSafetyChecks,
	}
	e.mu.Lock()
	e.approval = req
	e.mu.Unlock()

	e.setStatus(StatusAwaitingApproval, "")
	e.addActivity("Waiting for your approval")
	e.emit(Event{Type: EventTypeApprovalRequired, MessageID: messageID, Approval: req})
}

// haltResolution ends the chain: the continuation id is cleared so the next
// user turn starts fresh, and an optional neutral notice tells the user why.
func (e *Engine) haltResolution(messageID string, notice string) {
	e.mu.Lock()
	e.clearContinuationLocked()
	e.mu.Unlock()
	if notice != "" {
		e.emit(Event{Type: EventTypeNotice, MessageID: messageID, Role: "system", Text: notice})
	}
	e.finishTurn(messageID)
}

func (e *Engine) failResolution(messageID string, err error) error {
	switch classifyError(err) {
	case errKindCanceled:
		e.finalizeCanceled(messageID, "")
		return nil
	case errKindStaleContinuation:
		e.log.Warn("resolution loop hit an expired continuation", "error", err)
		e.haltResolution(messageID, "The conversation context expired. Please send your message again.")
		return nil
	case errKindProtocolMismatch:
		e.log.Warn("suppressed transient protocol error in resolution loop", "error", err)
		e.haltResolution(messageID, "")
		return nil
	default:
		e.log.Error("resolution loop failed", "error", err)
		e.haltResolution(messageID, "Something went wrong while using the computer. Please try again.")
		return err
	}
}

// storeScreenshotArtifact persists a screenshot once per distinct image per
// message. Identical frames reuse the cached artifact id instead of
// re-uploading.
func (e *Engine) storeScreenshotArtifact(ctx context.Context, messageID string, hash string, shot []byte) {
	if e.artifacts == nil || len(shot) == 0 || hash == "" {
		return
	}
	e.mu.Lock()
	byHash := e.artifactHashes[messageID]
	if byHash == nil {
		byHash = make(map[string]string)
		e.artifactHashes[messageID] = byHash
	}
	if _, ok := byHash[hash]; ok {
		e.mu.Unlock()
		return
	}
	artifactID := "art_" + uuid.NewString()
	byHash[hash] = artifactID
	e.mu.Unlock()

	if err := e.artifacts.Put(ctx, artifactID, "image/png", shot); err != nil {
		e.log.Warn("failed to store screenshot artifact", "artifact_id", artifactID, "error", err)
		return
	}
	e.emit(Event{Type: EventTypeArtifact, MessageID: messageID, ArtifactID: artifactID, MimeType: "image/png"})
}

// latestPendingComputerCall returns the last control-action item of a
// response, the one whose output the model is waiting on.
func latestPendingComputerCall(resp *Response) *ResponseItem {
	if resp == nil {
		return nil
	}
	for i := len(resp.Output) - 1; i >= 0; i-- {
		if strings.TrimSpace(resp.Output[i].Type) == "computer_call" {
			return &resp.Output[i]
		}
	}
	return nil
}

func isLowLevelAction(actionType string) bool {
	switch actionType {
	case "click", "double_click", "drag", "keypress", "move", "scroll", "type":
		return true
	}
	return false
}

func isBlankLocation(url string) bool {
	url = strings.TrimSpace(url)
	return url == "" || url == "about:blank"
}

func actionSignature(a ComputerAction) string {
	return fmt.Sprintf("%s|%d|%d|%s|%s|%s|%d|%d", a.Type, a.X, a.Y, a.Button, strings.Join(a.Keys, "+"), a.Text, a.ScrollX, a.ScrollY)
}

func hashBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func describeAction(a ComputerAction) string {
	switch a.Type {
	case "click":
		return fmt.Sprintf("Clicking at (%d, %d)", a.X, a.Y)
	case "double_click":
		return fmt.Sprintf("Double-clicking at (%d, %d)", a.X, a.Y)
	case "type":
		return "Typing text"
	case "keypress":
		return "Pressing " + strings.Join(a.Keys, "+")
	case "scroll":
		return "Scrolling the page"
	case "move":
		return "Moving the pointer"
	case "drag":
		return "Dragging"
	case "wait":
		return "Waiting for the page"
	case "screenshot":
		return "Taking a screenshot"
	default:
		return "Performing " + a.Type
	}
}

package engine

import (
	"context"
	"time"
)

// retryBackoff separates a failed stream from its replay so transient server
// conditions have a moment to clear.
const retryBackoff = 800 * time.Millisecond

// attemptRetry consumes the turn's single retry credit when eligible and
// schedules a replay of the turn against the pre-stream continuation token.
// Eligibility: a credit remains, zero assistant text was delivered (a retry
// after visible text would duplicate it), and connector gating is still fresh
// so the replay cannot silently bypass a gate. Returns whether a replay was
// scheduled; ineligible failures surface to the user instead.
func (e *Engine) attemptRetry(messageID string, reason string, clearContinuation bool) bool {
	if e == nil {
		return false
	}
	if !e.gateFresh() {
		e.log.Warn("retry skipped: connector gate not fresh", "message_id", messageID)
		return false
	}

	e.mu.Lock()
	rc := e.retryCtx
	if rc == nil || rc.MessageID != messageID || rc.Remaining <= 0 {
		e.mu.Unlock()
		return false
	}
	if b := e.streamedText[messageID]; b != nil && b.Len() > 0 {
		e.mu.Unlock()
		return false
	}
	rc.Remaining--
	base := rc.BaseContinuationID
	input := rc.Input
	turnID := rc.TurnID
	if clearContinuation {
		base = ""
		e.clearContinuationLocked()
		e.reasoningByResponse = make(map[string][]ReasoningItem)
	} else {
		// Replay resumes from the pre-stream token, not from whatever id the
		// failed stream may have advanced to.
		e.cont.LastResponseID = base
		e.cont.ChainOpen = false
	}
	prevCancel := e.turnCancel
	tctx, cancel := context.WithCancel(e.baseCtx)
	e.turnCancel = cancel
	e.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
	}
	e.log.Warn("retrying turn", "message_id", messageID, "reason", reason)

	go func() {
		select {
		case <-tctx.Done():
			return
		case <-time.After(retryBackoff):
		}
		e.setStatus(StatusConnecting, "")
		e.addActivity("Retrying")
		if err := e.startTurn(tctx, messageID, turnID, input, base); err != nil {
			e.log.Error("turn retry failed", "message_id", messageID, "error", err)
		}
	}()
	return true
}

package engine

import "context"

// Approve executes the safety-suspended control action with the flagged checks
// acknowledged, then resumes the resolution loop where it stopped. Calling it
// with nothing pending is a no-op.
func (e *Engine) Approve(ctx context.Context) error {
	if e == nil {
		return ErrNotConfigured
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	req := e.approval
	if req == nil {
		e.mu.Unlock()
		return nil
	}
	if e.resolveBusy {
		e.mu.Unlock()
		return ErrResolveLoopBusy
	}
	e.approval = nil
	e.resolveBusy = true
	e.mu.Unlock()
	defer e.clearResolveBusy()

	e.addActivity("Approved, continuing")
	item := &ResponseItem{Type: "computer_call", CallID: req.CallID, Action: &req.Action}
	next, halted, err := e.performAction(ctx, req.MessageID, req.TurnID, req.ContinuationID, item, req.Checks)
	if err != nil {
		return e.failResolution(req.MessageID, err)
	}
	if halted {
		return nil
	}
	return e.runResolveLoop(ctx, req.MessageID, req.TurnID, next)
}

// Deny rejects the suspended action. The chain cannot continue without it, so
// the continuation id is cleared and a neutral notice is posted. Calling it
// with nothing pending is a no-op.
func (e *Engine) Deny() {
	if e == nil {
		return
	}
	e.mu.Lock()
	req := e.approval
	e.approval = nil
	e.mu.Unlock()
	if req == nil {
		return
	}
	e.log.Info("safety-flagged action denied", "call_id", req.CallID)
	e.haltResolution(req.MessageID, "Okay, I won't do that. Tell me how you'd like to continue.")
}

// PendingApproval returns the suspended approval request, if any.
func (e *Engine) PendingApproval() *SafetyApprovalRequest {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.approval
}

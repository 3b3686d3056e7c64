package engine

import (
	"context"
	"strings"
	"time"
)

const (
	// reasoningPollAttempts / reasoningPollInterval bound how long the
	// dispatcher waits for streamed reasoning payloads to land in the cache
	// before falling back to a full response re-fetch.
	reasoningPollAttempts = 20
	reasoningPollInterval = 150 * time.Millisecond
)

// resumeWithOutputs delivers acknowledged tool outputs against a continuation
// id and returns the model's next response.
//
// Stale-continuation failures are retried exactly once with the continuation
// cleared, so a long-idle conversation degrades to a fresh context instead of
// failing outright. Reasoning payloads are replayed only on models that
// require them, and never alongside tool outputs in the same call.
func (e *Engine) resumeWithOutputs(ctx context.Context, outputs []ToolOutput, continuationID string, turnID string, messageID string) (*Response, error) {
	continuationID = strings.TrimSpace(continuationID)

	var reasoning []ReasoningItem
	if len(outputs) == 0 && e.cfg.EffectiveReplayReasoning() && continuationID != "" {
		// Reasoning items and tool outputs never share a call, so the wait for
		// the previous response's reasoning state only happens on the
		// output-free resume path.
		reasoning = e.awaitReasoning(ctx, continuationID)
	}

	streaming := e.cfg.EffectiveStreamingEnabled()
	attempt := func(contID string, items []ReasoningItem) (*Response, error) {
		if streaming {
			return e.transport.ResumeToolOutputs(ctx, outputs, contID, items, true, func(ch Chunk) {
				e.handleChunk(ctx, messageID, turnID, ch)
			})
		}
		return e.transport.ResumeToolOutputs(ctx, outputs, contID, items, false, nil)
	}

	resp, err := attempt(continuationID, reasoning)
	if err == nil {
		return resp, nil
	}
	if continuationID != "" && classifyError(err) == errKindStaleContinuation {
		e.log.Warn("continuation expired, retrying resume without it", "turn_id", turnID, "error", err)
		e.mu.Lock()
		e.clearContinuationLocked()
		delete(e.reasoningByResponse, continuationID)
		e.mu.Unlock()
		return attempt("", nil)
	}
	return nil, err
}

// awaitReasoning returns the cached reasoning items for a response id, polling
// briefly for the streaming path to populate the cache and re-fetching the full
// response as a last resort. A miss is not an error; the resume proceeds
// without replay and the server rejects it only on the strictest variants.
func (e *Engine) awaitReasoning(ctx context.Context, continuationID string) []ReasoningItem {
	for i := 0; i < reasoningPollAttempts; i++ {
		e.mu.Lock()
		items := e.reasoningByResponse[continuationID]
		e.mu.Unlock()
		if len(items) > 0 {
			return items
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reasoningPollInterval):
		}
	}

	resp, err := e.transport.FetchResponse(ctx, continuationID)
	if err != nil || resp == nil {
		e.log.Warn("reasoning recovery fetch failed", "response_id", continuationID, "error", err)
		return nil
	}
	e.mu.Lock()
	e.cacheReasoningLocked(resp)
	items := e.reasoningByResponse[continuationID]
	e.mu.Unlock()
	return items
}

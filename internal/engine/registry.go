package engine

import (
	"log/slog"
	"strings"
	"time"
)

const (
	// defaultBatchWait bounds how long a batch waits for late-arriving
	// parallel calls before submitting whatever is ready.
	defaultBatchWait = 5 * time.Second
	// defaultBatchRetryDelay is the batch-level resubmission delay after a
	// dispatcher failure. Distinct from the turn-level retry manager.
	defaultBatchRetryDelay = time.Second
)

// callBatch is the set of pending calls for one turn whose outputs must be
// delivered together.
type callBatch struct {
	turnID    string
	messageID string
	calls     []*PendingCall
	outputs   map[string]string
	closed    bool

	// inFlight holds the ids of the submission currently being attempted, so a
	// failed attempt reverts only its own calls and never ones acknowledged by
	// an earlier partial flush.
	inFlight map[string]struct{}

	waitTimer  *time.Timer
	retryTimer *time.Timer
}

func (b *callBatch) stopTimers() {
	if b == nil {
		return
	}
	if b.waitTimer != nil {
		b.waitTimer.Stop()
		b.waitTimer = nil
	}
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
}

// callRegistry tracks pending and completed calls per turn and accumulates
// parallel calls into batches.
//
// Not safe for concurrent use; callers hold the engine mutex. Timer callbacks
// go through submitFn, which re-acquires the lock on its own.
type callRegistry struct {
	log *slog.Logger

	waitDelay  time.Duration
	retryDelay time.Duration

	pending   map[string]*PendingCall
	completed map[string]struct{}
	batches   map[string]*callBatch

	// submitFn is invoked (outside the engine lock, from a timer goroutine)
	// when a batch wait elapses or a failed submission is due for retry.
	submitFn func(turnID string)
}

func newCallRegistry(log *slog.Logger, submitFn func(turnID string)) *callRegistry {
	return &callRegistry{
		log:        log,
		waitDelay:  defaultBatchWait,
		retryDelay: defaultBatchRetryDelay,
		pending:    make(map[string]*PendingCall),
		completed:  make(map[string]struct{}),
		batches:    make(map[string]*callBatch),
		submitFn:   submitFn,
	}
}

// register adds a call under its canonical id and returns whether the caller
// should execute it. Registration is an at-most-once gate: a call whose id is
// already pending or completed must not be executed again.
func (r *callRegistry) register(call *PendingCall) bool {
	if r == nil || call == nil {
		return false
	}
	id := strings.TrimSpace(call.CanonicalID)
	if id == "" {
		return false
	}
	if _, done := r.completed[id]; done {
		r.debug("duplicate completed call ignored", "call_id", id)
		return false
	}
	if _, open := r.pending[id]; open {
		r.debug("duplicate pending call ignored", "call_id", id)
		return false
	}
	r.pending[id] = call

	batch := r.batches[call.TurnID]
	if batch == nil {
		batch = &callBatch{
			turnID:    call.TurnID,
			messageID: call.MessageID,
			outputs:   make(map[string]string),
		}
		r.batches[call.TurnID] = batch
	}
	batch.calls = append(batch.calls, call)

	if !batch.closed {
		r.armWaitTimer(batch)
	}
	return true
}

func (r *callRegistry) armWaitTimer(batch *callBatch) {
	if batch.waitTimer != nil {
		batch.waitTimer.Stop()
	}
	turnID := batch.turnID
	batch.waitTimer = time.AfterFunc(r.waitDelay, func() {
		if r.submitFn != nil {
			r.submitFn(turnID)
		}
	})
}

// recordOutput stores a call's output and reports whether the batch is now
// complete and should be submitted immediately. When the batch is still
// partial the wait timer keeps running so late parallel calls can join.
func (r *callRegistry) recordOutput(canonicalID string, turnID string, output string) bool {
	if r == nil {
		return false
	}
	canonicalID = strings.TrimSpace(canonicalID)
	batch := r.batches[turnID]
	if batch == nil || canonicalID == "" {
		return false
	}
	batch.outputs[canonicalID] = output
	if len(batch.outputs) < len(batch.calls) {
		return false
	}
	if batch.waitTimer != nil {
		batch.waitTimer.Stop()
		batch.waitTimer = nil
	}
	return true
}

// beginSubmit snapshots a batch for submission: every call id is re-resolved
// (covering late rebinds), deduplicated, and paired with its output in call
// order. Calls with a recorded output are optimistically marked completed;
// finishSubmit reverts the marking when the dispatcher fails.
func (r *callRegistry) beginSubmit(turnID string, resolve func(string) string) ([]BatchedOutput, string, bool) {
	if r == nil {
		return nil, "", false
	}
	batch := r.batches[turnID]
	if batch == nil || batch.closed {
		return nil, "", false
	}
	if resolve == nil {
		resolve = func(id string) string { return id }
	}

	seen := make(map[string]struct{}, len(batch.calls))
	out := make([]BatchedOutput, 0, len(batch.calls))
	for _, call := range batch.calls {
		id := resolve(call.CanonicalID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		// An earlier partial flush may have acknowledged this call already;
		// an acknowledged output must never be re-sent.
		if _, done := r.completed[id]; done {
			continue
		}
		output, ok := batch.outputs[id]
		if !ok {
			// Output may have been recorded under the pre-rebind id.
			output, ok = batch.outputs[call.CanonicalID]
		}
		if !ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, BatchedOutput{CanonicalID: id, Output: output, FunctionName: call.Name})
	}
	if len(out) == 0 {
		return nil, "", false
	}

	batch.closed = true
	batch.inFlight = seen
	for id := range seen {
		r.completed[id] = struct{}{}
		delete(r.pending, id)
	}
	return out, batch.messageID, true
}

// finishSubmit finalizes a submission attempt. On success the batch is
// discarded; already-submitted calls stay completed so a later timeout flush
// cannot re-send them. On failure the completed-marking of the attempt's own
// calls is reverted and the batch is rescheduled after a short fixed delay,
// outputs intact.
func (r *callRegistry) finishSubmit(turnID string, succeeded bool) {
	if r == nil {
		return
	}
	batch := r.batches[turnID]
	if batch == nil {
		return
	}
	inFlight := batch.inFlight
	batch.inFlight = nil

	if succeeded {
		remaining := false
		for _, call := range batch.calls {
			if _, done := r.completed[call.CanonicalID]; !done {
				if _, open := r.pending[call.CanonicalID]; open {
					remaining = true
					break
				}
			}
		}
		if !remaining {
			batch.stopTimers()
			delete(r.batches, turnID)
			return
		}
		// Late parallel calls joined during submission; reopen for them.
		batch.closed = false
		r.armWaitTimer(batch)
		return
	}

	batch.closed = false
	for _, call := range batch.calls {
		id := call.CanonicalID
		if _, ok := inFlight[id]; !ok {
			continue
		}
		delete(r.completed, id)
		r.pending[id] = call
	}
	if batch.retryTimer != nil {
		batch.retryTimer.Stop()
	}
	batch.retryTimer = time.AfterFunc(r.retryDelay, func() {
		if r.submitFn != nil {
			r.submitFn(turnID)
		}
	})
}

// migrate moves all cached registry state from an old canonical id to a new
// one. Wired as an identity-table migration callback.
func (r *callRegistry) migrate(oldID string, newID string) {
	if r == nil || oldID == "" || newID == "" || oldID == newID {
		return
	}
	if call, ok := r.pending[oldID]; ok {
		delete(r.pending, oldID)
		call.CanonicalID = newID
		r.pending[newID] = call
	}
	if _, ok := r.completed[oldID]; ok {
		delete(r.completed, oldID)
		r.completed[newID] = struct{}{}
	}
	for _, batch := range r.batches {
		for _, call := range batch.calls {
			if call.CanonicalID == oldID {
				call.CanonicalID = newID
			}
		}
		if output, ok := batch.outputs[oldID]; ok {
			delete(batch.outputs, oldID)
			batch.outputs[newID] = output
		}
		if _, ok := batch.inFlight[oldID]; ok {
			delete(batch.inFlight, oldID)
			batch.inFlight[newID] = struct{}{}
		}
	}
}

// purgeMessage drops every batch, pending call and completed marker owned by
// a message and returns the canonical ids that were purged.
func (r *callRegistry) purgeMessage(messageID string) map[string]struct{} {
	if r == nil {
		return nil
	}
	messageID = strings.TrimSpace(messageID)
	purged := make(map[string]struct{})
	for turnID, batch := range r.batches {
		if batch.messageID != messageID {
			continue
		}
		batch.stopTimers()
		for _, call := range batch.calls {
			purged[call.CanonicalID] = struct{}{}
			delete(r.pending, call.CanonicalID)
			delete(r.completed, call.CanonicalID)
		}
		delete(r.batches, turnID)
	}
	for id, call := range r.pending {
		if call.MessageID == messageID {
			purged[id] = struct{}{}
			delete(r.pending, id)
		}
	}
	return purged
}

func (r *callRegistry) reset() {
	if r == nil {
		return
	}
	for _, batch := range r.batches {
		batch.stopTimers()
	}
	r.pending = make(map[string]*PendingCall)
	r.completed = make(map[string]struct{})
	r.batches = make(map[string]*callBatch)
}

func (r *callRegistry) debug(msg string, attrs ...any) {
	if r == nil || r.log == nil {
		return
	}
	r.log.Debug(msg, attrs...)
}

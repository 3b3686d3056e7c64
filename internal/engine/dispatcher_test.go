package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quillforge/quill-client/internal/config"
)

func seedReasoning(eng *Engine, responseID string, items ...ReasoningItem) {
	eng.mu.Lock()
	eng.reasoningByResponse[responseID] = items
	eng.mu.Unlock()
}

func TestResumeReplaysCachedReasoningWithoutOutputs(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	cfg := &config.Config{Model: "o3-mini"}
	eng, _ := newTestEngine(t, tr, engineOverrides{config: cfg})
	seedReasoning(eng, "resp_1", ReasoningItem{ID: "rs_1", EncryptedContent: "opaque"})

	if _, err := eng.resumeWithOutputs(context.Background(), nil, "resp_1", "turn_1", "msg_1"); err != nil {
		t.Fatalf("resumeWithOutputs: %v", err)
	}
	resumes := tr.resumes()
	if len(resumes) != 1 {
		t.Fatalf("resume called %d times; want 1", len(resumes))
	}
	if len(resumes[0].reasoning) != 1 || resumes[0].reasoning[0].EncryptedContent != "opaque" {
		t.Fatalf("replayed reasoning = %+v", resumes[0].reasoning)
	}
}

func TestResumeNeverMixesReasoningWithToolOutputs(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	cfg := &config.Config{Model: "o3-mini"}
	eng, _ := newTestEngine(t, tr, engineOverrides{config: cfg})
	seedReasoning(eng, "resp_1", ReasoningItem{ID: "rs_1", EncryptedContent: "opaque"})

	outputs := []ToolOutput{{CallID: "call_1", Output: "result"}}
	if _, err := eng.resumeWithOutputs(context.Background(), outputs, "resp_1", "turn_1", "msg_1"); err != nil {
		t.Fatalf("resumeWithOutputs: %v", err)
	}
	resumes := tr.resumes()
	if len(resumes) != 1 || len(resumes[0].reasoning) != 0 {
		t.Fatalf("tool-output resume carried reasoning: %+v", resumes)
	}
}

func TestResumeWithOutputsSkipsReasoningWait(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	cfg := &config.Config{Model: "o3-mini"}
	eng, _ := newTestEngine(t, tr, engineOverrides{config: cfg})

	// The reasoning cache is empty: an output-carrying resume must go out
	// immediately instead of polling out the recovery budget.
	outputs := []ToolOutput{{CallID: "call_1", Output: "result"}}
	start := time.Now()
	if _, err := eng.resumeWithOutputs(context.Background(), outputs, "resp_1", "turn_1", "msg_1"); err != nil {
		t.Fatalf("resumeWithOutputs: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("resume stalled for %v waiting on reasoning it cannot attach", elapsed)
	}
	tr.mu.Lock()
	fetched := tr.fetchN
	tr.mu.Unlock()
	if fetched != 0 {
		t.Fatalf("resume refetched the previous response %d times", fetched)
	}
}

func TestResumeRecoversReasoningByRefetch(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	tr.fetchFn = func(n int, id string) (*Response, error) {
		return &Response{ID: id, Status: "completed", Output: []ResponseItem{{
			Type:      "reasoning",
			Reasoning: &ReasoningItem{ID: "rs_1", EncryptedContent: "recovered"},
		}}}, nil
	}
	cfg := &config.Config{Model: "o3-mini"}
	eng, _ := newTestEngine(t, tr, engineOverrides{config: cfg})

	// The cache stays empty the whole time, so the dispatcher polls out its
	// budget and falls back to re-fetching the full response.
	if _, err := eng.resumeWithOutputs(context.Background(), nil, "resp_1", "turn_1", "msg_1"); err != nil {
		t.Fatalf("resumeWithOutputs: %v", err)
	}
	resumes := tr.resumes()
	if len(resumes) != 1 || len(resumes[0].reasoning) != 1 || resumes[0].reasoning[0].EncryptedContent != "recovered" {
		t.Fatalf("recovered reasoning = %+v", resumes)
	}
}

func TestStaleResumeDropsCachedReasoning(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	tr.resumeFn = func(n int, outputs []ToolOutput, contID string, reasoning []ReasoningItem, onChunk func(Chunk)) (*Response, error) {
		if n == 1 {
			return nil, errors.New("400: Previous response with id 'resp_1' not found")
		}
		return &Response{ID: "resp_2"}, nil
	}
	cfg := &config.Config{Model: "o3-mini"}
	eng, _ := newTestEngine(t, tr, engineOverrides{config: cfg})
	seedReasoning(eng, "resp_1", ReasoningItem{ID: "rs_1", EncryptedContent: "opaque"})

	outputs := []ToolOutput{{CallID: "call_1", Output: "result"}}
	resp, err := eng.resumeWithOutputs(context.Background(), outputs, "resp_1", "turn_1", "msg_1")
	if err != nil {
		t.Fatalf("resumeWithOutputs: %v", err)
	}
	if resp == nil || resp.ID != "resp_2" {
		t.Fatalf("resp = %+v", resp)
	}
	resumes := tr.resumes()
	if len(resumes) != 2 || resumes[1].continuationID != "" || len(resumes[1].reasoning) != 0 {
		t.Fatalf("retry resume = %+v", resumes)
	}
	eng.mu.Lock()
	_, cached := eng.reasoningByResponse["resp_1"]
	eng.mu.Unlock()
	if cached {
		t.Fatalf("stale continuation left its reasoning cached")
	}

	// The retry budget is one: a second stale error surfaces.
	tr.mu.Lock()
	tr.resumeFn = func(n int, outputs []ToolOutput, contID string, reasoning []ReasoningItem, onChunk func(Chunk)) (*Response, error) {
		return nil, errors.New("400: Previous response with id 'resp_9' not found")
	}
	tr.mu.Unlock()
	if _, err := eng.resumeWithOutputs(context.Background(), outputs, "resp_9", "turn_1", "msg_1"); err == nil {
		t.Fatalf("second stale failure must surface")
	}
}

func TestAwaitReasoningHonorsCancellation(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{}
	cfg := &config.Config{Model: "o3-mini"}
	eng, _ := newTestEngine(t, tr, engineOverrides{config: cfg})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if items := eng.awaitReasoning(ctx, "resp_1"); items != nil {
		t.Fatalf("canceled await returned items: %+v", items)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("canceled await did not return promptly")
	}
}

// Package openai adapts the OpenAI Responses API to the engine's transport
// contract. Continuation ids map onto previous_response_id; the engine never
// sees SDK types.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/quillforge/quill-client/internal/engine"
)

const defaultMaxOutputTokens = 4096

// FunctionDecl is one function advertised to the model.
type FunctionDecl struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ComputerTool declares the computer-use-preview tool surface.
type ComputerTool struct {
	DisplayWidth  int64
	DisplayHeight int64
	Environment   string
}

// Options configures the transport.
type Options struct {
	Logger  *slog.Logger
	Model   string
	APIKey  string
	BaseURL string

	MaxOutputTokens int64

	// Declarations snapshots the advertised functions per request, so
	// registrations made between turns take effect.
	Declarations func() []FunctionDecl

	// Computer enables the computer-use-preview tool when non-nil.
	Computer *ComputerTool
}

// Transport is the OpenAI-backed implementation of the engine transport.
type Transport struct {
	log             *slog.Logger
	client          openai.Client
	model           string
	maxOutputTokens int64
	declarations    func() []FunctionDecl
	computer        *ComputerTool
}

func New(opts Options) (*Transport, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("missing model")
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("missing api key")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	return &Transport{
		log:             logger,
		client:          openai.NewClient(clientOpts...),
		model:           model,
		maxOutputTokens: maxTokens,
		declarations:    opts.Declarations,
		computer:        opts.Computer,
	}, nil
}

func (t *Transport) baseParams(continuationID string) responses.ResponseNewParams {
	params := responses.ResponseNewParams{
		Model:           shared.ResponsesModel(t.model),
		MaxOutputTokens: openai.Int(t.maxOutputTokens),
	}
	if id := strings.TrimSpace(continuationID); id != "" {
		params.PreviousResponseID = openai.String(id)
	}
	if tools := t.buildTools(); len(tools) > 0 {
		params.Tools = tools
	}
	if t.computer != nil {
		// The computer tool requires auto truncation.
		params.Truncation = responses.ResponseNewParamsTruncationAuto
	}
	return params
}

func (t *Transport) buildTools() []responses.ToolUnionParam {
	var out []responses.ToolUnionParam
	if t.declarations != nil {
		for _, decl := range t.declarations() {
			name := strings.TrimSpace(decl.Name)
			if name == "" {
				continue
			}
			schema := decl.Schema
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tool := responses.ToolParamOfFunction(name, schema, false)
			if tool.OfFunction != nil && strings.TrimSpace(decl.Description) != "" {
				tool.OfFunction.Description = openai.String(decl.Description)
			}
			out = append(out, tool)
		}
	}
	if t.computer != nil {
		out = append(out, responses.ToolParamOfComputerUsePreview(
			t.computer.DisplayHeight,
			t.computer.DisplayWidth,
			responses.ComputerToolEnvironment(strings.TrimSpace(t.computer.Environment)),
		))
	}
	return out
}

// StreamTurn sends a user turn and streams chunks until the response
// completes.
func (t *Transport) StreamTurn(ctx context.Context, input engine.TurnInput, continuationID string, onChunk func(engine.Chunk)) (*engine.Response, error) {
	params := t.baseParams(continuationID)
	params.Input = responses.ResponseNewParamsInputUnion{
		OfInputItemList: responses.ResponseInputParam{
			responses.ResponseInputItemParamOfMessage(input.Text, responses.EasyInputMessageRoleUser),
		},
	}
	return t.consumeStream(ctx, params, onChunk)
}

// SendTurn is the synchronous analogue of StreamTurn.
func (t *Transport) SendTurn(ctx context.Context, input engine.TurnInput, continuationID string) (*engine.Response, error) {
	params := t.baseParams(continuationID)
	params.Input = responses.ResponseNewParamsInputUnion{
		OfInputItemList: responses.ResponseInputParam{
			responses.ResponseInputItemParamOfMessage(input.Text, responses.EasyInputMessageRoleUser),
		},
	}
	resp, err := t.client.Responses.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return convertResponse(resp), nil
}

// ResumeToolOutputs acknowledges tool outputs against a continuation id.
func (t *Transport) ResumeToolOutputs(ctx context.Context, outputs []engine.ToolOutput, continuationID string, reasoning []engine.ReasoningItem, stream bool, onChunk func(engine.Chunk)) (*engine.Response, error) {
	items := make(responses.ResponseInputParam, 0, len(outputs)+len(reasoning))
	for _, r := range reasoning {
		items = append(items, reasoningInputItem(r))
	}
	for _, out := range outputs {
		if out.IsComputer {
			items = append(items, computerOutputItem(out))
		} else {
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(out.CallID, out.Output))
		}
	}
	if len(items) == 0 {
		return nil, errors.New("no resume items")
	}

	params := t.baseParams(continuationID)
	params.Input = responses.ResponseNewParamsInputUnion{OfInputItemList: items}

	if stream {
		return t.consumeStream(ctx, params, onChunk)
	}
	resp, err := t.client.Responses.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return convertResponse(resp), nil
}

// FetchResponse recovers the complete item detail for a response id.
func (t *Transport) FetchResponse(ctx context.Context, responseID string) (*engine.Response, error) {
	responseID = strings.TrimSpace(responseID)
	if responseID == "" {
		return nil, errors.New("missing response id")
	}
	resp, err := t.client.Responses.Get(ctx, responseID, responses.ResponseGetParams{})
	if err != nil {
		return nil, err
	}
	return convertResponse(resp), nil
}

func (t *Transport) consumeStream(ctx context.Context, params responses.ResponseNewParams, onChunk func(engine.Chunk)) (*engine.Response, error) {
	stream := t.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	emit := func(ch engine.Chunk) {
		if onChunk != nil {
			onChunk(ch)
		}
	}

	var completed *engine.Response
	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			emit(engine.Chunk{Kind: engine.ChunkKindTextDelta, TextDelta: delta})

		case "response.output_item.added":
			item := convertOutputItem(event.Item)
			emit(engine.Chunk{Kind: engine.ChunkKindItemAdded, Item: &item})

		case "response.output_item.done":
			item := convertOutputItem(event.Item)
			emit(engine.Chunk{Kind: engine.ChunkKindItemDone, Item: &item})

		case "response.completed":
			resp := event.Response
			completed = convertResponse(&resp)
			emit(engine.Chunk{Kind: engine.ChunkKindCompleted, Response: completed})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if completed == nil {
		return nil, errors.New("stream ended without response.completed")
	}
	return completed, nil
}

func reasoningInputItem(r engine.ReasoningItem) responses.ResponseInputItemUnionParam {
	item := responses.ResponseReasoningItemParam{
		ID:      r.ID,
		Summary: []responses.ResponseReasoningItemSummaryParam{},
	}
	for _, s := range r.Summary {
		item.Summary = append(item.Summary, responses.ResponseReasoningItemSummaryParam{Text: s})
	}
	if strings.TrimSpace(r.EncryptedContent) != "" {
		item.EncryptedContent = openai.String(r.EncryptedContent)
	}
	return responses.ResponseInputItemUnionParam{OfReasoning: &item}
}

func computerOutputItem(out engine.ToolOutput) responses.ResponseInputItemUnionParam {
	screenshot := responses.ResponseComputerToolCallOutputScreenshotParam{}
	if len(out.Screenshot) > 0 {
		screenshot.ImageURL = openai.String("data:image/png;base64," + base64.StdEncoding.EncodeToString(out.Screenshot))
	}
	item := responses.ResponseInputItemParamOfComputerCallOutput(out.CallID, screenshot)
	if item.OfComputerCallOutput != nil {
		// CurrentURL stays engine-side; the screenshot output item only
		// carries the image reference and acknowledged safety checks.
		for _, check := range out.AcknowledgedSafetyChecks {
			item.OfComputerCallOutput.AcknowledgedSafetyChecks = append(
				item.OfComputerCallOutput.AcknowledgedSafetyChecks,
				responses.ResponseInputItemComputerCallOutputAcknowledgedSafetyCheckParam{
					ID:      check.ID,
					Code:    openai.String(check.Code),
					Message: openai.String(check.Message),
				},
			)
		}
	}
	return item
}

func convertResponse(resp *responses.Response) *engine.Response {
	if resp == nil {
		return nil
	}
	out := &engine.Response{
		ID:     strings.TrimSpace(resp.ID),
		Status: string(resp.Status),
	}
	for _, item := range resp.Output {
		out.Output = append(out.Output, convertOutputItem(item))
	}
	return out
}

func convertOutputItem(item responses.ResponseOutputItemUnion) engine.ResponseItem {
	converted := engine.ResponseItem{
		Type:          strings.TrimSpace(item.Type),
		ID:            strings.TrimSpace(item.ID),
		CallID:        strings.TrimSpace(item.CallID),
		Name:          strings.TrimSpace(item.Name),
		ArgumentsJSON: item.Arguments,
		Status:        strings.TrimSpace(item.Status),
	}

	switch converted.Type {
	case "message":
		var text strings.Builder
		for _, content := range item.Content {
			text.WriteString(content.Text)
		}
		converted.Text = text.String()

	case "computer_call":
		action := item.Action
		converted.Action = &engine.ComputerAction{
			Type:    strings.TrimSpace(action.Type),
			X:       action.X,
			Y:       action.Y,
			Button:  strings.TrimSpace(action.Button),
			Keys:    append([]string(nil), action.Keys...),
			Text:    action.Text,
			ScrollX: action.ScrollX,
			ScrollY: action.ScrollY,
		}
		for _, p := range action.Path {
			converted.Action.Path = append(converted.Action.Path, engine.Point{X: p.X, Y: p.Y})
		}
		for _, check := range item.PendingSafetyChecks {
			converted.PendingSafetyChecks = append(converted.PendingSafetyChecks, engine.SafetyCheck{
				ID:      check.ID,
				Code:    check.Code,
				Message: check.Message,
			})
		}

	case "reasoning":
		reasoning := &engine.ReasoningItem{
			ID:               converted.ID,
			EncryptedContent: item.EncryptedContent,
		}
		for _, s := range item.Summary {
			reasoning.Summary = append(reasoning.Summary, s.Text)
		}
		converted.Reasoning = reasoning
	}
	return converted
}

// SchemaFromJSON decodes a raw JSON Schema into the map form the SDK expects.
func SchemaFromJSON(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil
	}
	return schema
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"
	openAIDefaultModel   = "gpt-4o"

	// sseDone is the chat completions stream terminator.
	sseDone = "[DONE]"
)

// OpenAI is the adapter for the chat completions vendor family: the upstream
// API plus any compatible endpoint reachable through a base URL override. It
// speaks the go-openai wire types over the shared retrying transport so the
// stream bytes stay under this package's control.
type OpenAI struct {
	transport    *Transport
	catalog      *usage.Catalog
	apiKey       string
	baseURL      string
	defaultModel string
	logger       *slog.Logger
}

// OpenAIConfig holds construction parameters. Only APIKey is required.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// NewOpenAI creates the adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIDefaultBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openAIDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		transport:    NewTransport(cfg.Timeout, cfg.Logger),
		catalog:      usage.NewCatalog(),
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) SupportsTools() bool { return true }

// Call performs one chat completions request.
func (o *OpenAI) Call(ctx context.Context, p CallParams) (*CallResult, error) {
	model := o.model(p.Model)
	req, err := o.buildRequest(model, p)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	treq := transportRequest{
		method: "POST",
		url:    o.baseURL + "/chat/completions",
		header: o.headers(),
		body:   body,
	}

	if p.Stream {
		return o.callStreaming(ctx, model, treq, p.OnEvent)
	}
	return o.callBlocking(ctx, model, treq)
}

func (o *OpenAI) buildRequest(model string, p CallParams) (*openai.ChatCompletionRequest, error) {
	msgs, err := validMessages(p.Messages)
	if err != nil {
		return nil, err
	}

	req := &openai.ChatCompletionRequest{
		Model:       model,
		Stream:      p.Stream,
		Temperature: p.Temperature,
	}
	if p.MaxTokens > 0 {
		req.MaxTokens = p.MaxTokens
	}
	if p.Stream {
		// Usage arrives in a final chunk only when asked for.
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	// The system prompt lives in the messages array in this family.
	if p.System != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.System,
		})
	}
	for _, m := range msgs {
		converted, err := o.convertMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, converted...)
	}

	if len(p.Tools) > 0 {
		tools, err := o.FormatToolDefinitions(p.Tools)
		if err != nil {
			return nil, err
		}
		req.Tools = tools.([]openai.Tool)
	}
	return req, nil
}

// convertMessage flattens one canonical message into chat completion entries.
// A single assistant message with tool_use blocks becomes one entry carrying
// tool calls; tool_result blocks each become a role "tool" entry.
func (o *OpenAI) convertMessage(m llm.Message) ([]openai.ChatCompletionMessage, error) {
	if len(m.Blocks) == 0 {
		return []openai.ChatCompletionMessage{{
			Role:    string(m.Role),
			Content: m.Text,
		}}, nil
	}

	var out []openai.ChatCompletionMessage
	main := openai.ChatCompletionMessage{Role: string(m.Role)}
	hasMain := false

	for _, b := range m.Blocks {
		switch b.Type {
		case llm.BlockText:
			main.Content += b.Text
			hasMain = true
		case llm.BlockToolUse:
			input := b.Input
			if input == nil || b.ParseError != nil {
				input = map[string]any{}
			}
			args, err := json.Marshal(input)
			if err != nil {
				return nil, fmt.Errorf("openai: encode tool input for %s: %w", b.Name, err)
			}
			main.ToolCalls = append(main.ToolCalls, openai.ToolCall{
				ID:   b.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
			hasMain = true
		case llm.BlockToolResult:
			out = append(out, o.toolResultMessage(llm.ToolResult{
				CallID:  b.ToolUseID,
				Result:  b.Content,
				IsError: b.IsError,
			}))
		}
	}
	if hasMain {
		out = append([]openai.ChatCompletionMessage{main}, out...)
	}
	return out, nil
}

// toolResultMessage wraps a result in the JSON envelope the model is prompted
// to expect, with an explicit success flag.
func (o *OpenAI) toolResultMessage(r llm.ToolResult) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		ToolCallID: r.CallID,
		Content:    toolResultEnvelope(r.Result, r.IsError),
	}
}

func (o *OpenAI) headers() map[string][]string {
	return map[string][]string{
		"Content-Type":  {"application/json"},
		"Authorization": {"Bearer " + o.apiKey},
	}
}

func (o *OpenAI) model(model string) string {
	if model == "" {
		return o.defaultModel
	}
	return model
}

func (o *OpenAI) callStreaming(ctx context.Context, model string, req transportRequest, onEvent EventFunc) (*CallResult, error) {
	req.header["Accept"] = []string{"text/event-stream"}
	body, err := o.transport.Stream(ctx, o.Name(), model, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	acc := newStreamAccumulator(onEvent, o.logger)
	// Text streams on a reserved slot; tool calls map from their wire index
	// to the slots after it, so interleaved deltas key correctly.
	const textSlot = 0
	textStarted := false
	toolSlots := map[int]bool{}

	var scanner sseScanner
	buf := make([]byte, 8<<10)
	done := false
	for !done {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range scanner.Feed(buf[:n]) {
				if ev.data == sseDone {
					done = true
					break
				}
				o.handleStreamChunk(acc, ev.data, textSlot, &textStarted, toolSlots)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, newTransportError(o.Name(), model, readErr)
		}
	}
	acc.FinishOpenBlocks()

	return &CallResult{Blocks: acc.Blocks(), Usage: acc.Usage()}, nil
}

func (o *OpenAI) handleStreamChunk(acc *streamAccumulator, data string, textSlot int, textStarted *bool, toolSlots map[int]bool) {
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		o.logger.Warn("skipping undecodable stream chunk", "error", err)
		return
	}

	if chunk.Usage != nil {
		acc.MergeUsage(convertOpenAIUsage(*chunk.Usage))
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if !*textStarted {
				acc.StartBlock(textSlot, llm.BlockText, "", "")
				*textStarted = true
			}
			acc.AppendText(textSlot, choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			wireIndex := 0
			if tc.Index != nil {
				wireIndex = *tc.Index
			}
			slot := textSlot + 1 + wireIndex
			if !toolSlots[wireIndex] {
				id := tc.ID
				if id == "" {
					id = uuid.NewString()
				}
				acc.StartBlock(slot, llm.BlockToolUse, id, tc.Function.Name)
				toolSlots[wireIndex] = true
			}
			acc.AppendToolInput(slot, tc.Function.Arguments)
		}
	}
}

func convertOpenAIUsage(u openai.Usage) usage.Usage {
	out := usage.Usage{
		InputTokens:  int64(u.PromptTokens),
		OutputTokens: int64(u.CompletionTokens),
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = int64(u.PromptTokensDetails.CachedTokens)
	}
	return out
}

func (o *OpenAI) callBlocking(ctx context.Context, model string, req transportRequest) (*CallResult, error) {
	body, err := o.transport.Do(ctx, o.Name(), model, req)
	if err != nil {
		return nil, err
	}

	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ProviderError{
			Provider: o.Name(),
			Model:    model,
			Reason:   ReasonUnknown,
			Body:     fmt.Sprintf("undecodable response: %v", err),
		}
	}

	result := &CallResult{Usage: convertOpenAIUsage(resp.Usage)}
	if len(resp.Choices) == 0 {
		return result, nil
	}
	msg := resp.Choices[0].Message
	if msg.Content != "" {
		result.Blocks = append(result.Blocks, llm.TextBlock(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			id = uuid.NewString()
		}
		block := llm.ToolUseBlock(id, tc.Function.Name, map[string]any{})
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			var input map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				o.logger.Warn("tool arguments failed to parse",
					"tool", tc.Function.Name,
					"id", id,
					"error", err)
				block.ParseError = &llm.ParseError{Raw: tc.Function.Arguments, Message: err.Error()}
			} else {
				block.Input = input
			}
		}
		result.Blocks = append(result.Blocks, block)
	}
	return result, nil
}

// FormatToolDefinitions validates each definition and converts it to the
// function-tool wire shape.
func (o *OpenAI) FormatToolDefinitions(tools []llm.ToolDefinition) (any, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out, nil
}

// ExtractToolCalls converts canonical blocks into the canonical call list.
func (o *OpenAI) ExtractToolCalls(blocks []llm.ContentBlock) []llm.ToolCall {
	return extractToolCalls(blocks)
}

// FormatToolResults converts results into role "tool" messages.
func (o *OpenAI) FormatToolResults(results []llm.ToolResult) any {
	out := make([]openai.ChatCompletionMessage, 0, len(results))
	for _, r := range results {
		out = append(out, o.toolResultMessage(r))
	}
	return out
}

func (o *OpenAI) NormalizeResponseForHistory(blocks []llm.ContentBlock) []llm.ContentBlock {
	return normalizeForHistory(blocks)
}

// EstimateCost prices a usage record against the catalog entry for the
// default model.
func (o *OpenAI) EstimateCost(u usage.Usage) float64 {
	return o.catalog.Resolve(o.defaultModel, usage.Override{}).Estimate(u)
}

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

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultModel   = "claude-sonnet-4-20250514"
)

// Anthropic is the adapter for the native-streaming messages API. It owns the
// raw SSE byte stream: chunk reassembly, partial-JSON tool input accumulation,
// and parse-failure markers all happen here rather than in an SDK.
type Anthropic struct {
	transport    *Transport
	catalog      *usage.Catalog
	apiKey       string
	baseURL      string
	defaultModel string
	logger       *slog.Logger
}

// AnthropicConfig holds construction parameters. Only APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// NewAnthropic creates the adapter.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicDefaultBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = anthropicDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Anthropic{
		transport:    NewTransport(cfg.Timeout, cfg.Logger),
		catalog:      usage.NewCatalog(),
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) SupportsTools() bool { return true }

// Wire shapes for the messages endpoint. Content is either a plain string or
// a block list; both forms are preserved as sent by the caller.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Block shapes are split per type: the messages API rejects fields that do
// not belong to a block, tool_use must always carry input, and tool_result
// must always carry is_error.
type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolUseBlock struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type anthropicToolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature float32            `json:"temperature,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (u anthropicUsage) toUsage() usage.Usage {
	return usage.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
	}
}

// Call performs one messages request. Streaming and non-streaming paths
// produce identical canonical blocks and usage.
func (a *Anthropic) Call(ctx context.Context, p CallParams) (*CallResult, error) {
	model := a.model(p.Model)
	body, err := a.buildRequest(model, p)
	if err != nil {
		return nil, err
	}

	req := transportRequest{
		method: "POST",
		url:    a.baseURL + "/v1/messages",
		header: a.headers(),
		body:   body,
	}

	if p.Stream {
		return a.callStreaming(ctx, model, req, p.OnEvent)
	}
	return a.callBlocking(ctx, model, req)
}

func (a *Anthropic) buildRequest(model string, p CallParams) ([]byte, error) {
	msgs, err := validMessages(p.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	req := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      p.System,
		Stream:      p.Stream,
		Temperature: p.Temperature,
	}

	for _, m := range msgs {
		// System content travels in the dedicated field, never the array.
		if m.Role == llm.RoleSystem {
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{
			Role:    string(m.Role),
			Content: a.formatContent(m),
		})
	}
	if len(req.Messages) == 0 {
		return nil, ErrNoValidMessages
	}

	if len(p.Tools) > 0 {
		tools, err := a.FormatToolDefinitions(p.Tools)
		if err != nil {
			return nil, err
		}
		req.Tools = tools.([]anthropicTool)
	}

	return json.Marshal(req)
}

func (a *Anthropic) formatContent(m llm.Message) any {
	if len(m.Blocks) == 0 {
		return m.Text
	}
	out := make([]any, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case llm.BlockText:
			out = append(out, anthropicTextBlock{Type: "text", Text: b.Text})
		case llm.BlockToolUse:
			input := b.Input
			if input == nil || b.ParseError != nil {
				input = map[string]any{}
			}
			out = append(out, anthropicToolUseBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: input})
		case llm.BlockToolResult:
			out = append(out, anthropicToolResultBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolUseID,
				Content:   b.Content,
				IsError:   b.IsError,
			})
		}
	}
	return out
}

func (a *Anthropic) headers() map[string][]string {
	return map[string][]string{
		"Content-Type":      {"application/json"},
		"X-Api-Key":         {a.apiKey},
		"Anthropic-Version": {anthropicVersion},
		"Accept":            {"application/json"},
	}
}

func (a *Anthropic) model(model string) string {
	if model == "" {
		return a.defaultModel
	}
	return model
}

// Streaming event payloads. Every data line is JSON with a type field; the
// remaining fields vary by event.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta,omitempty"`

	Usage *anthropicUsage `json:"usage,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *Anthropic) callStreaming(ctx context.Context, model string, req transportRequest, onEvent EventFunc) (*CallResult, error) {
	req.header["Accept"] = []string{"text/event-stream"}
	body, err := a.transport.Stream(ctx, a.Name(), model, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	acc := newStreamAccumulator(onEvent, a.logger)
	var scanner sseScanner
	buf := make([]byte, 8<<10)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, ev := range scanner.Feed(buf[:n]) {
				if err := a.handleStreamEvent(acc, ev, model); err != nil {
					return nil, err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, newTransportError(a.Name(), model, readErr)
		}
	}
	if ev, ok := scanner.Flush(); ok {
		if err := a.handleStreamEvent(acc, ev, model); err != nil {
			return nil, err
		}
	}
	acc.FinishOpenBlocks()

	return &CallResult{Blocks: acc.Blocks(), Usage: acc.Usage()}, nil
}

func (a *Anthropic) handleStreamEvent(acc *streamAccumulator, raw sseEvent, model string) error {
	if raw.data == "" {
		return nil
	}
	var ev anthropicStreamEvent
	if err := json.Unmarshal([]byte(raw.data), &ev); err != nil {
		// One bad frame does not abort the stream.
		a.logger.Warn("skipping undecodable stream event", "event", raw.name, "error", err)
		return nil
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			acc.MergeUsage(ev.Message.Usage.toUsage())
		}
	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		switch ev.ContentBlock.Type {
		case "tool_use":
			acc.StartBlock(ev.Index, llm.BlockToolUse, ev.ContentBlock.ID, ev.ContentBlock.Name)
		default:
			acc.StartBlock(ev.Index, llm.BlockText, "", "")
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			acc.AppendText(ev.Index, ev.Delta.Text)
		case "input_json_delta":
			acc.AppendToolInput(ev.Index, ev.Delta.PartialJSON)
		}
	case "content_block_stop":
		acc.StopBlock(ev.Index)
	case "message_delta":
		if ev.Usage != nil {
			acc.MergeUsage(ev.Usage.toUsage())
		}
	case "message_stop":
		// Final event; nothing left to record.
	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return &ProviderError{
			Provider: a.Name(),
			Model:    model,
			Reason:   ReasonServerError,
			Body:     msg,
		}
	}
	return nil
}

// Non-streaming response shape.
type anthropicResponse struct {
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	Usage anthropicUsage `json:"usage"`
}

func (a *Anthropic) callBlocking(ctx context.Context, model string, req transportRequest) (*CallResult, error) {
	body, err := a.transport.Do(ctx, a.Name(), model, req)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ProviderError{
			Provider: a.Name(),
			Model:    model,
			Reason:   ReasonUnknown,
			Body:     fmt.Sprintf("undecodable response: %v", err),
		}
	}

	result := &CallResult{Usage: resp.Usage.toUsage()}
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			result.Blocks = append(result.Blocks, llm.TextBlock(c.Text))
		case "tool_use":
			input := c.Input
			if input == nil {
				input = map[string]any{}
			}
			result.Blocks = append(result.Blocks, llm.ToolUseBlock(c.ID, c.Name, input))
		}
	}
	return result, nil
}

// FormatToolDefinitions validates each definition and converts it to the wire
// tool shape.
func (a *Anthropic) FormatToolDefinitions(tools []llm.ToolDefinition) (any, error) {
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

// ExtractToolCalls converts canonical blocks into the canonical call list.
func (a *Anthropic) ExtractToolCalls(blocks []llm.ContentBlock) []llm.ToolCall {
	return extractToolCalls(blocks)
}

// FormatToolResults builds the user message carrying tool results back to the
// model. is_error is always serialized so a false value is explicit.
func (a *Anthropic) FormatToolResults(results []llm.ToolResult) any {
	blocks := make([]anthropicToolResultBlock, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, anthropicToolResultBlock{
			Type:      "tool_result",
			ToolUseID: r.CallID,
			Content:   r.Result,
			IsError:   r.IsError,
		})
	}
	return anthropicMessage{Role: "user", Content: blocks}
}

func (a *Anthropic) NormalizeResponseForHistory(blocks []llm.ContentBlock) []llm.ContentBlock {
	return normalizeForHistory(blocks)
}

// EstimateCost prices a usage record against the catalog entry for the
// default model.
func (a *Anthropic) EstimateCost(u usage.Usage) float64 {
	return a.catalog.Resolve(a.defaultModel, usage.Override{}).Estimate(u)
}

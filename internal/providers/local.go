package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

const localDefaultBaseURL = "http://localhost:11434"

// Local is the adapter for ollama-style local model servers. Responses stream
// as newline-delimited JSON rather than SSE, tool calls arrive whole rather
// than as fragments, and pricing comes from operator config since there is no
// published rate card.
type Local struct {
	transport    *Transport
	catalog      *usage.Catalog
	baseURL      string
	defaultModel string
	pricing      usage.Override
	disableTools bool
	logger       *slog.Logger
}

// LocalConfig holds construction parameters.
type LocalConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration

	// Pricing for cost estimation; zero means free.
	Pricing usage.Override

	// DisableTools turns off the declared tool capability for models that
	// cannot follow tool prompts even though the server accepts definitions.
	DisableTools bool

	Logger *slog.Logger
}

// NewLocal creates the adapter.
func NewLocal(cfg LocalConfig) *Local {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = localDefaultBaseURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Local{
		transport:    NewTransport(cfg.Timeout, cfg.Logger),
		catalog:      usage.NewCatalog(),
		baseURL:      baseURL,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		pricing:      cfg.Pricing,
		disableTools: cfg.DisableTools,
		logger:       cfg.Logger,
	}
}

func (l *Local) Name() string { return "local" }

func (l *Local) SupportsTools() bool { return !l.disableTools }

// Chat endpoint wire shapes.
type localChatRequest struct {
	Model    string             `json:"model"`
	Messages []localChatMessage `json:"messages"`
	Tools    []openai.Tool      `json:"tools,omitempty"`
	Stream   bool               `json:"stream"`
	Options  map[string]any     `json:"options,omitempty"`
}

type localChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type localChatResponse struct {
	Message *struct {
		Content   string           `json:"content"`
		ToolCalls []map[string]any `json:"tool_calls"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error"`
	EvalCount       int64  `json:"eval_count"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
}

// Call performs one chat request against the local server. Both paths read
// the NDJSON response; the non-streaming flavor is a single final record.
func (l *Local) Call(ctx context.Context, p CallParams) (*CallResult, error) {
	model := l.model(p.Model)
	if model == "" {
		return nil, &ProviderError{
			Provider: l.Name(),
			Reason:   ReasonInvalidRequest,
			Body:     "model is required",
		}
	}

	payload, err := l.buildRequest(model, p)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req := transportRequest{
		method: "POST",
		url:    l.baseURL + "/api/chat",
		header: map[string][]string{"Content-Type": {"application/json"}},
		body:   body,
	}

	stream, err := l.transport.Stream(ctx, l.Name(), model, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	return l.consume(stream, model, p.OnEvent)
}

func (l *Local) buildRequest(model string, p CallParams) (*localChatRequest, error) {
	msgs, err := validMessages(p.Messages)
	if err != nil {
		return nil, err
	}

	req := &localChatRequest{Model: model, Stream: p.Stream}
	if p.MaxTokens > 0 || p.Temperature > 0 {
		req.Options = map[string]any{}
		if p.MaxTokens > 0 {
			req.Options["num_predict"] = p.MaxTokens
		}
		if p.Temperature > 0 {
			req.Options["temperature"] = p.Temperature
		}
	}

	if p.System != "" {
		req.Messages = append(req.Messages, localChatMessage{Role: "system", Content: p.System})
	}

	// Result messages identify tools by name, which the result blocks do not
	// carry; recover names from the originating tool_use blocks.
	toolNames := map[string]string{}
	for _, m := range msgs {
		for _, b := range m.Blocks {
			if b.Type == llm.BlockToolUse && b.ID != "" {
				toolNames[b.ID] = b.Name
			}
		}
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, l.convertMessage(m, toolNames)...)
	}

	if len(p.Tools) > 0 && l.SupportsTools() {
		tools, err := l.FormatToolDefinitions(p.Tools)
		if err != nil {
			return nil, err
		}
		req.Tools = tools.([]openai.Tool)
	}
	return req, nil
}

func (l *Local) convertMessage(m llm.Message, toolNames map[string]string) []localChatMessage {
	if len(m.Blocks) == 0 {
		return []localChatMessage{{Role: string(m.Role), Content: m.Text}}
	}

	var out []localChatMessage
	main := localChatMessage{Role: string(m.Role)}
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
			main.ToolCalls = append(main.ToolCalls, map[string]any{
				"id":   b.ID,
				"type": "function",
				"function": map[string]any{
					"name":      b.Name,
					"arguments": input,
				},
			})
			hasMain = true
		case llm.BlockToolResult:
			out = append(out, localChatMessage{
				Role:     "tool",
				Content:  toolResultEnvelope(b.Content, b.IsError),
				ToolName: toolNames[b.ToolUseID],
			})
		}
	}
	if hasMain {
		out = append([]localChatMessage{main}, out...)
	}
	return out
}

// consume reads NDJSON records from the response body. Tool calls arrive as
// whole objects; each is normalized at the boundary and deduplicated, since
// some servers repeat a call across records.
func (l *Local) consume(body io.ReadCloser, model string, onEvent EventFunc) (*CallResult, error) {
	acc := newStreamAccumulator(onEvent, l.logger)
	const textSlot = 0
	textStarted := false
	nextToolSlot := 1
	seen := map[string]bool{}

	var lines lineBuffer
	buf := make([]byte, 8<<10)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, line := range lines.Lines(buf[:n]) {
				if err := l.handleRecord(acc, line, model, textSlot, &textStarted, &nextToolSlot, seen); err != nil {
					return nil, err
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, newTransportError(l.Name(), model, readErr)
		}
	}
	if rest := lines.Rest(); strings.TrimSpace(rest) != "" {
		if err := l.handleRecord(acc, rest, model, textSlot, &textStarted, &nextToolSlot, seen); err != nil {
			return nil, err
		}
	}
	acc.FinishOpenBlocks()

	return &CallResult{Blocks: acc.Blocks(), Usage: acc.Usage()}, nil
}

func (l *Local) handleRecord(acc *streamAccumulator, line, model string, textSlot int, textStarted *bool, nextToolSlot *int, seen map[string]bool) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var resp localChatResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		l.logger.Warn("skipping undecodable stream record", "error", err)
		return nil
	}
	if resp.Error != "" {
		return &ProviderError{
			Provider: l.Name(),
			Model:    model,
			Reason:   ReasonServerError,
			Body:     resp.Error,
		}
	}

	if resp.Message != nil {
		if resp.Message.Content != "" {
			if !*textStarted {
				acc.StartBlock(textSlot, llm.BlockText, "", "")
				*textStarted = true
			}
			acc.AppendText(textSlot, resp.Message.Content)
		}
		for _, payload := range resp.Message.ToolCalls {
			call, ok := llm.NormalizeToolCall(payload)
			if !ok {
				l.logger.Warn("skipping unnormalizable tool call", "payload", payload)
				continue
			}
			if call.CallID == "" {
				call.CallID = uuid.NewString()
			}
			if seen[call.CallID] {
				continue
			}
			seen[call.CallID] = true

			slot := *nextToolSlot
			*nextToolSlot++
			acc.StartBlock(slot, llm.BlockToolUse, call.CallID, call.Name)
			if len(call.Parameters) > 0 {
				args, err := json.Marshal(call.Parameters)
				if err == nil {
					acc.AppendToolInput(slot, string(args))
				}
			}
			acc.StopBlock(slot)
		}
	}

	if resp.Done {
		acc.MergeUsage(usage.Usage{
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		})
	}
	return nil
}

func (l *Local) model(model string) string {
	if model == "" {
		return l.defaultModel
	}
	return model
}

// FormatToolDefinitions reuses the function-tool wire shape, which local
// servers accept.
func (l *Local) FormatToolDefinitions(tools []llm.ToolDefinition) (any, error) {
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
func (l *Local) ExtractToolCalls(blocks []llm.ContentBlock) []llm.ToolCall {
	return extractToolCalls(blocks)
}

// toolResultEnvelope wraps result content so failure stays machine-readable
// rather than prose the model has to infer from.
func toolResultEnvelope(result string, isError bool) string {
	envelope, _ := json.Marshal(map[string]any{
		"result":  result,
		"success": !isError,
	})
	return string(envelope)
}

// FormatToolResults converts results into role "tool" messages carrying an
// explicit success flag.
func (l *Local) FormatToolResults(results []llm.ToolResult) any {
	out := make([]localChatMessage, 0, len(results))
	for _, r := range results {
		out = append(out, localChatMessage{
			Role:     "tool",
			Content:  toolResultEnvelope(r.Result, r.IsError),
			ToolName: r.Name,
		})
	}
	return out
}

func (l *Local) NormalizeResponseForHistory(blocks []llm.ContentBlock) []llm.ContentBlock {
	return normalizeForHistory(blocks)
}

// EstimateCost prices a usage record against operator-configured rates, which
// default to free.
func (l *Local) EstimateCost(u usage.Usage) float64 {
	return l.catalog.Resolve(l.defaultModel, l.pricing).Estimate(u)
}

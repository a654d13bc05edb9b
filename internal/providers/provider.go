// Package providers implements the LLM provider adapters for agent turns.
//
// Each adapter translates between the canonical shapes in internal/llm and
// one vendor family's wire format: the native-streaming messages API, the
// OpenAI-compatible chat completions family, and local model servers. All
// adapters share a retrying HTTP transport, a chunk-safe stream parser, and
// one cost model, so the orchestration layer above never sees vendor
// differences.
package providers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

// ErrNoValidMessages is returned when, after dropping malformed entries,
// nothing remains to send. This is a caller error and is never retried.
var ErrNoValidMessages = errors.New("providers: no valid messages to send")

// EventType identifies a progress event surfaced during streaming.
type EventType string

const (
	EventBlockStart     EventType = "block_start"
	EventTextDelta      EventType = "text_delta"
	EventToolInputDelta EventType = "tool_input_delta"
	EventBlockStop      EventType = "block_stop"
	EventUsageUpdate    EventType = "usage_update"

	// Synthesized events for early UI feedback.
	EventToolStart    EventType = "tool_start"
	EventToolComplete EventType = "tool_complete"
)

// Event is one progress notification delivered to a Call's OnEvent callback
// while a streaming response is being consumed.
type Event struct {
	Type     EventType
	Index    int
	Kind     llm.BlockType
	Text     string
	Fragment string
	ToolID   string
	ToolName string
	Input    map[string]any
	Usage    usage.Usage
}

// EventFunc receives streaming progress events. Callbacks run synchronously
// on the stream-reading goroutine; keep them fast.
type EventFunc func(Event)

// CallParams is the uniform input to every adapter's Call.
type CallParams struct {
	Model       string
	Messages    []llm.Message
	System      string
	Tools       []llm.ToolDefinition
	MaxTokens   int
	Temperature float32
	Stream      bool
	OnEvent     EventFunc
}

// CallResult is the uniform output of every adapter's Call.
type CallResult struct {
	Blocks []llm.ContentBlock
	Usage  usage.Usage
}

// Text concatenates the text blocks of the result.
func (r *CallResult) Text() string {
	var out string
	for _, b := range r.Blocks {
		if b.Type == llm.BlockText {
			out += b.Text
		}
	}
	return out
}

// Adapter is the contract every vendor implementation satisfies.
type Adapter interface {
	Name() string

	// SupportsTools reports the tool capability decided at construction.
	SupportsTools() bool

	// Call performs one request against the vendor. With Stream set and an
	// OnEvent callback supplied, results accumulate incrementally; either
	// path produces the same canonical blocks and usage.
	Call(ctx context.Context, p CallParams) (*CallResult, error)

	// NormalizeResponseForHistory prepares blocks for persistence: empty
	// text blocks are filtered and internal error markers stripped. Returns
	// nil when nothing remains.
	NormalizeResponseForHistory(blocks []llm.ContentBlock) []llm.ContentBlock

	// EstimateCost prices a usage record against the adapter's rate card.
	EstimateCost(u usage.Usage) float64
}

// ToolSupport is the optional tool-calling capability. A vendor module
// either implements all three operations or does not implement the
// interface; there is no partial state.
type ToolSupport interface {
	FormatToolDefinitions(tools []llm.ToolDefinition) (any, error)
	ExtractToolCalls(blocks []llm.ContentBlock) []llm.ToolCall
	FormatToolResults(results []llm.ToolResult) any
}

// VerifyToolSupport reconciles an adapter's declared capability with what it
// implements. A mismatch (declared but unimplemented, or implemented but
// disabled) is a configuration warning, not a hard failure: tool support is
// optional per vendor but must be complete or absent. Returns the effective
// capability.
func VerifyToolSupport(a Adapter, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	_, implemented := a.(ToolSupport)
	declared := a.SupportsTools()
	if declared && !implemented {
		logger.Warn("adapter declares tool support but does not implement it",
			"provider", a.Name())
		return false
	}
	if !declared && implemented {
		logger.Warn("adapter implements tool support but has it disabled",
			"provider", a.Name())
	}
	return declared && implemented
}

// validMessages drops entries with a missing role or content and fails when
// zero valid messages remain. Request construction fails loudly before any
// network call; this is a programmer error, not a transient failure.
func validMessages(msgs []llm.Message) ([]llm.Message, error) {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Valid() {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoValidMessages
	}
	return out, nil
}

// extractToolCalls converts canonical blocks to the canonical call list.
// Blocks whose streamed input failed to parse become synthetic failing calls
// carrying the error text, so the model can be told and retry; they are
// never silently dropped.
func extractToolCalls(blocks []llm.ContentBlock) []llm.ToolCall {
	var calls []llm.ToolCall
	for _, b := range blocks {
		if b.Type != llm.BlockToolUse {
			continue
		}
		call := llm.ToolCall{
			CallID:     b.ID,
			Name:       b.Name,
			Parameters: b.Input,
		}
		if call.Parameters == nil {
			call.Parameters = map[string]any{}
		}
		if b.ParseError != nil {
			call.ParseError = b.ParseError.Message
		}
		calls = append(calls, call)
	}
	return calls
}

// normalizeForHistory filters empty text blocks and strips internal markers.
func normalizeForHistory(blocks []llm.ContentBlock) []llm.ContentBlock {
	var out []llm.ContentBlock
	for _, b := range blocks {
		if b.Type == llm.BlockText && b.Text == "" {
			continue
		}
		b.ParseError = nil
		out = append(out, b)
	}
	return out
}

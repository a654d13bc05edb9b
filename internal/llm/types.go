// Package llm defines the canonical message and tool-calling shapes that
// every provider adapter translates to and from. Vendor wire formats differ
// in nesting, key spelling, and streaming behavior; everything past the
// adapter boundary speaks the types in this package.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Message is one entry in a conversation transcript. Content is either plain
// text or a list of structured blocks; adapters preserve whichever form is
// present when formatting for a vendor.
type Message struct {
	Role   Role           `json:"role"`
	Text   string         `json:"text,omitempty"`
	Blocks []ContentBlock `json:"blocks,omitempty"`
}

// Valid reports whether the message carries both a role and some content.
// Invalid messages are dropped before transmission.
func (m Message) Valid() bool {
	return m.Role != "" && (m.Text != "" || len(m.Blocks) > 0)
}

// ParseError records a tool-input payload that failed to decode during
// streaming. It is attached to the block so the failure can be surfaced to
// the model as a synthetic failing tool call, and is stripped before the
// block is persisted or sent back to a provider.
type ParseError struct {
	Raw     string `json:"raw"`
	Message string `json:"message"`
}

// ContentBlock is one unit of model output: text, a tool invocation, or a
// tool result. The Type field selects which of the remaining fields apply.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// ParseError is an internal marker and never crosses the provider wire.
	ParseError *ParseError `json:"-"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool invocation block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool result block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ToolDefinition describes a tool the model may invoke. InputSchema is a
// JSON Schema object constraining Parameters of the resulting calls.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Validate compiles the input schema and reports definition-time errors.
// A failure here is a caller error, not a transient provider condition.
func (d ToolDefinition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("tool definition missing name")
	}
	if d.InputSchema == nil {
		return nil
	}
	raw, err := json.Marshal(d.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: encode schema: %w", d.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(d.Name+".json", strings.NewReader(string(raw))); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", d.Name, err)
	}
	if _, err := compiler.Compile(d.Name + ".json"); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", d.Name, err)
	}
	return nil
}

// ToolCall is the canonical shape every adapter produces from extraction and
// accepts for result formatting.
type ToolCall struct {
	CallID     string         `json:"call_id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`

	// ParseError carries the decode failure for synthetic calls built from
	// blocks whose streamed input never parsed. Such calls must not be
	// executed; the orchestrator turns them into failing tool results so the
	// model can see the error and retry.
	ParseError string `json:"-"`
}

// ToolResult is the canonical outcome of executing a tool call. Name repeats
// the called tool's name for vendors whose result messages identify the tool
// by name rather than call id.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name,omitempty"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error,omitempty"`
}

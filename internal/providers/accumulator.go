package providers

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

// streamAccumulator reconstructs canonical content blocks from
// block-index-keyed streaming events. Indices may interleave arbitrarily;
// state is keyed by index, not by arrival order. Tool-input blocks
// accumulate raw partial-JSON fragments that are only parsed at block stop.
type streamAccumulator struct {
	blocks  map[int]*blockState
	text    strings.Builder
	usage   usage.Usage
	onEvent EventFunc
	logger  *slog.Logger
}

type blockState struct {
	index int
	kind  llm.BlockType
	id    string
	name  string
	text  strings.Builder
	input strings.Builder
	final llm.ContentBlock
	done  bool
}

func newStreamAccumulator(onEvent EventFunc, logger *slog.Logger) *streamAccumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &streamAccumulator{
		blocks:  make(map[int]*blockState),
		onEvent: onEvent,
		logger:  logger,
	}
}

func (a *streamAccumulator) emit(ev Event) {
	if a.onEvent != nil {
		a.onEvent(ev)
	}
}

// StartBlock allocates the slot for an index. Tool blocks begin with an
// empty input accumulation buffer.
func (a *streamAccumulator) StartBlock(index int, kind llm.BlockType, id, name string) {
	a.blocks[index] = &blockState{index: index, kind: kind, id: id, name: name}
	a.emit(Event{Type: EventBlockStart, Index: index, Kind: kind})
	if kind == llm.BlockToolUse {
		a.emit(Event{Type: EventToolStart, Index: index, ToolID: id, ToolName: name})
	}
}

// AppendText appends a text delta to the indexed block and to the running
// plain-text accumulator.
func (a *streamAccumulator) AppendText(index int, text string) {
	b, ok := a.blocks[index]
	if !ok {
		a.logger.Debug("text delta for unknown block index", "index", index)
		return
	}
	b.text.WriteString(text)
	a.text.WriteString(text)
	a.emit(Event{Type: EventTextDelta, Index: index, Text: text})
}

// AppendToolInput appends a raw partial-JSON fragment to the indexed tool
// block. Zero-length and whitespace-only fragments are kept: a fragment like
// a lone space between JSON tokens is still part of the document, and
// presence checks that treat it as absent corrupt the accumulated input.
func (a *streamAccumulator) AppendToolInput(index int, fragment string) {
	b, ok := a.blocks[index]
	if !ok {
		a.logger.Debug("tool input delta for unknown block index", "index", index)
		return
	}
	b.input.WriteString(fragment)
	a.emit(Event{Type: EventToolInputDelta, Index: index, Fragment: fragment})
}

// StopBlock finalizes the slot for an index. A stop with no matching start
// is a tolerated gap: logged and skipped, the stream continues.
func (a *streamAccumulator) StopBlock(index int) {
	b, ok := a.blocks[index]
	if !ok {
		a.logger.Warn("block stop for unknown block index", "index", index)
		return
	}
	if b.done {
		return
	}
	b.done = true

	switch b.kind {
	case llm.BlockToolUse:
		b.final = a.finalizeToolBlock(b)
	default:
		b.final = llm.TextBlock(b.text.String())
	}
	a.emit(Event{Type: EventBlockStop, Index: index})
}

// finalizeToolBlock parses the accumulated buffer as the tool input. An
// empty buffer means the tool took no parameters and resolves to an empty
// input without error. A buffer that fails to parse resolves to an empty
// input plus a parse-error marker; the stream is not aborted.
func (a *streamAccumulator) finalizeToolBlock(b *blockState) llm.ContentBlock {
	raw := b.input.String()
	block := llm.ToolUseBlock(b.id, b.name, map[string]any{})

	if strings.TrimSpace(raw) != "" {
		var input map[string]any
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			a.logger.Warn("tool input failed to parse",
				"tool", b.name,
				"id", b.id,
				"error", err)
			block.ParseError = &llm.ParseError{Raw: raw, Message: err.Error()}
			return block
		}
		block.Input = input
	}

	a.emit(Event{Type: EventToolComplete, Index: b.index, ToolID: b.id, ToolName: b.name, Input: block.Input})
	return block
}

// FinishOpenBlocks stops any block that never saw an explicit stop event.
// Vendors without block lifecycle events rely on this at stream end.
func (a *streamAccumulator) FinishOpenBlocks() {
	for _, index := range a.sortedIndexes() {
		if !a.blocks[index].done {
			a.StopBlock(index)
		}
	}
}

// MergeUsage folds a partial usage report into the running record.
func (a *streamAccumulator) MergeUsage(u usage.Usage) {
	a.usage.Merge(u)
	a.emit(Event{Type: EventUsageUpdate, Usage: u})
}

// Blocks returns the finalized blocks in index order.
func (a *streamAccumulator) Blocks() []llm.ContentBlock {
	var out []llm.ContentBlock
	for _, index := range a.sortedIndexes() {
		b := a.blocks[index]
		if !b.done {
			continue
		}
		out = append(out, b.final)
	}
	return out
}

// Text returns the running plain-text accumulation across all text blocks.
func (a *streamAccumulator) Text() string {
	return a.text.String()
}

// Usage returns the merged usage record.
func (a *streamAccumulator) Usage() usage.Usage {
	return a.usage
}

func (a *streamAccumulator) sortedIndexes() []int {
	indexes := make([]int, 0, len(a.blocks))
	for index := range a.blocks {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

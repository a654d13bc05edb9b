package providers

import (
	"reflect"
	"testing"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

func TestAccumulatorTextBlock(t *testing.T) {
	acc := newStreamAccumulator(nil, nil)
	acc.StartBlock(0, llm.BlockText, "", "")
	acc.AppendText(0, "hello ")
	acc.AppendText(0, "world")
	acc.StopBlock(0)

	blocks := acc.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("Blocks() returned %d blocks, want 1", len(blocks))
	}
	if blocks[0].Text != "hello world" {
		t.Fatalf("text = %q, want %q", blocks[0].Text, "hello world")
	}
	if acc.Text() != "hello world" {
		t.Fatalf("Text() = %q, want %q", acc.Text(), "hello world")
	}
}

func TestAccumulatorToolInputAcrossFragments(t *testing.T) {
	acc := newStreamAccumulator(nil, nil)
	acc.StartBlock(1, llm.BlockToolUse, "call_1", "search")
	// Fragments split mid-token, including empty and whitespace-only ones
	// that must not be dropped.
	for _, frag := range []string{`{"que`, "", `ry":`, " ", `"go`, `pher"}`} {
		acc.AppendToolInput(1, frag)
	}
	acc.StopBlock(1)

	blocks := acc.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("Blocks() returned %d blocks, want 1", len(blocks))
	}
	b := blocks[0]
	if b.ParseError != nil {
		t.Fatalf("unexpected parse error: %+v", b.ParseError)
	}
	want := map[string]any{"query": "gopher"}
	if !reflect.DeepEqual(b.Input, want) {
		t.Fatalf("input = %v, want %v", b.Input, want)
	}
}

func TestAccumulatorMalformedToolInput(t *testing.T) {
	acc := newStreamAccumulator(nil, nil)
	acc.StartBlock(0, llm.BlockToolUse, "call_1", "search")
	acc.AppendToolInput(0, `{"query": "unterminated`)
	acc.StopBlock(0)

	blocks := acc.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("Blocks() returned %d blocks, want 1", len(blocks))
	}
	b := blocks[0]
	if b.ParseError == nil {
		t.Fatal("want parse error marker on malformed input")
	}
	if b.ParseError.Raw != `{"query": "unterminated` {
		t.Fatalf("raw = %q, want original payload", b.ParseError.Raw)
	}
	if len(b.Input) != 0 {
		t.Fatalf("input = %v, want empty on parse failure", b.Input)
	}
}

func TestAccumulatorEmptyToolInput(t *testing.T) {
	acc := newStreamAccumulator(nil, nil)
	acc.StartBlock(0, llm.BlockToolUse, "call_1", "ping")
	acc.StopBlock(0)

	blocks := acc.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("Blocks() returned %d blocks, want 1", len(blocks))
	}
	b := blocks[0]
	if b.ParseError != nil {
		t.Fatalf("empty input is not an error, got %+v", b.ParseError)
	}
	if b.Input == nil || len(b.Input) != 0 {
		t.Fatalf("input = %v, want empty object", b.Input)
	}
}

func TestAccumulatorStopWithoutStart(t *testing.T) {
	acc := newStreamAccumulator(nil, nil)
	acc.StopBlock(3)
	if blocks := acc.Blocks(); len(blocks) != 0 {
		t.Fatalf("Blocks() = %v, want none", blocks)
	}
}

func TestAccumulatorInterleavedIndexes(t *testing.T) {
	acc := newStreamAccumulator(nil, nil)
	acc.StartBlock(0, llm.BlockText, "", "")
	acc.StartBlock(1, llm.BlockToolUse, "call_1", "a")
	acc.AppendText(0, "thinking")
	acc.AppendToolInput(1, `{}`)
	acc.StopBlock(1)
	acc.StopBlock(0)

	blocks := acc.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("Blocks() returned %d blocks, want 2", len(blocks))
	}
	if blocks[0].Type != llm.BlockText || blocks[1].Type != llm.BlockToolUse {
		t.Fatalf("blocks out of index order: %+v", blocks)
	}
}

func TestAccumulatorFinishOpenBlocks(t *testing.T) {
	acc := newStreamAccumulator(nil, nil)
	acc.StartBlock(0, llm.BlockText, "", "")
	acc.AppendText(0, "no explicit stop")
	acc.FinishOpenBlocks()

	blocks := acc.Blocks()
	if len(blocks) != 1 || blocks[0].Text != "no explicit stop" {
		t.Fatalf("Blocks() = %+v, want finalized text block", blocks)
	}
}

func TestAccumulatorUsageMergeAcrossEvents(t *testing.T) {
	acc := newStreamAccumulator(nil, nil)
	acc.MergeUsage(usage.Usage{InputTokens: 100, CacheReadTokens: 40})
	acc.MergeUsage(usage.Usage{OutputTokens: 25})

	u := acc.Usage()
	if u.InputTokens != 100 || u.OutputTokens != 25 || u.CacheReadTokens != 40 {
		t.Fatalf("Usage() = %+v, want merged fields intact", u)
	}
}

func TestAccumulatorEvents(t *testing.T) {
	var events []Event
	acc := newStreamAccumulator(func(ev Event) { events = append(events, ev) }, nil)
	acc.StartBlock(0, llm.BlockToolUse, "call_1", "search")
	acc.AppendToolInput(0, `{"q":1}`)
	acc.StopBlock(0)

	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []EventType{EventBlockStart, EventToolStart, EventToolInputDelta, EventToolComplete, EventBlockStop}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
}

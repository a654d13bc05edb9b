// Package orchestrator drives complete agent turns: lock acquisition, the
// model/tool loop, history persistence, and session completion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kyleturman/houston-sub001/internal/llm"
	"github.com/kyleturman/houston-sub001/internal/providers"
	"github.com/kyleturman/houston-sub001/internal/runtime"
	"github.com/kyleturman/houston-sub001/internal/usage"
)

// defaultMaxIterations bounds the model/tool loop within one turn.
const defaultMaxIterations = 10

// ToolExecutor runs one tool call and returns its textual result. A returned
// error becomes a failing tool result fed back to the model, not a turn
// failure.
type ToolExecutor interface {
	Execute(ctx context.Context, call llm.ToolCall) (string, error)
}

// ToolExecutorFunc adapts a function to the ToolExecutor interface.
type ToolExecutorFunc func(ctx context.Context, call llm.ToolCall) (string, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	return f(ctx, call)
}

// Runner executes turns for agents against one provider adapter.
type Runner struct {
	Adapter       providers.Adapter
	Machine       *runtime.Machine
	Tools         []llm.ToolDefinition
	Executor      ToolExecutor
	System        string
	Model         string
	MaxTokens     int
	Temperature   float32
	MaxIterations int
	Stream        bool
	OnEvent       providers.EventFunc
	Logger        *slog.Logger
}

// TurnResult summarizes one completed or skipped turn.
type TurnResult struct {
	// Skipped is set when another run held the execution lock; nothing was
	// sent to the provider.
	Skipped bool

	Text       string
	Blocks     []llm.ContentBlock
	Usage      usage.Usage
	Cost       float64
	Iterations int
	ToolCalls  int

	// Archived is the history record written when the turn completed a
	// task, nil when the session stayed live.
	Archived *runtime.HistoryRecord
}

// Run executes one turn for the agent triggered by the given user text.
//
// A held execution lock skips the turn instead of failing it: overlapping
// triggers are expected, and the losing trigger simply yields. The lock is
// always released on exit, including error paths.
func (r *Runner) Run(ctx context.Context, agentID, userText string) (*TurnResult, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Adapter == nil || r.Machine == nil {
		return nil, errors.New("orchestrator: adapter and machine are required")
	}

	if err := r.Machine.ArchiveIfStale(ctx, agentID); err != nil {
		return nil, fmt.Errorf("archive stale session: %w", err)
	}

	claimed, err := r.Machine.ClaimExecutionLock(ctx, agentID, "")
	if err != nil {
		return nil, fmt.Errorf("claim execution lock: %w", err)
	}
	if !claimed {
		logger.Info("turn skipped, execution lock held", "agent", agentID)
		return &TurnResult{Skipped: true}, nil
	}
	defer func() {
		if err := r.Machine.ReleaseExecutionLock(context.WithoutCancel(ctx), agentID); err != nil {
			logger.Error("release execution lock failed", "agent", agentID, "error", err)
		}
	}()

	if err := r.Machine.StartTurnIfNeeded(ctx, agentID, ""); err != nil {
		return nil, fmt.Errorf("start turn: %w", err)
	}

	store := r.Machine.Store()
	if userText != "" {
		if err := store.AppendMessages(ctx, agentID, llm.Message{Role: llm.RoleUser, Text: userText}); err != nil {
			return nil, fmt.Errorf("append user message: %w", err)
		}
	}

	useTools := len(r.Tools) > 0 && providers.VerifyToolSupport(r.Adapter, logger) && r.Executor != nil
	maxIterations := r.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	result := &TurnResult{}
	for iteration := 1; iteration <= maxIterations; iteration++ {
		result.Iterations = iteration

		history, err := store.Messages(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}

		params := providers.CallParams{
			Model:       r.Model,
			Messages:    history,
			System:      r.System,
			MaxTokens:   r.MaxTokens,
			Temperature: r.Temperature,
			Stream:      r.Stream,
			OnEvent:     r.OnEvent,
		}
		if useTools {
			params.Tools = r.Tools
		}

		call, err := r.Adapter.Call(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("provider call: %w", err)
		}
		result.Usage.Add(call.Usage)
		result.Blocks = call.Blocks
		result.Text = call.Text()

		if kept := r.Adapter.NormalizeResponseForHistory(call.Blocks); len(kept) > 0 {
			msg := llm.Message{Role: llm.RoleAssistant, Blocks: kept}
			if err := store.AppendMessages(ctx, agentID, msg); err != nil {
				return nil, fmt.Errorf("append assistant message: %w", err)
			}
		}

		calls := r.extractToolCalls(call.Blocks, useTools)
		if len(calls) == 0 {
			break
		}
		result.ToolCalls += len(calls)

		results := r.executeToolCalls(ctx, logger, calls)
		blocks := make([]llm.ContentBlock, 0, len(results))
		for _, tr := range results {
			blocks = append(blocks, llm.ToolResultBlock(tr.CallID, tr.Result, tr.IsError))
		}
		if err := store.AppendMessages(ctx, agentID, llm.Message{Role: llm.RoleUser, Blocks: blocks}); err != nil {
			return nil, fmt.Errorf("append tool results: %w", err)
		}

		if iteration == maxIterations {
			logger.Warn("turn hit iteration bound", "agent", agentID, "iterations", iteration)
		}
	}

	result.Cost = r.Adapter.EstimateCost(result.Usage)

	// A turn that worked through tools and then answered without requesting
	// more is a completed task; plain conversation keeps the session live.
	if result.ToolCalls > 0 {
		record, err := r.Machine.ArchiveTurn(ctx, agentID, "task_complete", result.Usage)
		if err != nil {
			return nil, fmt.Errorf("archive completed turn: %w", err)
		}
		result.Archived = record
	}

	return result, nil
}

func (r *Runner) extractToolCalls(blocks []llm.ContentBlock, useTools bool) []llm.ToolCall {
	ts, ok := r.Adapter.(providers.ToolSupport)
	if !ok || !useTools {
		return nil
	}
	return ts.ExtractToolCalls(blocks)
}

// executeToolCalls runs each call in order. Calls carrying a parse-error
// marker are never executed; their error text goes straight back to the
// model as a failing result so it can correct the payload and retry.
func (r *Runner) executeToolCalls(ctx context.Context, logger *slog.Logger, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		if call.ParseError != "" {
			logger.Warn("tool call skipped, input failed to parse",
				"tool", call.Name,
				"error", call.ParseError)
			results = append(results, llm.ToolResult{
				CallID:  call.CallID,
				Name:    call.Name,
				Result:  fmt.Sprintf("tool input could not be parsed: %s", call.ParseError),
				IsError: true,
			})
			continue
		}

		output, err := r.Executor.Execute(ctx, call)
		if err != nil {
			logger.Warn("tool execution failed", "tool", call.Name, "error", err)
			results = append(results, llm.ToolResult{
				CallID:  call.CallID,
				Name:    call.Name,
				Result:  err.Error(),
				IsError: true,
			})
			continue
		}
		results = append(results, llm.ToolResult{CallID: call.CallID, Name: call.Name, Result: output})
	}
	return results
}

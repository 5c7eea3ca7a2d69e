package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// DefaultMaxTurns bounds the number of model calls in a tool loop.
const DefaultMaxTurns = 8

// ErrMaxTurns is returned when the model keeps calling tools past the limit.
var ErrMaxTurns = errors.New("tool loop exceeded max turns")

// ToolFunc executes one tool call and returns its textual result.
type ToolFunc func(ctx context.Context, input map[string]any) (string, error)

// Tool pairs a definition with its implementation.
type Tool struct {
	Definition ToolDefinition
	Run        ToolFunc
}

// Conversation is the outcome of a tool loop.
type Conversation struct {
	Messages  []Message
	Final     *Response
	ToolCalls int
	Usage     Usage
}

// RunTools sends req and executes every tool call the model makes until it
// answers without tools. Tool errors are reported back to the model as
// error results rather than aborting the loop.
func RunTools(ctx context.Context, p Provider, req Request, tools []Tool, maxTurns int, logger *slog.Logger) (*Conversation, error) {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	byName := make(map[string]ToolFunc, len(tools))
	req.Tools = req.Tools[:0:0]
	for _, t := range tools {
		byName[t.Definition.Name] = t.Run
		req.Tools = append(req.Tools, t.Definition)
	}

	conv := &Conversation{Messages: append([]Message(nil), req.Messages...)}
	for turn := 0; turn < maxTurns; turn++ {
		req.Messages = conv.Messages
		resp, err := p.SendMessage(ctx, &req)
		if err != nil {
			return conv, fmt.Errorf("turn %d: %w", turn+1, err)
		}
		conv.Usage.Add(resp.Usage)
		conv.Messages = append(conv.Messages, resp.Message())
		if !resp.HasToolUse() {
			conv.Final = resp
			return conv, nil
		}

		var results []ContentBlock
		for _, call := range resp.ToolUseBlocks() {
			conv.ToolCalls++
			run, ok := byName[call.Name]
			if !ok {
				results = append(results, ToolResultBlock(call.ID, call.Name, "unknown tool: "+call.Name, true))
				continue
			}
			logger.DebugContext(ctx, "executing tool call",
				slog.String("provider", p.Name()),
				slog.String("tool", call.Name),
				slog.String("call_id", call.ID),
			)
			out, err := run(ctx, call.Input)
			if err != nil {
				logger.WarnContext(ctx, "tool call failed",
					slog.String("tool", call.Name),
					slog.String("error", err.Error()),
				)
				results = append(results, ToolResultBlock(call.ID, call.Name, err.Error(), true))
				continue
			}
			results = append(results, ToolResultBlock(call.ID, call.Name, out, false))
		}
		conv.Messages = append(conv.Messages, Message{Role: RoleUser, ContentBlocks: results})
	}
	return conv, ErrMaxTurns
}

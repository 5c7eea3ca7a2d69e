// Package llm defines the chat and tool-calling types shared by the model
// clients used in integration suites.
package llm

import (
	"context"
	"strings"
)

// Provider sends a conversation to a chat model.
type Provider interface {
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name identifies the backend, e.g. "openai".
	Name() string
}

// Request is a full conversation.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Tools        []ToolDefinition // nil disables tool use
}

// ToolDefinition describes a function the model may call. InputSchema is a
// JSON schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Message is one turn. Either Content or ContentBlocks is set.
type Message struct {
	Role          Role
	Content       string
	ContentBlocks []ContentBlock
}

// TextContent returns the text of the message, joining text blocks when the
// message is structured.
func (m *Message) TextContent() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, c := range m.ContentBlocks {
		if c.Type == BlockText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged union; Type selects the meaningful fields.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock answers the tool_use block with id toolUseID. name is the
// tool that produced the result.
func ToolResultBlock(toolUseID, name, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Name: name, Text: content, IsError: isError}
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Stop reasons.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Response is a model reply.
type Response struct {
	Content       string
	ContentBlocks []ContentBlock
	Usage         Usage
	StopReason    string
}

// HasToolUse reports whether the model asked for tool calls.
func (r *Response) HasToolUse() bool {
	return r.StopReason == StopToolUse || len(r.ToolUseBlocks()) > 0
}

// ToolUseBlocks returns the tool_use blocks of the reply.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range r.ContentBlocks {
		if b.Type == BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Message converts the reply into an assistant turn for the next request.
func (r *Response) Message() Message {
	if len(r.ContentBlocks) == 0 {
		return Message{Role: RoleAssistant, Content: r.Content}
	}
	return Message{Role: RoleAssistant, ContentBlocks: r.ContentBlocks}
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

package openai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/mfzzf/e2b-test-suite/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// completionsServer serves /v1/chat/completions with handle and records the
// decoded requests.
func completionsServer(t *testing.T, handle func(req apiRequest) apiResponse) (*httptest.Server, *[]apiRequest) {
	t.Helper()
	var seen []apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req apiRequest
		if err := sonic.Unmarshal(body, &req); err != nil {
			t.Errorf("decoding request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		seen = append(seen, req)
		data, _ := sonic.Marshal(handle(req))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func textReply(content string) apiResponse {
	return apiResponse{
		Choices: []apiChoice{{
			Message:      apiChoiceMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: apiUsage{PromptTokens: 10, CompletionTokens: 5},
	}
}

func TestSendMessage_TextResponse(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		data, _ := sonic.Marshal(textReply("你好"))
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	client := NewClient("test-key", "", discardLogger(), WithBaseURL(srv.URL+"/"))
	if client.Model() != DefaultModel {
		t.Errorf("model = %q, want %q", client.Model(), DefaultModel)
	}
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Say hello in Chinese"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth != "Bearer test-key" {
		t.Errorf("Authorization = %q", auth)
	}
	if resp.Content != "你好" || resp.StopReason != llm.StopEndTurn {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestSendMessage_ToolUse(t *testing.T) {
	srv, seen := completionsServer(t, func(req apiRequest) apiResponse {
		return apiResponse{Choices: []apiChoice{{
			Message: apiChoiceMessage{
				Role: "assistant",
				ToolCalls: []apiToolCall{{
					ID:       "call_123",
					Type:     "function",
					Function: apiToolCallFunction{Name: "execute_python", Arguments: `{"code":"print(1)"}`},
				}},
			},
			FinishReason: "tool_calls",
		}}}
	})

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL+"/v1"))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "run it"}},
		Tools: []llm.ToolDefinition{{
			Name:        "execute_python",
			Description: "Execute python code",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := (*seen)[0].Tools; len(got) != 1 || got[0].Type != "function" || got[0].Function.Name != "execute_python" {
		t.Errorf("tools sent = %+v", got)
	}
	if !resp.HasToolUse() {
		t.Fatal("expected tool use")
	}
	blocks := resp.ToolUseBlocks()
	if len(blocks) != 1 || blocks[0].ID != "call_123" || blocks[0].Input["code"] != "print(1)" {
		t.Errorf("blocks = %+v", blocks)
	}
}

func TestSendMessage_ToolResultRoundTrip(t *testing.T) {
	srv, seen := completionsServer(t, func(apiRequest) apiResponse { return textReply("Done.") })

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL+"/v1"))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "count the r's"},
			{Role: llm.RoleAssistant, ContentBlocks: []llm.ContentBlock{
				llm.ToolUseBlock("call_1", "execute_python", map[string]any{"code": "'strawberry'.count('r')"}),
			}},
			{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{
				llm.ToolResultBlock("call_1", "execute_python", "3", false),
			}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := (*seen)[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[2].Role != "assistant" || len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Function.Arguments != `{"code":"'strawberry'.count('r')"}` {
		t.Errorf("assistant = %+v", msgs[2])
	}
	tool := msgs[3]
	if tool.Role != "tool" || tool.ToolCallID != "call_1" || tool.Name != "execute_python" || tool.Content != "3" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("error = %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, ok := FromEnv(discardLogger()); ok {
		t.Error("expected ok=false without an API key")
	}

	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", "https://llm.example.com/v1/")
	t.Setenv("OPENAI_MODEL", "qwen-max")
	c, ok := FromEnv(discardLogger())
	if !ok || c.baseURL != "https://llm.example.com/v1" || c.Model() != "qwen-max" {
		t.Errorf("client = %+v, ok = %v", c, ok)
	}
}

// --- Tool loop ---

func TestRunTools_ExecutePython(t *testing.T) {
	srv, seen := completionsServer(t, func(req apiRequest) apiResponse {
		last := req.Messages[len(req.Messages)-1]
		if last.Role == "tool" {
			return textReply("There are " + last.Content + " r's in strawberry.")
		}
		return apiResponse{Choices: []apiChoice{{
			Message: apiChoiceMessage{ToolCalls: []apiToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: apiToolCallFunction{Name: "execute_python", Arguments: `{"code":"print('strawberry'.count('r'))"}`},
			}}},
			FinishReason: "tool_calls",
		}}}
	})

	var ran string
	tool := llm.Tool{
		Definition: llm.ToolDefinition{Name: "execute_python", InputSchema: map[string]any{"type": "object"}},
		Run: func(_ context.Context, in map[string]any) (string, error) {
			ran, _ = in["code"].(string)
			return "3", nil
		},
	}
	client := NewClient("k", "", discardLogger(), WithBaseURL(srv.URL+"/v1"))
	conv, err := llm.RunTools(context.Background(), client, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Calculate how many r's are in the word 'strawberry'"}},
	}, []llm.Tool{tool}, 0, discardLogger())
	if err != nil {
		t.Fatalf("RunTools() error: %v", err)
	}
	if ran != "print('strawberry'.count('r'))" {
		t.Errorf("code = %q", ran)
	}
	if conv.ToolCalls != 1 || conv.Final.Content != "There are 3 r's in strawberry." {
		t.Errorf("conversation = %+v", conv)
	}
	if len(*seen) != 2 || conv.Usage.InputTokens != 10 {
		t.Errorf("requests = %d, usage = %+v", len(*seen), conv.Usage)
	}
}

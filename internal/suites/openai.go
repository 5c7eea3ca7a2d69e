package suites

import (
	"context"
	"errors"
	"strings"

	"github.com/mfzzf/e2b-test-suite/internal/codeinterpreter"
	"github.com/mfzzf/e2b-test-suite/internal/llm"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

var executePython = llm.ToolDefinition{
	Name:        "execute_python",
	Description: "Execute python code in a Jupyter notebook cell and return result",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{
				"type":        "string",
				"description": "The python code to execute in a single cell",
			},
		},
		"required": []string{"code"},
	},
}

// pythonTool runs model-written code in sbx and returns the main result,
// falling back to stdout.
func pythonTool(sbx *codeinterpreter.Sandbox) llm.Tool {
	return llm.Tool{
		Definition: executePython,
		Run: func(ctx context.Context, input map[string]any) (string, error) {
			code, _ := input["code"].(string)
			if code == "" {
				return "", errors.New("code is required")
			}
			exec, err := sbx.RunCode(ctx, code)
			if err != nil {
				return "", err
			}
			if exec.Error != nil {
				return "", exec.Error
			}
			if text := exec.Text(); text != "" {
				return text, nil
			}
			return exec.Stdout(), nil
		},
	}
}

func (e *Env) requireLLM(t *suite.T) llm.Provider {
	if e.LLM == nil {
		t.Skip("OPENAI_API_KEY not set")
	}
	return e.LLM
}

func (e *Env) openAI() *suite.Suite {
	return &suite.Suite{
		Name:        "openai",
		Description: "Chat completions and tool calls executed in a code interpreter",
		Tags:        []string{suite.TagDefault, TagCredentials, TagCodeInterpreter},
		Cases: []suite.Case{
			{Name: "simple_chat", Run: func(t *suite.T) {
				p := e.requireLLM(t)
				resp, err := p.SendMessage(t.Context(), &llm.Request{
					Messages:  []llm.Message{{Role: llm.RoleUser, Content: "Say hello in Chinese"}},
					MaxTokens: 256,
				})
				t.NoError(err, "chat")
				msg := resp.Message()
				reply := msg.TextContent()
				t.True(strings.TrimSpace(reply) != "", "empty reply")
				t.Logf("%s: %s (%d in, %d out tokens)", p.Name(), reply, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			}},
			{Name: "code_execution", Run: func(t *suite.T) {
				p := e.requireLLM(t)
				sbx := e.createInterpreter(t)
				conv, err := llm.RunTools(t.Context(), p, llm.Request{
					Messages: []llm.Message{{Role: llm.RoleUser, Content: "Calculate how many r's are in the word 'strawberry'"}},
				}, []llm.Tool{pythonTool(sbx)}, llm.DefaultMaxTurns, t.Logger())
				t.NoError(err, "tool loop")
				msg := conv.Final.Message()
				answer := msg.TextContent()
				t.Logf("%d tool calls, answer: %s", conv.ToolCalls, answer)
				t.True(conv.ToolCalls > 0, "model answered without running code")
				t.True(strings.Contains(answer, "3") || strings.Contains(strings.ToLower(answer), "three"), "answer %q does not say 3", answer)
			}},
		},
	}
}

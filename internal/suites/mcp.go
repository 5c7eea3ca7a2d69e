package suites

import (
	"context"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/mcpgateway"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

func (e *Env) mcpGateway() *suite.Suite {
	connectGateway := func(t *suite.T) *mcpgateway.Client {
		tpl := e.Config.MCP.Template
		if tpl == "" {
			t.Skip("E2B_MCP_TEMPLATE not set")
		}
		sbx := e.create(t, sandbox.CreateParams{Template: tpl})
		var (
			c   *mcpgateway.Client
			err error
		)
		// The gateway starts after the sandbox; its token appears when it is up.
		eventually(t, 30*time.Second, func() bool {
			c, err = mcpgateway.Connect(t.Context(), sbx)
			return err == nil
		})
		t.NoError(err, "connect to gateway")
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	return &suite.Suite{
		Name:        "mcp_gateway",
		Description: "MCP gateway inside the sandbox: handshake, tool listing and calls",
		Tags:        []string{TagCredentials},
		Cases: []suite.Case{
			{Name: "list_tools", Run: func(t *suite.T) {
				c := connectGateway(t)
				tools, err := c.ListTools(t.Context())
				t.NoError(err, "list tools")
				t.True(len(tools) > 0, "gateway advertises no tools")
				for _, tool := range tools {
					t.True(tool.Name != "", "tool with an empty name")
				}
				t.Logf("%s exposes %d tools", c.ServerInfo().Name, len(tools))
			}},
			{Name: "llm_tools", Run: func(t *suite.T) {
				c := connectGateway(t)
				tools, err := c.ListTools(t.Context())
				t.NoError(err, "list tools")
				defs, err := c.LLMTools(t.Context())
				t.NoError(err, "llm tools")
				t.Equal(len(defs), len(tools), "llm tool count")
				for _, d := range defs {
					t.True(d.Definition.InputSchema["type"] != nil, "tool %s has no schema type", d.Definition.Name)
				}
			}},
			{Name: "call_tool", Run: func(t *suite.T) {
				c := connectGateway(t)
				tools, err := c.ListTools(t.Context())
				t.NoError(err, "list tools")
				// Tools without required arguments can be called blind.
				for _, tool := range tools {
					if req, _ := tool.InputSchema["required"].([]any); len(req) > 0 {
						continue
					}
					ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
					res, err := c.CallTool(ctx, tool.Name, map[string]any{})
					cancel()
					t.NoError(err, "call "+tool.Name)
					t.Logf("%s returned %d items (error %v)", tool.Name, res.Items, res.IsError)
					return
				}
				t.Skip("every tool needs arguments")
			}},
		},
	}
}

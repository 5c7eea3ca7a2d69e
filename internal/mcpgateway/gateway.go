// Package mcpgateway connects to the MCP gateway that runs inside sandboxes
// created from an MCP gateway template, and exposes its tools.
package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mfzzf/e2b-test-suite/internal/llm"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
)

const (
	// Port is where the gateway listens inside the sandbox.
	Port = 50005
	// TokenPath holds the bearer token the gateway expects.
	TokenPath = "/etc/mcp-gateway/.token"

	clientName    = "e2b-suite"
	clientVersion = "0.1.0"
)

// ErrNoToken is returned when the sandbox has no gateway token.
var ErrNoToken = errors.New("mcp gateway token not found")

// Tool is a tool advertised by the gateway.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Result is the outcome of a tool call.
type Result struct {
	Text    string
	IsError bool
	Items   int
}

// Client is an initialized MCP session with a sandbox's gateway.
type Client struct {
	url    string
	mcp    *mcpclient.Client
	server mcp.Implementation
	logger *slog.Logger
}

// URL returns the gateway endpoint for sbx.
func URL(sbx *sandbox.Sandbox) string {
	return sbx.URL(Port) + "/mcp"
}

// Token reads the gateway bearer token from the sandbox.
func Token(ctx context.Context, sbx *sandbox.Sandbox) (string, error) {
	data, err := sbx.Files.Read(ctx, TokenPath, sandbox.AsUser("root"))
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNoToken, TokenPath)
		}
		return "", fmt.Errorf("reading gateway token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrNoToken, TokenPath)
	}
	return token, nil
}

// Connect reads the gateway token, opens a streamable HTTP session and
// performs the initialize handshake.
func Connect(ctx context.Context, sbx *sandbox.Sandbox) (*Client, error) {
	token, err := Token(ctx, sbx)
	if err != nil {
		return nil, err
	}
	url := URL(sbx)
	headers := routingHeaders(sbx, url)
	headers["Authorization"] = "Bearer " + token

	c, err := mcpclient.NewStreamableHttpClient(url,
		transport.WithHTTPHeaders(headers),
		transport.WithHTTPBasicClient(sbx.HTTPClient()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("starting MCP transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	res, err := c.Initialize(ctx, initReq)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP initialize: %w", err)
	}

	logger := sbx.Logger()
	logger.InfoContext(ctx, "mcp gateway connected",
		slog.String("url", url),
		slog.String("server", res.ServerInfo.Name),
		slog.String("protocol", res.ProtocolVersion),
	)
	return &Client{url: url, mcp: c, server: res.ServerInfo, logger: logger}, nil
}

// ServerInfo is the implementation the gateway reported at initialize.
func (c *Client) ServerInfo() mcp.Implementation { return c.server }

// ListTools returns every tool the gateway exposes, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var (
		out    []Tool
		cursor mcp.Cursor
	)
	for {
		req := mcp.ListToolsRequest{}
		req.Params.Cursor = cursor
		res, err := c.mcp.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("MCP list tools: %w", err)
		}
		for _, t := range res.Tools {
			out = append(out, Tool{Name: t.Name, Description: t.Description, InputSchema: inputSchema(t.InputSchema)})
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// CallTool invokes a tool. A tool-level failure is reported in the result,
// not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call %s: %w", name, err)
	}
	c.logger.DebugContext(ctx, "mcp tool called",
		slog.String("tool", name),
		slog.Bool("is_error", res.IsError),
	)
	return &Result{Text: formatContent(res.Content), IsError: res.IsError, Items: len(res.Content)}, nil
}

// LLMTools adapts the gateway's tools for an llm tool loop.
func (c *Client) LLMTools(ctx context.Context) ([]llm.Tool, error) {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Tool, 0, len(tools))
	for _, t := range tools {
		name := t.Name
		out = append(out, llm.Tool{
			Definition: llm.ToolDefinition{Name: name, Description: t.Description, InputSchema: t.InputSchema},
			Run: func(ctx context.Context, in map[string]any) (string, error) {
				res, err := c.CallTool(ctx, name, in)
				if err != nil {
					return "", err
				}
				if res.IsError {
					return "", errors.New(res.Text)
				}
				return res.Text, nil
			},
		})
	}
	return out, nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.mcp.Close()
}

// routingHeaders collects the headers a request to the gateway port needs.
func routingHeaders(sbx *sandbox.Sandbox, url string) map[string]string {
	req, _ := http.NewRequest(http.MethodPost, url, nil)
	headers := make(map[string]string)
	if req == nil {
		return headers
	}
	sbx.PrepareRequest(req, Port)
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	return headers
}

func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, item := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(item); ok {
			sb.WriteString(tc.Text)
			continue
		}
		data, _ := sonic.Marshal(item)
		sb.Write(data)
	}
	return sb.String()
}

func inputSchema(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": schema.Type}
	if schema.Properties != nil {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		req := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			req[i] = r
		}
		out["required"] = req
	}
	return out
}

// Package sandbox is a client for the sandbox platform: the control plane REST
// API and the envd daemon running inside each sandbox.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the control plane. It is safe for concurrent use.
type Client struct {
	cfg    ConnectionConfig
	api    *apiClient
	logger *slog.Logger
}

// NewClient creates a control plane client.
func NewClient(cfg ConnectionConfig) *Client {
	logger := cfg.logger()
	return &Client{
		cfg:    cfg,
		api:    &apiClient{cfg: cfg, logger: logger},
		logger: logger,
	}
}

// Config returns the connection settings of the client.
func (c *Client) Config() ConnectionConfig { return c.cfg }

// Do sends an authenticated JSON request to the control plane and decodes
// the response into out. It serves endpoints outside the sandbox lifecycle,
// such as template builds.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) (http.Header, error) {
	return c.api.do(ctx, method, path, query, in, out)
}

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// HTTPClient is the client used for all platform requests.
func (c *Client) HTTPClient() *http.Client { return c.cfg.httpClient() }

// Sandbox is a handle to a running sandbox.
type Sandbox struct {
	ID          string
	TemplateID  string
	Alias       string
	Domain      string
	EnvdVersion string

	Commands *Commands
	Files    *Filesystem
	Pty      *Pty

	client *Client
	envd   *envdConn
}

type createRequest struct {
	TemplateID          string            `json:"templateID"`
	Timeout             int               `json:"timeout"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	EnvVars             map[string]string `json:"envVars,omitempty"`
	Secure              bool              `json:"secure"`
	AutoPause           bool              `json:"autoPause"`
	AllowInternetAccess bool              `json:"allow_internet_access"`
}

type sandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	TemplateID      string `json:"templateID"`
	Alias           string `json:"alias,omitempty"`
	ClientID        string `json:"clientID"`
	EnvdVersion     string `json:"envdVersion"`
	EnvdAccessToken string `json:"envdAccessToken,omitempty"`
	Domain          string `json:"domain,omitempty"`
}

type timeoutRequest struct {
	Timeout int `json:"timeout"`
}

type resumeRequest struct {
	Timeout   int  `json:"timeout"`
	AutoPause bool `json:"autoPause"`
}

func seconds(d time.Duration) int {
	return int(d.Round(time.Second) / time.Second)
}

// Create starts a new sandbox from a template.
func (c *Client) Create(ctx context.Context, params CreateParams) (*Sandbox, error) {
	if params.Template == "" {
		params.Template = DefaultTemplate
	}
	if params.Timeout <= 0 {
		params.Timeout = DefaultSandboxTimeout
	}
	secure := true
	if params.Secure != nil {
		secure = *params.Secure
	}
	internet := true
	if params.AllowInternetAccess != nil {
		internet = *params.AllowInternetAccess
	}

	req := createRequest{
		TemplateID:          params.Template,
		Timeout:             seconds(params.Timeout),
		Metadata:            params.Metadata,
		EnvVars:             params.Envs,
		Secure:              secure,
		AutoPause:           params.AutoPause,
		AllowInternetAccess: internet,
	}

	var resp sandboxResponse
	if _, err := c.api.do(ctx, http.MethodPost, "/sandboxes", nil, req, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusNotFound) {
			return nil, fmt.Errorf("creating sandbox from %q: %w: %w", params.Template, ErrTemplate, err)
		}
		return nil, fmt.Errorf("creating sandbox from %q: %w", params.Template, err)
	}

	c.logger.InfoContext(ctx, "sandbox created",
		slog.String("sandbox_id", resp.SandboxID),
		slog.String("template", params.Template),
	)
	return c.newSandbox(resp), nil
}

// Connect attaches to an existing sandbox, resuming it if it is paused.
func (c *Client) Connect(ctx context.Context, sandboxID string, timeout time.Duration) (*Sandbox, error) {
	if sandboxID == "" {
		return nil, invalidArgument("sandbox id is required")
	}
	if timeout <= 0 {
		timeout = DefaultSandboxTimeout
	}

	var resp sandboxResponse
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/connect"
	if _, err := c.api.do(ctx, http.MethodPost, path, nil, timeoutRequest{Timeout: seconds(timeout)}, &resp); err != nil {
		return nil, fmt.Errorf("connecting to sandbox %s: %w", sandboxID, err)
	}
	if resp.SandboxID == "" {
		resp.SandboxID = sandboxID
	}
	return c.newSandbox(resp), nil
}

func (c *Client) newSandbox(resp sandboxResponse) *Sandbox {
	conn := newEnvdConn(c.cfg, resp.SandboxID, resp.Domain, resp.EnvdAccessToken)
	sbx := &Sandbox{
		ID:          resp.SandboxID,
		TemplateID:  resp.TemplateID,
		Alias:       resp.Alias,
		Domain:      resp.Domain,
		EnvdVersion: resp.EnvdVersion,
		client:      c,
		envd:        conn,
	}
	if sbx.Domain == "" {
		sbx.Domain = c.cfg.domain()
	}
	sbx.Commands = &Commands{envd: conn}
	sbx.Files = &Filesystem{envd: conn}
	sbx.Pty = &Pty{envd: conn}
	return sbx
}

// Kill terminates a sandbox. It returns false when the sandbox was not found.
func (c *Client) Kill(ctx context.Context, sandboxID string) (bool, error) {
	if sandboxID == "" {
		return false, invalidArgument("sandbox id is required")
	}
	_, err := c.api.do(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(sandboxID), nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("killing sandbox %s: %w", sandboxID, err)
	}
	c.logger.InfoContext(ctx, "sandbox killed", slog.String("sandbox_id", sandboxID))
	return true, nil
}

// GetInfo fetches the control plane view of a sandbox.
func (c *Client) GetInfo(ctx context.Context, sandboxID string) (*SandboxInfo, error) {
	if sandboxID == "" {
		return nil, invalidArgument("sandbox id is required")
	}
	var info SandboxInfo
	if _, err := c.api.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(sandboxID), nil, nil, &info); err != nil {
		return nil, fmt.Errorf("getting sandbox %s: %w", sandboxID, err)
	}
	return &info, nil
}

// SetTimeout resets the time to live of a sandbox, counted from now.
func (c *Client) SetTimeout(ctx context.Context, sandboxID string, timeout time.Duration) error {
	if sandboxID == "" {
		return invalidArgument("sandbox id is required")
	}
	if timeout <= 0 {
		return invalidArgument("timeout must be positive")
	}
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/timeout"
	if _, err := c.api.do(ctx, http.MethodPost, path, nil, timeoutRequest{Timeout: seconds(timeout)}, nil); err != nil {
		return fmt.Errorf("setting timeout of sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// Pause snapshots a running sandbox. It returns false when the sandbox was
// already paused.
func (c *Client) Pause(ctx context.Context, sandboxID string) (bool, error) {
	if sandboxID == "" {
		return false, invalidArgument("sandbox id is required")
	}
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/pause"
	_, err := c.api.do(ctx, http.MethodPost, path, nil, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pausing sandbox %s: %w", sandboxID, err)
	}
	return true, nil
}

// Resume restores a paused sandbox. A sandbox that is already running is
// connected to instead.
func (c *Client) Resume(ctx context.Context, sandboxID string, timeout time.Duration, autoPause bool) (*Sandbox, error) {
	if sandboxID == "" {
		return nil, invalidArgument("sandbox id is required")
	}
	if timeout <= 0 {
		timeout = DefaultSandboxTimeout
	}
	var resp sandboxResponse
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/resume"
	_, err := c.api.do(ctx, http.MethodPost, path, nil, resumeRequest{Timeout: seconds(timeout), AutoPause: autoPause}, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return c.Connect(ctx, sandboxID, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("resuming sandbox %s: %w", sandboxID, err)
	}
	if resp.SandboxID == "" {
		resp.SandboxID = sandboxID
	}
	return c.newSandbox(resp), nil
}

// GetMetrics returns resource usage samples. Zero start or end leaves the
// bound open.
func (c *Client) GetMetrics(ctx context.Context, sandboxID string, start, end time.Time) ([]SandboxMetrics, error) {
	if sandboxID == "" {
		return nil, invalidArgument("sandbox id is required")
	}
	query := url.Values{}
	if !start.IsZero() {
		query.Set("start", strconv.FormatInt(start.Unix(), 10))
	}
	if !end.IsZero() {
		query.Set("end", strconv.FormatInt(end.Unix(), 10))
	}
	var metrics []SandboxMetrics
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/metrics"
	if _, err := c.api.do(ctx, http.MethodGet, path, query, nil, &metrics); err != nil {
		return nil, fmt.Errorf("getting metrics of sandbox %s: %w", sandboxID, err)
	}
	return metrics, nil
}

type logsResponse struct {
	Logs []LogEntry `json:"logs"`
}

// GetLogs returns the sandbox log lines starting at start. A zero limit
// returns everything the platform keeps.
func (c *Client) GetLogs(ctx context.Context, sandboxID string, start time.Time, limit int) ([]LogEntry, error) {
	if sandboxID == "" {
		return nil, invalidArgument("sandbox id is required")
	}
	query := url.Values{}
	if !start.IsZero() {
		query.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp logsResponse
	path := "/sandboxes/" + url.PathEscape(sandboxID) + "/logs"
	if _, err := c.api.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
		return nil, fmt.Errorf("getting logs of sandbox %s: %w", sandboxID, err)
	}
	return resp.Logs, nil
}

// Kill terminates the sandbox.
func (s *Sandbox) Kill(ctx context.Context) (bool, error) {
	return s.client.Kill(ctx, s.ID)
}

// GetInfo fetches the control plane view of the sandbox.
func (s *Sandbox) GetInfo(ctx context.Context) (*SandboxInfo, error) {
	return s.client.GetInfo(ctx, s.ID)
}

// SetTimeout resets the time to live of the sandbox.
func (s *Sandbox) SetTimeout(ctx context.Context, timeout time.Duration) error {
	return s.client.SetTimeout(ctx, s.ID, timeout)
}

// Pause snapshots the sandbox.
func (s *Sandbox) Pause(ctx context.Context) (bool, error) {
	return s.client.Pause(ctx, s.ID)
}

// GetMetrics returns resource usage samples of the sandbox.
func (s *Sandbox) GetMetrics(ctx context.Context, start, end time.Time) ([]SandboxMetrics, error) {
	return s.client.GetMetrics(ctx, s.ID, start, end)
}

// GetLogs returns the sandbox log lines.
func (s *Sandbox) GetLogs(ctx context.Context, start time.Time, limit int) ([]LogEntry, error) {
	return s.client.GetLogs(ctx, s.ID, start, limit)
}

// GetHost returns the public host name of a port inside the sandbox.
func (s *Sandbox) GetHost(port int) string {
	return sandboxHost(s.ID, s.Domain, port)
}

// URL returns the base URL used to reach a port inside the sandbox.
func (s *Sandbox) URL(port int) string {
	return s.client.cfg.sandboxURL(s.ID, s.Domain, port)
}

// PrepareRequest applies the headers a request to a sandbox port needs.
func (s *Sandbox) PrepareRequest(req *http.Request, port int) {
	s.client.cfg.routingHeaders(req.Header, s.ID, port)
	if s.envd.accessToken != "" {
		req.Header.Set("X-Access-Token", s.envd.accessToken)
	}
}

// HTTPClient is the client used for requests to sandbox ports.
func (s *Sandbox) HTTPClient() *http.Client {
	return s.client.cfg.httpClient()
}

// Logger returns the logger scoped to this sandbox.
func (s *Sandbox) Logger() *slog.Logger {
	return s.envd.logger
}

// IsRunning reports whether envd inside the sandbox answers its health check.
func (s *Sandbox) IsRunning(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.client.cfg.requestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.envd.baseURL+"/health", nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	s.envd.setHeaders(req.Header, "")

	resp, err := s.client.cfg.httpClient().Do(req)
	if err != nil {
		return false, fmt.Errorf("checking sandbox %s health: %w", s.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= http.StatusBadRequest:
		return false, &APIError{StatusCode: resp.StatusCode, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	default:
		return true, nil
	}
}

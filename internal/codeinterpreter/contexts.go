package codeinterpreter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
)

type createContextRequest struct {
	Language string `json:"language,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
}

// CreateContext starts a new interpreter context. Empty language and cwd
// use the service defaults (python, /home/user).
func (s *Sandbox) CreateContext(ctx context.Context, language, cwd string) (*Context, error) {
	var out Context
	if err := s.call(ctx, http.MethodPost, "/contexts", createContextRequest{Language: language, Cwd: cwd}, &out); err != nil {
		return nil, fmt.Errorf("creating context: %w", err)
	}
	return &out, nil
}

// ListContexts returns all live contexts, including the default ones.
func (s *Sandbox) ListContexts(ctx context.Context) ([]Context, error) {
	var out []Context
	if err := s.call(ctx, http.MethodGet, "/contexts", nil, &out); err != nil {
		return nil, fmt.Errorf("listing contexts: %w", err)
	}
	return out, nil
}

// RemoveContext shuts a context down.
func (s *Sandbox) RemoveContext(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: context id is required", sandbox.ErrInvalidArgument)
	}
	if err := s.call(ctx, http.MethodDelete, "/contexts/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("removing context %s: %w", id, err)
	}
	return nil
}

// RestartContext restarts the kernel behind a context, dropping its state.
func (s *Sandbox) RestartContext(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: context id is required", sandbox.ErrInvalidArgument)
	}
	if err := s.call(ctx, http.MethodPost, "/contexts/"+url.PathEscape(id)+"/restart", nil, nil); err != nil {
		return fmt.Errorf("restarting context %s: %w", id, err)
	}
	return nil
}

func (s *Sandbox) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.URL(Port)+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	s.PrepareRequest(req, Port)

	resp, err := s.HTTPClient().Do(req)
	if err != nil {
		return transportError(ctx, method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := sandbox.CheckResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, out)
}

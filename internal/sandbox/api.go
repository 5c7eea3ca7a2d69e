package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
)

// apiClient performs authenticated JSON requests against the control plane.
type apiClient struct {
	cfg    ConnectionConfig
	logger *slog.Logger
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do sends a JSON request and decodes the JSON response into out when it is
// not nil. The response headers are returned for pagination.
func (a *apiClient) do(ctx context.Context, method, path string, query url.Values, in, out any) (http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.requestTimeout())
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := a.cfg.apiURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("X-API-KEY", a.cfg.APIKey)
	}
	if a.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}
	for k, v := range a.cfg.Headers {
		req.Header.Set(k, v)
	}

	a.logger.DebugContext(ctx, "platform request",
		slog.String("method", method),
		slog.String("path", path),
	)

	resp, err := a.cfg.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrTimeout, method, path, err)
		}
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.Header, newAPIError(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 && resp.StatusCode != http.StatusNoContent {
		if err := sonic.Unmarshal(respBody, out); err != nil {
			return resp.Header, fmt.Errorf("parsing response: %w", err)
		}
	}
	return resp.Header, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Code: status}
	var parsed apiErrorBody
	if err := sonic.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		apiErr.Message = parsed.Message
		if parsed.Code != 0 {
			apiErr.Code = parsed.Code
		}
		return apiErr
	}
	apiErr.Message = string(bytes.TrimSpace(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// CheckResponse returns an *APIError for a non-2xx response from a sandbox
// service. The body is consumed on error.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return newAPIError(resp.StatusCode, body)
}

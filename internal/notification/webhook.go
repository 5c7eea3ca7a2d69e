package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
)

// WebhookSender POSTs the message as JSON to a URL.
type WebhookSender struct {
	name       string
	url        string
	httpClient *http.Client
}

// NewWebhookSender validates the URL and creates a sender. httpClient may be
// nil.
func NewWebhookSender(name, rawURL string, httpClient *http.Client) (*WebhookSender, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook scheme must be http or https, got %q", u.Scheme)
	}
	if name == "" {
		name = u.Host
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
			// Redirects are not followed.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &WebhookSender{name: name, url: rawURL, httpClient: httpClient}, nil
}

func (s *WebhookSender) Name() string { return "webhook:" + s.name }

func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	body, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "e2b-suite-webhook/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

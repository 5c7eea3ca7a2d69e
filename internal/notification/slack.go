package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const slackAPIBaseURL = "https://slack.com/api"

// SlackSender posts messages with chat.postMessage.
type SlackSender struct {
	botToken   string
	channelID  string
	baseURL    string
	httpClient *http.Client
}

// SlackOption customizes a SlackSender.
type SlackOption func(*SlackSender)

// WithSlackBaseURL points the sender at another Slack API root.
func WithSlackBaseURL(u string) SlackOption {
	return func(s *SlackSender) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithSlackHTTPClient replaces the default HTTP client.
func WithSlackHTTPClient(c *http.Client) SlackOption {
	return func(s *SlackSender) { s.httpClient = c }
}

// NewSlackSender creates a Slack sender for one channel.
func NewSlackSender(botToken, channelID string, opts ...SlackOption) *SlackSender {
	s := &SlackSender{
		botToken:   botToken,
		channelID:  channelID,
		baseURL:    slackAPIBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SlackSender) Name() string { return "slack:" + s.channelID }

func (s *SlackSender) Send(ctx context.Context, msg *Message) error {
	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n```%s```", msg.Subject, msg.Body)
	}
	body, err := sonic.Marshal(map[string]any{
		"channel": s.channelID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Slack answers 200 with ok=false on errors.
	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := sonic.Unmarshal(respBody, &slackResp); err == nil && !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}
	return nil
}

// Package notification tells people about finished suite runs through the
// configured channels (generic webhooks and Slack).
package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/config"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// Policies select which runs are announced.
const (
	PolicyFailure = "failure"
	PolicyAlways  = "always"
)

// maxFailedCases caps the failed cases listed per suite in a message.
const maxFailedCases = 5

// Sender is one notification channel backend.
type Sender interface {
	// Name identifies the channel in logs.
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Message is the channel-independent payload of a run notification.
type Message struct {
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewMessage summarizes a report.
func NewMessage(rep *suite.Report) *Message {
	passed, failed := rep.Totals()
	total := passed + failed

	status := rep.Status()
	var subject string
	if failed > 0 {
		subject = fmt.Sprintf("e2b-suite run %s %s: %d of %d suites", shortID(rep.RunID), status, failed, total)
	} else {
		subject = fmt.Sprintf("e2b-suite run %s passed: %d suites", shortID(rep.RunID), total)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "trigger: %s, duration: %s\n", rep.Trigger, rep.Duration.Round(time.Second))
	for _, s := range rep.Suites {
		if s.Status == suite.StatusAborted {
			fmt.Fprintf(&b, "⊘ %s (aborted)\n", s.Name)
		}
		if s.Status != suite.StatusFailed {
			continue
		}
		fmt.Fprintf(&b, "✗ %s (%d failed)\n", s.Name, s.Failed)
		listed := 0
		for _, c := range s.Cases {
			if c.Status != suite.StatusFailed {
				continue
			}
			if listed == maxFailedCases {
				fmt.Fprintf(&b, "    ... and %d more\n", s.Failed-listed)
				break
			}
			fmt.Fprintf(&b, "    %s: %s\n", c.Name, c.Message)
			listed++
		}
	}

	return &Message{
		Subject: subject,
		Body:    strings.TrimRight(b.String(), "\n"),
		Metadata: map[string]string{
			"run_id":        rep.RunID,
			"trigger":       rep.Trigger,
			"status":        string(status),
			"suites_passed": fmt.Sprint(passed),
			"suites_failed": fmt.Sprint(failed),
		},
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Dispatcher fans a run report out to every sender.
type Dispatcher struct {
	senders []Sender
	policy  string
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. An empty policy means PolicyFailure.
func NewDispatcher(policy string, logger *slog.Logger, senders ...Sender) *Dispatcher {
	if policy == "" {
		policy = PolicyFailure
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{senders: senders, policy: policy, logger: logger}
}

// FromConfig builds a dispatcher with one sender per configured target.
// It returns nil when cfg is nil.
func FromConfig(cfg *config.NotificationConfig, httpClient *http.Client, logger *slog.Logger) (*Dispatcher, error) {
	if cfg == nil {
		return nil, nil
	}
	var senders []Sender
	for _, w := range cfg.Webhooks {
		s, err := NewWebhookSender(w.Name, w.URL, httpClient)
		if err != nil {
			return nil, fmt.Errorf("webhook %q: %w", w.Name, err)
		}
		senders = append(senders, s)
	}
	if sc := cfg.Slack; sc != nil {
		var opts []SlackOption
		if httpClient != nil {
			opts = append(opts, WithSlackHTTPClient(httpClient))
		}
		senders = append(senders, NewSlackSender(sc.BotToken, sc.ChannelID, opts...))
	}
	return NewDispatcher(cfg.Policy(), logger, senders...), nil
}

// ShouldNotify applies the policy to a report.
func (d *Dispatcher) ShouldNotify(rep *suite.Report) bool {
	return d.policy == PolicyAlways || !rep.Passed()
}

// Notify sends the report summary to all senders. One failing channel does
// not stop the others; their errors are joined.
func (d *Dispatcher) Notify(ctx context.Context, rep *suite.Report) error {
	if len(d.senders) == 0 || !d.ShouldNotify(rep) {
		return nil
	}
	msg := NewMessage(rep)

	var errs []error
	for _, s := range d.senders {
		if err := s.Send(ctx, msg); err != nil {
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", s.Name()),
				slog.String("run_id", rep.RunID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		d.logger.InfoContext(ctx, "notification sent",
			slog.String("channel", s.Name()),
			slog.String("run_id", rep.RunID),
		)
	}
	return errors.Join(errs...)
}

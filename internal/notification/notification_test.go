package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/config"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func failedReport() *suite.Report {
	cases := []suite.CaseResult{{Name: "ok", Status: suite.StatusPassed}}
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		cases = append(cases, suite.CaseResult{Name: name, Status: suite.StatusFailed, Message: "boom " + name})
	}
	return &suite.Report{
		RunID:    "0123456789abcdef",
		Trigger:  "schedule",
		Duration: 42 * time.Second,
		Suites: []suite.SuiteResult{
			{Name: "sandbox_basic", Status: suite.StatusPassed, Passed: 3},
			{Name: "commands", Status: suite.StatusFailed, Passed: 1, Failed: 7, Cases: cases},
		},
	}
}

func passedReport() *suite.Report {
	return &suite.Report{
		RunID:   "run-ok",
		Trigger: "cli",
		Suites:  []suite.SuiteResult{{Name: "pty", Status: suite.StatusPassed, Passed: 2}},
	}
}

type fakeSender struct {
	name string
	err  error
	mu   sync.Mutex
	got  []*Message
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, msg)
	return f.err
}

// --- Message ---

func TestNewMessage_Failed(t *testing.T) {
	msg := NewMessage(failedReport())

	if msg.Subject != "e2b-suite run 01234567 failed: 1 of 2 suites" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{"trigger: schedule, duration: 42s", "✗ commands (7 failed)", "a: boom a", "... and 2 more"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("Body missing %q:\n%s", want, msg.Body)
		}
	}
	if strings.Contains(msg.Body, "sandbox_basic") || strings.Contains(msg.Body, "boom f") {
		t.Errorf("Body lists too much:\n%s", msg.Body)
	}
	if msg.Metadata["status"] != "failed" || msg.Metadata["suites_failed"] != "1" || msg.Metadata["run_id"] != "0123456789abcdef" {
		t.Errorf("Metadata = %v", msg.Metadata)
	}
}

func TestNewMessage_Passed(t *testing.T) {
	msg := NewMessage(passedReport())
	if msg.Subject != "e2b-suite run run-ok passed: 1 suites" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.Metadata["status"] != "passed" {
		t.Errorf("status = %q", msg.Metadata["status"])
	}
}

func TestNewMessage_Aborted(t *testing.T) {
	rep := &suite.Report{
		RunID:   "run-cancelled",
		Trigger: "api",
		Suites: []suite.SuiteResult{
			{Name: "pty", Status: suite.StatusPassed, Passed: 2},
			{Name: "commands", Status: suite.StatusAborted, Passed: 1},
		},
	}
	msg := NewMessage(rep)
	if msg.Subject != "e2b-suite run run-canc aborted: 1 of 2 suites" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "⊘ commands (aborted)") || msg.Metadata["status"] != "aborted" {
		t.Errorf("message = %+v", msg)
	}

	s := &fakeSender{name: "fake"}
	if err := NewDispatcher(PolicyFailure, nil, s).Notify(context.Background(), rep); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(s.got) != 1 {
		t.Error("an aborted run should notify under the failure policy")
	}
}

// --- Dispatcher ---

func TestDispatcher_Policy(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		rep    *suite.Report
		want   int
	}{
		{"failure policy, failed run", PolicyFailure, failedReport(), 1},
		{"failure policy, passed run", PolicyFailure, passedReport(), 0},
		{"default policy, passed run", "", passedReport(), 0},
		{"always policy, passed run", PolicyAlways, passedReport(), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSender{name: "fake"}
			d := NewDispatcher(tt.policy, discardLogger(), s)
			if err := d.Notify(context.Background(), tt.rep); err != nil {
				t.Fatalf("Notify() error = %v", err)
			}
			if len(s.got) != tt.want {
				t.Errorf("sent %d messages, want %d", len(s.got), tt.want)
			}
		})
	}
}

func TestDispatcher_OneChannelFailing(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("unreachable")}
	good := &fakeSender{name: "good"}
	d := NewDispatcher(PolicyFailure, nil, bad, good)

	err := d.Notify(context.Background(), failedReport())
	if err == nil || !strings.Contains(err.Error(), "bad: unreachable") {
		t.Errorf("Notify() = %v", err)
	}
	if len(good.got) != 1 {
		t.Error("healthy channel should still receive the message")
	}
}

// --- Webhook ---

func TestWebhookSender(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("request = %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewWebhookSender("ops", srv.URL, nil)
	if err != nil {
		t.Fatalf("NewWebhookSender() error = %v", err)
	}
	if s.Name() != "webhook:ops" {
		t.Errorf("Name() = %q", s.Name())
	}
	if err := s.Send(context.Background(), NewMessage(failedReport())); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.HasPrefix(got.Subject, "e2b-suite run 01234567 failed") || got.Metadata["trigger"] != "schedule" {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookSender_Errors(t *testing.T) {
	if _, err := NewWebhookSender("x", "ftp://example.com", nil); err == nil {
		t.Error("expected an error for a non-http scheme")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewWebhookSender("", srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Send(context.Background(), &Message{Subject: "x"}); err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("Send() = %v, want a 502 error", err)
	}
}

// --- Slack ---

func TestSlackSender(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"ok", http.StatusOK, `{"ok":true}`, ""},
		{"api error", http.StatusOK, `{"ok":false,"error":"channel_not_found"}`, "channel_not_found"},
		{"http error", http.StatusInternalServerError, `oops`, "500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var payload map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/chat.postMessage" || r.Header.Get("Authorization") != "Bearer xoxb-test" {
					t.Errorf("request = %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
				}
				_ = json.NewDecoder(r.Body).Decode(&payload)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			s := NewSlackSender("xoxb-test", "C123", WithSlackBaseURL(srv.URL+"/"))
			err := s.Send(context.Background(), &Message{Subject: "run failed", Body: "details"})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Send() error = %v", err)
				}
			} else if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Send() = %v, want error containing %q", err, tt.wantErr)
			}
			if payload["channel"] != "C123" || !strings.Contains(payload["text"], "*run failed*") {
				t.Errorf("payload = %v", payload)
			}
		})
	}
}

// --- FromConfig ---

func TestFromConfig(t *testing.T) {
	d, err := FromConfig(nil, nil, nil)
	if err != nil || d != nil {
		t.Errorf("FromConfig(nil) = %v, %v", d, err)
	}

	d, err = FromConfig(&config.NotificationConfig{
		On:       "always",
		Webhooks: []config.WebhookTarget{{Name: "ops", URL: "https://hooks.example.com/x"}},
		Slack:    &config.SlackTarget{BotToken: "xoxb", ChannelID: "C1"},
	}, nil, discardLogger())
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if len(d.senders) != 2 || d.policy != PolicyAlways {
		t.Errorf("dispatcher = %d senders, policy %q", len(d.senders), d.policy)
	}
	if d.senders[0].Name() != "webhook:ops" || d.senders[1].Name() != "slack:C1" {
		t.Errorf("senders = %s, %s", d.senders[0].Name(), d.senders[1].Name())
	}

	if _, err := FromConfig(&config.NotificationConfig{
		Webhooks: []config.WebhookTarget{{Name: "bad", URL: "mailto:x"}},
	}, nil, nil); err == nil {
		t.Error("expected an error for a bad webhook URL")
	}
}

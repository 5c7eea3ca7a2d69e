package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// unsetEnv removes variables for the duration of the test.
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoad_YAML(t *testing.T) {
	unsetEnv(t, "E2B_API_KEY", "AGENTBOX_API_KEY")
	t.Setenv("E2B_SUITE_DB_DSN", "")
	t.Setenv("E2B_SUITE_SCHEDULE", "")

	path := writeFile(t, "suite.yaml", `
platform:
  api_key: file-key
  domain: sandbox.example.com
  request_timeout_s: 12
suites:
  default: [sandbox_basic, commands]
  case_timeout_s: 90
observability:
  metrics:
    enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Platform.APIKey != "file-key" {
		t.Errorf("api key = %q, want file-key", cfg.Platform.APIKey)
	}
	if cfg.Platform.RequestTimeout() != 12*time.Second {
		t.Errorf("request timeout = %v, want 12s", cfg.Platform.RequestTimeout())
	}
	if got := strings.Join(cfg.Suites.Default, ","); got != "sandbox_basic,commands" {
		t.Errorf("default suites = %q", got)
	}
	if cfg.Suites.CaseTimeout() != 90*time.Second {
		t.Errorf("case timeout = %v, want 90s", cfg.Suites.CaseTimeout())
	}
	if cfg.Observability == nil || cfg.Observability.Metrics == nil || !cfg.Observability.Metrics.Enabled {
		t.Error("expected metrics enabled")
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "suite.json", `{"platform": {"domain": "json.example.com"}, "suites": {"beta": true}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Suites.Beta {
		t.Error("expected beta suites enabled")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("AGENTBOX_API_KEY", "agentbox-key")
	unsetEnv(t, "E2B_API_KEY")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("UHUB_IMAGE", "uhub.service.ucloud.cn/demo/app:v1")
	t.Setenv("UHUB_USERNAME", "demo")
	t.Setenv("UHUB_PASSWORD", "secret")

	path := writeFile(t, "suite.yaml", "platform:\n  api_key: file-key\nopenai:\n  model: gpt-4o\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Platform.APIKey != "agentbox-key" {
		t.Errorf("api key = %q, want agentbox-key", cfg.Platform.APIKey)
	}
	if cfg.OpenAI.ModelName() != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", cfg.OpenAI.ModelName())
	}
	if !cfg.UHub.Complete() {
		t.Error("expected uhub config to be complete")
	}
}

func TestLoad_E2BKeyWinsOverAgentbox(t *testing.T) {
	t.Setenv("AGENTBOX_API_KEY", "agentbox-key")
	t.Setenv("E2B_API_KEY", "e2b-key")

	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if cfg.Platform.APIKey != "e2b-key" {
		t.Errorf("api key = %q, want e2b-key", cfg.Platform.APIKey)
	}
}

func TestLoad_PostgresFromEnv(t *testing.T) {
	t.Setenv("E2B_SUITE_DB_DSN", "postgres://suite@localhost/suite")

	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error: %v", err)
	}
	if cfg.StorageDriverName() != "postgres" {
		t.Errorf("driver = %q, want postgres", cfg.StorageDriverName())
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("E2B_SUITE_DB_DSN", "")
	t.Setenv("E2B_SUITE_SCHEDULE", "")
	unsetEnv(t, "E2B_SUITE_SLACK_TOKEN")

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"negative timeout", "platform:\n  request_timeout_s: -1\n", "request_timeout_s"},
		{"unknown driver", "storage:\n  driver: mysql\n", "not supported"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn is required"},
		{"tracing protocol", "observability:\n  tracing:\n    enabled: true\n    endpoint: localhost:4317\n    protocol: udp\n", "protocol"},
		{"empty cron", "scheduler:\n  suites: [commands]\n", "scheduler.cron"},
		{"bad api url", "platform:\n  api_url: api.example.com\n", "api_url"},
		{"negative rate limit", "http:\n  rate_limit:\n    requests_per_minute: -1\n", "rate_limit"},
		{"notify policy", "notifications:\n  on: sometimes\n", "notifications.on"},
		{"notify webhook url", "notifications:\n  webhooks:\n    - name: ops\n      url: hooks.example.com\n", "webhooks[0].url"},
		{"slack without channel", "notifications:\n  slack:\n    bot_token: xoxb\n", "channel_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "suite.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_Notifications(t *testing.T) {
	t.Setenv("E2B_SUITE_DB_DSN", "")
	t.Setenv("E2B_SUITE_SCHEDULE", "")
	t.Setenv("E2B_SUITE_SLACK_TOKEN", "xoxb-env")

	path := writeFile(t, "suite.yaml", `
http:
  rate_limit:
    requests_per_minute: 4
notifications:
  webhooks:
    - name: ops
      url: https://hooks.example.com/e2b
  slack:
    channel_id: C42
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	n := cfg.Notifications
	if n.Policy() != "failure" {
		t.Errorf("policy = %q, want failure", n.Policy())
	}
	if len(n.Webhooks) != 1 || n.Webhooks[0].URL != "https://hooks.example.com/e2b" {
		t.Errorf("webhooks = %+v", n.Webhooks)
	}
	if n.Slack.BotToken != "xoxb-env" || n.Slack.ChannelID != "C42" {
		t.Errorf("slack = %+v", n.Slack)
	}
	if cfg.HTTP.RateLimit.RequestsPerMinute != 4 {
		t.Errorf("rate limit = %+v", cfg.HTTP.RateLimit)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaults(t *testing.T) {
	var s SuitesConfig
	if s.BaseTemplate() != "base" {
		t.Errorf("base template = %q", s.BaseTemplate())
	}
	if s.CodeTemplate() != "code-interpreter-v1" {
		t.Errorf("code template = %q", s.CodeTemplate())
	}
	if s.DesktopTemplateName() != "desktop" {
		t.Errorf("desktop template = %q", s.DesktopTemplateName())
	}
	if s.SandboxTimeout() != 5*time.Minute {
		t.Errorf("sandbox timeout = %v", s.SandboxTimeout())
	}

	var h *HTTPConfig
	if h.Addr() != ":8080" {
		t.Errorf("addr = %q", h.Addr())
	}

	cfg := &Config{DataDir: "/var/lib/e2b-suite"}
	if got := cfg.DatabasePath(); got != "/var/lib/e2b-suite/runs.db" {
		t.Errorf("database path = %q", got)
	}
}

func TestCredentialFields(t *testing.T) {
	cfg := &Config{}
	if n := len(cfg.CredentialFields()); n != 5 {
		t.Errorf("fields = %d, want 5 without storage or notifications", n)
	}

	cfg.Storage = &StorageConfig{Driver: "postgres", Postgres: &PostgresStorageConfig{DSN: "env://DSN"}}
	cfg.Notifications = &NotificationConfig{Slack: &SlackTarget{BotToken: "vault://kv/data/slack#token"}}
	fields := cfg.CredentialFields()
	if len(fields) != 7 {
		t.Fatalf("fields = %d, want 7", len(fields))
	}
	*fields[5] = "postgres://resolved"
	*fields[6] = "xoxb-resolved"
	if cfg.Storage.Postgres.DSN != "postgres://resolved" || cfg.Notifications.Slack.BotToken != "xoxb-resolved" {
		t.Error("fields should point into the config")
	}
}

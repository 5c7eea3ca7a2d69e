// Package config handles loading and validating e2b-suite configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for e2b-suite.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.e2b-suite. Override: E2B_SUITE_DATA_DIR.
	Platform      PlatformConfig       `json:"platform" yaml:"platform"`
	Suites        SuitesConfig         `json:"suites" yaml:"suites"`
	OpenAI        OpenAIConfig         `json:"openai" yaml:"openai"`
	UHub          UHubConfig           `json:"uhub" yaml:"uhub"`
	MCP           MCPConfig            `json:"mcp" yaml:"mcp"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite under DataDir
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = no scheduled runs
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = status API on :8080 without auth
	Notifications *NotificationConfig  `json:"notifications,omitempty" yaml:"notifications,omitempty"` // nil = no run notifications
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env:// and file:// references only
}

// PlatformConfig describes how to reach the sandbox platform.
type PlatformConfig struct {
	APIKey          string `json:"api_key,omitempty" yaml:"api_key,omitempty"`           // E2B_API_KEY or AGENTBOX_API_KEY.
	AccessToken     string `json:"access_token,omitempty" yaml:"access_token,omitempty"` // E2B_ACCESS_TOKEN. Used by template builds.
	Domain          string `json:"domain,omitempty" yaml:"domain,omitempty"`             // Default: e2b.app
	APIURL          string `json:"api_url,omitempty" yaml:"api_url,omitempty"`           // Default: https://api.<domain>
	SandboxURL      string `json:"sandbox_url,omitempty" yaml:"sandbox_url,omitempty"`   // Route every sandbox port through one URL.
	Debug           bool   `json:"debug" yaml:"debug"`                                   // Talk to a local envd on localhost.
	RequestTimeoutS int    `json:"request_timeout_s" yaml:"request_timeout_s"`           // Default: 30
}

// RequestTimeout returns the per-request timeout with a default of 30s.
func (p *PlatformConfig) RequestTimeout() time.Duration {
	if p.RequestTimeoutS > 0 {
		return time.Duration(p.RequestTimeoutS) * time.Second
	}
	return 30 * time.Second
}

// SuitesConfig tunes the integration suites.
type SuitesConfig struct {
	Default                 []string `json:"default,omitempty" yaml:"default,omitempty"` // Suites run when no -t flag is given. Empty = suites tagged default.
	CaseTimeoutS            int      `json:"case_timeout_s" yaml:"case_timeout_s"`       // Default: 300
	SandboxTimeoutS         int      `json:"sandbox_timeout_s" yaml:"sandbox_timeout_s"` // Default: 300
	Template                string   `json:"template,omitempty" yaml:"template,omitempty"`
	CodeInterpreterTemplate string   `json:"code_interpreter_template,omitempty" yaml:"code_interpreter_template,omitempty"`
	DesktopTemplate         string   `json:"desktop_template,omitempty" yaml:"desktop_template,omitempty"`
	Beta                    bool     `json:"beta" yaml:"beta"` // Enable cases that use beta platform features (pause/resume).
}

// CaseTimeout returns the per-case timeout with a default of 5m.
func (s *SuitesConfig) CaseTimeout() time.Duration {
	if s.CaseTimeoutS > 0 {
		return time.Duration(s.CaseTimeoutS) * time.Second
	}
	return 5 * time.Minute
}

// SandboxTimeout returns the sandbox lifetime requested by suites with a default of 5m.
func (s *SuitesConfig) SandboxTimeout() time.Duration {
	if s.SandboxTimeoutS > 0 {
		return time.Duration(s.SandboxTimeoutS) * time.Second
	}
	return 5 * time.Minute
}

// BaseTemplate returns the template for plain sandboxes. Default: "base".
func (s *SuitesConfig) BaseTemplate() string {
	if s.Template != "" {
		return s.Template
	}
	return "base"
}

// CodeTemplate returns the code interpreter template. Default: "code-interpreter-v1".
func (s *SuitesConfig) CodeTemplate() string {
	if s.CodeInterpreterTemplate != "" {
		return s.CodeInterpreterTemplate
	}
	return "code-interpreter-v1"
}

// DesktopTemplateName returns the desktop template. Default: "desktop".
func (s *SuitesConfig) DesktopTemplateName() string {
	if s.DesktopTemplate != "" {
		return s.DesktopTemplate
	}
	return "desktop"
}

// OpenAIConfig configures the OpenAI-compatible endpoint used by the openai suite.
type OpenAIConfig struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`   // OPENAI_API_KEY
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // OPENAI_BASE_URL
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`       // OPENAI_MODEL. Default: gpt-4o
}

// ModelName returns the configured model, defaulting to gpt-4o.
func (o *OpenAIConfig) ModelName() string {
	if o.Model != "" {
		return o.Model
	}
	return "gpt-4o"
}

// UHubConfig holds credentials for the private UHub image registry.
type UHubConfig struct {
	Image    string `json:"image,omitempty" yaml:"image,omitempty"`       // UHUB_IMAGE
	Username string `json:"username,omitempty" yaml:"username,omitempty"` // UHUB_USERNAME
	Password string `json:"password,omitempty" yaml:"password,omitempty"` // UHUB_PASSWORD
}

// Complete reports whether image and credentials are all present.
func (u *UHubConfig) Complete() bool {
	return u.Image != "" && u.Username != "" && u.Password != ""
}

// MCPConfig configures the MCP gateway suite.
type MCPConfig struct {
	Template string `json:"template,omitempty" yaml:"template,omitempty"` // E2B_MCP_TEMPLATE. Empty = suite skipped.
}

// StorageConfig configures the run history backend.
// When nil, defaults to SQLite with the database path derived from DataDir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/runs.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: E2B_SUITE_DB_DSN
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing and failure-rate watching.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics     *MetricsConfig     `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing     *TracingConfig     `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	FailureRate *FailureRateConfig `json:"failure_rate,omitempty" yaml:"failure_rate,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "e2b-suite"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// FailureRateConfig configures the sliding-window case failure watcher.
type FailureRateConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	Threshold     float64 `json:"threshold" yaml:"threshold"`           // e.g. 0.5 = 50% failing cases
	MinSamples    int     `json:"min_samples" yaml:"min_samples"`       // Default: 5
	WindowSeconds int     `json:"window_seconds" yaml:"window_seconds"` // Default: 3600
}

// SchedulerConfig configures cron-scheduled suite runs in serve mode.
type SchedulerConfig struct {
	Cron   string   `json:"cron" yaml:"cron"`                           // Five-field cron expression. Override: E2B_SUITE_SCHEDULE.
	Suites []string `json:"suites,omitempty" yaml:"suites,omitempty"` // Empty = default suites.
}

// HTTPConfig configures the status API.
type HTTPConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"`               // Default: ":8080"
	APIKeys    map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key -> caller name. Empty = trigger endpoint disabled.
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
	RateLimit  RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`                   // Applies to POST /v1/runs per caller.
	AuditLog   string            `json:"audit_log,omitempty" yaml:"audit_log,omitempty"` // JSONL file of triggers and cancels. Empty = off.
}

// RateLimitConfig configures the token bucket on run triggers.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: requests_per_minute
}

// NotificationConfig sends a message when a run finishes.
type NotificationConfig struct {
	On       string          `json:"on" yaml:"on"` // "failure" (default) or "always".
	Webhooks []WebhookTarget `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
	Slack    *SlackTarget    `json:"slack,omitempty" yaml:"slack,omitempty"`
}

// Policy returns the notification policy, defaulting to "failure".
func (n *NotificationConfig) Policy() string {
	if n != nil && n.On != "" {
		return n.On
	}
	return "failure"
}

// WebhookTarget receives the run summary as a JSON POST.
type WebhookTarget struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// SlackTarget posts the run summary through the Slack Web API.
type SlackTarget struct {
	BotToken  string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"` // Override: E2B_SUITE_SLACK_TOKEN.
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// SecretsConfig enables vault:// references in credential fields.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig points at a HashiCorp Vault KV v2 mount. VAULT_ADDR,
// VAULT_TOKEN and VAULT_NAMESPACE override the file values.
type VaultConfig struct {
	Address       string `json:"address" yaml:"address"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace     string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TimeoutS      int    `json:"timeout_s" yaml:"timeout_s"` // Default: 5
	TLSSkipVerify bool   `json:"tls_skip_verify" yaml:"tls_skip_verify"`
}

// CredentialFields returns pointers to every field that may hold a secret
// reference such as env://NAME, file:///path or vault://path#field.
func (c *Config) CredentialFields() []*string {
	fields := []*string{
		&c.Platform.APIKey,
		&c.Platform.AccessToken,
		&c.OpenAI.APIKey,
		&c.UHub.Username,
		&c.UHub.Password,
	}
	if c.Storage != nil && c.Storage.Postgres != nil {
		fields = append(fields, &c.Storage.Postgres.DSN)
	}
	if n := c.Notifications; n != nil && n.Slack != nil {
		fields = append(fields, &n.Slack.BotToken)
	}
	return fields
}

// Default returns a configuration built only from environment variables.
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads a YAML or JSON configuration file and applies environment overrides.
// An empty path is equivalent to Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default()
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", resolved, err)
	}
	return &cfg, nil
}

// applyEnv lets environment variables take precedence over file values.
func (c *Config) applyEnv() {
	// AGENTBOX_* names come from the UCloud flavour of the platform.
	c.Platform.APIKey = goutils.Env("AGENTBOX_API_KEY", c.Platform.APIKey)
	c.Platform.APIKey = goutils.Env("E2B_API_KEY", c.Platform.APIKey)
	c.Platform.Domain = goutils.Env("AGENTBOX_DOMAIN", c.Platform.Domain)
	c.Platform.Domain = goutils.Env("E2B_DOMAIN", c.Platform.Domain)
	c.Platform.AccessToken = goutils.Env("E2B_ACCESS_TOKEN", c.Platform.AccessToken)
	c.Platform.APIURL = goutils.Env("E2B_API_URL", c.Platform.APIURL)
	c.Platform.SandboxURL = goutils.Env("E2B_SANDBOX_URL", c.Platform.SandboxURL)
	if v := os.Getenv("E2B_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Platform.Debug = b
		}
	}

	c.OpenAI.APIKey = goutils.Env("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = goutils.Env("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.Model = goutils.Env("OPENAI_MODEL", c.OpenAI.Model)

	c.UHub.Image = goutils.Env("UHUB_IMAGE", c.UHub.Image)
	c.UHub.Username = goutils.Env("UHUB_USERNAME", c.UHub.Username)
	c.UHub.Password = goutils.Env("UHUB_PASSWORD", c.UHub.Password)

	c.MCP.Template = goutils.Env("E2B_MCP_TEMPLATE", c.MCP.Template)

	c.DataDir = goutils.Env("E2B_SUITE_DATA_DIR", c.DataDir)

	if dsn := os.Getenv("E2B_SUITE_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	if n := c.Notifications; n != nil && n.Slack != nil {
		n.Slack.BotToken = goutils.Env("E2B_SUITE_SLACK_TOKEN", n.Slack.BotToken)
	}

	if expr := os.Getenv("E2B_SUITE_SCHEDULE"); expr != "" {
		if c.Scheduler == nil {
			c.Scheduler = &SchedulerConfig{}
		}
		c.Scheduler.Cron = expr
	}
}

func (c *Config) validate() error {
	if c.Platform.RequestTimeoutS < 0 {
		return fmt.Errorf("platform.request_timeout_s must not be negative")
	}
	if c.Suites.CaseTimeoutS < 0 {
		return fmt.Errorf("suites.case_timeout_s must not be negative")
	}
	if c.Suites.SandboxTimeoutS < 0 {
		return fmt.Errorf("suites.sandbox_timeout_s must not be negative")
	}
	if c.Platform.APIURL != "" && !strings.HasPrefix(c.Platform.APIURL, "http://") && !strings.HasPrefix(c.Platform.APIURL, "https://") {
		return fmt.Errorf("platform.api_url must be an http(s) URL")
	}

	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when driver is postgres (set E2B_SUITE_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	if o := c.Observability; o != nil {
		if o.Tracing != nil && o.Tracing.Enabled {
			if o.Tracing.Endpoint == "" {
				return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
			}
			if p := o.Tracing.Protocol; p != "" && p != "grpc" && p != "http" {
				return fmt.Errorf("observability.tracing.protocol must be grpc or http, got %q", p)
			}
		}
		if f := o.FailureRate; f != nil && f.Enabled && (f.Threshold <= 0 || f.Threshold > 1) {
			return fmt.Errorf("observability.failure_rate.threshold must be in (0, 1]")
		}
	}

	if h := c.HTTP; h != nil && (h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0) {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}

	if n := c.Notifications; n != nil {
		if p := n.Policy(); p != "failure" && p != "always" {
			return fmt.Errorf("notifications.on must be failure or always, got %q", p)
		}
		for i, w := range n.Webhooks {
			if !strings.HasPrefix(w.URL, "http://") && !strings.HasPrefix(w.URL, "https://") {
				return fmt.Errorf("notifications.webhooks[%d].url must be an http(s) URL", i)
			}
		}
		if n.Slack != nil && (n.Slack.BotToken == "" || n.Slack.ChannelID == "") {
			return fmt.Errorf("notifications.slack needs bot_token and channel_id")
		}
	}

	if c.Scheduler != nil && strings.TrimSpace(c.Scheduler.Cron) == "" {
		return fmt.Errorf("scheduler.cron is required when the scheduler section is present")
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".e2b-suite"
		}
		return filepath.Join(home, ".e2b-suite")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "runs.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

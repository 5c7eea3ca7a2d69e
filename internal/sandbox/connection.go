package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
)

const (
	DefaultDomain         = "e2b.app"
	DefaultRequestTimeout = 30 * time.Second
	DefaultSandboxTimeout = 300 * time.Second
	DefaultCommandTimeout = 60 * time.Second
	DefaultTemplate       = "base"
	DefaultUser           = "user"

	EnvdPort = 49983
)

// ConnectionConfig holds everything needed to talk to the control plane and
// to the envd daemon inside each sandbox.
type ConnectionConfig struct {
	APIKey      string
	AccessToken string
	Domain      string
	APIURL      string
	// SandboxURL routes every sandbox port to a single URL. Requests then
	// carry E2b-Sandbox-Id and E2b-Sandbox-Port headers.
	SandboxURL     string
	Debug          bool
	RequestTimeout time.Duration
	Headers        map[string]string
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// ConfigFromEnv builds a ConnectionConfig from E2B_* (or AGENTBOX_*) variables.
func ConfigFromEnv() ConnectionConfig {
	debug, _ := strconv.ParseBool(goutils.Env("E2B_DEBUG", "false"))
	return ConnectionConfig{
		APIKey:      goutils.Env("E2B_API_KEY", goutils.Env("AGENTBOX_API_KEY", "")),
		AccessToken: goutils.Env("E2B_ACCESS_TOKEN", ""),
		Domain:      goutils.Env("E2B_DOMAIN", goutils.Env("AGENTBOX_DOMAIN", "")),
		APIURL:      goutils.Env("E2B_API_URL", ""),
		SandboxURL:  goutils.Env("E2B_SANDBOX_URL", ""),
		Debug:       debug,
	}
}

func (c ConnectionConfig) domain() string {
	if c.Domain != "" {
		return c.Domain
	}
	return DefaultDomain
}

func (c ConnectionConfig) apiURL() string {
	if c.APIURL != "" {
		return strings.TrimRight(c.APIURL, "/")
	}
	if c.Debug {
		return "http://localhost:3000"
	}
	return "https://api." + c.domain()
}

func (c ConnectionConfig) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (c ConnectionConfig) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c ConnectionConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sandboxHost is the public host name of a port inside a sandbox.
func sandboxHost(sandboxID, domain string, port int) string {
	return fmt.Sprintf("%d-%s.%s", port, sandboxID, domain)
}

// sandboxURL is the base URL used to reach a port inside a sandbox.
func (c ConnectionConfig) sandboxURL(sandboxID, domain string, port int) string {
	if c.SandboxURL != "" {
		return strings.TrimRight(c.SandboxURL, "/")
	}
	if c.Debug {
		return fmt.Sprintf("http://localhost:%d", port)
	}
	if domain == "" {
		domain = c.domain()
	}
	return "https://" + sandboxHost(sandboxID, domain, port)
}

// routingHeaders are set on every request that goes to a sandbox port.
func (c ConnectionConfig) routingHeaders(h http.Header, sandboxID string, port int) {
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	if c.SandboxURL != "" {
		h.Set("E2b-Sandbox-Id", sandboxID)
		h.Set("E2b-Sandbox-Port", strconv.Itoa(port))
	}
}

// Package suites holds the integration suites run against the sandbox
// platform. Each case creates its own sandboxes and kills them on exit.
package suites

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/config"
	"github.com/mfzzf/e2b-test-suite/internal/llm"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
	"github.com/mfzzf/e2b-test-suite/internal/template"
)

// Tags grouping suites by the template or credentials they need.
const (
	TagCodeInterpreter = "code-interpreter"
	TagDesktop         = "desktop"
	TagTemplate        = "template"
	TagCredentials     = "credentials"
)

const (
	killTimeout  = 30 * time.Second
	pollInterval = 100 * time.Millisecond
)

// Env is what the suites need to reach the platform.
type Env struct {
	Client *sandbox.Client
	Config *config.Config
	Logger *slog.Logger
	// LLM backs the openai suite. Nil skips it.
	LLM llm.Provider
}

// Register adds every suite to reg in their canonical order.
func Register(reg *suite.Registry, env *Env) error {
	if env.Logger == nil {
		env.Logger = env.Client.Logger()
	}
	if env.Config == nil {
		env.Config = &config.Config{}
	}
	return reg.Register(
		env.sandboxBasic(),
		env.sandboxLifecycle(),
		env.sandboxInfo(),
		env.fileOperations(),
		env.filesystem(),
		env.commands(),
		env.pty(),
		env.exceptions(),
		env.async(),
		env.codeExecution(),
		env.codeContexts(),
		env.streaming(),
		env.charts(),
		env.desktop(),
		env.desktopInteraction(),
		env.templateBuild(),
		env.uhubRegistry(),
		env.openAI(),
		env.mcpGateway(),
	)
}

func (e *Env) params(tpl string) sandbox.CreateParams {
	return sandbox.CreateParams{Template: tpl, Timeout: e.Config.Suites.SandboxTimeout()}
}

// create starts a sandbox and kills it when the case ends. An empty
// template selects the configured base template.
func (e *Env) create(t *suite.T, params sandbox.CreateParams) *sandbox.Sandbox {
	if params.Template == "" {
		params.Template = e.Config.Suites.BaseTemplate()
	}
	if params.Timeout == 0 {
		params.Timeout = e.Config.Suites.SandboxTimeout()
	}
	sbx, err := e.Client.Create(t.Context(), params)
	t.NoError(err, "create sandbox")
	t.Logf("sandbox %s created from %s", sbx.ID, params.Template)
	e.killOnCleanup(t, sbx)
	return sbx
}

func (e *Env) killOnCleanup(t *suite.T, sbx *sandbox.Sandbox) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		if _, err := sbx.Kill(ctx); err != nil {
			e.Logger.Warn("killing sandbox",
				slog.String("sandbox_id", sbx.ID),
				slog.String("error", err.Error()),
			)
		}
	})
}

func (e *Env) templates() *template.Client {
	return template.NewClient(e.Client)
}

// eventually polls cond until it holds or d elapses.
func eventually(t *suite.T, d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-t.Context().Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

// waitDone waits for a process handle to end.
func waitDone(t *suite.T, h *sandbox.CommandHandle, d time.Duration) bool {
	select {
	case <-h.Done():
		return true
	case <-time.After(d):
		return false
	case <-t.Context().Done():
		return false
	}
}

func hasPID(procs []sandbox.ProcessInfo, pid uint32) bool {
	return findPID(procs, pid) != nil
}

func findPID(procs []sandbox.ProcessInfo, pid uint32) *sandbox.ProcessInfo {
	for i := range procs {
		if procs[i].PID == pid {
			return &procs[i]
		}
	}
	return nil
}

func contains(t *suite.T, s, sub, what string) {
	if !strings.Contains(s, sub) {
		t.Fatalf("%s = %q, want it to contain %q", what, s, sub)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

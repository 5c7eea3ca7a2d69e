package suites

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/config"
	"github.com/mfzzf/e2b-test-suite/internal/llm"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox/sandboxtest"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upperPipe adds `| tr 'a-z' 'A-Z'` on top of the fake shell.
func upperPipe(req sandboxtest.ExecRequest) sandboxtest.ExecResult {
	const pipe = "| tr 'a-z' 'A-Z'"
	script := req.Script()
	left, ok := strings.CutSuffix(strings.TrimSpace(script), pipe)
	if !ok {
		return sandboxtest.Shell(req)
	}
	req.Cmd, req.Args = "/bin/bash", []string{"-c", strings.TrimSpace(left)}
	res := sandboxtest.Shell(req)
	res.Stdout = strings.ToUpper(res.Stdout)
	return res
}

func newEnv(t *testing.T) (*sandboxtest.Server, *Env) {
	t.Helper()
	srv := sandboxtest.New("test-key")
	srv.Exec = upperPipe
	t.Cleanup(srv.Close)
	return srv, &Env{
		Client: sandbox.NewClient(srv.Config()),
		Config: &config.Config{},
		Logger: discardLogger(),
	}
}

func runSuite(t *testing.T, s *suite.Suite) suite.SuiteResult {
	t.Helper()
	r := suite.NewRunner(runnerOptions(t))
	res := r.RunSuite(context.Background(), s)
	for _, c := range res.Cases {
		if c.Status == suite.StatusFailed {
			t.Errorf("%s/%s failed: %s", s.Name, c.Name, c.Message)
		}
	}
	return res
}

func runnerOptions(t *testing.T) suite.Options {
	t.Helper()
	return suite.Options{Logger: discardLogger(), CaseTimeout: 30 * time.Second}
}

// --- Registration ---

func TestRegister(t *testing.T) {
	_, env := newEnv(t)
	reg := suite.NewRegistry()
	if err := Register(reg, env); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	want := "sandbox_basic,sandbox_lifecycle,sandbox_info,file_operations,filesystem,commands,pty," +
		"exceptions,async,code_execution,code_interpreter_context,streaming,charts,desktop," +
		"desktop_interaction,template_build,uhub_registry,openai,mcp_gateway"
	if got := strings.Join(reg.Names(), ","); got != want {
		t.Errorf("Names() = %s", got)
	}

	var defaults []string
	for _, s := range reg.Defaults() {
		defaults = append(defaults, s.Name)
	}
	if got := strings.Join(defaults, ","); got != "sandbox_basic,file_operations,code_execution,streaming,charts,desktop,openai" {
		t.Errorf("Defaults() = %s", got)
	}
	if n := len(reg.WithTag(TagDesktop)); n != 2 {
		t.Errorf("desktop suites = %d", n)
	}

	for _, s := range reg.All() {
		seen := map[string]bool{}
		for _, c := range s.Cases {
			if seen[c.Name] {
				t.Errorf("%s: duplicate case %s", s.Name, c.Name)
			}
			seen[c.Name] = true
		}
	}
}

// --- Suites against the fake platform ---

func TestSuites_FakePlatform(t *testing.T) {
	srv, env := newEnv(t)
	for _, s := range []*suite.Suite{
		env.sandboxBasic(),
		env.sandboxLifecycle(),
		env.sandboxInfo(),
		env.fileOperations(),
		env.filesystem(),
		env.commands(),
		env.pty(),
		env.exceptions(),
		env.async(),
	} {
		t.Run(s.Name, func(t *testing.T) {
			res := runSuite(t, s)
			if res.Status != suite.StatusPassed {
				t.Errorf("status = %s (%d passed, %d failed, %d skipped)", res.Status, res.Passed, res.Failed, res.Skipped)
			}
		})
	}
	if n := srv.SandboxCount(); n != 0 {
		t.Errorf("%d sandboxes left running", n)
	}
}

func TestSandboxLifecycle_BetaPauseResume(t *testing.T) {
	_, env := newEnv(t)
	env.Config.Suites.Beta = true
	res := runSuite(t, env.sandboxLifecycle())
	for _, c := range res.Cases {
		if c.Name == "pause_resume" && c.Status != suite.StatusPassed {
			t.Errorf("pause_resume = %s: %s", c.Status, c.Message)
		}
	}
}

func TestCreate_KillsOnCleanup(t *testing.T) {
	srv, env := newEnv(t)
	r := suite.NewRunner(runnerOptions(t))
	res := r.RunSuite(context.Background(), &suite.Suite{Name: "s", Cases: []suite.Case{{Name: "c", Run: func(st *suite.T) {
		env.create(st, sandbox.CreateParams{})
		if n := srv.SandboxCount(); n != 1 {
			st.Fatalf("running sandboxes = %d", n)
		}
		st.Fatal("stop early")
	}}}})
	if res.Status != suite.StatusFailed || res.Cases[0].Message != "stop early" {
		t.Errorf("status = %s, message = %q", res.Status, res.Cases[0].Message)
	}
	if n := srv.SandboxCount(); n != 0 {
		t.Errorf("sandbox not killed after a failed case, %d running", n)
	}
}

func TestCreate_RejectedTemplate(t *testing.T) {
	srv, env := newEnv(t)
	srv.RejectTemplate(sandbox.DefaultTemplate)
	r := suite.NewRunner(runnerOptions(t))
	res := r.RunSuite(context.Background(), env.sandboxBasic())
	if res.Status != suite.StatusFailed || res.Failed != 1 {
		t.Errorf("status = %s, failed = %d", res.Status, res.Failed)
	}
}

// --- Offline and credential-gated suites ---

func TestTemplateSuites_Offline(t *testing.T) {
	_, env := newEnv(t)
	for _, s := range []*suite.Suite{env.templateBuild(), env.uhubRegistry()} {
		t.Run(s.Name, func(t *testing.T) {
			res := runSuite(t, s)
			for _, c := range res.Cases {
				switch c.Name {
				case "dockerfile_parse", "template_creation", "to_json":
					if c.Status != suite.StatusPassed {
						t.Errorf("%s = %s", c.Name, c.Status)
					}
				default:
					// The fake has no build API and no UHub credentials.
					if c.Status != suite.StatusSkipped {
						t.Errorf("%s = %s, want skipped", c.Name, c.Status)
					}
				}
			}
		})
	}
}

func TestCredentialSuites_SkipWithoutConfig(t *testing.T) {
	_, env := newEnv(t)
	for _, s := range []*suite.Suite{env.openAI(), env.mcpGateway()} {
		res := runSuite(t, s)
		if res.Status != suite.StatusSkipped || res.Skipped != len(s.Cases) {
			t.Errorf("%s: status = %s, skipped = %d", s.Name, res.Status, res.Skipped)
		}
	}
}

type fakeLLM struct{ reply string }

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) SendMessage(context.Context, *llm.Request) (*llm.Response, error) {
	return &llm.Response{Content: f.reply, StopReason: llm.StopEndTurn, Usage: llm.Usage{InputTokens: 5, OutputTokens: 2}}, nil
}

func TestOpenAI_SimpleChat(t *testing.T) {
	_, env := newEnv(t)
	env.LLM = &fakeLLM{reply: "你好"}
	s := env.openAI()
	s.Cases = s.Cases[:1]
	if res := runSuite(t, s); res.Status != suite.StatusPassed {
		t.Errorf("status = %s", res.Status)
	}

	env.LLM = &fakeLLM{reply: "  "}
	r := suite.NewRunner(runnerOptions(t))
	if res := r.RunSuite(context.Background(), s); res.Status != suite.StatusFailed {
		t.Errorf("empty reply: status = %s", res.Status)
	}
}

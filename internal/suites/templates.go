package suites

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
	"github.com/mfzzf/e2b-test-suite/internal/template"
)

const simpleDockerfile = `
FROM python:3.11-slim

RUN pip install numpy

WORKDIR /home/user
`

const (
	uhubDefaultImage = template.CodeInterpreterImage
	uhubTestUser     = "test@ucloud.cn"
	uhubTestPassword = "test-password"
)

func simpleTemplate(t *suite.T) *template.Template {
	tpl, err := template.New().FromDockerfile(strings.NewReader(simpleDockerfile))
	t.NoError(err, "parse Dockerfile")
	return tpl
}

// buildLogs collects build log entries from the OnBuildLogs callback.
type buildLogs struct {
	mu      sync.Mutex
	entries []template.LogEntry
}

func (b *buildLogs) add(e template.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
}

func (b *buildLogs) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// skipUnavailable skips the case when the platform does not offer template
// builds to this key.
func skipUnavailable(t *suite.T, err error) {
	switch {
	case errors.Is(err, sandbox.ErrAuthentication),
		errors.Is(err, sandbox.ErrNotFound),
		errors.Is(err, sandbox.ErrRateLimit):
		t.Skipf("template builds unavailable: %v", err)
	}
}

func (e *Env) templateBuild() *suite.Suite {
	opts := func(alias string, logs *buildLogs) template.BuildOptions {
		o := template.BuildOptions{Alias: alias, CPUCount: 2, MemoryMB: 1024}
		if logs != nil {
			o.OnBuildLogs = logs.add
		}
		return o
	}
	return &suite.Suite{
		Name:        "template_build",
		Description: "Build templates from a Dockerfile, in the foreground and background",
		Tags:        []string{TagTemplate},
		Cases: []suite.Case{
			{Name: "dockerfile_parse", Run: func(t *suite.T) {
				tpl := simpleTemplate(t)
				t.Equal(tpl.BaseImage(), "python:3.11-slim", "base image")
				var runs, workdirs []string
				for _, s := range tpl.Steps() {
					switch s.Type {
					case template.InstructionRun:
						runs = append(runs, s.Args[0])
					case template.InstructionWorkdir:
						workdirs = append(workdirs, s.Args[0])
					}
				}
				t.True(slices.Contains(runs, "pip install numpy"), "RUN steps = %q", runs)
				t.True(len(workdirs) > 0 && workdirs[len(workdirs)-1] == "/home/user", "WORKDIR steps = %q", workdirs)
				out, err := tpl.ToDockerfile()
				t.NoError(err, "render Dockerfile")
				contains(t, out, "FROM python:3.11-slim", "rendered Dockerfile")
			}},
			{Name: "template_build", Run: func(t *suite.T) {
				logs := &buildLogs{}
				info, err := e.templates().Build(t.Context(), simpleTemplate(t), opts("test-simple-template", logs))
				skipUnavailable(t, err)
				t.NoError(err, "build")
				t.True(info.TemplateID != "" && info.BuildID != "", "build info %s is incomplete", info)
				t.Logf("%s, %d log entries", info, logs.len())
			}},
			{Name: "template_build_in_background", Run: func(t *suite.T) {
				logs := &buildLogs{}
				tc := e.templates()
				info, err := tc.BuildInBackground(t.Context(), simpleTemplate(t), opts("test-bg-template", logs))
				skipUnavailable(t, err)
				t.NoError(err, "start build")
				t.Equal(info.Alias, "test-bg-template", "alias")

				var status *template.BuildStatusResponse
				ok := eventually(t, 10*time.Second, func() bool {
					status, err = tc.GetBuildStatus(t.Context(), info, 0)
					return err != nil || status.Status != template.StatusWaiting
				})
				t.NoError(err, "build status")
				t.True(ok || status != nil, "no build status")
				t.Logf("build %s is %s", info.BuildID, status.Status)
			}},
			{Name: "get_build_status", Run: func(t *suite.T) {
				tc := e.templates()
				info, err := tc.BuildInBackground(t.Context(), simpleTemplate(t), opts("test-status-template", nil))
				skipUnavailable(t, err)
				t.NoError(err, "start build")

				first, err := tc.GetBuildStatus(t.Context(), info, 0)
				t.NoError(err, "first status")
				t.Equal(first.BuildID, info.BuildID, "build id")
				validStatus(t, first.Status)

				time.Sleep(2 * time.Second)
				second, err := tc.GetBuildStatus(t.Context(), info, len(first.LogEntries))
				t.NoError(err, "second status")
				validStatus(t, second.Status)
				if second.Status == template.StatusError && second.Reason != nil {
					t.Logf("build failed: %s", second.Reason.Message)
				}
			}},
		},
	}
}

func validStatus(t *suite.T, s template.BuildStatus) {
	switch s {
	case template.StatusBuilding, template.StatusWaiting, template.StatusReady, template.StatusError:
	default:
		t.Fatalf("unknown build status %q", s)
	}
}

func (e *Env) uhubRegistry() *suite.Suite {
	return &suite.Suite{
		Name:        "uhub_registry",
		Description: "Templates based on private UHub images",
		Tags:        []string{TagTemplate},
		Cases: []suite.Case{
			{Name: "template_creation", Run: func(t *suite.T) {
				tpl := template.New().
					FromUHubRegistry(uhubDefaultImage, uhubTestUser, uhubTestPassword).
					RunCmd("pip install numpy")
				t.Equal(tpl.BaseImage(), uhubDefaultImage, "base image")
				reg := tpl.Registry()
				t.True(reg != nil, "registry credentials missing")
				t.Equal(reg.Type, template.RegistryUHub, "registry type")
				t.Equal(reg.Username, uhubTestUser, "username")
				t.Equal(reg.Password, uhubTestPassword, "password")
			}},
			{Name: "to_json", Run: func(t *suite.T) {
				tpl := template.New().
					FromUHubRegistry(uhubDefaultImage, uhubTestUser, uhubTestPassword).
					RunCmd("apt-get update")
				out, err := tpl.ToJSON()
				t.NoError(err, "to json")
				contains(t, out, uhubDefaultImage, "json")
				contains(t, out, `"uhub"`, "json")
			}},
			{Name: "build", Run: func(t *suite.T) {
				u := e.Config.UHub
				if !u.Complete() {
					t.Skip("UHUB_IMAGE, UHUB_USERNAME and UHUB_PASSWORD are not all set")
				}
				tpl := template.New().
					FromUHubRegistry(u.Image, u.Username, u.Password).
					RunCmd("echo 'UHub registry test'")
				logs := &buildLogs{}
				info, err := e.templates().Build(t.Context(), tpl, template.BuildOptions{
					Alias:       "test-uhub-template",
					CPUCount:    2,
					MemoryMB:    1024,
					OnBuildLogs: logs.add,
				})
				skipUnavailable(t, err)
				t.NoError(err, "build")
				t.Logf("%s, %d log entries", info, logs.len())
			}},
		},
	}
}

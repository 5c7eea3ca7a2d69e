package suites

import (
	"context"
	"slices"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

func (e *Env) sandboxBasic() *suite.Suite {
	return &suite.Suite{
		Name:        "sandbox_basic",
		Description: "Create a code interpreter sandbox, inspect it and list sandboxes",
		Tags:        []string{suite.TagDefault},
		Cases: []suite.Case{
			{Name: "create_and_inspect", Run: func(t *suite.T) {
				sbx := e.create(t, e.params(e.Config.Suites.CodeTemplate()))
				t.True(sbx.ID != "", "sandbox id is empty")

				info, err := sbx.GetInfo(t.Context())
				t.NoError(err, "get info")
				t.Equal(info.SandboxID, sbx.ID, "info.SandboxID")
				t.Logf("template %s, started %s", info.TemplateID, info.StartedAt.Format(time.RFC3339))

				entries, err := sbx.Files.List(t.Context(), "/")
				t.NoError(err, "list /")
				t.True(len(entries) > 0, "root directory is empty")
				t.Logf("%d entries in /", len(entries))
			}},
			{Name: "list_sandboxes", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				found, err := e.listContains(t.Context(), sandbox.ListQuery{}, sbx.ID)
				t.NoError(err, "list sandboxes")
				t.True(found, "sandbox %s missing from list", sbx.ID)
			}},
		},
	}
}

func (e *Env) sandboxLifecycle() *suite.Suite {
	return &suite.Suite{
		Name:        "sandbox_lifecycle",
		Description: "Create options, connect, timeouts, kill and pause/resume",
		Cases: []suite.Case{
			{Name: "create_default", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				running, err := sbx.IsRunning(t.Context())
				t.NoError(err, "is running")
				t.True(running, "new sandbox is not running")
			}},
			{Name: "create_with_metadata", Run: func(t *suite.T) {
				md := map[string]string{"project": "test", "env": "dev"}
				sbx := e.create(t, sandbox.CreateParams{Metadata: md})
				info, err := sbx.GetInfo(t.Context())
				t.NoError(err, "get info")
				for k, v := range md {
					t.Equal(info.Metadata[k], v, "metadata["+k+"]")
				}
			}},
			{Name: "create_with_envs", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{Envs: map[string]string{"MY_VAR": "test_value"}})
				res, err := sbx.Commands.Run(t.Context(), "echo $MY_VAR")
				t.NoError(err, "run")
				contains(t, res.Stdout, "test_value", "stdout")
			}},
			{Name: "create_with_timeout", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{Timeout: 120 * time.Second})
				info, err := sbx.GetInfo(t.Context())
				t.NoError(err, "get info")
				ttl := info.EndAt.Sub(info.StartedAt)
				t.True(ttl > 60*time.Second && ttl <= 180*time.Second, "lifetime = %s, want about 2m", ttl)
			}},
			{Name: "connect", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				other, err := e.Client.Connect(t.Context(), sbx.ID, 0)
				t.NoError(err, "connect")
				t.Equal(other.ID, sbx.ID, "connected sandbox id")
				res, err := other.Commands.Run(t.Context(), "echo connected")
				t.NoError(err, "run on connected sandbox")
				contains(t, res.Stdout, "connected", "stdout")
			}},
			{Name: "set_timeout", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{Timeout: 60 * time.Second})
				t.NoError(sbx.SetTimeout(t.Context(), 300*time.Second), "set timeout")
				info, err := sbx.GetInfo(t.Context())
				t.NoError(err, "get info")
				left := time.Until(info.EndAt)
				t.True(left > 120*time.Second, "time left after extension = %s", left)
			}},
			{Name: "kill", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				killed, err := sbx.Kill(t.Context())
				t.NoError(err, "kill")
				t.True(killed, "kill returned false for a running sandbox")

				running, err := sbx.IsRunning(t.Context())
				t.NoError(err, "is running")
				t.True(!running, "killed sandbox still running")

				again, err := sbx.Kill(t.Context())
				t.NoError(err, "second kill")
				t.True(!again, "second kill returned true")
			}},
			{Name: "list_multiple", Run: func(t *suite.T) {
				a := e.create(t, sandbox.CreateParams{})
				b := e.create(t, sandbox.CreateParams{})
				var ids []string
				pager := e.Client.List(sandbox.ListQuery{State: []sandbox.SandboxState{sandbox.StateRunning}})
				for pager.HasNext() {
					page, err := pager.Next(t.Context())
					t.NoError(err, "list sandboxes")
					for _, s := range page {
						ids = append(ids, s.SandboxID)
					}
				}
				t.True(len(ids) >= 2, "listed %d sandboxes, want at least 2", len(ids))
				t.True(slices.Contains(ids, a.ID) && slices.Contains(ids, b.ID), "list %v is missing %s or %s", ids, a.ID, b.ID)
			}},
			{Name: "pause_resume", Run: func(t *suite.T) {
				if !e.Config.Suites.Beta {
					t.Skip("beta features disabled (use --beta)")
				}
				sbx := e.create(t, sandbox.CreateParams{})
				const path = "/home/user/test.txt"
				_, err := sbx.Files.Write(t.Context(), path, []byte("persisted across pause"))
				t.NoError(err, "write")

				paused, err := sbx.Pause(t.Context())
				t.NoError(err, "pause")
				t.True(paused, "pause returned false")
				info, err := sbx.GetInfo(t.Context())
				t.NoError(err, "get info")
				t.Equal(info.State, sandbox.StatePaused, "state after pause")

				resumed, err := e.Client.Connect(t.Context(), sbx.ID, 0)
				t.NoError(err, "connect to paused sandbox")
				text, err := resumed.Files.ReadText(t.Context(), path)
				t.NoError(err, "read after resume")
				t.Equal(text, "persisted across pause", "file content after resume")
			}},
		},
	}
}

func (e *Env) sandboxInfo() *suite.Suite {
	return &suite.Suite{
		Name:        "sandbox_info",
		Description: "Sandbox info, metrics and logs",
		Cases: []suite.Case{
			{Name: "get_info", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{Metadata: map[string]string{"test_key": "test_value"}})
				info, err := sbx.GetInfo(t.Context())
				t.NoError(err, "get info")
				t.Equal(info.SandboxID, sbx.ID, "info.SandboxID")
				t.True(info.TemplateID != "", "template id is empty")
				t.True(!info.StartedAt.IsZero(), "started at is zero")
				t.True(info.EndAt.After(info.StartedAt), "end %s is not after start %s", info.EndAt, info.StartedAt)
				t.Equal(info.Metadata["test_key"], "test_value", "metadata[test_key]")
				t.Logf("cpu %d, memory %d MB, state %s", info.CPUCount, info.MemoryMB, info.State)
			}},
			{Name: "get_info_by_id", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				info, err := e.Client.GetInfo(t.Context(), sbx.ID)
				t.NoError(err, "get info by id")
				t.Equal(info.SandboxID, sbx.ID, "info.SandboxID")
			}},
			{Name: "get_metrics", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Commands.Run(t.Context(), "echo 'generating load'")
				t.NoError(err, "run")
				_, err = sbx.Files.Write(t.Context(), "/home/user/metrics.txt", []byte("metrics"))
				t.NoError(err, "write")

				var metrics []sandbox.SandboxMetrics
				// Samples are collected periodically, so the first read may be empty.
				eventually(t, 15*time.Second, func() bool {
					metrics, err = sbx.GetMetrics(t.Context(), time.Time{}, time.Time{})
					return err != nil || len(metrics) > 0
				})
				t.NoError(err, "get metrics")
				t.True(len(metrics) > 0, "no metrics reported")
				m := metrics[len(metrics)-1]
				t.True(m.MemTotal > 0, "memTotal = %d", m.MemTotal)
				t.Logf("cpu %.1f%%, mem %d/%d", m.CPUUsedPct, m.MemUsed, m.MemTotal)
			}},
			{Name: "get_metrics_time_range", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				start := time.Now().Add(-time.Minute)
				end := time.Now().Add(time.Minute)
				metrics, err := sbx.GetMetrics(t.Context(), start, end)
				t.NoError(err, "get metrics in range")
				for _, m := range metrics {
					t.True(!m.Timestamp.Before(start) && !m.Timestamp.After(end), "sample at %s outside range", m.Timestamp)
				}
			}},
			{Name: "get_metrics_by_id", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := e.Client.GetMetrics(t.Context(), sbx.ID, time.Time{}, time.Time{})
				t.NoError(err, "get metrics by id")
			}},
			{Name: "get_logs", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Commands.Run(t.Context(), "echo 'log line'")
				t.NoError(err, "run")
				logs, err := sbx.GetLogs(t.Context(), time.Time{}, 100)
				t.NoError(err, "get logs")
				t.Logf("%d log entries", len(logs))
			}},
		},
	}
}

// listContains pages through the sandbox list looking for id.
func (e *Env) listContains(ctx context.Context, q sandbox.ListQuery, id string) (bool, error) {
	pager := e.Client.List(q)
	for pager.HasNext() {
		page, err := pager.Next(ctx)
		if err != nil {
			return false, err
		}
		for _, s := range page {
			if s.SandboxID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

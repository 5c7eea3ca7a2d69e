package suites

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// concurrency bounds the fan-out of the async cases.
const concurrency = 5

func (e *Env) async() *suite.Suite {
	return &suite.Suite{
		Name:        "async",
		Description: "Concurrent sandbox, file and command operations",
		Cases: []suite.Case{
			{Name: "create", Run: func(t *suite.T) {
				sbxs := e.createConcurrently(t, 3, sandbox.CreateParams{})
				seen := map[string]bool{}
				for _, s := range sbxs {
					t.True(!seen[s.ID], "duplicate sandbox id %s", s.ID)
					seen[s.ID] = true
				}
			}},
			{Name: "create_with_options", Run: func(t *suite.T) {
				sbxs := e.createConcurrently(t, 2, sandbox.CreateParams{
					Metadata: map[string]string{"async_test": "true"},
					Envs:     map[string]string{"ASYNC_VAR": "async_value"},
				})
				g, ctx := errgroup.WithContext(t.Context())
				for _, sbx := range sbxs {
					g.Go(func() error {
						info, err := sbx.GetInfo(ctx)
						if err != nil {
							return err
						}
						if info.Metadata["async_test"] != "true" {
							return fmt.Errorf("sandbox %s metadata = %v", sbx.ID, info.Metadata)
						}
						res, err := sbx.Commands.Run(ctx, "echo $ASYNC_VAR")
						if err != nil {
							return err
						}
						if !strings.Contains(res.Stdout, "async_value") {
							return fmt.Errorf("sandbox %s: ASYNC_VAR = %q", sbx.ID, res.Stdout)
						}
						return nil
					})
				}
				t.NoError(g.Wait(), "inspect sandboxes")
			}},
			{Name: "files_operations", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				ctx := t.Context()
				_, err := sbx.Files.Write(ctx, "/home/user/async.txt", []byte("async content"))
				t.NoError(err, "write")
				text, err := sbx.Files.ReadText(ctx, "/home/user/async.txt")
				t.NoError(err, "read")
				t.Equal(text, "async content", "content")
				ok, err := sbx.Files.Exists(ctx, "/home/user/async.txt")
				t.NoError(err, "exists")
				t.True(ok, "file missing after write")
				t.NoError(sbx.Files.Remove(ctx, "/home/user/async.txt"), "remove")
			}},
			{Name: "commands_run", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				outs := make([]string, concurrency)
				g, ctx := errgroup.WithContext(t.Context())
				for i := range concurrency {
					g.Go(func() error {
						res, err := sbx.Commands.Run(ctx, fmt.Sprintf("echo 'task %d'", i))
						if err != nil {
							return err
						}
						outs[i] = res.Stdout
						return nil
					})
				}
				t.NoError(g.Wait(), "run commands")
				for i, out := range outs {
					contains(t, out, fmt.Sprintf("task %d", i), fmt.Sprintf("output %d", i))
				}
			}},
			{Name: "kill", Run: func(t *suite.T) {
				sbxs := e.createConcurrently(t, 2, sandbox.CreateParams{})
				g, ctx := errgroup.WithContext(t.Context())
				for _, sbx := range sbxs {
					g.Go(func() error {
						killed, err := sbx.Kill(ctx)
						if err != nil {
							return err
						}
						if !killed {
							return fmt.Errorf("kill %s returned false", sbx.ID)
						}
						return nil
					})
				}
				t.NoError(g.Wait(), "kill sandboxes")
			}},
			{Name: "connect", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				g, ctx := errgroup.WithContext(t.Context())
				for range 3 {
					g.Go(func() error {
						other, err := e.Client.Connect(ctx, sbx.ID, 0)
						if err != nil {
							return err
						}
						if other.ID != sbx.ID {
							return fmt.Errorf("connected to %s, want %s", other.ID, sbx.ID)
						}
						return nil
					})
				}
				t.NoError(g.Wait(), "connect")
			}},
			{Name: "get_info", Run: func(t *suite.T) {
				sbxs := e.createConcurrently(t, 2, sandbox.CreateParams{})
				infos := make([]*sandbox.SandboxInfo, len(sbxs))
				g, ctx := errgroup.WithContext(t.Context())
				for i, sbx := range sbxs {
					g.Go(func() (err error) {
						infos[i], err = e.Client.GetInfo(ctx, sbx.ID)
						return err
					})
				}
				t.NoError(g.Wait(), "get info")
				for i, info := range infos {
					t.Equal(info.SandboxID, sbxs[i].ID, "info.SandboxID")
				}
			}},
			{Name: "sandbox_list", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				found, err := e.listContains(t.Context(), sandbox.ListQuery{}, sbx.ID)
				t.NoError(err, "list")
				t.True(found, "sandbox %s missing from list", sbx.ID)
			}},
			{Name: "concurrent_operations", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				path := func(i int) string { return fmt.Sprintf("/home/user/concurrent_%d.txt", i) }

				g, ctx := errgroup.WithContext(t.Context())
				for i := range concurrency {
					g.Go(func() error {
						_, err := sbx.Files.Write(ctx, path(i), fmt.Appendf(nil, "content %d", i))
						return err
					})
				}
				t.NoError(g.Wait(), "concurrent writes")

				texts := make([]string, concurrency)
				g, ctx = errgroup.WithContext(t.Context())
				for i := range concurrency {
					g.Go(func() (err error) {
						texts[i], err = sbx.Files.ReadText(ctx, path(i))
						return err
					})
				}
				t.NoError(g.Wait(), "concurrent reads")
				for i, text := range texts {
					t.Equal(text, fmt.Sprintf("content %d", i), path(i))
				}
			}},
		},
	}
}

// createConcurrently starts n sandboxes in parallel. Every sandbox that was
// created is killed when the case ends, even if another create failed.
func (e *Env) createConcurrently(t *suite.T, n int, params sandbox.CreateParams) []*sandbox.Sandbox {
	if params.Template == "" {
		params.Template = e.Config.Suites.BaseTemplate()
	}
	if params.Timeout == 0 {
		params.Timeout = e.Config.Suites.SandboxTimeout()
	}
	var mu sync.Mutex
	sbxs := make([]*sandbox.Sandbox, n)
	g, ctx := errgroup.WithContext(t.Context())
	g.SetLimit(concurrency)
	for i := range n {
		g.Go(func() error {
			sbx, err := e.Client.Create(ctx, params)
			if err != nil {
				return err
			}
			mu.Lock()
			sbxs[i] = sbx
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	for _, sbx := range sbxs {
		if sbx != nil {
			e.killOnCleanup(t, sbx)
		}
	}
	t.NoError(err, "create sandboxes")
	t.Logf("%d sandboxes created concurrently", n)
	return sbxs
}

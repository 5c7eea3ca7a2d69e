package suites

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

func (e *Env) commands() *suite.Suite {
	return &suite.Suite{
		Name:        "commands",
		Description: "Foreground and background commands, stdin, kill and listing",
		Cases: []suite.Case{
			{Name: "run_simple", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				res, err := sbx.Commands.Run(t.Context(), "echo 'Hello World'")
				t.NoError(err, "run")
				contains(t, res.Stdout, "Hello World", "stdout")
				t.Equal(res.ExitCode, 0, "exit code")
			}},
			{Name: "run_with_output", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				res, err := sbx.Commands.Run(t.Context(), "ls -la /home/user")
				t.NoError(err, "ls")
				t.True(res.Stdout != "", "ls printed nothing")

				res, err = sbx.Commands.Run(t.Context(), "ls /nonexistent")
				var exitErr *sandbox.CommandExitError
				t.ErrorAs(err, &exitErr, "ls /nonexistent")
				t.True(exitErr.ExitCode != 0, "exit code = 0")
				t.True(res != nil && res.Stderr != "", "stderr is empty")
			}},
			{Name: "run_with_envs", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				res, err := sbx.Commands.Run(t.Context(), "echo $MY_VAR-$ANOTHER",
					sandbox.WithEnvs(map[string]string{"MY_VAR": "my_value", "ANOTHER": "123"}))
				t.NoError(err, "run")
				contains(t, res.Stdout, "my_value-123", "stdout")
			}},
			{Name: "run_with_cwd", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.MakeDir(t.Context(), "/home/user/test_cwd")
				t.NoError(err, "make dir")
				res, err := sbx.Commands.Run(t.Context(), "pwd", sandbox.WithCwd("/home/user/test_cwd"))
				t.NoError(err, "run")
				contains(t, res.Stdout, "/home/user/test_cwd", "stdout")
			}},
			{Name: "run_with_user", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				res, err := sbx.Commands.Run(t.Context(), "whoami", sandbox.WithUser("user"))
				t.NoError(err, "run as user")
				t.Equal(strings.TrimSpace(res.Stdout), "user", "whoami")
				res, err = sbx.Commands.Run(t.Context(), "whoami", sandbox.WithUser("root"))
				t.NoError(err, "run as root")
				t.Equal(strings.TrimSpace(res.Stdout), "root", "whoami")
			}},
			{Name: "run_background", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h, err := sbx.Commands.Start(t.Context(), "sleep 5 && echo 'done'")
				t.NoError(err, "start")
				t.True(h.PID != 0, "pid is zero")
				procs, err := sbx.Commands.List(t.Context())
				t.NoError(err, "list")
				t.True(hasPID(procs, h.PID), "pid %d not listed", h.PID)
				_, err = sbx.Commands.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
			}},
			{Name: "output_callbacks", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				var (
					mu             sync.Mutex
					stdout, stderr []string
				)
				res, err := sbx.Commands.Run(t.Context(), "echo 'line1'; echo 'line2'; echo 'error' >&2",
					sandbox.WithOnStdout(func(s string) { mu.Lock(); stdout = append(stdout, s); mu.Unlock() }),
					sandbox.WithOnStderr(func(s string) { mu.Lock(); stderr = append(stderr, s); mu.Unlock() }),
				)
				t.NoError(err, "run")
				mu.Lock()
				defer mu.Unlock()
				out := strings.Join(stdout, "")
				contains(t, out, "line1", "stdout callbacks")
				contains(t, out, "line2", "stdout callbacks")
				contains(t, strings.Join(stderr, ""), "error", "stderr callbacks")
				t.Equal(out, res.Stdout, "callback output vs result")
			}},
			{Name: "send_stdin", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h, err := sbx.Commands.Start(t.Context(), "cat", sandbox.WithStdin())
				t.NoError(err, "start cat")
				t.NoError(sbx.Commands.SendStdin(t.Context(), h.PID, "Hello from stdin\n"), "send stdin")
				ok := eventually(t, 5*time.Second, func() bool { return strings.Contains(h.Stdout(), "Hello from stdin") })
				t.True(ok, "cat did not echo stdin, stdout = %q", h.Stdout())
				_, err = sbx.Commands.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
			}},
			{Name: "kill", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h, err := sbx.Commands.Start(t.Context(), "sleep 60")
				t.NoError(err, "start")
				procs, err := sbx.Commands.List(t.Context())
				t.NoError(err, "list")
				t.True(hasPID(procs, h.PID), "pid %d not listed", h.PID)

				killed, err := sbx.Commands.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
				t.True(killed, "kill returned false")
				t.True(waitDone(t, h, 10*time.Second), "process did not end after kill")

				gone := eventually(t, 5*time.Second, func() bool {
					procs, err = sbx.Commands.List(t.Context())
					return err == nil && !hasPID(procs, h.PID)
				})
				t.NoError(err, "list after kill")
				t.True(gone, "pid %d still listed after kill", h.PID)
			}},
			{Name: "list", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h1, err := sbx.Commands.Start(t.Context(), "sleep 30")
				t.NoError(err, "start 1")
				h2, err := sbx.Commands.Start(t.Context(), "sleep 30", sandbox.WithTag("second"))
				t.NoError(err, "start 2")
				procs, err := sbx.Commands.List(t.Context())
				t.NoError(err, "list")
				t.True(hasPID(procs, h1.PID) && hasPID(procs, h2.PID), "pids %d, %d not both listed", h1.PID, h2.PID)
				t.Equal(findPID(procs, h2.PID).Tag, "second", "tag")
				for _, h := range []*sandbox.CommandHandle{h1, h2} {
					_, err := h.Kill(t.Context())
					t.NoError(err, "kill")
				}
			}},
			{Name: "connect", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h, err := sbx.Commands.Start(t.Context(), "sleep 10")
				t.NoError(err, "start")
				other, err := sbx.Commands.Connect(t.Context(), h.PID)
				t.NoError(err, "connect")
				t.Equal(other.PID, h.PID, "connected pid")
				_, err = sbx.Commands.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
				t.True(waitDone(t, other, 10*time.Second), "connected handle did not see the kill")
			}},
			{Name: "timeout", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				res, err := sbx.Commands.Run(t.Context(), "echo 'fast'", sandbox.WithTimeout(10*time.Second))
				t.NoError(err, "run")
				contains(t, res.Stdout, "fast", "stdout")

				h, err := sbx.Commands.Start(t.Context(), "sleep 100", sandbox.WithTimeout(5*time.Second))
				t.NoError(err, "start")
				t.True(h.PID != 0, "pid is zero")
				_, err = sbx.Commands.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
			}},
			{Name: "exit_error", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				res, err := sbx.Commands.Run(t.Context(), "exit 1")
				var exitErr *sandbox.CommandExitError
				t.ErrorAs(err, &exitErr, "exit 1")
				t.Equal(exitErr.ExitCode, 1, "exit code")
				t.Equal(res.ExitCode, 1, "result exit code")

				_, err = sbx.Commands.Run(t.Context(), "nonexistent_command")
				t.ErrorAs(err, &exitErr, "nonexistent_command")
				t.Equal(exitErr.ExitCode, 127, "exit code")
			}},
			{Name: "multiline", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				res, err := sbx.Commands.Run(t.Context(), "\necho \"Line 1\"\necho \"Line 2\"\necho \"Line 3\"\n")
				t.NoError(err, "run")
				for _, l := range []string{"Line 1", "Line 2", "Line 3"} {
					contains(t, res.Stdout, l, "stdout")
				}
			}},
			{Name: "quoting_and_pipes", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				res, err := sbx.Commands.Run(t.Context(), `echo 'Hello "World"'`)
				t.NoError(err, "run quoted")
				contains(t, res.Stdout, `Hello "World"`, "stdout")
				res, err = sbx.Commands.Run(t.Context(), "echo 'abc' | tr 'a-z' 'A-Z'")
				t.NoError(err, "run pipe")
				contains(t, res.Stdout, "ABC", "stdout")
			}},
		},
	}
}

func (e *Env) pty() *suite.Suite {
	size := sandbox.PtySize{Cols: 80, Rows: 24}
	return &suite.Suite{
		Name:        "pty",
		Description: "Pseudo-terminal sessions: create, input, resize, kill",
		Cases: []suite.Case{
			{Name: "create", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h, err := sbx.Pty.Create(t.Context(), size)
				t.NoError(err, "create pty")
				t.True(h.PID != 0, "pid is zero")
				_, err = sbx.Pty.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
			}},
			{Name: "send_stdin", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				out := &ptyOutput{}
				h, err := sbx.Pty.Create(t.Context(), size, sandbox.WithOnData(out.write))
				t.NoError(err, "create pty")
				t.NoError(sbx.Pty.SendStdin(t.Context(), h.PID, []byte("echo 'Hello PTY'\n")), "send")
				ok := eventually(t, 5*time.Second, func() bool { return strings.Contains(out.String(), "Hello PTY") })
				t.True(ok, "terminal output %q lacks Hello PTY", out.String())
				_, err = sbx.Pty.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
			}},
			{Name: "resize", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h, err := sbx.Pty.Create(t.Context(), size)
				t.NoError(err, "create pty")
				t.NoError(sbx.Pty.Resize(t.Context(), h.PID, sandbox.PtySize{Cols: 120, Rows: 48}), "resize")
				err = sbx.Pty.Resize(t.Context(), h.PID, sandbox.PtySize{})
				t.ErrorIs(err, sandbox.ErrInvalidArgument, "resize to zero")
				_, err = sbx.Pty.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
			}},
			{Name: "kill", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h, err := sbx.Pty.Create(t.Context(), size)
				t.NoError(err, "create pty")
				killed, err := sbx.Pty.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
				t.True(killed, "kill returned false")
				t.True(waitDone(t, h, 10*time.Second), "pty did not end after kill")
				again, err := sbx.Pty.Kill(t.Context(), h.PID)
				t.NoError(err, "second kill")
				t.True(!again, "second kill returned true")
			}},
			{Name: "interactive", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h, err := sbx.Pty.Create(t.Context(), size)
				t.NoError(err, "create pty")
				for _, cmd := range []string{"cd /home/user\n", "pwd\n", "ls -la\n", "exit\n"} {
					t.NoError(sbx.Pty.SendStdin(t.Context(), h.PID, []byte(cmd)), "send "+strings.TrimSpace(cmd))
					time.Sleep(300 * time.Millisecond)
				}
				t.True(waitDone(t, h, 10*time.Second), "shell did not exit")
			}},
			{Name: "with_envs", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				h, err := sbx.Pty.Create(t.Context(), size, sandbox.WithPtyEnvs(map[string]string{"MY_VAR": "my_value"}))
				t.NoError(err, "create pty")
				procs, err := sbx.Commands.List(t.Context())
				t.NoError(err, "list")
				p := findPID(procs, h.PID)
				t.True(p != nil, "pty %d not listed", h.PID)
				t.Equal(p.Envs["MY_VAR"], "my_value", "MY_VAR")
				t.NoError(sbx.Pty.SendStdin(t.Context(), h.PID, []byte("echo $MY_VAR\n")), "send")
				_, err = sbx.Pty.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
			}},
			{Name: "with_cwd", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.MakeDir(t.Context(), "/home/user/pty_cwd")
				t.NoError(err, "make dir")
				h, err := sbx.Pty.Create(t.Context(), size, sandbox.WithPtyCwd("/home/user/pty_cwd"))
				t.NoError(err, "create pty")
				procs, err := sbx.Commands.List(t.Context())
				t.NoError(err, "list")
				p := findPID(procs, h.PID)
				t.True(p != nil, "pty %d not listed", h.PID)
				t.Equal(p.Cwd, "/home/user/pty_cwd", "cwd")
				_, err = sbx.Pty.Kill(t.Context(), h.PID)
				t.NoError(err, "kill")
			}},
		},
	}
}

// ptyOutput collects terminal output from the data callback.
type ptyOutput struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (o *ptyOutput) write(p []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.Write(p)
}

func (o *ptyOutput) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

// isGone reports whether err says the sandbox no longer exists.
func isGone(err error) bool {
	return errors.Is(err, sandbox.ErrNotFound) || errors.Is(err, sandbox.ErrSandbox)
}

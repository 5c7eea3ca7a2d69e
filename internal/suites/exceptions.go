package suites

import (
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

func (e *Env) exceptions() *suite.Suite {
	return &suite.Suite{
		Name:        "exceptions",
		Description: "Error classes returned by the control plane and envd",
		Cases: []suite.Case{
			{Name: "authentication_error", Run: func(t *suite.T) {
				cfg := e.Client.Config()
				cfg.APIKey = "invalid_api_key"
				_, err := sandbox.NewClient(cfg).Create(t.Context(), sandbox.CreateParams{Template: e.Config.Suites.BaseTemplate()})
				t.ErrorIs(err, sandbox.ErrAuthentication, "create with an invalid key")
			}},
			{Name: "not_found_error", Run: func(t *suite.T) {
				_, err := e.Client.Connect(t.Context(), "non-existent-sandbox-id", 0)
				t.ErrorIs(err, sandbox.ErrNotFound, "connect to a missing sandbox")
			}},
			{Name: "timeout_error", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Commands.Run(t.Context(), "sleep 10", sandbox.WithTimeout(time.Second))
				t.ErrorIs(err, sandbox.ErrTimeout, "sleep past the command timeout")
			}},
			{Name: "file_not_found", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.Read(t.Context(), "/nonexistent/file.txt")
				t.ErrorIs(err, sandbox.ErrNotFound, "read a missing file")
			}},
			{Name: "invalid_sandbox_id", Run: func(t *suite.T) {
				_, err := e.Client.Connect(t.Context(), "", 0)
				t.ErrorIs(err, sandbox.ErrInvalidArgument, "connect with an empty id")
			}},
			{Name: "kill_nonexistent", Run: func(t *suite.T) {
				killed, err := e.Client.Kill(t.Context(), "non-existent-sandbox-id")
				t.NoError(err, "kill a missing sandbox")
				t.True(!killed, "kill of a missing sandbox returned true")
			}},
			{Name: "command_exit_error", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				res, err := sbx.Commands.Run(t.Context(), "exit 1")
				var exitErr *sandbox.CommandExitError
				t.ErrorAs(err, &exitErr, "exit 1")
				t.Equal(exitErr.ExitCode, 1, "exit code")
				t.True(res != nil && res.ExitCode == 1, "result %+v does not carry the exit code", res)
			}},
			{Name: "invalid_file_path", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				_, err := sbx.Files.Write(t.Context(), "", []byte("x"))
				t.ErrorIs(err, sandbox.ErrInvalidArgument, "write to an empty path")
				_, err = sbx.Files.Read(t.Context(), "")
				t.ErrorIs(err, sandbox.ErrInvalidArgument, "read from an empty path")
			}},
			{Name: "sandbox_already_killed", Run: func(t *suite.T) {
				sbx := e.create(t, sandbox.CreateParams{})
				killed, err := sbx.Kill(t.Context())
				t.NoError(err, "kill")
				t.True(killed, "kill returned false")
				_, err = sbx.Commands.Run(t.Context(), "echo hello")
				t.True(err != nil, "command ran on a killed sandbox")
				t.True(isGone(err), "error %v does not say the sandbox is gone", err)
			}},
		},
	}
}

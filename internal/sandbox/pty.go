package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox/envd"
)

// Pty manages interactive terminal sessions.
type Pty struct {
	envd *envdConn
}

type ptyOptions struct {
	envs    map[string]string
	cwd     string
	user    string
	timeout time.Duration
	onData  func([]byte)
}

// PtyOption configures Create.
type PtyOption func(*ptyOptions)

func WithPtyEnvs(envs map[string]string) PtyOption {
	return func(o *ptyOptions) { o.envs = envs }
}

func WithPtyCwd(cwd string) PtyOption {
	return func(o *ptyOptions) { o.cwd = cwd }
}

func WithPtyUser(user string) PtyOption {
	return func(o *ptyOptions) { o.user = user }
}

// WithPtyTimeout bounds the session lifetime. Zero disables the limit.
func WithPtyTimeout(d time.Duration) PtyOption {
	return func(o *ptyOptions) { o.timeout = d }
}

// WithOnData receives raw terminal output.
func WithOnData(fn func([]byte)) PtyOption {
	return func(o *ptyOptions) { o.onData = fn }
}

// Create starts an interactive login shell attached to a pseudo-terminal.
func (p *Pty) Create(ctx context.Context, size PtySize, opts ...PtyOption) (*CommandHandle, error) {
	if size.Cols == 0 || size.Rows == 0 {
		return nil, invalidArgument("pty size must be positive, got %dx%d", size.Cols, size.Rows)
	}
	o := &ptyOptions{timeout: DefaultCommandTimeout}
	for _, opt := range opts {
		opt(o)
	}

	envs := map[string]string{
		"TERM":   "xterm-256color",
		"LANG":   "C.UTF-8",
		"LC_ALL": "C.UTF-8",
	}
	for k, v := range o.envs {
		envs[k] = v
	}

	cfg := &envd.ProcessConfig{
		Cmd:  "/bin/bash",
		Args: []string{"-i", "-l"},
		Envs: envs,
	}
	if o.cwd != "" {
		cfg.Cwd = &o.cwd
	}
	req := &envd.StartRequest{
		Process: cfg,
		PTY:     &envd.PTY{Size: &envd.PTYSize{Cols: size.Cols, Rows: size.Rows}},
	}

	streamCtx, cancel := streamContext(ctx, o.timeout)
	stream, err := callServerStream[envd.StartRequest, envd.ProcessEventResponse](streamCtx, p.envd, envd.ProcessStart, req, o.user)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating pty: %w", err)
	}
	h, err := newCommandHandle(streamCtx, cancel, stream, p.envd, o.user)
	if err != nil {
		return nil, fmt.Errorf("creating pty: %w", err)
	}
	h.onPty = o.onData
	go h.consume()
	return h, nil
}

// SendStdin writes raw bytes to the terminal.
func (p *Pty) SendStdin(ctx context.Context, pid uint32, data []byte) error {
	req := &envd.SendInputRequest{
		Process: &envd.ProcessSelector{PID: pid},
		Input:   &envd.ProcessInput{PTY: data},
	}
	if _, err := callUnary[envd.SendInputRequest, envd.SendInputResponse](ctx, p.envd, envd.ProcessSendInput, req, ""); err != nil {
		return fmt.Errorf("sending input to pty %d: %w", pid, err)
	}
	return nil
}

// Resize changes the terminal size.
func (p *Pty) Resize(ctx context.Context, pid uint32, size PtySize) error {
	if size.Cols == 0 || size.Rows == 0 {
		return invalidArgument("pty size must be positive, got %dx%d", size.Cols, size.Rows)
	}
	req := &envd.UpdateRequest{
		Process: &envd.ProcessSelector{PID: pid},
		PTY:     &envd.PTY{Size: &envd.PTYSize{Cols: size.Cols, Rows: size.Rows}},
	}
	if _, err := callUnary[envd.UpdateRequest, envd.UpdateResponse](ctx, p.envd, envd.ProcessUpdate, req, ""); err != nil {
		return fmt.Errorf("resizing pty %d: %w", pid, err)
	}
	return nil
}

// Kill terminates the terminal session. It returns false once the session
// is gone.
func (p *Pty) Kill(ctx context.Context, pid uint32) (bool, error) {
	return killProcess(ctx, p.envd, pid)
}

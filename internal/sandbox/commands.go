package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox/envd"
)

// Commands runs processes inside the sandbox.
type Commands struct {
	envd *envdConn
}

type commandOptions struct {
	envs     map[string]string
	cwd      string
	user     string
	tag      string
	stdin    bool
	timeout  time.Duration
	onStdout func(string)
	onStderr func(string)
}

// CommandOption configures Run and Start.
type CommandOption func(*commandOptions)

func WithEnvs(envs map[string]string) CommandOption {
	return func(o *commandOptions) { o.envs = envs }
}

func WithCwd(cwd string) CommandOption {
	return func(o *commandOptions) { o.cwd = cwd }
}

func WithUser(user string) CommandOption {
	return func(o *commandOptions) { o.user = user }
}

func WithTag(tag string) CommandOption {
	return func(o *commandOptions) { o.tag = tag }
}

// WithStdin keeps stdin open so SendStdin can feed the process.
func WithStdin() CommandOption {
	return func(o *commandOptions) { o.stdin = true }
}

// WithTimeout bounds how long the command may run. Zero disables the limit.
func WithTimeout(d time.Duration) CommandOption {
	return func(o *commandOptions) { o.timeout = d }
}

func WithOnStdout(fn func(string)) CommandOption {
	return func(o *commandOptions) { o.onStdout = fn }
}

func WithOnStderr(fn func(string)) CommandOption {
	return func(o *commandOptions) { o.onStderr = fn }
}

func newCommandOptions(opts []CommandOption) *commandOptions {
	o := &commandOptions{timeout: DefaultCommandTimeout}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes cmd through a login shell and waits for it to finish. A
// non-zero exit code returns the result together with a *CommandExitError.
func (c *Commands) Run(ctx context.Context, cmd string, opts ...CommandOption) (*CommandResult, error) {
	h, err := c.Start(ctx, cmd, opts...)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// Start launches cmd and returns once the process has started. Output keeps
// streaming in the background until the process ends, the timeout expires
// or ctx is cancelled.
func (c *Commands) Start(ctx context.Context, cmd string, opts ...CommandOption) (*CommandHandle, error) {
	if strings.TrimSpace(cmd) == "" {
		return nil, invalidArgument("command is required")
	}
	o := newCommandOptions(opts)

	cfg := &envd.ProcessConfig{
		Cmd:  "/bin/bash",
		Args: []string{"-l", "-c", cmd},
		Envs: o.envs,
	}
	if o.cwd != "" {
		cfg.Cwd = &o.cwd
	}
	req := &envd.StartRequest{Process: cfg}
	if o.tag != "" {
		req.Tag = &o.tag
	}
	if o.stdin {
		stdin := true
		req.Stdin = &stdin
	}

	streamCtx, cancel := streamContext(ctx, o.timeout)
	stream, err := callServerStream[envd.StartRequest, envd.ProcessEventResponse](streamCtx, c.envd, envd.ProcessStart, req, o.user)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("starting %q: %w", cmd, err)
	}

	h, err := newCommandHandle(streamCtx, cancel, stream, c.envd, o.user)
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", cmd, err)
	}
	h.onStdout = o.onStdout
	h.onStderr = o.onStderr
	c.envd.logger.DebugContext(ctx, "command started",
		slog.String("cmd", cmd),
		slog.Int("pid", int(h.PID)),
	)
	go h.consume()
	return h, nil
}

// Connect attaches to a running process and streams its remaining output.
func (c *Commands) Connect(ctx context.Context, pid uint32, opts ...CommandOption) (*CommandHandle, error) {
	o := newCommandOptions(opts)
	streamCtx, cancel := streamContext(ctx, o.timeout)
	req := &envd.ConnectRequest{Process: &envd.ProcessSelector{PID: pid}}

	stream, err := callServerStream[envd.ConnectRequest, envd.ProcessEventResponse](streamCtx, c.envd, envd.ProcessConnect, req, o.user)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connecting to process %d: %w", pid, err)
	}
	h, err := newCommandHandle(streamCtx, cancel, stream, c.envd, o.user)
	if err != nil {
		return nil, fmt.Errorf("connecting to process %d: %w", pid, err)
	}
	h.onStdout = o.onStdout
	h.onStderr = o.onStderr
	go h.consume()
	return h, nil
}

// List returns the processes currently running in the sandbox.
func (c *Commands) List(ctx context.Context) ([]ProcessInfo, error) {
	resp, err := callUnary[envd.ListRequest, envd.ListResponse](ctx, c.envd, envd.ProcessList, &envd.ListRequest{}, "")
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	out := make([]ProcessInfo, 0, len(resp.Processes))
	for _, p := range resp.Processes {
		info := ProcessInfo{PID: p.PID}
		if p.Tag != nil {
			info.Tag = *p.Tag
		}
		if p.Config != nil {
			info.Cmd = p.Config.Cmd
			info.Args = p.Config.Args
			info.Envs = p.Config.Envs
			if p.Config.Cwd != nil {
				info.Cwd = *p.Config.Cwd
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Kill sends SIGKILL to a process. It returns false when the process was not
// found.
func (c *Commands) Kill(ctx context.Context, pid uint32) (bool, error) {
	return killProcess(ctx, c.envd, pid)
}

// SendStdin writes data to the stdin of a process started WithStdin.
func (c *Commands) SendStdin(ctx context.Context, pid uint32, data string) error {
	req := &envd.SendInputRequest{
		Process: &envd.ProcessSelector{PID: pid},
		Input:   &envd.ProcessInput{Stdin: []byte(data)},
	}
	if _, err := callUnary[envd.SendInputRequest, envd.SendInputResponse](ctx, c.envd, envd.ProcessSendInput, req, ""); err != nil {
		return fmt.Errorf("sending stdin to process %d: %w", pid, err)
	}
	return nil
}

// CloseStdin closes the stdin of a process started WithStdin.
func (c *Commands) CloseStdin(ctx context.Context, pid uint32) error {
	req := &envd.CloseStdinRequest{Process: &envd.ProcessSelector{PID: pid}}
	if _, err := callUnary[envd.CloseStdinRequest, envd.CloseStdinResponse](ctx, c.envd, envd.ProcessCloseStdin, req, ""); err != nil {
		return fmt.Errorf("closing stdin of process %d: %w", pid, err)
	}
	return nil
}

func killProcess(ctx context.Context, conn *envdConn, pid uint32) (bool, error) {
	req := &envd.SendSignalRequest{
		Process: &envd.ProcessSelector{PID: pid},
		Signal:  envd.SignalSIGKILL,
	}
	_, err := callUnary[envd.SendSignalRequest, envd.SendSignalResponse](ctx, conn, envd.ProcessSendSignal, req, "")
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("killing process %d: %w", pid, err)
	}
	return true, nil
}

// streamContext bounds a process stream by the command timeout.
func streamContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// CommandHandle is a running (or finished) process.
type CommandHandle struct {
	PID uint32

	ctx    context.Context
	cancel context.CancelFunc
	stream *connect.ServerStreamForClient[envd.ProcessEventResponse]
	envd   *envdConn
	user   string

	onStdout func(string)
	onStderr func(string)
	onPty    func([]byte)

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
	result *CommandResult
	err    error
	done   chan struct{}
}

// newCommandHandle reads events until the start event arrives.
func newCommandHandle(ctx context.Context, cancel context.CancelFunc, stream *connect.ServerStreamForClient[envd.ProcessEventResponse], conn *envdConn, user string) (*CommandHandle, error) {
	for stream.Receive() {
		ev := stream.Msg().Event
		if ev.Start != nil {
			return &CommandHandle{
				PID:    ev.Start.PID,
				ctx:    ctx,
				cancel: cancel,
				stream: stream,
				envd:   conn,
				user:   user,
				done:   make(chan struct{}),
			}, nil
		}
	}
	err := stream.Err()
	_ = stream.Close()
	cancel()
	if err != nil {
		return nil, mapRPCError(err)
	}
	return nil, fmt.Errorf("%w: stream ended before the process started", ErrSandbox)
}

func (h *CommandHandle) consume() {
	defer close(h.done)
	defer h.cancel()
	defer func() { _ = h.stream.Close() }()

	for h.stream.Receive() {
		ev := h.stream.Msg().Event
		switch {
		case ev.Data != nil:
			h.handleData(ev.Data)
		case ev.End != nil:
			res := &CommandResult{ExitCode: int(ev.End.ExitCode)}
			if ev.End.Error != nil {
				res.Error = *ev.End.Error
			}
			h.mu.Lock()
			res.Stdout = h.stdout.String()
			res.Stderr = h.stderr.String()
			h.result = res
			h.mu.Unlock()
		}
	}

	h.mu.Lock()
	finished := h.result != nil
	h.mu.Unlock()
	if finished {
		return
	}

	var endErr error
	switch err := h.stream.Err(); {
	case deadlineReached(h.ctx):
		endErr = fmt.Errorf("%w: process %d did not finish in time", ErrTimeout, h.PID)
	case err != nil:
		endErr = mapRPCError(err)
	case h.ctx.Err() != nil:
		endErr = fmt.Errorf("process %d: %w", h.PID, h.ctx.Err())
	default:
		endErr = fmt.Errorf("%w: process %d stream ended without an exit status", ErrSandbox, h.PID)
	}
	h.mu.Lock()
	h.err = endErr
	h.mu.Unlock()
}

// deadlineSlack is how early envd may close a stream before the local
// command deadline fires. The server runs the forwarded timeout on its own
// clock.
const deadlineSlack = time.Second

// deadlineReached reports whether ctx hit its deadline, waiting out the
// remainder when the deadline is less than deadlineSlack away.
func deadlineReached(ctx context.Context) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	deadline, ok := ctx.Deadline()
	if !ok || ctx.Err() != nil {
		return false
	}
	wait := time.Until(deadline)
	if wait > deadlineSlack {
		return false
	}
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Is(ctx.Err(), context.DeadlineExceeded)
	case <-timer.C:
		return true
	}
}

func (h *CommandHandle) handleData(d *envd.DataEvent) {
	switch {
	case len(d.Stdout) > 0:
		s := string(d.Stdout)
		h.mu.Lock()
		h.stdout.WriteString(s)
		h.mu.Unlock()
		if h.onStdout != nil {
			h.onStdout(s)
		}
	case len(d.Stderr) > 0:
		s := string(d.Stderr)
		h.mu.Lock()
		h.stderr.WriteString(s)
		h.mu.Unlock()
		if h.onStderr != nil {
			h.onStderr(s)
		}
	case len(d.PTY) > 0:
		if h.onPty != nil {
			h.onPty(d.PTY)
		}
	}
}

// Wait blocks until the process ends. A non-zero exit code returns the result
// together with a *CommandExitError.
func (h *CommandHandle) Wait() (*CommandResult, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	res := *h.result
	if res.ExitCode != 0 {
		return &res, &CommandExitError{
			ExitCode:     res.ExitCode,
			Stdout:       res.Stdout,
			Stderr:       res.Stderr,
			ErrorMessage: res.Error,
		}
	}
	return &res, nil
}

// Done is closed when the process has ended or the stream was dropped.
func (h *CommandHandle) Done() <-chan struct{} { return h.done }

// Stdout returns the output received so far.
func (h *CommandHandle) Stdout() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdout.String()
}

// Stderr returns the error output received so far.
func (h *CommandHandle) Stderr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stderr.String()
}

// Kill sends SIGKILL to the process.
func (h *CommandHandle) Kill(ctx context.Context) (bool, error) {
	return killProcess(ctx, h.envd, h.PID)
}

// Disconnect stops receiving output. The process keeps running.
func (h *CommandHandle) Disconnect() {
	h.cancel()
}

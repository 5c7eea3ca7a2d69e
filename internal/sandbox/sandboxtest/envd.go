package sandboxtest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox/envd"
)

type fakeProc struct {
	pid  uint32
	cfg  *envd.ProcessConfig
	tag  string
	pty  bool
	echo bool

	input       chan envd.ProcessInput
	killed      chan struct{}
	killOnce    sync.Once
	stdinClosed chan struct{}
	closeOnce   sync.Once
}

func (p *fakeProc) kill() { p.killOnce.Do(func() { close(p.killed) }) }

func (p *fakeProc) closeStdin() { p.closeOnce.Do(func() { close(p.stdinClosed) }) }

func (s *Server) envdRoutes() {
	codec := connect.WithCodec(envd.Codec{})

	s.mux.Handle(envd.ProcessStart, connect.NewServerStreamHandler(envd.ProcessStart, s.processStart, codec))
	s.mux.Handle(envd.ProcessConnect, connect.NewServerStreamHandler(envd.ProcessConnect, s.processConnect, codec))
	s.mux.Handle(envd.ProcessList, connect.NewUnaryHandler(envd.ProcessList, s.processList, codec))
	s.mux.Handle(envd.ProcessSendInput, connect.NewUnaryHandler(envd.ProcessSendInput, s.processSendInput, codec))
	s.mux.Handle(envd.ProcessSendSignal, connect.NewUnaryHandler(envd.ProcessSendSignal, s.processSendSignal, codec))
	s.mux.Handle(envd.ProcessUpdate, connect.NewUnaryHandler(envd.ProcessUpdate, s.processUpdate, codec))
	s.mux.Handle(envd.ProcessCloseStdin, connect.NewUnaryHandler(envd.ProcessCloseStdin, s.processCloseStdin, codec))

	s.mux.Handle(envd.FilesystemStat, connect.NewUnaryHandler(envd.FilesystemStat, s.fsStat, codec))
	s.mux.Handle(envd.FilesystemMakeDir, connect.NewUnaryHandler(envd.FilesystemMakeDir, s.fsMakeDir, codec))
	s.mux.Handle(envd.FilesystemMove, connect.NewUnaryHandler(envd.FilesystemMove, s.fsMove, codec))
	s.mux.Handle(envd.FilesystemListDir, connect.NewUnaryHandler(envd.FilesystemListDir, s.fsListDir, codec))
	s.mux.Handle(envd.FilesystemRemove, connect.NewUnaryHandler(envd.FilesystemRemove, s.fsRemove, codec))
	s.mux.Handle(envd.FilesystemWatchDir, connect.NewServerStreamHandler(envd.FilesystemWatchDir, s.fsWatchDir, codec))

	s.mux.HandleFunc("GET /files", s.handleReadFile)
	s.mux.HandleFunc("POST /files", s.handleWriteFile)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// sandboxFor resolves the sandbox an envd request is routed to.
func (s *Server) sandboxFor(h http.Header) (*fakeSandbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.sandboxes[h.Get("E2b-Sandbox-Id")]
	if !ok || sb.killed || sb.info.State != sandbox.StateRunning {
		return nil, connect.NewError(connect.CodeUnavailable, errors.New("sandbox is not running"))
	}
	if sb.token != "" && h.Get("X-Access-Token") != sb.token {
		return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid access token"))
	}
	return sb, nil
}

// userFrom reads the user name from the basic auth header.
func userFrom(h http.Header) string {
	const prefix = "Basic "
	auth := h.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return sandbox.DefaultUser
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, prefix))
	if err != nil {
		return sandbox.DefaultUser
	}
	user, _, _ := strings.Cut(string(raw), ":")
	if user == "" {
		return sandbox.DefaultUser
	}
	return user
}

func (s *Server) execRequest(sb *fakeSandbox, cfg *envd.ProcessConfig, user string, pty, stdin bool) ExecRequest {
	envs := make(map[string]string, len(sb.envs)+len(cfg.Envs)+2)
	envs["HOME"] = homeDir(user)
	envs["USER"] = user
	for k, v := range sb.envs {
		envs[k] = v
	}
	for k, v := range cfg.Envs {
		envs[k] = v
	}
	cwd := homeDir(user)
	if cfg.Cwd != nil && *cfg.Cwd != "" {
		cwd = resolve(*cfg.Cwd, user)
	}
	return ExecRequest{
		SandboxID: sb.info.SandboxID,
		Cmd:       cfg.Cmd,
		Args:      cfg.Args,
		Envs:      envs,
		Cwd:       cwd,
		User:      user,
		PTY:       pty,
		Stdin:     stdin,
		ReadFile: func(p string) ([]byte, bool) {
			data, dir, ok := sb.fs.read(p)
			return data, ok && !dir
		},
		WriteFile: sb.fs.write,
		ListDir: func(p string) ([]string, bool) {
			entries, ok := sb.fs.list(p, 1, user)
			if !ok {
				return nil, false
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name)
			}
			return names, true
		},
	}
}

func (s *Server) processStart(ctx context.Context, req *connect.Request[envd.StartRequest], stream *connect.ServerStream[envd.ProcessEventResponse]) error {
	sb, err := s.sandboxFor(req.Header())
	if err != nil {
		return err
	}
	msg := req.Msg
	if msg.Process == nil || msg.Process.Cmd == "" {
		return connect.NewError(connect.CodeInvalidArgument, errors.New("process config is required"))
	}
	user := userFrom(req.Header())
	if msg.Process.Cwd != nil && *msg.Process.Cwd != "" {
		if _, dir, ok := sb.fs.read(resolve(*msg.Process.Cwd, user)); !ok || !dir {
			return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("cwd %q does not exist", *msg.Process.Cwd))
		}
	}
	pty := msg.PTY != nil
	stdin := msg.Stdin != nil && *msg.Stdin

	s.mu.Lock()
	s.nextPID++
	proc := &fakeProc{
		pid:         s.nextPID,
		cfg:         msg.Process,
		pty:         pty,
		input:       make(chan envd.ProcessInput, 16),
		killed:      make(chan struct{}),
		stdinClosed: make(chan struct{}),
	}
	if msg.Tag != nil {
		proc.tag = *msg.Tag
	}
	sb.procs[proc.pid] = proc
	sb.logs = append(sb.logs, sandbox.LogEntry{Timestamp: time.Now().UTC(), Line: "process started: " + msg.Process.Cmd + " " + strings.Join(msg.Process.Args, " ")})
	s.mu.Unlock()

	if err := stream.Send(&envd.ProcessEventResponse{Event: envd.ProcessEvent{Start: &envd.StartEvent{PID: proc.pid}}}); err != nil {
		s.finish(sb, proc)
		return err
	}

	res := s.Exec(s.execRequest(sb, msg.Process, user, pty, stdin))
	if err := sendOutput(stream, res.Stdout, res.Stderr); err != nil {
		return err
	}
	if !res.Block {
		s.finish(sb, proc)
		return sendEnd(stream, res.ExitCode, res.Error)
	}
	proc.echo = res.Echo
	return s.follow(ctx, sb, proc, stream)
}

func (s *Server) processConnect(ctx context.Context, req *connect.Request[envd.ConnectRequest], stream *connect.ServerStream[envd.ProcessEventResponse]) error {
	sb, proc, err := s.procFor(req.Header(), req.Msg.Process)
	if err != nil {
		return err
	}
	if err := stream.Send(&envd.ProcessEventResponse{Event: envd.ProcessEvent{Start: &envd.StartEvent{PID: proc.pid}}}); err != nil {
		return err
	}
	return s.follow(ctx, sb, proc, stream)
}

// follow streams a blocked process until it ends or the client goes away.
func (s *Server) follow(ctx context.Context, sb *fakeSandbox, proc *fakeProc, stream *connect.ServerStream[envd.ProcessEventResponse]) error {
	for {
		select {
		case in := <-proc.input:
			ended, err := s.handleInput(sb, proc, in, stream)
			if ended || err != nil {
				return err
			}
		case <-proc.stdinClosed:
			// Input sent before the close is still delivered.
			for drained := false; !drained; {
				select {
				case in := <-proc.input:
					if ended, err := s.handleInput(sb, proc, in, stream); ended || err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			s.finish(sb, proc)
			return sendEnd(stream, 0, "")
		case <-proc.killed:
			s.finish(sb, proc)
			return stream.Send(&envd.ProcessEventResponse{Event: envd.ProcessEvent{End: &envd.EndEvent{
				ExitCode: -1,
				Exited:   false,
				Status:   "signal: killed",
			}}})
		case <-ctx.Done():
			// The process keeps running after the client disconnects.
			return ctx.Err()
		}
	}
}

func (s *Server) handleInput(sb *fakeSandbox, proc *fakeProc, in envd.ProcessInput, stream *connect.ServerStream[envd.ProcessEventResponse]) (bool, error) {
	switch {
	case len(in.PTY) > 0:
		if strings.TrimSpace(string(in.PTY)) == "exit" {
			s.finish(sb, proc)
			return true, sendEnd(stream, 0, "")
		}
		if proc.echo {
			return false, stream.Send(&envd.ProcessEventResponse{Event: envd.ProcessEvent{Data: &envd.DataEvent{PTY: in.PTY}}})
		}
	case len(in.Stdin) > 0 && proc.echo:
		return false, sendOutput(stream, string(in.Stdin), "")
	}
	return false, nil
}

func (s *Server) finish(sb *fakeSandbox, proc *fakeProc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(sb.procs, proc.pid)
}

func sendOutput(stream *connect.ServerStream[envd.ProcessEventResponse], stdout, stderr string) error {
	if stdout != "" {
		if err := stream.Send(&envd.ProcessEventResponse{Event: envd.ProcessEvent{Data: &envd.DataEvent{Stdout: []byte(stdout)}}}); err != nil {
			return err
		}
	}
	if stderr != "" {
		if err := stream.Send(&envd.ProcessEventResponse{Event: envd.ProcessEvent{Data: &envd.DataEvent{Stderr: []byte(stderr)}}}); err != nil {
			return err
		}
	}
	return nil
}

func sendEnd(stream *connect.ServerStream[envd.ProcessEventResponse], exitCode int, errMsg string) error {
	end := &envd.EndEvent{
		ExitCode: int32(exitCode),
		Exited:   true,
		Status:   fmt.Sprintf("exit status %d", exitCode),
	}
	if errMsg != "" {
		end.Error = &errMsg
	}
	return stream.Send(&envd.ProcessEventResponse{Event: envd.ProcessEvent{End: end}})
}

func (s *Server) procFor(h http.Header, sel *envd.ProcessSelector) (*fakeSandbox, *fakeProc, error) {
	sb, err := s.sandboxFor(h)
	if err != nil {
		return nil, nil, err
	}
	if sel == nil {
		return nil, nil, connect.NewError(connect.CodeInvalidArgument, errors.New("process selector is required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sel.PID != 0 {
		if p, ok := sb.procs[sel.PID]; ok {
			return sb, p, nil
		}
	} else if sel.Tag != "" {
		for _, p := range sb.procs {
			if p.tag == sel.Tag {
				return sb, p, nil
			}
		}
	}
	return nil, nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("process %d not found", sel.PID))
}

func (s *Server) processList(_ context.Context, req *connect.Request[envd.ListRequest]) (*connect.Response[envd.ListResponse], error) {
	sb, err := s.sandboxFor(req.Header())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	resp := &envd.ListResponse{}
	for _, p := range sb.procs {
		info := envd.ProcessInfo{PID: p.pid, Config: p.cfg}
		if p.tag != "" {
			tag := p.tag
			info.Tag = &tag
		}
		resp.Processes = append(resp.Processes, info)
	}
	s.mu.Unlock()
	sort.Slice(resp.Processes, func(i, j int) bool { return resp.Processes[i].PID < resp.Processes[j].PID })
	return connect.NewResponse(resp), nil
}

func (s *Server) processSendInput(ctx context.Context, req *connect.Request[envd.SendInputRequest]) (*connect.Response[envd.SendInputResponse], error) {
	_, proc, err := s.procFor(req.Header(), req.Msg.Process)
	if err != nil {
		return nil, err
	}
	if req.Msg.Input == nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("input is required"))
	}
	select {
	case proc.input <- *req.Msg.Input:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return connect.NewResponse(&envd.SendInputResponse{}), nil
}

func (s *Server) processSendSignal(_ context.Context, req *connect.Request[envd.SendSignalRequest]) (*connect.Response[envd.SendSignalResponse], error) {
	_, proc, err := s.procFor(req.Header(), req.Msg.Process)
	if err != nil {
		return nil, err
	}
	proc.kill()
	return connect.NewResponse(&envd.SendSignalResponse{}), nil
}

func (s *Server) processUpdate(_ context.Context, req *connect.Request[envd.UpdateRequest]) (*connect.Response[envd.UpdateResponse], error) {
	_, proc, err := s.procFor(req.Header(), req.Msg.Process)
	if err != nil {
		return nil, err
	}
	if !proc.pty {
		return nil, connect.NewError(connect.CodeFailedPrecondition, errors.New("process has no pty"))
	}
	return connect.NewResponse(&envd.UpdateResponse{}), nil
}

func (s *Server) processCloseStdin(_ context.Context, req *connect.Request[envd.CloseStdinRequest]) (*connect.Response[envd.CloseStdinResponse], error) {
	_, proc, err := s.procFor(req.Header(), req.Msg.Process)
	if err != nil {
		return nil, err
	}
	proc.closeStdin()
	return connect.NewResponse(&envd.CloseStdinResponse{}), nil
}

func notFound(p string) error {
	return connect.NewError(connect.CodeNotFound, fmt.Errorf("path %q not found", p))
}

func (s *Server) fsStat(_ context.Context, req *connect.Request[envd.StatRequest]) (*connect.Response[envd.StatResponse], error) {
	sb, err := s.sandboxFor(req.Header())
	if err != nil {
		return nil, err
	}
	user := userFrom(req.Header())
	p := resolve(req.Msg.Path, user)
	info, ok := sb.fs.stat(p, user)
	if !ok {
		return nil, notFound(p)
	}
	return connect.NewResponse(&envd.StatResponse{Entry: info}), nil
}

func (s *Server) fsMakeDir(_ context.Context, req *connect.Request[envd.MakeDirRequest]) (*connect.Response[envd.MakeDirResponse], error) {
	sb, err := s.sandboxFor(req.Header())
	if err != nil {
		return nil, err
	}
	user := userFrom(req.Header())
	p := resolve(req.Msg.Path, user)
	created, ok := sb.fs.makeDir(p)
	if !ok {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("path %q is a file", p))
	}
	if !created {
		return nil, connect.NewError(connect.CodeAlreadyExists, fmt.Errorf("directory %q already exists", p))
	}
	info, _ := sb.fs.stat(p, user)
	return connect.NewResponse(&envd.MakeDirResponse{Entry: info}), nil
}

func (s *Server) fsMove(_ context.Context, req *connect.Request[envd.MoveRequest]) (*connect.Response[envd.MoveResponse], error) {
	sb, err := s.sandboxFor(req.Header())
	if err != nil {
		return nil, err
	}
	user := userFrom(req.Header())
	src, dst := resolve(req.Msg.Source, user), resolve(req.Msg.Destination, user)
	if !sb.fs.move(src, dst) {
		return nil, notFound(src)
	}
	info, _ := sb.fs.stat(dst, user)
	return connect.NewResponse(&envd.MoveResponse{Entry: info}), nil
}

func (s *Server) fsListDir(_ context.Context, req *connect.Request[envd.ListDirRequest]) (*connect.Response[envd.ListDirResponse], error) {
	sb, err := s.sandboxFor(req.Header())
	if err != nil {
		return nil, err
	}
	user := userFrom(req.Header())
	p := resolve(req.Msg.Path, user)
	depth := int(req.Msg.Depth)
	if depth < 1 {
		depth = 1
	}
	entries, ok := sb.fs.list(p, depth, user)
	if !ok {
		return nil, notFound(p)
	}
	return connect.NewResponse(&envd.ListDirResponse{Entries: entries}), nil
}

func (s *Server) fsRemove(_ context.Context, req *connect.Request[envd.RemoveRequest]) (*connect.Response[envd.RemoveResponse], error) {
	sb, err := s.sandboxFor(req.Header())
	if err != nil {
		return nil, err
	}
	user := userFrom(req.Header())
	p := resolve(req.Msg.Path, user)
	if _, ok := sb.fs.stat(p, user); !ok {
		return nil, notFound(p)
	}
	sb.fs.remove(p)
	return connect.NewResponse(&envd.RemoveResponse{}), nil
}

func (s *Server) fsWatchDir(ctx context.Context, req *connect.Request[envd.WatchDirRequest], stream *connect.ServerStream[envd.WatchDirResponse]) error {
	sb, err := s.sandboxFor(req.Header())
	if err != nil {
		return err
	}
	user := userFrom(req.Header())
	p := resolve(req.Msg.Path, user)
	if _, dir, ok := sb.fs.read(p); !ok || !dir {
		return notFound(p)
	}

	w := sb.fs.watch(p, req.Msg.Recursive)
	defer sb.fs.unwatch(w)

	if err := stream.Send(&envd.WatchDirResponse{Start: &envd.WatchStartEvent{}}); err != nil {
		return err
	}
	for {
		select {
		case ev := <-w.ch:
			if err := stream.Send(&envd.WatchDirResponse{Filesystem: &ev}); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// httpSandbox resolves the sandbox of a plain HTTP envd request, answering
// 502 like the edge proxy when it is gone.
func (s *Server) httpSandbox(w http.ResponseWriter, r *http.Request) *fakeSandbox {
	sb, err := s.sandboxFor(r.Header)
	if err != nil {
		var ce *connect.Error
		if errors.As(err, &ce) && ce.Code() == connect.CodeUnauthenticated {
			writeError(w, http.StatusUnauthorized, ce.Message())
			return nil
		}
		writeError(w, http.StatusBadGateway, "sandbox is not running")
		return nil
	}
	return sb
}

func fileUser(r *http.Request) string {
	if u := r.URL.Query().Get("username"); u != "" {
		return u
	}
	return userFrom(r.Header)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if sb := s.httpSandbox(w, r); sb == nil {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	sb := s.httpSandbox(w, r)
	if sb == nil {
		return
	}
	p := resolve(r.URL.Query().Get("path"), fileUser(r))
	data, dir, ok := sb.fs.read(p)
	switch {
	case !ok:
		writeError(w, http.StatusNotFound, "path '"+p+"' does not exist")
	case dir:
		writeError(w, http.StatusBadRequest, "path '"+p+"' is a directory")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	}
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	sb := s.httpSandbox(w, r)
	if sb == nil {
		return
	}
	user := fileUser(r)
	target := r.URL.Query().Get("path")

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var written []envd.FileWriteInfo
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		if part.FormName() != "file" {
			continue
		}
		name := target
		if name == "" {
			// Part.FileName strips directories, the raw parameter keeps them.
			_, params, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
			name = params["filename"]
		}
		if name == "" {
			writeError(w, http.StatusBadRequest, "missing file path")
			return
		}
		data, err := io.ReadAll(part)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p := resolve(name, user)
		if !sb.fs.write(p, data) {
			writeError(w, http.StatusBadRequest, "path '"+p+"' is a directory")
			return
		}
		written = append(written, envd.FileWriteInfo{Name: path.Base(p), Type: "file", Path: p})
	}
	writeJSON(w, http.StatusOK, written)
}

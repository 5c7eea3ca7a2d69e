// Package codeinterpreter runs code inside sandboxes created from the
// code-interpreter template. The interpreter service listens on Port and
// streams execution output as newline-delimited JSON.
package codeinterpreter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
)

const (
	// Port is the interpreter service port inside the sandbox.
	Port = 49999
	// DefaultTemplate is the template the interpreter ships in.
	DefaultTemplate = "code-interpreter-v1"
	// DefaultTimeout bounds a single RunCode call.
	DefaultTimeout = 300 * time.Second
	// maxLineSize caps one NDJSON line; results can embed images.
	maxLineSize = 64 << 20
)

// Sandbox is a sandbox running the code interpreter.
type Sandbox struct {
	*sandbox.Sandbox
	logger *slog.Logger
}

// New wraps an existing sandbox.
func New(sbx *sandbox.Sandbox) *Sandbox {
	return &Sandbox{Sandbox: sbx, logger: sbx.Logger()}
}

// Create starts a code-interpreter sandbox. An empty template selects
// DefaultTemplate.
func Create(ctx context.Context, client *sandbox.Client, params sandbox.CreateParams) (*Sandbox, error) {
	if params.Template == "" {
		params.Template = DefaultTemplate
	}
	sbx, err := client.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	return New(sbx), nil
}

type executeRequest struct {
	Code      string            `json:"code"`
	ContextID string            `json:"context_id,omitempty"`
	Language  string            `json:"language,omitempty"`
	EnvVars   map[string]string `json:"env_vars,omitempty"`
}

// outputLine is the union of all NDJSON message shapes. Result lines are
// decoded a second time into Result.
type outputLine struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	Name           string `json:"name"`
	Value          string `json:"value"`
	Traceback      string `json:"traceback"`
	ExecutionCount int    `json:"execution_count"`
}

// RunCode executes code and waits for the end of the execution. Runtime
// errors of the code are reported in Execution.Error, not as a Go error.
func (s *Sandbox) RunCode(ctx context.Context, code string, opts ...RunOption) (*Execution, error) {
	o := runOptions{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.contextID != "" && o.language != "" {
		return nil, fmt.Errorf("%w: you can provide a context or a language, not both", sandbox.ErrInvalidArgument)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	body, err := sonic.Marshal(executeRequest{
		Code:      code,
		ContextID: o.contextID,
		Language:  o.language,
		EnvVars:   o.envs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling execute request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(Port)+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.PrepareRequest(req, Port)

	s.logger.DebugContext(ctx, "run code",
		slog.String("sandbox_id", s.ID),
		slog.String("language", o.language),
		slog.String("context_id", o.contextID),
	)

	resp, err := s.HTTPClient().Do(req)
	if err != nil {
		return nil, transportError(ctx, "execute", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := sandbox.CheckResponse(resp); err != nil {
		return nil, err
	}

	exec := &Execution{}
	if err := parseOutput(resp.Body, exec, &o); err != nil {
		return nil, transportError(ctx, "reading execution output", err)
	}
	return exec, nil
}

// parseOutput decodes NDJSON lines into exec, firing callbacks as lines
// arrive.
func parseOutput(r io.Reader, exec *Execution, o *runOptions) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg outputLine
		if err := sonic.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decoding output line: %w", err)
		}
		switch msg.Type {
		case "stdout":
			exec.Logs.Stdout = append(exec.Logs.Stdout, msg.Text)
			if o.onStdout != nil {
				o.onStdout(msg.Text)
			}
		case "stderr":
			exec.Logs.Stderr = append(exec.Logs.Stderr, msg.Text)
			if o.onStderr != nil {
				o.onStderr(msg.Text)
			}
		case "result":
			var res Result
			if err := sonic.Unmarshal(line, &res); err != nil {
				return fmt.Errorf("decoding result: %w", err)
			}
			exec.Results = append(exec.Results, res)
			if o.onResult != nil {
				o.onResult(res)
			}
		case "error":
			exec.Error = &ExecutionError{Name: msg.Name, Value: msg.Value, Traceback: msg.Traceback}
			if o.onError != nil {
				o.onError(*exec.Error)
			}
		case "number_of_executions":
			exec.ExecutionCount = msg.ExecutionCount
		case "end_of_execution":
			return nil
		case "unexpected_end_of_execution":
			return errors.New("execution ended unexpectedly")
		}
	}
	return sc.Err()
}

func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", sandbox.ErrTimeout, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

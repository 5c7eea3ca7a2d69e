package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
)

// Error classes raised by the platform. Match them with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrTimeout         = errors.New("timeout")
	ErrAuthentication  = errors.New("authentication failed")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrRateLimit       = errors.New("rate limit exceeded")
	ErrNotEnoughSpace  = errors.New("not enough disk space")
	ErrTemplate        = errors.New("template error")
	ErrBuild           = errors.New("build failed")
	ErrSandbox         = errors.New("sandbox error")
)

// APIError is a non-2xx response from the control plane or envd HTTP endpoints.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto one of the error classes.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return ErrInvalidArgument
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthentication
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimit
	case http.StatusInsufficientStorage:
		return ErrNotEnoughSpace
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ErrTimeout
	default:
		return ErrSandbox
	}
}

// CommandExitError is returned by Commands.Run when the command exits non-zero.
// The accompanying CommandResult carries the same fields.
type CommandExitError struct {
	ExitCode     int
	Stdout       string
	Stderr       string
	ErrorMessage string
}

func (e *CommandExitError) Error() string {
	msg := e.ErrorMessage
	if msg == "" {
		msg = e.Stderr
	}
	return fmt.Sprintf("command exited with code %d and error:\n%s", e.ExitCode, msg)
}

// mapRPCError converts a Connect error from envd into the package error classes.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	var ce *connect.Error
	if !errors.As(err, &ce) {
		return fmt.Errorf("%w: %w", ErrSandbox, err)
	}

	var class error
	switch ce.Code() {
	case connect.CodeNotFound:
		class = ErrNotFound
	case connect.CodeInvalidArgument, connect.CodeAlreadyExists, connect.CodeFailedPrecondition:
		class = ErrInvalidArgument
	case connect.CodeUnauthenticated, connect.CodePermissionDenied:
		class = ErrAuthentication
	case connect.CodeDeadlineExceeded:
		class = ErrTimeout
	case connect.CodeResourceExhausted:
		class = ErrNotEnoughSpace
	case connect.CodeUnavailable:
		// The edge proxy answers 502 once a sandbox is gone.
		class = ErrNotFound
	default:
		class = ErrSandbox
	}
	return fmt.Errorf("%w: %w", class, ce)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"connectrpc.com/connect"
)

func TestAPIError_Unwrap(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{400, ErrInvalidArgument},
		{401, ErrAuthentication},
		{403, ErrAuthentication},
		{404, ErrNotFound},
		{429, ErrRateLimit},
		{507, ErrNotEnoughSpace},
		{500, ErrSandbox},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &APIError{StatusCode: tt.status, Message: "boom"})
			if !errors.Is(err, tt.want) {
				t.Errorf("status %d does not match %v", tt.status, tt.want)
			}
		})
	}
}

func TestNewAPIError(t *testing.T) {
	err := newAPIError(404, []byte(`{"code":404,"message":"sandbox not found"}`))
	if err.Message != "sandbox not found" || err.Code != 404 {
		t.Errorf("err = %+v", err)
	}
	if got := err.Error(); got != "API error (status 404): sandbox not found" {
		t.Errorf("Error() = %q", got)
	}

	plain := newAPIError(502, []byte("bad gateway\n"))
	if plain.Message != "bad gateway" {
		t.Errorf("message = %q", plain.Message)
	}
	empty := newAPIError(503, nil)
	if empty.Message != "Service Unavailable" {
		t.Errorf("message = %q", empty.Message)
	}
}

func TestMapRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", connect.NewError(connect.CodeNotFound, errors.New("no such file")), ErrNotFound},
		{"invalid", connect.NewError(connect.CodeInvalidArgument, errors.New("bad path")), ErrInvalidArgument},
		{"auth", connect.NewError(connect.CodeUnauthenticated, errors.New("token")), ErrAuthentication},
		{"deadline", connect.NewError(connect.CodeDeadlineExceeded, errors.New("slow")), ErrTimeout},
		{"context deadline", context.DeadlineExceeded, ErrTimeout},
		{"exhausted", connect.NewError(connect.CodeResourceExhausted, errors.New("disk")), ErrNotEnoughSpace},
		{"gone", connect.NewError(connect.CodeUnavailable, errors.New("502")), ErrNotFound},
		{"other", errors.New("eof"), ErrSandbox},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapRPCError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapRPCError() = %v, want %v", got, tt.want)
			}
		})
	}
	if mapRPCError(nil) != nil {
		t.Error("mapRPCError(nil) should be nil")
	}
}

func TestDeadlineReached(t *testing.T) {
	expired, cancel1 := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel1()
	<-expired.Done()
	near, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	far, cancel3 := context.WithTimeout(context.Background(), time.Minute)
	defer cancel3()
	cancelled, cancel4 := context.WithTimeout(context.Background(), time.Minute)
	cancel4()

	tests := []struct {
		name string
		ctx  context.Context
		want bool
	}{
		{"no deadline", context.Background(), false},
		{"expired", expired, true},
		{"stream closed just before the deadline", near, true},
		{"far from the deadline", far, false},
		{"cancelled", cancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deadlineReached(tt.ctx); got != tt.want {
				t.Errorf("deadlineReached() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCommandExitError(t *testing.T) {
	err := &CommandExitError{ExitCode: 2, Stderr: "no such file"}
	if got := err.Error(); got != "command exited with code 2 and error:\nno such file" {
		t.Errorf("Error() = %q", got)
	}
}

func TestEncodeMetadata(t *testing.T) {
	got := encodeMetadata(map[string]string{"b": "2", "a": "x y"})
	if got != "a=x+y&b=2" {
		t.Errorf("encodeMetadata() = %q", got)
	}
}

func TestSandboxURL(t *testing.T) {
	cfg := ConnectionConfig{}
	if got := cfg.sandboxURL("abc", "", EnvdPort); got != "https://49983-abc.e2b.app" {
		t.Errorf("sandboxURL() = %q", got)
	}
	cfg.Debug = true
	if got := cfg.sandboxURL("abc", "", 49999); got != "http://localhost:49999" {
		t.Errorf("debug sandboxURL() = %q", got)
	}
	if got := cfg.apiURL(); got != "http://localhost:3000" {
		t.Errorf("debug apiURL() = %q", got)
	}
	cfg = ConnectionConfig{Domain: "agentbox.example"}
	if got := cfg.apiURL(); got != "https://api.agentbox.example" {
		t.Errorf("apiURL() = %q", got)
	}
}

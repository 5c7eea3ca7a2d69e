package sandbox

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox/envd"
)

// envdConn is the connection to the envd daemon of one sandbox.
type envdConn struct {
	cfg         ConnectionConfig
	sandboxID   string
	baseURL     string
	accessToken string
	logger      *slog.Logger
}

func newEnvdConn(cfg ConnectionConfig, sandboxID, domain, accessToken string) *envdConn {
	return &envdConn{
		cfg:         cfg,
		sandboxID:   sandboxID,
		baseURL:     cfg.sandboxURL(sandboxID, domain, EnvdPort),
		accessToken: accessToken,
		logger:      cfg.logger().With(slog.String("sandbox_id", sandboxID)),
	}
}

// setHeaders applies routing, auth and user headers to an envd request.
func (e *envdConn) setHeaders(h http.Header, user string) {
	e.cfg.routingHeaders(h, e.sandboxID, EnvdPort)
	if e.accessToken != "" {
		h.Set("X-Access-Token", e.accessToken)
	}
	if user == "" {
		user = DefaultUser
	}
	// envd selects the OS user from basic auth with an empty password.
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":")))
}

func callUnary[Req, Res any](ctx context.Context, e *envdConn, procedure string, msg *Req, user string) (*Res, error) {
	client := connect.NewClient[Req, Res](e.cfg.httpClient(), e.baseURL+procedure, connect.WithCodec(envd.Codec{}))
	req := connect.NewRequest(msg)
	e.setHeaders(req.Header(), user)

	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		e.logger.DebugContext(ctx, "envd call failed",
			slog.String("procedure", procedure),
			slog.String("error", err.Error()),
		)
		return nil, mapRPCError(err)
	}
	return resp.Msg, nil
}

func callServerStream[Req, Res any](ctx context.Context, e *envdConn, procedure string, msg *Req, user string) (*connect.ServerStreamForClient[Res], error) {
	client := connect.NewClient[Req, Res](e.cfg.httpClient(), e.baseURL+procedure, connect.WithCodec(envd.Codec{}))
	req := connect.NewRequest(msg)
	e.setHeaders(req.Header(), user)
	req.Header().Set("Keepalive-Ping-Interval", "50")

	stream, err := client.CallServerStream(ctx, req)
	if err != nil {
		return nil, mapRPCError(err)
	}
	return stream, nil
}

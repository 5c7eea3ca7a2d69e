package desktop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
)

const (
	// VNCPort is the x11vnc port inside the sandbox.
	VNCPort = 5900
	// StreamPort serves noVNC and its websockify endpoint.
	StreamPort = 6080

	novncPath = "/opt/noVNC"
)

// ErrStreamNotStarted is returned by stream operations that need Start.
var ErrStreamNotStarted = errors.New("desktop stream is not running")

// Stream manages the noVNC stream of a desktop.
type Stream struct {
	desktop *Sandbox
	authKey string
	running bool
	handles []*sandbox.CommandHandle
}

// Start launches x11vnc and the noVNC proxy. With requireAuth the stream is
// protected by a random password returned by GetAuthKey.
func (s *Stream) Start(ctx context.Context, requireAuth bool) error {
	if s.running {
		return fmt.Errorf("desktop stream is already running")
	}
	d := s.desktop

	vnc := fmt.Sprintf("x11vnc -display %s -forever -wait 50 -shared -rfbport %d", d.display, VNCPort)
	if requireAuth {
		s.authKey = strings.ReplaceAll(uuid.NewString(), "-", "")
		store := fmt.Sprintf("mkdir -p ~/.vnc && x11vnc -storepasswd %s ~/.vnc/passwd", s.authKey)
		if _, err := d.run(ctx, store); err != nil {
			return fmt.Errorf("storing vnc password: %w", err)
		}
		vnc += " -usepw"
	} else {
		s.authKey = ""
		vnc += " -nopw"
	}
	h, err := d.background(ctx, vnc)
	if err != nil {
		return fmt.Errorf("starting x11vnc: %w", err)
	}
	s.handles = append(s.handles, h)

	proxy := fmt.Sprintf("cd %s/utils && ./novnc_proxy --vnc localhost:%d --listen %d --web %s", novncPath, VNCPort, StreamPort, novncPath)
	h, err = d.background(ctx, proxy)
	if err != nil {
		return fmt.Errorf("starting novnc: %w", err)
	}
	s.handles = append(s.handles, h)

	check := fmt.Sprintf(`netstat -tuln | grep ":%d "`, StreamPort)
	if err := d.waitFor(ctx, check, 15*time.Second); err != nil {
		return fmt.Errorf("waiting for stream port: %w", err)
	}
	s.running = true
	d.logger.InfoContext(ctx, "desktop stream started",
		slog.String("sandbox_id", d.ID),
		slog.Bool("auth", requireAuth),
	)
	return nil
}

// GetAuthKey returns the stream password. It fails when the stream is not
// running or was started without auth.
func (s *Stream) GetAuthKey() (string, error) {
	if !s.running {
		return "", ErrStreamNotStarted
	}
	if s.authKey == "" {
		return "", errors.New("desktop stream was started without auth")
	}
	return s.authKey, nil
}

// URLOptions tune GetURL.
type URLOptions struct {
	AuthKey     string
	AutoConnect *bool
	ViewOnly    bool
	// Resize is one of off, scale or remote. Defaults to scale.
	Resize string
}

// GetURL returns the noVNC page URL.
func (s *Stream) GetURL(opts URLOptions) string {
	q := url.Values{}
	auto := opts.AutoConnect == nil || *opts.AutoConnect
	q.Set("autoconnect", strconv.FormatBool(auto))
	q.Set("view_only", strconv.FormatBool(opts.ViewOnly))
	resize := opts.Resize
	if resize == "" {
		resize = "scale"
	}
	q.Set("resize", resize)
	if opts.AuthKey != "" {
		q.Set("password", opts.AuthKey)
	}
	return "https://" + s.desktop.GetHost(StreamPort) + "/vnc.html?" + q.Encode()
}

// Probe opens the websockify endpoint and checks that the VNC server greets
// with an RFB protocol banner. It returns the banner.
func (s *Stream) Probe(ctx context.Context) (string, error) {
	d := s.desktop
	base := d.URL(StreamPort)
	wsURL := strings.Replace(base, "http", "ws", 1) + "/websockify"

	req, _ := http.NewRequest(http.MethodGet, base, nil)
	d.PrepareRequest(req, StreamPort)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient(),
		HTTPHeader:   req.Header,
		Subprotocols: []string{"binary"},
	})
	if err != nil {
		return "", fmt.Errorf("dialing stream: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("reading banner: %w", err)
	}
	banner := strings.TrimSpace(string(data))
	if !strings.HasPrefix(banner, "RFB ") {
		return "", fmt.Errorf("unexpected banner %q", banner)
	}
	return banner, nil
}

// Stop kills the VNC server and the proxy.
func (s *Stream) Stop(ctx context.Context) error {
	if !s.running {
		return ErrStreamNotStarted
	}
	var errs []error
	for _, h := range s.handles {
		if _, err := h.Kill(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.handles = nil
	s.running = false
	return errors.Join(errs...)
}

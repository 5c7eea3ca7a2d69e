package desktop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
	"github.com/mfzzf/e2b-test-suite/internal/sandbox/sandboxtest"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// fakeX emulates the X tools the desktop package shells out to.
type fakeX struct {
	mu       sync.Mutex
	started  bool
	x, y     int
	commands []string
}

func (f *fakeX) exec(req sandboxtest.ExecRequest) sandboxtest.ExecResult {
	script := req.Script()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, script)

	if req.Envs["DISPLAY"] != ":0" {
		return sandboxtest.ExecResult{ExitCode: 1, Stderr: "cannot open display"}
	}
	fields := strings.Fields(script)
	switch {
	case strings.HasPrefix(script, "xdpyinfo"):
		if !f.started {
			return sandboxtest.ExecResult{ExitCode: 1, Stderr: "unable to open display"}
		}
		return sandboxtest.ExecResult{Stdout: "name of display: :0\n"}
	case strings.HasPrefix(script, "Xvfb"):
		f.started = true
		return sandboxtest.ExecResult{Block: true}
	case strings.HasPrefix(script, "xdotool mousemove"):
		_, _ = fmt.Sscanf(strings.Join(fields[3:], " "), "%d %d", &f.x, &f.y)
	case strings.HasPrefix(script, "xdotool getmouselocation"):
		return sandboxtest.ExecResult{Stdout: fmt.Sprintf("x:%d y:%d screen:0 window:1234\n", f.x, f.y)}
	case strings.HasPrefix(script, "xrandr"):
		return sandboxtest.ExecResult{Stdout: "Screen 0: minimum 1 x 1, current 1024 x 768, maximum 32767 x 32767\n"}
	case strings.HasPrefix(script, "scrot"):
		req.WriteFile(fields[len(fields)-1], append(append([]byte{}, pngMagic...), "data"...))
	case strings.HasPrefix(script, "netstat"):
		return sandboxtest.ExecResult{Stdout: "tcp 0 0 0.0.0.0:6080 0.0.0.0:* LISTEN\n"}
	case strings.HasPrefix(script, "x11vnc -display"), strings.Contains(script, "novnc_proxy"):
		return sandboxtest.ExecResult{Block: true}
	}
	return sandboxtest.ExecResult{}
}

func (f *fakeX) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands[len(f.commands)-1]
}

func (f *fakeX) has(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func setup(t *testing.T) (*Sandbox, *fakeX, *sandboxtest.Server) {
	t.Helper()
	srv := sandboxtest.New("test-key")
	t.Cleanup(srv.Close)
	fx := &fakeX{}
	srv.Exec = fx.exec

	d, err := Create(context.Background(), sandbox.NewClient(srv.Config()), Options{})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	t.Cleanup(func() { _, _ = d.Kill(context.Background()) })
	return d, fx, srv
}

// --- Lifecycle ---

func TestCreate_StartsDisplay(t *testing.T) {
	d, fx, _ := setup(t)
	if d.TemplateID != DefaultTemplate {
		t.Errorf("template = %q", d.TemplateID)
	}
	if !fx.has("Xvfb :0 -ac -screen 0 1024x768x24") {
		t.Error("Xvfb was not started")
	}
	if !fx.has("startxfce4") {
		t.Error("xfce was not started")
	}
}

// --- Input ---

func TestMouse(t *testing.T) {
	d, fx, _ := setup(t)
	ctx := context.Background()

	if err := d.MoveMouse(ctx, 200, 300); err != nil {
		t.Fatalf("MoveMouse() error: %v", err)
	}
	x, y, err := d.GetCursorPosition(ctx)
	if err != nil || x != 200 || y != 300 {
		t.Fatalf("GetCursorPosition() = %d, %d, %v", x, y, err)
	}

	if err := d.DoubleClick(ctx, 150, 150); err != nil {
		t.Fatalf("DoubleClick() error: %v", err)
	}
	if got := fx.last(); got != "xdotool click --repeat 2 1" {
		t.Errorf("double click = %q", got)
	}

	if err := d.RightClick(ctx, 10, 10); err != nil {
		t.Fatal(err)
	}
	if got := fx.last(); got != "xdotool click 3" {
		t.Errorf("right click = %q", got)
	}

	if err := d.Scroll(ctx, ScrollDown, 3); err != nil {
		t.Fatal(err)
	}
	if got := fx.last(); got != "xdotool click --repeat 3 5" {
		t.Errorf("scroll = %q", got)
	}
	if err := d.Scroll(ctx, "sideways", 1); err == nil {
		t.Error("expected error for unknown direction")
	}

	if err := d.Drag(ctx, Point{100, 100}, Point{300, 300}); err != nil {
		t.Fatalf("Drag() error: %v", err)
	}
	x, y, _ = d.GetCursorPosition(ctx)
	if x != 300 || y != 300 {
		t.Errorf("after drag = %d, %d", x, y)
	}
}

func TestKeyboard(t *testing.T) {
	d, fx, _ := setup(t)
	ctx := context.Background()

	if err := d.Press(ctx, "ctrl", "c"); err != nil {
		t.Fatal(err)
	}
	if got := fx.last(); got != "xdotool key Control_L+c" {
		t.Errorf("press = %q", got)
	}
	if err := d.Press(ctx, "enter"); err != nil {
		t.Fatal(err)
	}
	if got := fx.last(); got != "xdotool key Return" {
		t.Errorf("press = %q", got)
	}

	if err := d.Write(ctx, "echo hello", WriteOptions{ChunkSize: 4, Delay: 10e6}); err != nil {
		t.Fatal(err)
	}
	if got := fx.last(); got != "xdotool type --delay 10 -- 'lo'" {
		t.Errorf("last chunk = %q", got)
	}
}

// --- Screen ---

func TestScreenshotAndSize(t *testing.T) {
	d, _, _ := setup(t)
	ctx := context.Background()

	img, err := d.Screenshot(ctx)
	if err != nil {
		t.Fatalf("Screenshot() error: %v", err)
	}
	if !bytes.HasPrefix(img, []byte("\x89PNG")) {
		t.Errorf("screenshot is not a PNG: %q", img[:8])
	}

	w, h, err := d.GetScreenSize(ctx)
	if err != nil || w != 1024 || h != 768 {
		t.Errorf("GetScreenSize() = %d, %d, %v", w, h, err)
	}
}

func TestParseHelpers(t *testing.T) {
	if _, _, ok := parseScreenSize("garbage"); ok {
		t.Error("parseScreenSize accepted garbage")
	}
	if x, y, ok := parseMouseLocation("x:5 y:7 screen:0 window:1"); !ok || x != 5 || y != 7 {
		t.Errorf("parseMouseLocation = %d, %d, %v", x, y, ok)
	}
	if shellQuote("it's") != `'it'\''s'` {
		t.Errorf("shellQuote = %s", shellQuote("it's"))
	}
}

// --- Stream ---

func TestStream(t *testing.T) {
	d, _, srv := setup(t)
	ctx := context.Background()

	srv.Handle("GET /websockify", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("E2b-Sandbox-Port") != "6080" {
			http.Error(w, "wrong port", http.StatusBadGateway)
			return
		}
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"binary"}})
		if err != nil {
			return
		}
		defer func() { _ = c.CloseNow() }()
		_ = c.Write(r.Context(), websocket.MessageBinary, []byte("RFB 003.008\n"))
		_, _, _ = c.Read(r.Context())
	}))

	if _, err := d.Stream.GetAuthKey(); !errors.Is(err, ErrStreamNotStarted) {
		t.Errorf("GetAuthKey() before start = %v", err)
	}
	if err := d.Stream.Start(ctx, true); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	key, err := d.Stream.GetAuthKey()
	if err != nil || len(key) != 32 {
		t.Fatalf("GetAuthKey() = %q, %v", key, err)
	}

	u, err := url.Parse(d.Stream.GetURL(URLOptions{AuthKey: key}))
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "6080-"+d.ID+".sandbox.test" || u.Path != "/vnc.html" {
		t.Errorf("url = %s", u)
	}
	if u.Query().Get("password") != key || u.Query().Get("autoconnect") != "true" || u.Query().Get("resize") != "scale" {
		t.Errorf("query = %v", u.Query())
	}

	banner, err := d.Stream.Probe(ctx)
	if err != nil || banner != "RFB 003.008" {
		t.Errorf("Probe() = %q, %v", banner, err)
	}

	if err := d.Stream.Stop(ctx); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
	if err := d.Stream.Stop(ctx); !errors.Is(err, ErrStreamNotStarted) {
		t.Errorf("second Stop() = %v", err)
	}
}

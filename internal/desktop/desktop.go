// Package desktop drives the graphical desktop of sandboxes created from the
// desktop template. Input and screenshots go through xdotool and scrot on
// the sandbox X display; the screen is streamed over noVNC.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mfzzf/e2b-test-suite/internal/sandbox"
)

const (
	// DefaultTemplate is the desktop template name.
	DefaultTemplate = "desktop"
	// DefaultDisplay is the X display the desktop runs on.
	DefaultDisplay = ":0"

	defaultWidth  = 1024
	defaultHeight = 768
	defaultDPI    = 96
)

// Sandbox is a sandbox with a running X desktop.
type Sandbox struct {
	*sandbox.Sandbox

	// Stream controls the VNC stream of the display.
	Stream *Stream

	display string
	logger  *slog.Logger
}

// Options configure Create.
type Options struct {
	Params  sandbox.CreateParams
	Width   int
	Height  int
	DPI     int
	Display string
}

// Create starts a desktop sandbox and waits for the X server to accept
// connections.
func Create(ctx context.Context, client *sandbox.Client, opts Options) (*Sandbox, error) {
	if opts.Params.Template == "" {
		opts.Params.Template = DefaultTemplate
	}
	if opts.Display == "" {
		opts.Display = DefaultDisplay
	}
	envs := make(map[string]string, len(opts.Params.Envs)+1)
	for k, v := range opts.Params.Envs {
		envs[k] = v
	}
	envs["DISPLAY"] = opts.Display
	opts.Params.Envs = envs

	sbx, err := client.Create(ctx, opts.Params)
	if err != nil {
		return nil, err
	}
	d := New(sbx, opts.Display)
	if err := d.startX(ctx, opts); err != nil {
		_, _ = sbx.Kill(context.WithoutCancel(ctx))
		return nil, err
	}
	return d, nil
}

// New wraps a sandbox whose desktop is already running on display.
func New(sbx *sandbox.Sandbox, display string) *Sandbox {
	if display == "" {
		display = DefaultDisplay
	}
	d := &Sandbox{Sandbox: sbx, display: display, logger: sbx.Logger()}
	d.Stream = &Stream{desktop: d}
	return d
}

// startX launches Xvfb and the xfce session unless the display is already
// up.
func (d *Sandbox) startX(ctx context.Context, opts Options) error {
	if _, err := d.run(ctx, "xdpyinfo -display "+d.display); err == nil {
		return nil
	}
	w, h, dpi := opts.Width, opts.Height, opts.DPI
	if w == 0 || h == 0 {
		w, h = defaultWidth, defaultHeight
	}
	if dpi == 0 {
		dpi = defaultDPI
	}
	xvfb := fmt.Sprintf("Xvfb %s -ac -screen 0 %dx%dx24 -retro -dpi %d -nolisten tcp -nolisten unix", d.display, w, h, dpi)
	if _, err := d.background(ctx, xvfb); err != nil {
		return fmt.Errorf("starting Xvfb: %w", err)
	}
	if err := d.waitFor(ctx, "xdpyinfo -display "+d.display, 10*time.Second); err != nil {
		return fmt.Errorf("waiting for display %s: %w", d.display, err)
	}
	if _, err := d.background(ctx, "startxfce4"); err != nil {
		return fmt.Errorf("starting xfce: %w", err)
	}
	return nil
}

// run executes cmd with DISPLAY set and returns its stdout.
func (d *Sandbox) run(ctx context.Context, cmd string) (string, error) {
	res, err := d.Commands.Run(ctx, cmd, sandbox.WithEnvs(map[string]string{"DISPLAY": d.display}))
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// background starts cmd and leaves it running.
func (d *Sandbox) background(ctx context.Context, cmd string) (*sandbox.CommandHandle, error) {
	return d.Commands.Start(ctx, cmd,
		sandbox.WithEnvs(map[string]string{"DISPLAY": d.display}),
		sandbox.WithTimeout(0),
	)
}

// waitFor polls cmd until it succeeds or limit passes.
func (d *Sandbox) waitFor(ctx context.Context, cmd string, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for {
		_, err := d.run(ctx, cmd)
		if err == nil {
			return nil
		}
		var exitErr *sandbox.CommandExitError
		if !errors.As(err, &exitErr) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s did not succeed within %s", sandbox.ErrTimeout, cmd, limit)
		}
		if err := d.Wait(ctx, 250*time.Millisecond); err != nil {
			return err
		}
	}
}

// Wait pauses for d or until ctx is done.
func (d *Sandbox) Wait(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Screenshot captures the display as PNG bytes.
func (d *Sandbox) Screenshot(ctx context.Context) ([]byte, error) {
	path := "/tmp/screenshot-" + uuid.NewString() + ".png"
	if _, err := d.run(ctx, "scrot --pointer "+path); err != nil {
		return nil, fmt.Errorf("taking screenshot: %w", err)
	}
	defer func() { _ = d.Files.Remove(context.WithoutCancel(ctx), path) }()

	data, err := d.Files.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading screenshot: %w", err)
	}
	return data, nil
}

// GetScreenSize returns the display resolution.
func (d *Sandbox) GetScreenSize(ctx context.Context) (int, int, error) {
	out, err := d.run(ctx, "xrandr")
	if err != nil {
		return 0, 0, fmt.Errorf("reading screen size: %w", err)
	}
	w, h, ok := parseScreenSize(out)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected xrandr output: %q", out)
	}
	return w, h, nil
}

// parseScreenSize extracts "current W x H" from xrandr output.
func parseScreenSize(out string) (int, int, bool) {
	i := strings.Index(out, "current ")
	if i < 0 {
		return 0, 0, false
	}
	fields := strings.Fields(out[i+len("current "):])
	if len(fields) < 3 || fields[1] != "x" {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(fields[0])
	h, err2 := strconv.Atoi(strings.TrimRight(fields[2], ","))
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

// Open opens a file or URL with the default application.
func (d *Sandbox) Open(ctx context.Context, fileOrURL string) error {
	if _, err := d.background(ctx, "xdg-open "+shellQuote(fileOrURL)); err != nil {
		return fmt.Errorf("opening %s: %w", fileOrURL, err)
	}
	return nil
}

// LaunchApplication starts a desktop application by its .desktop id, with an
// optional file or URI argument.
func (d *Sandbox) LaunchApplication(ctx context.Context, app, uri string) error {
	cmd := "gtk-launch " + shellQuote(app)
	if uri != "" {
		cmd += " " + shellQuote(uri)
	}
	if _, err := d.background(ctx, cmd); err != nil {
		return fmt.Errorf("launching %s: %w", app, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

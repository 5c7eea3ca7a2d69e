package suites

import (
	"bytes"
	"strings"
	"time"

	"github.com/mfzzf/e2b-test-suite/internal/desktop"
	"github.com/mfzzf/e2b-test-suite/internal/suite"
)

// cursorSlack is how far the reported cursor may drift from the target.
const cursorSlack = 5

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

// createDesktop starts a desktop sandbox and waits settle for the session.
func (e *Env) createDesktop(t *suite.T, settle time.Duration) *desktop.Sandbox {
	d, err := desktop.Create(t.Context(), e.Client, desktop.Options{
		Params: e.params(e.Config.Suites.DesktopTemplateName()),
	})
	t.NoError(err, "create desktop")
	t.Logf("desktop %s created", d.ID)
	e.killOnCleanup(t, d.Sandbox)
	if settle > 0 {
		t.NoError(d.Wait(t.Context(), settle), "wait for desktop")
	}
	return d
}

func cursorAt(t *suite.T, d *desktop.Sandbox, x, y int) {
	cx, cy, err := d.GetCursorPosition(t.Context())
	t.NoError(err, "cursor position")
	t.True(abs(cx-x) <= cursorSlack && abs(cy-y) <= cursorSlack, "cursor at (%d, %d), want near (%d, %d)", cx, cy, x, y)
}

func (e *Env) desktop() *suite.Suite {
	return &suite.Suite{
		Name:        "desktop",
		Description: "Desktop sandboxes: VNC stream and opening files",
		Tags:        []string{suite.TagDefault, TagDesktop},
		Cases: []suite.Case{
			{Name: "desktop_create", Run: func(t *suite.T) {
				d := e.createDesktop(t, 5*time.Second)
				t.NoError(d.Stream.Start(t.Context(), true), "start stream")
				key, err := d.Stream.GetAuthKey()
				t.NoError(err, "auth key")
				t.True(key != "", "auth key is empty")
				u := d.Stream.GetURL(desktop.URLOptions{AuthKey: key})
				contains(t, u, "password="+key, "stream url")
				t.Logf("stream %s", u)
			}},
			{Name: "desktop_file_operations", Run: func(t *suite.T) {
				d := e.createDesktop(t, 0)
				_, err := d.Files.Write(t.Context(), "/home/user/test.js", []byte("console.log('hello from desktop')"))
				t.NoError(err, "write")
				t.NoError(d.Open(t.Context(), "/home/user/test.js"), "open")
				t.NoError(d.Wait(t.Context(), 2*time.Second), "wait")
			}},
			{Name: "desktop_stream", Run: func(t *suite.T) {
				d := e.createDesktop(t, 3*time.Second)
				t.NoError(d.Stream.Start(t.Context(), true), "start stream")
				key, err := d.Stream.GetAuthKey()
				t.NoError(err, "auth key")
				t.True(strings.HasPrefix(d.Stream.GetURL(desktop.URLOptions{AuthKey: key}), "https://"), "stream url is not https")
				banner, err := d.Stream.Probe(t.Context())
				t.NoError(err, "probe stream")
				t.True(strings.HasPrefix(banner, "RFB "), "banner = %q", banner)
				t.NoError(d.Stream.Stop(t.Context()), "stop stream")
				_, err = d.Stream.GetAuthKey()
				t.ErrorIs(err, desktop.ErrStreamNotStarted, "auth key after stop")
			}},
		},
	}
}

func (e *Env) desktopInteraction() *suite.Suite {
	return &suite.Suite{
		Name:        "desktop_interaction",
		Description: "Screenshots, mouse and keyboard input through xdotool",
		Tags:        []string{TagDesktop},
		Cases: []suite.Case{
			{Name: "screenshot", Run: func(t *suite.T) {
				d := e.createDesktop(t, 3*time.Second)
				img, err := d.Screenshot(t.Context())
				t.NoError(err, "screenshot")
				t.True(len(img) > 0, "screenshot is empty")
				t.True(bytes.HasPrefix(img, pngMagic), "screenshot is not a png")
				t.Logf("screenshot %d bytes", len(img))
			}},
			{Name: "mouse_move", Run: func(t *suite.T) {
				d := e.createDesktop(t, 2*time.Second)
				t.NoError(d.MoveMouse(t.Context(), 200, 300), "move mouse")
				cursorAt(t, d, 200, 300)
			}},
			{Name: "left_click", Run: func(t *suite.T) {
				d := e.createDesktop(t, 2*time.Second)
				t.NoError(d.LeftClick(t.Context(), 100, 100), "left click")
				cursorAt(t, d, 100, 100)
			}},
			{Name: "double_click", Run: func(t *suite.T) {
				d := e.createDesktop(t, 2*time.Second)
				t.NoError(d.DoubleClick(t.Context(), 150, 150), "double click")
				cursorAt(t, d, 150, 150)
			}},
			{Name: "right_click", Run: func(t *suite.T) {
				d := e.createDesktop(t, 2*time.Second)
				t.NoError(d.RightClick(t.Context(), 200, 200), "right click")
				t.NoError(d.Wait(t.Context(), 500*time.Millisecond), "wait")
				t.NoError(d.Press(t.Context(), "escape"), "close menu")
			}},
			{Name: "keyboard_write", Run: func(t *suite.T) {
				d := e.createDesktop(t, 3*time.Second)
				_, err := d.Commands.Start(t.Context(), "xfce4-terminal")
				t.NoError(err, "start terminal")
				t.NoError(d.Wait(t.Context(), 2*time.Second), "wait")
				t.NoError(d.Write(t.Context(), "echo hello", desktop.WriteOptions{}), "write")
			}},
			{Name: "keyboard_press", Run: func(t *suite.T) {
				d := e.createDesktop(t, 2*time.Second)
				t.NoError(d.Press(t.Context(), "enter"), "press enter")
				t.NoError(d.Press(t.Context(), "escape"), "press escape")
				t.NoError(d.Press(t.Context(), "ctrl", "c"), "press ctrl+c")
				t.NoError(d.Press(t.Context(), "alt", "tab"), "press alt+tab")
			}},
			{Name: "screen_size", Run: func(t *suite.T) {
				d := e.createDesktop(t, 2*time.Second)
				w, h, err := d.GetScreenSize(t.Context())
				t.NoError(err, "screen size")
				t.Equal(w, 1024, "width")
				t.Equal(h, 768, "height")
			}},
			{Name: "scroll", Run: func(t *suite.T) {
				d := e.createDesktop(t, 2*time.Second)
				t.NoError(d.Scroll(t.Context(), desktop.ScrollDown, 3), "scroll down")
				t.NoError(d.Scroll(t.Context(), desktop.ScrollUp, 2), "scroll up")
			}},
			{Name: "drag", Run: func(t *suite.T) {
				d := e.createDesktop(t, 2*time.Second)
				t.NoError(d.Drag(t.Context(), desktop.Point{X: 100, Y: 100}, desktop.Point{X: 300, Y: 300}), "drag")
				cursorAt(t, d, 300, 300)
			}},
		},
	}
}

package desktop

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Button is an X mouse button.
type Button int

const (
	ButtonLeft   Button = 1
	ButtonMiddle Button = 2
	ButtonRight  Button = 3
)

// ScrollDirection is the wheel direction for Scroll.
type ScrollDirection string

const (
	ScrollUp   ScrollDirection = "up"
	ScrollDown ScrollDirection = "down"
)

// Point is a screen coordinate.
type Point struct {
	X, Y int
}

var keyNames = map[string]string{
	"alt":         "Alt_L",
	"alt_left":    "Alt_L",
	"alt_right":   "Alt_R",
	"backspace":   "BackSpace",
	"break":       "Pause",
	"caps_lock":   "Caps_Lock",
	"cmd":         "Super_L",
	"command":     "Super_L",
	"control":     "Control_L",
	"ctrl":        "Control_L",
	"delete":      "Delete",
	"down":        "Down",
	"end":         "End",
	"enter":       "Return",
	"esc":         "Escape",
	"escape":      "Escape",
	"f1":          "F1",
	"f2":          "F2",
	"f3":          "F3",
	"f4":          "F4",
	"f5":          "F5",
	"f6":          "F6",
	"f7":          "F7",
	"f8":          "F8",
	"f9":          "F9",
	"f10":         "F10",
	"f11":         "F11",
	"f12":         "F12",
	"home":        "Home",
	"insert":      "Insert",
	"left":        "Left",
	"menu":        "Menu",
	"meta":        "Meta_L",
	"num_lock":    "Num_Lock",
	"page_down":   "Page_Down",
	"page_up":     "Page_Up",
	"pause":       "Pause",
	"print":       "Print",
	"return":      "Return",
	"right":       "Right",
	"scroll_lock": "Scroll_Lock",
	"shift":       "Shift_L",
	"space":       "space",
	"super":       "Super_L",
	"tab":         "Tab",
	"up":          "Up",
	"win":         "Super_L",
	"windows":     "Super_L",
}

// mapKey translates a friendly key name into an xdotool keysym. Unknown
// names pass through unchanged.
func mapKey(key string) string {
	if k, ok := keyNames[strings.ToLower(key)]; ok {
		return k
	}
	return key
}

func (d *Sandbox) xdotool(ctx context.Context, args ...string) (string, error) {
	out, err := d.run(ctx, "xdotool "+strings.Join(args, " "))
	if err != nil {
		return "", fmt.Errorf("xdotool %s: %w", args[0], err)
	}
	return out, nil
}

// MoveMouse moves the pointer to (x, y).
func (d *Sandbox) MoveMouse(ctx context.Context, x, y int) error {
	_, err := d.xdotool(ctx, "mousemove", "--sync", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

func (d *Sandbox) clickAt(ctx context.Context, p *Point, button Button, repeat int) error {
	if p != nil {
		if err := d.MoveMouse(ctx, p.X, p.Y); err != nil {
			return err
		}
	}
	args := []string{"click"}
	if repeat > 1 {
		args = append(args, "--repeat", strconv.Itoa(repeat))
	}
	args = append(args, strconv.Itoa(int(button)))
	_, err := d.xdotool(ctx, args...)
	return err
}

// LeftClick clicks the left button at (x, y).
func (d *Sandbox) LeftClick(ctx context.Context, x, y int) error {
	return d.clickAt(ctx, &Point{x, y}, ButtonLeft, 1)
}

// DoubleClick double-clicks the left button at (x, y).
func (d *Sandbox) DoubleClick(ctx context.Context, x, y int) error {
	return d.clickAt(ctx, &Point{x, y}, ButtonLeft, 2)
}

// RightClick clicks the right button at (x, y).
func (d *Sandbox) RightClick(ctx context.Context, x, y int) error {
	return d.clickAt(ctx, &Point{x, y}, ButtonRight, 1)
}

// MiddleClick clicks the middle button at (x, y).
func (d *Sandbox) MiddleClick(ctx context.Context, x, y int) error {
	return d.clickAt(ctx, &Point{x, y}, ButtonMiddle, 1)
}

// MousePress holds a button down at the current position.
func (d *Sandbox) MousePress(ctx context.Context, button Button) error {
	_, err := d.xdotool(ctx, "mousedown", strconv.Itoa(int(button)))
	return err
}

// MouseRelease releases a held button.
func (d *Sandbox) MouseRelease(ctx context.Context, button Button) error {
	_, err := d.xdotool(ctx, "mouseup", strconv.Itoa(int(button)))
	return err
}

// Scroll turns the wheel amount notches in direction.
func (d *Sandbox) Scroll(ctx context.Context, direction ScrollDirection, amount int) error {
	if amount < 1 {
		amount = 1
	}
	button := Button(4)
	switch direction {
	case ScrollUp:
	case ScrollDown:
		button = 5
	default:
		return fmt.Errorf("unknown scroll direction %q", direction)
	}
	return d.clickAt(ctx, nil, button, amount)
}

// Drag presses the left button at from, moves to to and releases.
func (d *Sandbox) Drag(ctx context.Context, from, to Point) error {
	if err := d.MoveMouse(ctx, from.X, from.Y); err != nil {
		return err
	}
	if err := d.MousePress(ctx, ButtonLeft); err != nil {
		return err
	}
	if err := d.MoveMouse(ctx, to.X, to.Y); err != nil {
		return err
	}
	return d.MouseRelease(ctx, ButtonLeft)
}

// GetCursorPosition returns the pointer position.
func (d *Sandbox) GetCursorPosition(ctx context.Context) (int, int, error) {
	out, err := d.xdotool(ctx, "getmouselocation")
	if err != nil {
		return 0, 0, err
	}
	x, y, ok := parseMouseLocation(out)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected getmouselocation output: %q", out)
	}
	return x, y, nil
}

// parseMouseLocation reads "x:100 y:200 screen:0 window:123".
func parseMouseLocation(out string) (int, int, bool) {
	var x, y int
	var gotX, gotY bool
	for _, f := range strings.Fields(out) {
		k, v, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		switch k {
		case "x":
			x, gotX = n, true
		case "y":
			y, gotY = n, true
		}
	}
	return x, y, gotX && gotY
}

// WriteOptions tune Write.
type WriteOptions struct {
	ChunkSize int
	Delay     time.Duration
}

// Write types text with the keyboard, chunk by chunk.
func (d *Sandbox) Write(ctx context.Context, text string, opts WriteOptions) error {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 25
	}
	if opts.Delay <= 0 {
		opts.Delay = 75 * time.Millisecond
	}
	delay := strconv.FormatInt(opts.Delay.Milliseconds(), 10)
	runes := []rune(text)
	for start := 0; start < len(runes); start += opts.ChunkSize {
		end := min(start+opts.ChunkSize, len(runes))
		chunk := string(runes[start:end])
		if _, err := d.xdotool(ctx, "type", "--delay", delay, "--", shellQuote(chunk)); err != nil {
			return err
		}
	}
	return nil
}

// Press presses one key or a combination such as Press(ctx, "ctrl", "c").
func (d *Sandbox) Press(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return fmt.Errorf("no key to press")
	}
	mapped := make([]string, len(keys))
	for i, k := range keys {
		mapped[i] = mapKey(k)
	}
	_, err := d.xdotool(ctx, "key", strings.Join(mapped, "+"))
	return err
}

package render

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/babelcloud/screencast/internal/decode"
)

// Console is a Surface for terminals: it reports what is being painted
// instead of drawing it.
type Console struct {
	w        io.Writer
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	width      int
	height     int
	frames     int
	lastReport time.Time
	windowAt   time.Time
	window     int
}

// NewConsole writes status lines to w, at most one per interval unless the
// resolution changes. A nil w means stdout.
func NewConsole(w io.Writer, interval time.Duration) *Console {
	if w == nil {
		w = os.Stdout
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Console{w: w, interval: interval, now: time.Now}
}

func (c *Console) Paint(pic decode.Picture) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.frames++
	c.window++
	if c.windowAt.IsZero() {
		c.windowAt = now
	}

	resized := pic.Width != c.width || pic.Height != c.height
	if !resized && now.Sub(c.lastReport) < c.interval {
		return nil
	}

	fps := 0.0
	if elapsed := now.Sub(c.windowAt); elapsed > 0 {
		fps = float64(c.window) / elapsed.Seconds()
	}
	c.width, c.height = pic.Width, pic.Height
	c.lastReport = now
	c.windowAt, c.window = now, 0

	if resized {
		_, err := color.New(color.FgCyan).Fprintf(c.w, "▶ %dx%d %s\n", pic.Width, pic.Height, pic.Codec)
		return err
	}
	_, err := fmt.Fprintf(c.w, "  %s frames=%d fps=%.1f\n", color.GreenString("●"), c.frames, fps)
	return err
}

func (c *Console) ShowStill(reason string) error {
	_, err := color.New(color.FgRed).Fprintf(c.w, "■ video unavailable: %s\n", reason)
	return err
}

// Frames returns how many pictures were painted.
func (c *Console) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

package logging

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Capture is an io.Writer that keeps every complete line written to it.
// It is safe for concurrent use.
type Capture struct {
	mu      sync.Mutex
	lines   []string
	partial bytes.Buffer
	tee     io.Writer
}

// NewCapture creates a capture. Lines are also copied to tee when non-nil.
func NewCapture(tee io.Writer) *Capture {
	return &Capture{tee: tee}
}

// Write implements io.Writer.
func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.partial.Write(p)
	for {
		line, err := c.partial.ReadString('\n')
		if err != nil {
			// keep the unterminated tail for the next write
			c.partial.Reset()
			c.partial.WriteString(line)
			break
		}
		c.lines = append(c.lines, strings.TrimSuffix(line, "\n"))
	}
	if c.tee != nil {
		_, _ = c.tee.Write(p)
	}
	return len(p), nil
}

// Logger returns a debug-level text logger writing to the capture.
func (c *Capture) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Mark returns a position to grep from.
func (c *Capture) Mark() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// Grep returns the lines after mark that contain substr.
func (c *Capture) Grep(substr string, from int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if from < 0 {
		from = 0
	}
	var out []string
	for _, line := range c.lines[min(from, len(c.lines)):] {
		if strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	return out
}

// Lines returns a copy of all lines.
func (c *Capture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

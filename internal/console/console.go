// Package console is the kernel's sole logging sink: a plain io.Writer
// collaborator written to with fmt. In a freestanding build the writer
// is the UART; hosted builds and tests hand in whatever io.Writer they
// want to capture.
package console

import (
	"fmt"
	"io"
	"sync"
)

// Console serializes writes from multiple kernel subsystems onto one
// sink.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// New wraps w as the kernel console.
func New(w io.Writer) *Console {
	return &Console{w: w}
}

// Printf writes a formatted line, newline-terminated.
func (c *Console) Printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
	fmt.Fprintln(c.w)
}

// Write implements io.Writer directly, for the DebugWrite syscall to
// forward raw user-supplied bytes without formatting.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Write(p)
}

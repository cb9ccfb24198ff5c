// Package caller de-duplicates repeated log sites, so a spurious
// interrupt source that keeps firing does not flood the kernel console
// with an identical warning line on every trap (internal/trap's
// unexpected-interrupt warning uses it).
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Distinct tracks whether a particular call chain has been logged
// before, so repeated identical faults print once rather than storming
// the console.
type Distinct struct {
	mu      sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
}

func hash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len returns the number of distinct call chains recorded so far.
func (d *Distinct) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// First reports whether the caller's current call chain (starting
// skip frames up from First itself, so skip 1 starts at First's caller)
// has not been seen before. When it
// is new it also returns a formatted stack trace suitable for a single
// console line.
func (d *Distinct) First(skip int) (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Enabled {
		return true, ""
	}
	if d.seen == nil {
		d.seen = make(map[uintptr]bool)
	}

	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return true, ""
	}
	pcs = pcs[:n]

	h := hash(pcs)
	if d.seen[h] {
		return false, ""
	}
	d.seen[h] = true

	frames := runtime.CallersFrames(pcs)
	s := ""
	for {
		fr, more := frames.Next()
		if s == "" {
			s = fmt.Sprintf("%s (%s:%d)", fr.Function, fr.File, fr.Line)
		} else {
			s += fmt.Sprintf("\n\t<-%s (%s:%d)", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, s
}

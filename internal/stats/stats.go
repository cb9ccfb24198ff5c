// Package stats provides lightweight, reflection-dumpable counters for
// kernel subsystems; Dump renders them as text, which is how cmd/kiwi
// prints the executor's counters.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
)

// Enabled gates whether counters actually accumulate. It is on by
// default; tests and latency-sensitive boot paths can flip it off.
var Enabled = true

// Counter_t is a statistical counter. Add also accepts a negative
// delta, so a Counter_t can serve as a gauge.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add increments the counter by n.
func (c *Counter_t) Add(n int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), n)
	}
}

// Get returns the current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Cycles_t accumulates elapsed nanoseconds.
type Cycles_t int64

// AddSince adds the nanoseconds elapsed from startNanos to nowNanos.
func (c *Cycles_t) AddSince(startNanos, nowNanos int64) {
	if Enabled {
		atomic.AddInt64((*int64)(c), nowNanos-startNanos)
	}
}

// Get returns the accumulated nanoseconds.
func (c *Cycles_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Dump converts a struct of Counter_t/Cycles_t fields into a printable
// string.
func Dump(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}

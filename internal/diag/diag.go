// Package diag turns the executor's per-task accounting
// (internal/accnt, internal/executor.Executor.Snapshot) into a
// github.com/google/pprof/profile.Profile. Instead of a hand-formatted
// string, dumps produce a profile cmd/kiwi-stats (or any other
// pprof-speaking tool) can load directly.
package diag

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/pprof/profile"

	"kiwi/internal/accnt"
	"kiwi/internal/executor"
)

// Sample types recorded in every dump: user/system time and poll
// count, the three fields accnt.Snapshot carries.
var (
	userType = &profile.ValueType{Type: "user", Unit: "nanoseconds"}
	sysType  = &profile.ValueType{Type: "system", Unit: "nanoseconds"}
	pollType = &profile.ValueType{Type: "polls", Unit: "count"}
)

// taskFunction synthesizes one pprof Function/Location pair per task
// id, so each task shows up as a distinct call stack frame in tools
// that render the profile as a flame graph (pprof has no native notion
// of "task", only locations).
func taskFunction(id executor.TaskID) (*profile.Function, *profile.Location) {
	fn := &profile.Function{
		ID:   uint64(id) + 1,
		Name: fmt.Sprintf("task %d", id),
	}
	loc := &profile.Location{
		ID:   uint64(id) + 1,
		Line: []profile.Line{{Function: fn}},
	}
	return fn, loc
}

// Snapshot builds a Profile from exec's current per-task accounting,
// one Sample per task, ordered by task id for a deterministic dump.
func Snapshot(exec *executor.Executor, timeNanos int64) *profile.Profile {
	tasks := exec.Snapshot()

	ids := make([]executor.TaskID, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	p := &profile.Profile{
		SampleType: []*profile.ValueType{userType, sysType, pollType},
		TimeNanos:  timeNanos,
	}

	for _, id := range ids {
		snap := tasks[id]
		fn, loc := taskFunction(id)
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    sampleValues(snap),
			Label:    map[string][]string{"task": {fmt.Sprintf("%d", id)}},
		})
	}
	return p
}

func sampleValues(s accnt.Snapshot) []int64 {
	return []int64{s.Userns, s.Sysns, s.Polls}
}

// Dump writes p in pprof's wire format to w. cmd/kiwi calls it once,
// after the executor goes idle; the DebugWrite syscall does not trigger
// a dump.
func Dump(w io.Writer, p *profile.Profile) error {
	return p.Write(w)
}

// Load reads back a profile written by Dump, the operation
// cmd/kiwi-stats performs on a saved dump file.
func Load(r io.Reader) (*profile.Profile, error) {
	return profile.Parse(r)
}

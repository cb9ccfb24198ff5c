// Command kiwi-stats reads a profile dump produced by cmd/kiwi's
// internal/diag snapshots and prints a one-line summary per task, read
// back with the same github.com/google/pprof/profile package that
// wrote it.
package main

import (
	"fmt"
	"os"

	"kiwi/internal/diag"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <profile-file>\n", os.Args[0])
		os.Exit(1)
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "kiwi-stats:", err)
		os.Exit(1)
	}
	defer f.Close()

	p, err := diag.Load(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kiwi-stats:", err)
		os.Exit(1)
	}

	fmt.Printf("%-8s %-16s %-16s %s\n", "task", "user(ns)", "system(ns)", "polls")
	for _, s := range p.Sample {
		task := "?"
		if labels := s.Label["task"]; len(labels) > 0 {
			task = labels[0]
		}
		var user, sys, polls int64
		if len(s.Value) >= 3 {
			user, sys, polls = s.Value[0], s.Value[1], s.Value[2]
		}
		fmt.Printf("%-8s %-16d %-16d %d\n", task, user, sys, polls)
	}
}

// Package result defines the sandbox engine output types.
package result

import "time"

// Usage is the resource accounting for a finished process tree.
// It covers the spawned command and everything it forked.
type Usage struct {
	UserTime    time.Duration
	SystemTime  time.Duration
	MaxRSSBytes int64
}

// RunResult is the terminal outcome of one sandboxed execution.
// ExitCode and TermSignal are mutually exclusive: TermSignal is non-zero
// only when the tree was terminated by a signal.
type RunResult struct {
	ExitCode   int
	TermSignal int
	TimedOut   bool
	Cancelled  bool
	OOMKilled  bool
	Usage      Usage
}

// Signaled reports whether the tree was terminated by a signal.
func (r RunResult) Signaled() bool {
	return r.TermSignal != 0
}

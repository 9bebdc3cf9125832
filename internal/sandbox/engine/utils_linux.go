//go:build linux

package engine

import (
	"os"
	"syscall"
	"time"

	"runnerd/internal/sandbox/result"
)

// usageFromState converts the wait4 rusage of the reaped helper into a Usage
// record. On Linux Maxrss is in kilobytes; the accounting includes every
// descendant the helper waited for.
func usageFromState(state *os.ProcessState) result.Usage {
	if state == nil {
		return result.Usage{}
	}
	rusage, ok := state.SysUsage().(*syscall.Rusage)
	if !ok {
		return result.Usage{}
	}
	return result.Usage{
		UserTime:    timevalDuration(rusage.Utime),
		SystemTime:  timevalDuration(rusage.Stime),
		MaxRSSBytes: rusage.Maxrss * 1024,
	}
}

func timevalDuration(tv syscall.Timeval) time.Duration {
	return time.Duration(tv.Sec)*time.Second + time.Duration(tv.Usec)*time.Microsecond
}

// termSignalFromState returns the terminating signal number, or 0 when the
// process exited normally.
func termSignalFromState(state *os.ProcessState) int {
	if state == nil {
		return 0
	}
	status, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return 0
	}
	return int(status.Signal())
}

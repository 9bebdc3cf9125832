// Package spec defines the execution specification handed to the sandbox engine.
package spec

import "time"

// ResourceLimit describes hard limits enforced on the process tree.
type ResourceLimit struct {
	// MemoryMaxBytes is the ceiling for cumulative resident memory.
	// The tree is killed, not throttled, when it is exceeded. 0 means unlimited.
	MemoryMaxBytes int64
	// CPUCount sizes the CPU quota in logical cores. 0 means the host core count.
	CPUCount int
	// WallTime is the optional per-call deadline. 0 means no deadline.
	WallTime time.Duration
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
	// Optional mounts are silently skipped when the source does not exist
	// on the host. The root bind is never optional.
	Optional bool
}

// RunSpec is the unified execution specification for one task.
// All paths are absolute and already validated against the build root.
type RunSpec struct {
	TaskID string
	// Slot is the concurrency slot index owning this run; it names the
	// per-run cgroup.
	Slot       int
	WorkDir    string
	Cmd        []string
	Env        []string
	StdoutPath string
	StderrPath string
	Mounts     []MountSpec
	Limits     ResourceLimit
}

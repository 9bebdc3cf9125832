// Package runner implements the execution backend of the build worker:
// request validation, per-task workspace lifecycle, sandbox orchestration
// and readiness probing.
package runner

import (
	"context"
	"time"
)

// RunRequest describes one command execution. All path fields are relative;
// they must resolve inside the build root.
type RunRequest struct {
	// Arguments is the command line; the first element is the executable.
	Arguments []string `json:"arguments"`
	// EnvironmentVariables is the exact child environment. Nothing is
	// inherited from the service's own environment.
	EnvironmentVariables map[string]string `json:"environmentVariables"`
	// WorkingDirectory is relative to the input root.
	WorkingDirectory string `json:"workingDirectory"`
	// StdoutPath and StderrPath are relative to the working directory.
	StdoutPath string `json:"stdoutPath"`
	StderrPath string `json:"stderrPath"`
	// InputRootDirectory is relative to the build root and holds the
	// prepared source tree.
	InputRootDirectory string `json:"inputRootDirectory"`
	// TemporaryDirectory is relative to the build root; it is recreated
	// from scratch for every call.
	TemporaryDirectory string `json:"temporaryDirectory"`
	// ServerLogsDirectory is relative to the build root; the worker writes
	// its own per-task diagnostics there.
	ServerLogsDirectory string `json:"serverLogsDirectory"`
	// TimeoutSeconds is the optional per-call deadline. 0 means none.
	TimeoutSeconds int64 `json:"timeoutSeconds,omitempty"`
}

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusTimedOut  RunStatus = "timed_out"
	StatusKilled    RunStatus = "killed"
	StatusOOMKilled RunStatus = "oom_killed"
)

// ResourceUsage is the accounting for the whole process tree, populated even
// when the tree was killed.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"userTimeMs"`
	SystemTimeMs int64 `json:"systemTimeMs"`
	MaxRSSBytes  int64 `json:"maxRssBytes"`
}

// RunResponse is the result of a finished run. ExitCode and TermSignal
// are mutually exclusive: TermSignal is set only when the tree was
// terminated by a signal, in which case ExitCode is meaningless.
type RunResponse struct {
	ExitCode   int           `json:"exitCode"`
	TermSignal int           `json:"termSignal,omitempty"`
	Status     RunStatus     `json:"status"`
	Usage      ResourceUsage `json:"resourceUsage"`
}

// RunRecord is the persisted trace of one terminal outcome.
type RunRecord struct {
	TaskID     string        `json:"taskId"`
	Arguments  []string      `json:"arguments"`
	WorkingDir string        `json:"workingDirectory"`
	Status     RunStatus     `json:"status"`
	ExitCode   int           `json:"exitCode"`
	TermSignal int           `json:"termSignal,omitempty"`
	Usage      ResourceUsage `json:"resourceUsage"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// RecordSink persists run records for later inspection. Implementations
// must be safe for concurrent use.
type RecordSink interface {
	SaveRunRecord(ctx context.Context, record RunRecord) error
}

// Service is the operation surface exposed to transport adapters.
type Service interface {
	Run(ctx context.Context, req RunRequest) (RunResponse, error)
	CheckReadiness(ctx context.Context, path string) (bool, error)
}

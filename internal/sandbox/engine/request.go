package engine

import "runnerd/internal/sandbox/spec"

// initRequest is the wire format handed to the runner-init helper on stdin.
// The helper applies the mount plan inside its fresh namespace and execs
// the command; keep this in sync with cmd/runner-init.
type initRequest struct {
	WorkDir    string
	Cmd        []string
	Env        []string
	StdoutPath string
	StderrPath string
	Mounts     []spec.MountSpec
	EnableNs   bool
}

// Helper exit codes for failures before the command is exec'd. Values
// follow the shell convention so operators can read them at a glance.
const (
	helperExitSetup    = 125
	helperExitNoPerm   = 126
	helperExitNotFound = 127
)

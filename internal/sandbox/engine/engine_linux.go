//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"runnerd/internal/sandbox/result"
	"runnerd/internal/sandbox/spec"
	appErr "runnerd/pkg/errors"
	"runnerd/pkg/utils/logger"

	"go.uber.org/zap"
)

type linuxEngine struct {
	cfg Config
}

// NewEngine creates a Linux sandbox engine.
func NewEngine(cfg Config) (Engine, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = "runner-init"
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, appErr.ValidationError("cgroup_root", "required when cgroup limiting is enabled")
	}
	return &linuxEngine{cfg: cfg}, nil
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}

	cgroupPath := ""
	cgroupCleanup := func() {}
	if e.cfg.EnableCgroup {
		var err error
		cgroupPath, cgroupCleanup, err = createRunCgroup(e.cfg.CgroupRoot, runSpec.TaskID, runSpec.Slot)
		if err != nil {
			return result.RunResult{}, err
		}
		if err := applyCgroupLimits(cgroupPath, runSpec.Limits.MemoryMaxBytes, runSpec.Limits.CPUCount); err != nil {
			cgroupCleanup()
			return result.RunResult{}, err
		}
	}
	defer cgroupCleanup()

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(e.cfg.EnableNamespaces)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSetup, "helper stdin pipe failed")
	}

	// The helper's own stderr stays on this pipe; the command's stderr is
	// redirected to the capture file before exec. Anything showing up here
	// is a setup failure report.
	var helperStderr bytes.Buffer
	cmd.Stderr = &helperStderr

	if err := cmd.Start(); err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSetup, "start helper %q failed", e.cfg.HelperPath)
	}
	pid := cmd.Process.Pid

	// The helper blocks decoding its stdin, so attaching the pid here puts
	// the whole future tree under the limiter before the command can exec.
	if e.cfg.EnableCgroup {
		if err := addProcessToCgroup(cgroupPath, pid); err != nil {
			killProcessGroup(pid, syscall.SIGKILL)
			_ = stdin.Close()
			_ = cmd.Wait()
			return result.RunResult{}, err
		}
	}

	initErr := json.NewEncoder(stdin).Encode(initRequest{
		WorkDir:    runSpec.WorkDir,
		Cmd:        runSpec.Cmd,
		Env:        runSpec.Env,
		StdoutPath: runSpec.StdoutPath,
		StderrPath: runSpec.StderrPath,
		Mounts:     runSpec.Mounts,
		EnableNs:   e.cfg.EnableNamespaces,
	})
	_ = stdin.Close()
	if initErr != nil {
		killProcessGroup(pid, syscall.SIGKILL)
		_ = cmd.Wait()
		return result.RunResult{}, appErr.Wrapf(initErr, appErr.SandboxSetup, "send init request failed")
	}

	var timedOut, cancelled atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if runSpec.Limits.WallTime > 0 {
			timer := time.NewTimer(runSpec.Limits.WallTime)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			e.terminateGroup(pid, cgroupPath, done)
		case <-wallTimer:
			timedOut.Store(true)
			e.terminateGroup(pid, cgroupPath, done)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)

	state := cmd.ProcessState
	sig := termSignalFromState(state)
	timedOutFinal, cancelledFinal := outcomeFlags(timedOut.Load(), cancelled.Load(), sig)
	res := result.RunResult{
		TimedOut:  timedOutFinal,
		Cancelled: cancelledFinal,
		Usage:     e.collectUsage(state, cgroupPath),
		OOMKilled: cgroupPath != "" && wasOOMKilled(cgroupPath),
	}

	if waitErr == nil {
		res.ExitCode = state.ExitCode()
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) || state == nil {
		return res, appErr.Wrapf(waitErr, appErr.WaitFailed, "wait for helper failed")
	}

	if sig != 0 {
		res.TermSignal = sig
		return res, nil
	}

	res.ExitCode = state.ExitCode()
	if err := e.mapHelperFailure(res.ExitCode, helperStderr.String()); err != nil {
		return res, err
	}
	return res, nil
}

// mapHelperFailure classifies helper-stage exits. The helper only writes to
// the inherited stderr pipe before it redirects and execs, so a non-empty
// buffer plus one of the reserved exit codes means the command never ran.
func (e *linuxEngine) mapHelperFailure(code int, stderr string) error {
	if stderr == "" {
		return nil
	}
	switch code {
	case helperExitSetup:
		return appErr.Newf(appErr.SandboxSetup, "sandbox setup failed: %s", stderr)
	case helperExitNoPerm:
		return appErr.Newf(appErr.InvalidArgument, "command not executable: %s", stderr)
	case helperExitNotFound:
		return appErr.Newf(appErr.NotFound, "command or working directory not found: %s", stderr)
	default:
		logger.Warn(context.Background(), "helper stderr", zap.String("stderr", stderr), zap.Int("exit_code", code))
		return nil
	}
}

// collectUsage merges wait4 accounting with cgroup accounting. The cgroup
// numbers are authoritative when available: they cover descendants the
// helper never waited for.
func (e *linuxEngine) collectUsage(state *os.ProcessState, cgroupPath string) result.Usage {
	usage := usageFromState(state)
	if cgroupPath == "" {
		return usage
	}
	if user, system, err := cgroupCPUTimes(cgroupPath); err == nil {
		if user > usage.UserTime {
			usage.UserTime = user
		}
		if system > usage.SystemTime {
			usage.SystemTime = system
		}
	}
	if peak := memoryPeakBytes(cgroupPath); peak > usage.MaxRSSBytes {
		usage.MaxRSSBytes = peak
	}
	return usage
}

// terminateGroup escalates: SIGTERM to the group, a grace period, then
// SIGKILL plus cgroup.kill for anything that detached from the group.
func (e *linuxEngine) terminateGroup(pid int, cgroupPath string, done <-chan struct{}) {
	killProcessGroup(pid, syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(e.cfg.GracePeriod):
	}
	killProcessGroup(pid, syscall.SIGKILL)
	if cgroupPath != "" {
		if err := killCgroup(cgroupPath); err != nil && !os.IsNotExist(err) {
			logger.Warn(context.Background(), "cgroup kill failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}
}

// outcomeFlags trusts the killer goroutine's labels only when the tree
// actually died by signal. The wall timer can fire in the same instant a
// clean exit wins the race, and a clean exit stays a clean exit.
func outcomeFlags(timedOut, cancelled bool, termSignal int) (bool, bool) {
	if termSignal == 0 {
		return false, false
	}
	return timedOut, cancelled
}

func killProcessGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, sig)
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.TaskID == "" {
		return appErr.ValidationError("task_id", "required")
	}
	if len(runSpec.Cmd) == 0 {
		return appErr.New(appErr.EmptyArguments)
	}
	if runSpec.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	return nil
}

func buildSysProcAttr(enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	// The helper becomes pid 1 of the PID namespace, so the kernel reaps
	// the whole tree when it dies. No NEWNET: tasks keep host networking.
	attr.Cloneflags = uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}

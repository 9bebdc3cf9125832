//go:build linux

// runner-init is the first process inside a run's namespaces. It receives a
// JSON request on stdin, applies the mount plan, redirects the command's
// stdio to the capture files and execs the command. It stays pid 1 of the
// PID namespace, so the kernel tears the whole tree down with it.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Exit codes for failures before exec, shell convention. The parent engine
// maps these back to typed errors.
const (
	exitSetup    = 125
	exitNoPerm   = 126
	exitNotFound = 127
)

type initRequest struct {
	WorkDir    string
	Cmd        []string
	Env        []string
	StdoutPath string
	StderrPath string
	Mounts     []mountSpec
	EnableNs   bool
}

type mountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
	Optional bool
}

func main() {
	req, err := decodeRequest(os.Stdin)
	if err != nil {
		fail(exitSetup, "decode", err)
	}
	if err := validateRequest(req); err != nil {
		fail(exitSetup, "validate", err)
	}

	if req.EnableNs {
		// Nothing mounted from here on may leak outside this namespace.
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			fail(exitSetup, "make mount private", err)
		}
		if err := applyMounts(req.Mounts); err != nil {
			fail(exitSetup, "mount", err)
		}
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fail(exitNotFound, "chdir workdir", err)
		}
		fail(exitSetup, "chdir workdir", err)
	}

	os.Clearenv()
	for _, kv := range req.Env {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if err := os.Setenv(parts[0], parts[1]); err != nil {
			fail(exitSetup, "set env", err)
		}
	}

	cmdPath, err := resolveCommand(req.Cmd[0])
	if err != nil {
		fail(execFailureCode(err), "resolve command", err)
	}

	// Keep a CLOEXEC dup of the engine's stderr pipe. redirectIO points
	// fd 2 at the capture file, so failure reports after this point must
	// go through the dup; a successful exec closes it automatically.
	reportFd, err := unix.FcntlInt(os.Stderr.Fd(), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		fail(exitSetup, "dup stderr", err)
	}

	if err := redirectIO(req.StdoutPath, req.StderrPath); err != nil {
		failTo(reportFd, exitSetup, "redirect io", err)
	}

	err = unix.Exec(cmdPath, req.Cmd, os.Environ())
	// Exec only returns on failure, e.g. a script whose interpreter is
	// missing slips past the access check above.
	failTo(reportFd, execFailureCode(err), "exec", err)
}

func fail(code int, stage string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "runner-init: %s: %v", stage, err)
	os.Exit(code)
}

func failTo(fd int, code int, stage string, err error) {
	_, _ = unix.Write(fd, []byte(fmt.Sprintf("runner-init: %s: %v", stage, err)))
	os.Exit(code)
}

// execFailureCode distinguishes "found but not runnable" from "not found",
// shell convention.
func execFailureCode(err error) int {
	if errors.Is(err, os.ErrPermission) {
		return exitNoPerm
	}
	return exitNotFound
}

func decodeRequest(r io.Reader) (initRequest, error) {
	var req initRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	return nil
}

// applyMounts binds each entry over its own path. The build root arrives
// first and read-only; writable entries follow and punch holes in it.
// Read-only binds are non-recursive: submounts carried in by MS_REC would
// stay writable after the remount.
func applyMounts(mounts []mountSpec) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec")
		}
		if _, err := os.Stat(m.Source); err != nil {
			if m.Optional && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat mount source %s: %w", m.Source, err)
		}
		if err := ensureMountTarget(m.Source, m.Target); err != nil {
			return err
		}
		bindFlags := uintptr(unix.MS_BIND | unix.MS_REC)
		if m.ReadOnly {
			bindFlags = unix.MS_BIND
		}
		if err := unix.Mount(m.Source, m.Target, "", bindFlags, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Target, err)
		}
		if m.ReadOnly {
			locked, err := remountFlags(m.Target)
			if err != nil {
				return err
			}
			if err := unix.Mount("", m.Target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|locked, ""); err != nil {
				return fmt.Errorf("remount readonly %s: %w", m.Target, err)
			}
		}
	}
	return nil
}

// remountFlags reads the flags the target's filesystem is mounted with. In
// a user namespace a bind remount must repeat the locked flags of its
// source mount or the kernel rejects it with EPERM.
func remountFlags(target string) (uintptr, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(target, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", target, err)
	}
	return lockedMountFlags(int64(st.Flags)), nil
}

// lockedMountFlags translates statfs ST_* flags to their MS_* mount
// equivalents.
func lockedMountFlags(statfsFlags int64) uintptr {
	pairs := []struct {
		st int64
		ms uintptr
	}{
		{unix.ST_NOSUID, unix.MS_NOSUID},
		{unix.ST_NODEV, unix.MS_NODEV},
		{unix.ST_NOEXEC, unix.MS_NOEXEC},
		{unix.ST_NOATIME, unix.MS_NOATIME},
		{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
		{unix.ST_RELATIME, unix.MS_RELATIME},
	}
	var flags uintptr
	for _, p := range pairs {
		if statfsFlags&p.st != 0 {
			flags |= p.ms
		}
	}
	return flags
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

// resolveCommand follows the usual exec rule: a bare name goes through PATH
// (from the request environment), anything with a separator is taken as a
// path relative to the working directory. The target must be a regular
// executable file; checking here keeps the failure report on the engine's
// stderr pipe instead of the capture file.
func resolveCommand(arg0 string) (string, error) {
	if !strings.Contains(arg0, "/") {
		path, err := exec.LookPath(arg0)
		if err != nil {
			return "", fmt.Errorf("lookup %s: %w", arg0, err)
		}
		return path, nil
	}
	info, err := os.Stat(arg0)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", arg0, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: not a regular file: %w", arg0, os.ErrPermission)
	}
	if err := unix.Access(arg0, unix.X_OK); err != nil {
		return "", fmt.Errorf("access %s: %w", arg0, err)
	}
	return arg0, nil
}

// redirectIO points the command's stdio at the capture files. Descendants
// inherit the same handles. Stdin always reads from /dev/null.
func redirectIO(stdoutPath, stderrPath string) error {
	stdinFile, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	if err := unix.Dup2(int(stdoutFile.Fd()), int(os.Stdout.Fd())); err != nil {
		return fmt.Errorf("dup stdout: %w", err)
	}
	if err := unix.Dup2(int(stderrFile.Fd()), int(os.Stderr.Fd())); err != nil {
		return fmt.Errorf("dup stderr: %w", err)
	}
	if err := unix.Dup2(int(stdinFile.Fd()), int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	_ = stdinFile.Close()
	_ = stdoutFile.Close()
	_ = stderrFile.Close()
	return nil
}

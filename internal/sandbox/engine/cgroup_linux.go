//go:build linux

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	appErr "runnerd/pkg/errors"
)

const cpuPeriodUsec = 100000

func createRunCgroup(root, taskID string, slot int) (string, func(), error) {
	if root == "" {
		return "", func() {}, appErr.ValidationError("cgroup_root", "required")
	}
	runDir := fmt.Sprintf("slot%d-%s-%d", slot, taskID, time.Now().UnixNano())
	cgroupPath := filepath.Join(root, runDir)
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", func() {}, appErr.Wrapf(err, appErr.ResourceLimit, "create cgroup path failed")
	}
	// cgroupfs directories go away with rmdir once every member exited;
	// control files cannot be unlinked individually.
	cleanup := func() {
		_ = os.Remove(cgroupPath)
	}
	return cgroupPath, cleanup, nil
}

// applyCgroupLimits establishes the memory ceiling and the CPU quota.
// Limits must be in place before the command starts; an error here fails
// the request.
func applyCgroupLimits(cgroupPath string, memoryMaxBytes int64, cpuCount int) error {
	if memoryMaxBytes > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(memoryMaxBytes, 10)); err != nil {
			return appErr.Wrapf(err, appErr.ResourceLimit, "write memory.max failed")
		}
		// Don't swap past the ceiling.
		if err := writeCgroupValue(cgroupPath, "memory.swap.max", "0"); err != nil && !os.IsNotExist(err) {
			return appErr.Wrapf(err, appErr.ResourceLimit, "write memory.swap.max failed")
		}
	}
	if cpuCount <= 0 {
		cpuCount = runtime.NumCPU()
	}
	quota := strconv.Itoa(cpuCount * cpuPeriodUsec)
	if err := writeCgroupValue(cgroupPath, "cpu.max", quota+" "+strconv.Itoa(cpuPeriodUsec)); err != nil {
		return appErr.Wrapf(err, appErr.ResourceLimit, "write cpu.max failed")
	}
	return nil
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return appErr.ValidationError("pid", "invalid")
	}
	if err := writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		return appErr.Wrapf(err, appErr.ResourceLimit, "write cgroup.procs failed")
	}
	return nil
}

// killCgroup asks the kernel to kill every member of the cgroup, covering
// descendants that escaped the process group.
func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

func wasOOMKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	return parseOOMKills(string(data)) > 0
}

func parseOOMKills(events string) int64 {
	for _, line := range strings.Split(events, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val
		}
	}
	return 0
}

// cgroupCPUTimes reads tree-wide user and system CPU time from cpu.stat.
func cgroupCPUTimes(cgroupPath string) (user, system time.Duration, err error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cpu.stat"))
	if err != nil {
		return 0, 0, appErr.Wrapf(err, appErr.Internal, "read cpu.stat failed")
	}
	user, system = parseCPUStat(string(data))
	return user, system, nil
}

func parseCPUStat(stat string) (user, system time.Duration) {
	for _, line := range strings.Split(stat, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "user_usec":
			user = time.Duration(val) * time.Microsecond
		case "system_usec":
			system = time.Duration(val) * time.Microsecond
		}
	}
	return user, system
}

// memoryPeakBytes returns the tree-wide peak resident memory, falling back
// to 0 on kernels without memory.peak.
func memoryPeakBytes(cgroupPath string) int64 {
	if cgroupPath == "" {
		return 0
	}
	val, err := readCgroupInt(cgroupPath, "memory.peak")
	if err != nil {
		return 0
	}
	return val
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0640)
}

package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	sandbox "runnerd/internal/sandbox/engine"
	"runnerd/internal/sandbox/result"
	"runnerd/internal/sandbox/spec"
	appErr "runnerd/pkg/errors"
	"runnerd/pkg/utils/contextkey"
	"runnerd/pkg/utils/logger"
)

const (
	serverLogName   = "runnerd.log"
	recordSaveLimit = 5 * time.Second
)

// Config is the process-wide execution configuration. It is loaded once at
// startup and shared read-only by every concurrent request.
type Config struct {
	// BuildDirectory is the absolute build root all request paths resolve
	// against.
	BuildDirectory string
	// NumCPUs bounds concurrent runs and sizes per-run CPU quotas.
	// 0 means the host core count.
	NumCPUs int
	// MemoryMaxBytes is the per-run memory ceiling. 0 means unlimited.
	MemoryMaxBytes int64
	// WritablePaths are host paths kept writable inside the otherwise
	// read-only sandbox view. Entries missing on the host are skipped.
	WritablePaths []string
}

// Engine orchestrates one Run call: validation, workspace lifecycle,
// sandbox construction, supervision and accounting.
type Engine struct {
	cfg     Config
	sandbox sandbox.Engine
	slots   *slotPool
	records RecordSink
}

var _ Service = (*Engine)(nil)

// NewEngine creates the execution engine. records may be nil when no run
// record repository is configured.
func NewEngine(cfg Config, sb sandbox.Engine, records RecordSink) (*Engine, error) {
	if cfg.BuildDirectory == "" {
		return nil, appErr.ValidationError("build_directory", "required")
	}
	if !filepath.IsAbs(cfg.BuildDirectory) {
		return nil, appErr.ValidationError("build_directory", "must be absolute")
	}
	if sb == nil {
		return nil, appErr.ValidationError("sandbox_engine", "required")
	}
	if cfg.NumCPUs <= 0 {
		cfg.NumCPUs = runtime.NumCPU()
	}
	return &Engine{
		cfg:     cfg,
		sandbox: sb,
		slots:   newSlotPool(cfg.NumCPUs),
		records: records,
	}, nil
}

// Run executes one command in a fresh sandbox and blocks until the whole
// process tree has exited or been torn down.
func (e *Engine) Run(ctx context.Context, req RunRequest) (RunResponse, error) {
	if err := validateRequest(req); err != nil {
		return RunResponse{}, err
	}

	inputRoot, err := Resolve(e.cfg.BuildDirectory, req.InputRootDirectory)
	if err != nil {
		return RunResponse{}, err
	}
	workDir, err := Resolve(inputRoot, req.WorkingDirectory)
	if err != nil {
		return RunResponse{}, err
	}
	stdoutPath, err := Resolve(workDir, req.StdoutPath)
	if err != nil {
		return RunResponse{}, err
	}
	stderrPath, err := Resolve(workDir, req.StderrPath)
	if err != nil {
		return RunResponse{}, err
	}
	tempDir, err := Resolve(e.cfg.BuildDirectory, req.TemporaryDirectory)
	if err != nil {
		return RunResponse{}, err
	}
	logsDir := ""
	if req.ServerLogsDirectory != "" {
		logsDir, err = Resolve(e.cfg.BuildDirectory, req.ServerLogsDirectory)
		if err != nil {
			return RunResponse{}, err
		}
	}

	ws, err := prepareWorkspace(tempDir)
	if err != nil {
		return RunResponse{}, err
	}
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return RunResponse{}, appErr.Wrapf(err, appErr.WorkspaceInit, "create server logs directory failed")
		}
	}

	// Output files are open before the child can write to them; they stay
	// in place after the call for the caller to read.
	if err := createOutputFiles(stdoutPath, stderrPath); err != nil {
		return RunResponse{}, err
	}

	slot, err := e.slots.acquire()
	if err != nil {
		return RunResponse{}, err
	}
	defer e.slots.release(slot)

	taskID := filepath.Base(tempDir)
	ctx = context.WithValue(ctx, contextkey.TaskID, taskID)
	runSpec := spec.RunSpec{
		TaskID:     taskID,
		Slot:       slot,
		WorkDir:    workDir,
		Cmd:        req.Arguments,
		Env:        buildEnv(req.EnvironmentVariables, ws),
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		Mounts:     e.mountPlan(inputRoot, ws),
		Limits: spec.ResourceLimit{
			MemoryMaxBytes: e.cfg.MemoryMaxBytes,
			CPUCount:       e.cfg.NumCPUs,
			WallTime:       time.Duration(req.TimeoutSeconds) * time.Second,
		},
	}

	started := time.Now()
	logger.Info(ctx, "run started",
		zap.Int("slot", slot),
		zap.Strings("arguments", req.Arguments),
		zap.String("work_dir", workDir))

	res, err := e.sandbox.Run(ctx, runSpec)
	if err != nil {
		logger.Error(ctx, "run failed", zap.Error(err))
		return RunResponse{}, attachUsage(err, res)
	}

	resp := RunResponse{
		ExitCode:   res.ExitCode,
		TermSignal: res.TermSignal,
		Status:     statusOf(res),
		Usage:      usageOf(res.Usage),
	}
	logger.Info(ctx, "run finished",
		zap.String("status", string(resp.Status)),
		zap.Int("exit_code", resp.ExitCode),
		zap.Int("term_signal", resp.TermSignal),
		zap.Int64("user_time_ms", resp.Usage.UserTimeMs),
		zap.Int64("max_rss_bytes", resp.Usage.MaxRSSBytes))

	record := RunRecord{
		TaskID:     taskID,
		Arguments:  req.Arguments,
		WorkingDir: req.WorkingDirectory,
		Status:     resp.Status,
		ExitCode:   resp.ExitCode,
		TermSignal: resp.TermSignal,
		Usage:      resp.Usage,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if logsDir != "" {
		e.writeServerLog(ctx, logsDir, record)
	}
	e.saveRecord(ctx, record)

	return resp, nil
}

// CheckReadiness reports whether path currently exists under the build
// root. An empty path just confirms the service is up.
func (e *Engine) CheckReadiness(ctx context.Context, path string) (bool, error) {
	if path == "" {
		return true, nil
	}
	abs, err := Resolve(e.cfg.BuildDirectory, path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, appErr.Wrapf(err, appErr.Internal, "stat %s failed", path)
	}
	return true, nil
}

func validateRequest(req RunRequest) error {
	if len(req.Arguments) == 0 {
		return appErr.New(appErr.EmptyArguments)
	}
	if req.StdoutPath == "" {
		return appErr.ValidationError("stdoutPath", "required")
	}
	if req.StderrPath == "" {
		return appErr.ValidationError("stderrPath", "required")
	}
	if req.TemporaryDirectory == "" {
		return appErr.ValidationError("temporaryDirectory", "required")
	}
	if req.TimeoutSeconds < 0 {
		return appErr.ValidationError("timeoutSeconds", "must not be negative")
	}
	for name := range req.EnvironmentVariables {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			return appErr.ValidationError("environmentVariables", "invalid variable name")
		}
	}
	return nil
}

func createOutputFiles(paths ...string) error {
	for _, path := range paths {
		file, err := os.Create(path)
		if err != nil {
			if os.IsNotExist(err) {
				return appErr.Wrapf(err, appErr.NotFound, "working directory for output file %s missing", path)
			}
			return appErr.Wrapf(err, appErr.Internal, "create output file %s failed", path)
		}
		_ = file.Close()
	}
	return nil
}

// buildEnv renders the request environment deterministically and injects
// the per-run TMP and HOME locations, which always win.
func buildEnv(vars map[string]string, ws Workspace) []string {
	names := make([]string, 0, len(vars))
	for name := range vars {
		if name == "TMP" || name == "HOME" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]string, 0, len(names)+2)
	for _, name := range names {
		env = append(env, name+"="+vars[name])
	}
	env = append(env, "TMP="+ws.TmpDir, "HOME="+ws.HomeDir)
	return env
}

// mountPlan makes the build root visible read-only at its own path, then
// punches writable holes: the configured allow-list (at their own absolute
// paths, for toolchains that hardcode them) plus the task's input root and
// scratch directories.
func (e *Engine) mountPlan(inputRoot string, ws Workspace) []spec.MountSpec {
	mounts := []spec.MountSpec{{
		Source:   e.cfg.BuildDirectory,
		Target:   e.cfg.BuildDirectory,
		ReadOnly: true,
	}}
	for _, path := range e.cfg.WritablePaths {
		mounts = append(mounts, spec.MountSpec{Source: path, Target: path, Optional: true})
	}
	for _, path := range []string{inputRoot, ws.TmpDir, ws.HomeDir} {
		mounts = append(mounts, spec.MountSpec{Source: path, Target: path})
	}
	return mounts
}

// attachUsage keeps the best-effort accounting on failures that happened
// after the child started. Spawn-stage failures never ran anything and
// stay bare.
func attachUsage(err error, res result.RunResult) error {
	switch appErr.GetCode(err) {
	case appErr.WaitFailed, appErr.KillFailed, appErr.Internal:
		return appErr.GetError(err).WithDetail("resourceUsage", usageOf(res.Usage))
	}
	return err
}

func statusOf(res result.RunResult) RunStatus {
	switch {
	case res.OOMKilled:
		return StatusOOMKilled
	case res.TimedOut:
		return StatusTimedOut
	case res.Cancelled:
		return StatusKilled
	default:
		return StatusCompleted
	}
}

func usageOf(usage result.Usage) ResourceUsage {
	return ResourceUsage{
		UserTimeMs:   usage.UserTime.Milliseconds(),
		SystemTimeMs: usage.SystemTime.Milliseconds(),
		MaxRSSBytes:  usage.MaxRSSBytes,
	}
}

// writeServerLog appends the task's diagnostic record to its server logs
// directory, one JSON object per line.
func (e *Engine) writeServerLog(ctx context.Context, logsDir string, record RunRecord) {
	path := filepath.Join(logsDir, serverLogName)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn(ctx, "open server log failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer func() {
		_ = file.Close()
	}()
	if err := json.NewEncoder(file).Encode(record); err != nil {
		logger.Warn(ctx, "write server log failed", zap.String("path", path), zap.Error(err))
	}
}

// saveRecord persists the record best-effort; a repository outage never
// fails the run itself.
func (e *Engine) saveRecord(ctx context.Context, record RunRecord) {
	if e.records == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordSaveLimit)
	defer cancel()
	if err := e.records.SaveRunRecord(saveCtx, record); err != nil {
		logger.Warn(ctx, "save run record failed", zap.Error(err))
	}
}

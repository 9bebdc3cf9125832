package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"runnerd/internal/sandbox/result"
	"runnerd/internal/sandbox/spec"
	appErr "runnerd/pkg/errors"
	"runnerd/pkg/utils/contextkey"
)

type fakeSandbox struct {
	mu       sync.Mutex
	lastSpec spec.RunSpec
	lastCtx  context.Context
	calls    int

	res     result.RunResult
	err     error
	started chan struct{}
	block   chan struct{}
}

func (f *fakeSandbox) Run(ctx context.Context, s spec.RunSpec) (result.RunResult, error) {
	f.mu.Lock()
	f.lastSpec = s
	f.lastCtx = ctx
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	return f.res, f.err
}

func (f *fakeSandbox) spec() spec.RunSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSpec
}

type fakeSink struct {
	mu      sync.Mutex
	records []RunRecord
	err     error
}

func (f *fakeSink) SaveRunRecord(ctx context.Context, record RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return f.err
}

func (f *fakeSink) last(t *testing.T) RunRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		t.Fatal("no run record saved")
	}
	return f.records[len(f.records)-1]
}

// testRequest returns a valid request against a build directory that
// already contains the input root and working directory.
func testRequest(t *testing.T, buildDir string) RunRequest {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(buildDir, "root", "work"), 0755); err != nil {
		t.Fatal(err)
	}
	return RunRequest{
		Arguments:          []string{"/bin/true"},
		WorkingDirectory:   "work",
		StdoutPath:         "stdout.log",
		StderrPath:         "stderr.log",
		InputRootDirectory: "root",
		TemporaryDirectory: "task1",
		TimeoutSeconds:     30,
	}
}

func newTestEngine(t *testing.T, buildDir string, sb *fakeSandbox, sink RecordSink) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{
		BuildDirectory: buildDir,
		NumCPUs:        2,
		MemoryMaxBytes: 1 << 30,
		WritablePaths:  []string{"/dev", "/proc", "/tmp"},
	}, sb, sink)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	sb := &fakeSandbox{}
	if _, err := NewEngine(Config{}, sb, nil); err == nil {
		t.Error("NewEngine() with empty build directory succeeded")
	}
	if _, err := NewEngine(Config{BuildDirectory: "relative/path"}, sb, nil); err == nil {
		t.Error("NewEngine() with relative build directory succeeded")
	}
	if _, err := NewEngine(Config{BuildDirectory: "/worker/build"}, nil, nil); err == nil {
		t.Error("NewEngine() with nil sandbox succeeded")
	}
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	sb := &fakeSandbox{res: result.RunResult{
		ExitCode: 0,
		Usage: result.Usage{
			UserTime:    1500 * time.Millisecond,
			SystemTime:  250 * time.Millisecond,
			MaxRSSBytes: 4 << 20,
		},
	}}
	sink := &fakeSink{}
	engine := newTestEngine(t, buildDir, sb, sink)

	req := testRequest(t, buildDir)
	req.EnvironmentVariables = map[string]string{"PATH": "/usr/bin", "B": "2", "A": "1"}

	resp, err := engine.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", resp.Status, StatusCompleted)
	}
	if resp.ExitCode != 0 || resp.TermSignal != 0 {
		t.Errorf("ExitCode = %d, TermSignal = %d, want 0, 0", resp.ExitCode, resp.TermSignal)
	}
	if resp.Usage.UserTimeMs != 1500 || resp.Usage.SystemTimeMs != 250 || resp.Usage.MaxRSSBytes != 4<<20 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	got := sb.spec()
	workDir := filepath.Join(buildDir, "root", "work")
	if got.WorkDir != workDir {
		t.Errorf("WorkDir = %q, want %q", got.WorkDir, workDir)
	}
	if got.StdoutPath != filepath.Join(workDir, "stdout.log") {
		t.Errorf("StdoutPath = %q", got.StdoutPath)
	}
	if got.Limits.WallTime != 30*time.Second {
		t.Errorf("WallTime = %v, want 30s", got.Limits.WallTime)
	}
	if got.Limits.MemoryMaxBytes != 1<<30 {
		t.Errorf("MemoryMaxBytes = %d, want %d", got.Limits.MemoryMaxBytes, 1<<30)
	}

	// Output files are pre-created so they exist even if the command
	// never writes.
	for _, name := range []string{"stdout.log", "stderr.log"} {
		if _, err := os.Stat(filepath.Join(workDir, name)); err != nil {
			t.Errorf("output file %s: %v", name, err)
		}
	}

	record := sink.last(t)
	if record.Status != StatusCompleted || record.TaskID != "task1" {
		t.Errorf("record = %+v", record)
	}
	if record.FinishedAt.Before(record.StartedAt) {
		t.Errorf("FinishedAt %v before StartedAt %v", record.FinishedAt, record.StartedAt)
	}
}

func TestRunEnvironment(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	sb := &fakeSandbox{}
	engine := newTestEngine(t, buildDir, sb, nil)

	req := testRequest(t, buildDir)
	req.EnvironmentVariables = map[string]string{
		"PATH": "/usr/bin",
		"HOME": "/should/be/replaced",
		"TMP":  "/also/replaced",
		"A":    "1",
	}
	if _, err := engine.Run(context.Background(), req); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	env := sb.spec().Env
	wantPrefix := []string{"A=1", "PATH=/usr/bin"}
	if len(env) != 4 {
		t.Fatalf("env = %v, want 4 entries", env)
	}
	for i, want := range wantPrefix {
		if env[i] != want {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want)
		}
	}
	tmpDir := filepath.Join(buildDir, "task1", "tmp")
	homeDir := filepath.Join(buildDir, "task1", "home")
	if env[2] != "TMP="+tmpDir {
		t.Errorf("env[2] = %q, want TMP=%s", env[2], tmpDir)
	}
	if env[3] != "HOME="+homeDir {
		t.Errorf("env[3] = %q, want HOME=%s", env[3], homeDir)
	}
}

func TestRunMountPlan(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	sb := &fakeSandbox{}
	engine := newTestEngine(t, buildDir, sb, nil)

	if _, err := engine.Run(context.Background(), testRequest(t, buildDir)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mounts := sb.spec().Mounts
	if len(mounts) != 7 {
		t.Fatalf("mounts = %d, want 7", len(mounts))
	}
	root := mounts[0]
	if root.Source != buildDir || root.Target != buildDir || !root.ReadOnly {
		t.Errorf("build root mount = %+v", root)
	}
	for _, m := range mounts[1:4] {
		if m.ReadOnly || !m.Optional {
			t.Errorf("writable allow-list mount = %+v, want optional rw", m)
		}
		if m.Source != m.Target {
			t.Errorf("allow-list mount source %q != target %q", m.Source, m.Target)
		}
	}
	inputRoot := filepath.Join(buildDir, "root")
	if mounts[4].Source != inputRoot || mounts[4].ReadOnly {
		t.Errorf("input root mount = %+v, want rw at %s", mounts[4], inputRoot)
	}
	if !strings.HasSuffix(mounts[5].Source, "/tmp") || !strings.HasSuffix(mounts[6].Source, "/home") {
		t.Errorf("scratch mounts = %+v, %+v", mounts[5], mounts[6])
	}
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	engine := newTestEngine(t, buildDir, &fakeSandbox{}, nil)

	cases := []struct {
		name     string
		mutate   func(*RunRequest)
		wantCode appErr.ErrorCode
	}{
		{"no arguments", func(r *RunRequest) { r.Arguments = nil }, appErr.EmptyArguments},
		{"no stdout path", func(r *RunRequest) { r.StdoutPath = "" }, appErr.InvalidArgument},
		{"no stderr path", func(r *RunRequest) { r.StderrPath = "" }, appErr.InvalidArgument},
		{"no temporary directory", func(r *RunRequest) { r.TemporaryDirectory = "" }, appErr.InvalidArgument},
		{"negative timeout", func(r *RunRequest) { r.TimeoutSeconds = -1 }, appErr.InvalidArgument},
		{"bad env name", func(r *RunRequest) {
			r.EnvironmentVariables = map[string]string{"A=B": "x"}
		}, appErr.InvalidArgument},
		{"absolute working directory", func(r *RunRequest) { r.WorkingDirectory = "/etc" }, appErr.InvalidPath},
		{"input root escape", func(r *RunRequest) { r.InputRootDirectory = "../outside" }, appErr.InvalidPath},
		{"stdout escape", func(r *RunRequest) { r.StdoutPath = "../../../../out" }, appErr.InvalidPath},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := testRequest(t, buildDir)
			tc.mutate(&req)
			_, err := engine.Run(context.Background(), req)
			if err == nil {
				t.Fatal("Run() succeeded, want error")
			}
			if code := appErr.GetCode(err); code != tc.wantCode {
				t.Errorf("code = %d, want %d", code, tc.wantCode)
			}
		})
	}
}

func TestRunStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		res  result.RunResult
		want RunStatus
	}{
		{"completed", result.RunResult{ExitCode: 3}, StatusCompleted},
		{"timed out", result.RunResult{TimedOut: true, TermSignal: 9}, StatusTimedOut},
		{"cancelled", result.RunResult{Cancelled: true, TermSignal: 15}, StatusKilled},
		{"oom killed", result.RunResult{OOMKilled: true, TermSignal: 9}, StatusOOMKilled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buildDir := t.TempDir()
			engine := newTestEngine(t, buildDir, &fakeSandbox{res: tc.res}, nil)
			resp, err := engine.Run(context.Background(), testRequest(t, buildDir))
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if resp.Status != tc.want {
				t.Errorf("Status = %q, want %q", resp.Status, tc.want)
			}
			if resp.ExitCode != tc.res.ExitCode || resp.TermSignal != tc.res.TermSignal {
				t.Errorf("ExitCode = %d, TermSignal = %d", resp.ExitCode, resp.TermSignal)
			}
		})
	}
}

func TestRunMissingWorkingDirectory(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	engine := newTestEngine(t, buildDir, &fakeSandbox{}, nil)

	req := testRequest(t, buildDir)
	req.WorkingDirectory = "missing"
	_, err := engine.Run(context.Background(), req)
	if appErr.GetCode(err) != appErr.NotFound {
		t.Fatalf("Run() = %v, want NotFound", err)
	}
}

func TestRunSandboxErrorPropagates(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	wantErr := appErr.New(appErr.SpawnFailed)
	sb := &fakeSandbox{err: wantErr}
	engine := newTestEngine(t, buildDir, sb, nil)

	_, err := engine.Run(context.Background(), testRequest(t, buildDir))
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want %v", err, wantErr)
	}
}

func TestRunSupervisionFailureCarriesUsage(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	sb := &fakeSandbox{
		res: result.RunResult{Usage: result.Usage{
			UserTime:    2 * time.Second,
			MaxRSSBytes: 8 << 20,
		}},
		err: appErr.New(appErr.WaitFailed),
	}
	engine := newTestEngine(t, buildDir, sb, nil)

	_, err := engine.Run(context.Background(), testRequest(t, buildDir))
	if appErr.GetCode(err) != appErr.WaitFailed {
		t.Fatalf("Run() error = %v, want WaitFailed", err)
	}
	detail, ok := appErr.GetError(err).Details["resourceUsage"]
	if !ok {
		t.Fatal("error carries no resourceUsage detail")
	}
	usage, ok := detail.(ResourceUsage)
	if !ok {
		t.Fatalf("resourceUsage detail = %T", detail)
	}
	if usage.UserTimeMs != 2000 || usage.MaxRSSBytes != 8<<20 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestRunSpawnFailureStaysBare(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	sb := &fakeSandbox{err: appErr.New(appErr.SpawnFailed)}
	engine := newTestEngine(t, buildDir, sb, nil)

	_, err := engine.Run(context.Background(), testRequest(t, buildDir))
	if appErr.GetCode(err) != appErr.SpawnFailed {
		t.Fatalf("Run() error = %v, want SpawnFailed", err)
	}
	if _, ok := appErr.GetError(err).Details["resourceUsage"]; ok {
		t.Error("spawn failure carries a resourceUsage detail")
	}
}

func TestRunTaskIDInContext(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	sb := &fakeSandbox{}
	engine := newTestEngine(t, buildDir, sb, nil)

	if _, err := engine.Run(context.Background(), testRequest(t, buildDir)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	sb.mu.Lock()
	ctx := sb.lastCtx
	sb.mu.Unlock()
	if got := ctx.Value(contextkey.TaskID); got != "task1" {
		t.Errorf("TaskID in context = %v, want task1", got)
	}
}

func TestRunSlotExhaustion(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	sb := &fakeSandbox{
		started: make(chan struct{}),
		block:   make(chan struct{}),
	}
	engine, err := NewEngine(Config{BuildDirectory: buildDir, NumCPUs: 1}, sb, nil)
	if err != nil {
		t.Fatal(err)
	}

	first := testRequest(t, buildDir)
	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(context.Background(), first)
		done <- err
	}()
	<-sb.started

	second := testRequest(t, buildDir)
	second.TemporaryDirectory = "task2"
	if _, err := engine.Run(context.Background(), second); appErr.GetCode(err) != appErr.ResourceExhausted {
		t.Errorf("Run() while busy = %v, want ResourceExhausted", err)
	}

	close(sb.block)
	if err := <-done; err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// The slot is free again once the first run finished.
	third := testRequest(t, buildDir)
	third.TemporaryDirectory = "task3"
	sb.started, sb.block = nil, nil
	if _, err := engine.Run(context.Background(), third); err != nil {
		t.Errorf("Run() after release error = %v", err)
	}
}

func TestRunWritesServerLog(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	engine := newTestEngine(t, buildDir, &fakeSandbox{}, nil)

	req := testRequest(t, buildDir)
	req.ServerLogsDirectory = "logs/task1"
	if _, err := engine.Run(context.Background(), req); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(buildDir, "logs", "task1", serverLogName))
	if err != nil {
		t.Fatalf("read server log: %v", err)
	}
	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode server log: %v", err)
	}
	if record.TaskID != "task1" || record.Status != StatusCompleted {
		t.Errorf("record = %+v", record)
	}
}

func TestRunRecordSinkFailureIgnored(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	sink := &fakeSink{err: errors.New("repository down")}
	engine := newTestEngine(t, buildDir, &fakeSandbox{}, sink)

	if _, err := engine.Run(context.Background(), testRequest(t, buildDir)); err != nil {
		t.Fatalf("Run() error = %v, want sink failure swallowed", err)
	}
}

func TestCheckReadiness(t *testing.T) {
	t.Parallel()

	buildDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(buildDir, "ready"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	engine := newTestEngine(t, buildDir, &fakeSandbox{}, nil)

	ctx := context.Background()
	if ok, err := engine.CheckReadiness(ctx, ""); err != nil || !ok {
		t.Errorf("CheckReadiness(\"\") = %v, %v, want true", ok, err)
	}
	if ok, err := engine.CheckReadiness(ctx, "ready"); err != nil || !ok {
		t.Errorf("CheckReadiness(ready) = %v, %v, want true", ok, err)
	}
	if ok, err := engine.CheckReadiness(ctx, "missing"); err != nil || ok {
		t.Errorf("CheckReadiness(missing) = %v, %v, want false", ok, err)
	}
	if _, err := engine.CheckReadiness(ctx, "/etc/passwd"); appErr.GetCode(err) != appErr.InvalidPath {
		t.Errorf("CheckReadiness(absolute) = %v, want InvalidPath", err)
	}
}

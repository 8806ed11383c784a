// Package executor implements the task executor: it builds task
// definitions and a dependency DAG, then runs each level concurrently,
// spawning processes through the action cache's single-flight execution,
// with resource limits, security enforcement, and audit-mode reporting.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cuenv/cuenv/internal/action"
	"github.com/cuenv/cuenv/internal/audit"
	"github.com/cuenv/cuenv/internal/breaker"
	"github.com/cuenv/cuenv/internal/eventbus"
	"github.com/cuenv/cuenv/internal/metrics"
	"github.com/cuenv/cuenv/internal/procguard"
	"github.com/cuenv/cuenv/internal/task"
	"github.com/cuenv/cuenv/pkg/cachekey"
	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// Config shapes an Executor's optional collaborators and resource
// defaults.
type Config struct {
	Limits      ResourceLimits
	Enforcer    Enforcer
	Validator   task.SecurityValidator
	Breaker     *breaker.Manager
	Metrics     *metrics.Collector
	TaskMetrics *metrics.TaskCollector
}

// DefaultConfig returns a Config with the default resource limits, the
// stub DefaultEnforcer, and no breaker/metrics wired in.
func DefaultConfig() Config {
	return Config{
		Limits:    DefaultResourceLimits(),
		Enforcer:  DefaultEnforcer{},
		Validator: task.DefaultValidator{},
	}
}

// Options parameterizes one ExecuteTasks call: extra arguments appended
// to each task's command, the environment visible to tasks (and,
// filtered, to their digests), and the audit/capture-output toggles.
type Options struct {
	PackagePath   string
	Args          []string
	Env           map[string]string
	AuditMode     bool
	CaptureOutput bool
}

// Executor orchestrates the task builder, the dependency DAG, and the
// action cache.
type Executor struct {
	builder  *task.Builder
	cache    *action.Cache
	bus      *eventbus.Bus
	auditLog *audit.Log
	cfg      Config
	log      *zap.Logger

	executedMu sync.Mutex
	executed   map[string]bool
}

// New constructs an Executor. bus and auditLog may be nil to disable
// event publication and audit logging respectively.
func New(builder *task.Builder, cache *action.Cache, bus *eventbus.Bus, auditLog *audit.Log, cfg Config, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Enforcer == nil {
		cfg.Enforcer = DefaultEnforcer{}
	}
	if cfg.Validator == nil {
		cfg.Validator = task.DefaultValidator{}
	}
	if cfg.Limits == (ResourceLimits{}) {
		cfg.Limits = DefaultResourceLimits()
	}
	if cfg.Metrics != nil && cache != nil {
		cache.SetMetrics(cfg.Metrics)
	}
	return &Executor{
		builder:  builder,
		cache:    cache,
		bus:      bus,
		auditLog: auditLog,
		cfg:      cfg,
		log:      log,
		executed: make(map[string]bool),
	}
}

// ExecError reports a task's failure, preserving the exit code the
// process produced so callers and the event bus can distinguish "script
// exited 2" from an infrastructure error.
type ExecError struct {
	TaskName string
	ExitCode int
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("task %q exited %d: %v", e.TaskName, e.ExitCode, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ExecuteTasks builds definitions and a DAG for names, then runs each
// level concurrently. It returns 0 and nil on success, or a non-zero
// exit code and an error naming the failed tasks otherwise. A level with
// any failures still lets every worker in that level finish before the
// executor stops; later levels never start.
func (e *Executor) ExecuteTasks(ctx context.Context, configs map[string]task.RawConfig, names []string, opts Options) (int, error) {
	defs, err := e.builder.Build(configs, opts.PackagePath)
	if err != nil {
		return 1, err
	}

	dag, err := task.Build(defs, names)
	if err != nil {
		return 1, err
	}

	for _, level := range dag.Levels() {
		var wg sync.WaitGroup
		var mu sync.Mutex
		var failed []string

		for _, def := range level {
			def := def
			wg.Add(1)
			go func() {
				defer wg.Done()
				if runErr := e.runOne(ctx, def, opts); runErr != nil {
					mu.Lock()
					failed = append(failed, def.Name)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(failed) > 0 {
			sort.Strings(failed)
			return 1, cueerrors.New(cueerrors.CodeIO, "one or more tasks failed").
				WithComponent("executor").WithOperation("execute_tasks").
				WithDetail("failed_tasks", failed)
		}
	}

	return 0, nil
}

// runOne runs a single task: publishes lifecycle events, routes the
// execution through the optional per-task circuit breaker, and records an
// audit entry.
func (e *Executor) runOne(ctx context.Context, def *task.Definition, opts Options) error {
	taskID := uuid.New().String()
	if err := ctx.Err(); err != nil {
		e.publish(eventbus.SystemEvent{Kind: eventbus.TaskCancelled, TaskName: def.Name, TaskID: taskID})
		return cueerrors.Wrap(cueerrors.CodeTimeout, err, "task cancelled before start").
			WithComponent("executor").WithOperation("run_one").WithDetail("task", def.Name)
	}
	e.publish(eventbus.SystemEvent{Kind: eventbus.TaskStarted, TaskName: def.Name, TaskID: taskID})
	start := time.Now()

	run := func() (interface{}, error) {
		return e.runTask(ctx, def, opts)
	}

	var raw interface{}
	var err error
	if e.cfg.Breaker != nil {
		raw, err = e.cfg.Breaker.Execute(def.Name, run)
	} else {
		raw, err = run()
	}

	duration := time.Since(start)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordOperation("task_execute", duration, 0, err == nil)
	}
	if e.cfg.TaskMetrics != nil {
		result, _ := raw.(action.Result)
		// A cached Result carries the ExecutedAt of the run that produced
		// it, which predates this worker's start.
		cacheHit := err == nil && result.ExecutedAt.Before(start)
		e.cfg.TaskMetrics.RecordTaskExecution(def.Name, duration, err != nil, cacheHit)
	}

	if err != nil {
		e.publish(eventbus.SystemEvent{Kind: eventbus.TaskFailed, TaskName: def.Name, TaskID: taskID, Error: err.Error()})
		e.recordAudit(audit.LevelWarning, def.Name, map[string]interface{}{"error": err.Error()})
		return err
	}

	result, _ := raw.(action.Result)
	e.executedMu.Lock()
	e.executed[def.Name] = true
	e.executedMu.Unlock()

	e.publish(eventbus.SystemEvent{Kind: eventbus.TaskCompleted, TaskName: def.Name, TaskID: taskID, DurationMS: result.DurationMS})
	e.recordAudit(audit.LevelInfo, def.Name, map[string]interface{}{"exit_code": result.ExitCode, "duration_ms": result.DurationMS})
	return nil
}

func (e *Executor) recordAudit(level audit.Level, taskName string, fields map[string]interface{}) {
	if e.auditLog == nil {
		return
	}
	fields["task"] = taskName
	e.auditLog.Record(level, audit.EventCommandExecution, fields)
}

// runTask computes def's ActionDigest and, if caching is enabled, routes
// the spawn through the action cache's single-flight execution; otherwise
// it spawns unconditionally.
func (e *Executor) runTask(ctx context.Context, def *task.Definition, opts Options) (action.Result, error) {
	digest := e.digestFor(def, opts.Env)

	builder := func(ctx context.Context) (action.Result, error) {
		return e.spawn(ctx, def, opts)
	}

	if !def.Cache.Enabled {
		return builder(ctx)
	}
	return e.cache.Execute(ctx, digest, builder)
}

func (e *Executor) digestFor(def *task.Definition, env map[string]string) action.Digest {
	mode := action.ExecutionMode{Kind: "command", Script: def.Mode.Command}
	if def.Mode.IsScript {
		mode = action.ExecutionMode{Kind: "script", Script: def.Mode.Script}
	}

	var sec action.SecurityConfig
	if def.Security != nil {
		sec = action.SecurityConfig{
			RestrictDisk:    def.Security.RestrictDisk,
			RestrictNetwork: def.Security.RestrictNetwork,
			ReadOnlyPaths:   def.Security.ReadOnlyPaths,
			ReadWritePaths:  def.Security.ReadWritePaths,
			AllowedHosts:    def.Security.AllowedHosts,
		}
	}

	return action.Compute(action.DigestInput{
		TaskName:         def.Name,
		Mode:             mode,
		Dependencies:     def.Dependencies,
		WorkingDirectory: def.WorkingDirectory,
		Inputs:           def.Inputs,
		Outputs:          def.Outputs,
		Env:              filterEnv(env, def.Cache.EnvFilter),
		Shell:            def.Shell,
		Timeout:          def.Timeout,
		Security:         sec,
	})
}

// spawn runs def's command or script in its own process group, enforcing
// security, resource limits, stdio policy, and the per-task timeout. It
// returns an *ExecError (not cached upstream) for a non-zero exit or a
// kill; only a clean exit produces a cacheable Result.
func (e *Executor) spawn(ctx context.Context, def *task.Definition, opts Options) (action.Result, error) {
	if err := e.enforceSecurity(def, opts.AuditMode); err != nil {
		return action.Result{}, err
	}

	script := def.Mode.Command
	if def.Mode.IsScript {
		script = def.Mode.Script
	}
	if len(opts.Args) > 0 {
		script = script + " " + quoteArgs(opts.Args)
	}
	script = wrapWithLimits(def.Shell, script, e.cfg.Limits)

	shellArgs := []string{"-c", script}
	if def.Shell == "pwsh" || def.Shell == "powershell" {
		shellArgs = []string{"-Command", script}
	}

	cmd := exec.Command(def.Shell, shellArgs...)
	cmd.Dir = def.WorkingDirectory
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr captureBuffer
	var stdoutDone, stderrDone chan struct{}
	if opts.CaptureOutput {
		stdoutDone = e.streamPipe(cmd, def.Name, eventbus.StreamStdout, true, &stdout)
		stderrDone = e.streamPipe(cmd, def.Name, eventbus.StreamStderr, false, &stderr)
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return action.Result{}, cueerrors.Wrap(cueerrors.CodeIO, err, "failed to start task process").
			WithComponent("executor").WithOperation("spawn").WithDetail("task", def.Name)
	}

	guard := procguard.New(cmd, e.log)
	defer func() { _ = guard.Close() }()

	e.publish(eventbus.SystemEvent{Kind: eventbus.TaskProgress, TaskName: def.Name, Message: "process started"})

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = task.DefaultTimeout
	}
	pres := guard.WaitWithTimeout(timeout)

	if stdoutDone != nil {
		<-stdoutDone
	}
	if stderrDone != nil {
		<-stderrDone
	}

	result := action.Result{
		ExitCode:   pres.ExitCode,
		ExecutedAt: start,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if opts.CaptureOutput {
		if h := stdout.hash(); h != "" {
			result.StdoutHash = h
		}
		if h := stderr.hash(); h != "" {
			result.StderrHash = h
		}
	}

	if pres.ExitCode != 0 {
		cause := cueerrors.New(cueerrors.CodeIO, "task process exited non-zero").
			WithComponent("executor").WithOperation("spawn").
			WithDetail("task", def.Name).WithDetail("exit_code", pres.ExitCode).
			WithDetail("timed_out", pres.TimedOut).WithDetail("signaled", pres.Signaled)
		return result, &ExecError{TaskName: def.Name, ExitCode: pres.ExitCode, Err: cause}
	}

	if len(def.Outputs) > 0 {
		result.OutputFiles = hashOutputs(def.WorkingDirectory, def.Outputs)
	}
	return result, nil
}

// captureBuffer accumulates a process stream's bytes under a mutex so the
// scanning goroutine and the hashing call in spawn don't race.
type captureBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (c *captureBuffer) writeLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
}

func (c *captureBuffer) hash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() == 0 {
		return ""
	}
	return cachekey.ContentHash([]byte(c.buf.String()))
}

// hashOutputs reads each declared output path (relative to workingDir)
// and returns its content hash. Missing files are omitted rather than
// failing the task: an output that a script conditionally produces is
// not itself an error.
func hashOutputs(workingDir string, outputs []string) map[string]string {
	files := make(map[string]string, len(outputs))
	for _, rel := range outputs {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, rel)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		files[rel] = cachekey.ContentHash(data)
	}
	return files
}

// streamPipe wires cmd's stdout or stderr to a line-streamed Log event
// tagged with taskName, while also accumulating
// the stream into buf so spawn can compute its content hash. It returns a
// channel closed once the pipe has been fully drained.
func (e *Executor) streamPipe(cmd *exec.Cmd, taskName string, stream eventbus.TaskStream, isStdout bool, buf *captureBuffer) chan struct{} {
	done := make(chan struct{})

	var r io.ReadCloser
	var err error
	if isStdout {
		r, err = cmd.StdoutPipe()
	} else {
		r, err = cmd.StderrPipe()
	}
	if err != nil {
		close(done)
		return done
	}

	go e.scanLines(r, taskName, stream, buf, done)
	return done
}

func (e *Executor) scanLines(r io.Reader, taskName string, stream eventbus.TaskStream, buf *captureBuffer, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		buf.writeLine(line)
		e.publish(eventbus.SystemEvent{Kind: eventbus.TaskLog, TaskName: taskName, Stream: stream, Content: line})
	}
}

func (e *Executor) enforceSecurity(def *task.Definition, auditMode bool) error {
	if auditMode {
		report := e.cfg.Enforcer.Audit(def)
		e.recordAudit(audit.LevelInfo, def.Name, map[string]interface{}{
			"security_audit": true,
			"monitored":      report.Monitored,
			"accessed_paths": report.AccessedPaths,
			"accessed_hosts": report.AccessedHosts,
			"violations":     report.Violations,
		})
		return nil
	}
	if err := e.cfg.Enforcer.Enforce(def, e.cfg.Validator); err != nil {
		e.recordAudit(audit.LevelCritical, def.Name, map[string]interface{}{"security_violation": err.Error()})
		return err
	}
	return nil
}

func (e *Executor) publish(event eventbus.SystemEvent) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(event)
}

// Executed reports whether taskName completed successfully during this
// Executor's lifetime.
func (e *Executor) Executed(taskName string) bool {
	e.executedMu.Lock()
	defer e.executedMu.Unlock()
	return e.executed[taskName]
}

func filterEnv(env map[string]string, filter []string) map[string]string {
	if len(filter) == 0 || len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(filter))
	for _, k := range filter {
		if v, ok := env[k]; ok {
			out[k] = v
		}
	}
	return out
}

func quoteArgs(args []string) string {
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		quoted = append(quoted, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(quoted, " ")
}

// Package procguard provides an RAII wrapper over a spawned child process
// that guarantees process-group termination on every exit path, including
// timeout and panic in the surrounding task.
package procguard

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// GracePeriod is how long the guard waits between SIGTERM and SIGKILL.
const GracePeriod = 5 * time.Second

// Result is the outcome of a guarded process: the child's status code if
// it exited normally, or 1 if signaled or missing.
type Result struct {
	ExitCode   int
	Signaled   bool
	TimedOut   bool
	KillSignal string
}

// Guard wraps a running *exec.Cmd whose process was placed in its own
// process group. Its zero value is not usable; construct with New.
type Guard struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	pgid     int
	released bool
	log      *zap.Logger
}

// New wraps cmd, which must already have been Start()-ed with
// SysProcAttr.Setpgid set so cmd.Process.Pid is also the process group id.
func New(cmd *exec.Cmd, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	pgid := 0
	if cmd.Process != nil {
		if pg, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
			pgid = pg
		} else {
			pgid = cmd.Process.Pid
		}
	}
	return &Guard{cmd: cmd, pgid: pgid, log: log}
}

// Release marks the guard as no longer responsible for termination,
// because the process has already been waited on successfully.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
}

// Terminate sends sig to the process group, ignoring errors from a process
// group that has already exited.
func (g *Guard) Terminate(sig syscall.Signal) {
	if g.pgid == 0 {
		return
	}
	_ = syscall.Kill(-g.pgid, sig)
}

// WaitWithTimeout waits for the wrapped command to exit, or forces
// termination when timeout elapses: SIGTERM to the process group, a grace
// period, then SIGKILL.
func (g *Guard) WaitWithTimeout(timeout time.Duration) Result {
	done := make(chan error, 1)
	go func() { done <- g.cmd.Wait() }()

	select {
	case err := <-done:
		g.Release()
		return resultFromWait(err)
	case <-time.After(timeout):
		g.log.Warn("task timed out, escalating to SIGTERM", zap.Int("pgid", g.pgid))
		g.Terminate(syscall.SIGTERM)

		select {
		case err := <-done:
			g.Release()
			r := resultFromWait(err)
			r.TimedOut = true
			return r
		case <-time.After(GracePeriod):
			g.log.Warn("task ignored SIGTERM, escalating to SIGKILL", zap.Int("pgid", g.pgid))
			g.Terminate(syscall.SIGKILL)
			<-done
			g.Release()
			return Result{ExitCode: 1, Signaled: true, TimedOut: true, KillSignal: "SIGKILL"}
		}
	}
}

func resultFromWait(err error) Result {
	if err == nil {
		return Result{ExitCode: 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return Result{ExitCode: 1}
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return Result{ExitCode: 1}
	}
	if status.Signaled() {
		return Result{ExitCode: 1, Signaled: true, KillSignal: status.Signal().String()}
	}
	return Result{ExitCode: status.ExitStatus()}
}

// Close is the RAII release path: if the process is still running it sends
// SIGTERM to the process group and waits briefly, escalating to SIGKILL.
// Intended for use in a defer immediately after New so every control-flow
// path, including a panic in the caller, releases the OS resources.
func (g *Guard) Close() error {
	g.mu.Lock()
	released := g.released
	g.mu.Unlock()
	if released {
		return nil
	}

	g.Terminate(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = g.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(GracePeriod):
		g.Terminate(syscall.SIGKILL)
		<-done
		return cueerrors.New(cueerrors.CodeTimeout, "process required SIGKILL on close").
			WithComponent("procguard").WithOperation("close")
	}
}

//go:build linux

// Package harness executes a run's build and test commands inside the
// sandbox and drives the run state machine.
//
// The runner deliberately owns its deadlines instead of handing them to
// exec.CommandContext: a context kill only reaches the direct child
// (bwrap), while a build that spawned compilers and test binaries needs
// the whole process group terminated. Every invocation therefore runs in
// its own group and is killed group-wide, SIGTERM first, SIGKILL after a
// grace period.
package harness

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/testcage/testcage/report"
)

// DefaultOutputLimit caps each captured output stream.
const DefaultOutputLimit = 512 * 1024

// DefaultKillGrace is how long a signaled process group gets to wind down
// after SIGTERM before SIGKILL.
const DefaultKillGrace = 5 * time.Second

// Launcher builds the ready-to-start command for one sandboxed
// invocation. *sandbox.Sandbox is the production implementation; the
// command must already carry its process group and credential settings.
type Launcher interface {
	Command(ctx context.Context, argv []string) (*exec.Cmd, func() error, error)
}

// ExecutionRequest describes one invocation.
type ExecutionRequest struct {
	// Phase labels the invocation in results and logs.
	Phase report.Phase

	// Argv is the command to run inside the sandbox.
	Argv []string

	// WorkDir is the working directory inside the sandbox. Empty means
	// the runner's workspace. The sandbox policy is planned once per run,
	// so a request naming any other directory is rejected.
	WorkDir string

	// Timeout kills the invocation's whole process group when exceeded.
	// Zero means no deadline.
	Timeout time.Duration
}

// Config configures a Runner.
type Config struct {
	// Launcher builds sandboxed commands. Required.
	Launcher Launcher

	// Workspace is the working directory of every invocation. Required.
	Workspace string

	// OutputLimit caps each captured stream in bytes. Zero means
	// DefaultOutputLimit.
	OutputLimit int

	// KillGrace overrides DefaultKillGrace.
	KillGrace time.Duration

	// Debugf receives execution notes. Nil disables them.
	Debugf func(format string, args ...any)
}

// Result is the outcome of a run that made it into the state machine.
type Result struct {
	State       State
	Class       report.Classification
	Invocations []report.Invocation
}

// Runner executes the build and test phases of one run against one
// sandbox.
type Runner struct {
	launcher  Launcher
	workspace string
	limit     int
	grace     time.Duration
	debugf    func(format string, args ...any)
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("harness: launcher is required")
	}
	if cfg.Workspace == "" {
		return nil, errors.New("harness: workspace is required")
	}

	r := &Runner{
		launcher:  cfg.Launcher,
		workspace: cfg.Workspace,
		limit:     cfg.OutputLimit,
		grace:     cfg.KillGrace,
		debugf:    cfg.Debugf,
	}

	if r.limit <= 0 {
		r.limit = DefaultOutputLimit
	}
	if r.grace <= 0 {
		r.grace = DefaultKillGrace
	}

	return r, nil
}

// Run executes the build phase (when build is non-nil) and then the test
// phase. Build and test outcomes, including timeouts and crashes, are
// folded into the result instead of surfacing as errors; the error return
// is reserved for infrastructure failures and context cancellation. A
// failed build ends the run without any test invocation.
func (r *Runner) Run(ctx context.Context, build, test *ExecutionRequest) (*Result, error) {
	if test == nil {
		return nil, errors.New("harness: test request is required")
	}

	res := &Result{State: StatePending}

	if build != nil {
		if err := res.advance(StateBuilding); err != nil {
			return nil, err
		}

		inv, err := r.invoke(ctx, build)
		if err != nil {
			return nil, err
		}
		res.Invocations = append(res.Invocations, inv)

		switch report.Classify(inv.Outcome()) {
		case report.Timeout:
			return res.finish(StateTimedOut)
		case report.Crashed:
			return res.finish(StateCrashed)
		case report.TestsFailed:
			return res.finish(StateBuildFailed)
		}
	}

	if err := res.advance(StateTesting); err != nil {
		return nil, err
	}

	inv, err := r.invoke(ctx, test)
	if err != nil {
		return nil, err
	}
	res.Invocations = append(res.Invocations, inv)

	switch report.Classify(inv.Outcome()) {
	case report.Timeout:
		return res.finish(StateTimedOut)
	case report.Crashed:
		return res.finish(StateCrashed)
	case report.TestsPassed:
		return res.finish(StateTestsPassed)
	default:
		return res.finish(StateTestsFailed)
	}
}

func (res *Result) advance(next State) error {
	if !res.State.CanTransition(next) {
		return internalErrorf("Run", "illegal state transition %s to %s", res.State, next)
	}

	res.State = next

	return nil
}

func (res *Result) finish(next State) (*Result, error) {
	if err := res.advance(next); err != nil {
		return nil, err
	}

	class, ok := next.Classification()
	if !ok {
		return nil, internalErrorf("Run", "finished in non-terminal state %s", next)
	}
	res.Class = class

	return res, nil
}

// invoke runs one request to completion and captures its outcome.
// Timeouts and fatal signals are recovered into the invocation, never
// returned as errors.
func (r *Runner) invoke(ctx context.Context, req *ExecutionRequest) (report.Invocation, error) {
	inv := report.Invocation{Phase: req.Phase, Argv: slices.Clone(req.Argv)}

	if len(req.Argv) == 0 {
		return inv, fmt.Errorf("harness: %s phase has no command", req.Phase)
	}
	if req.WorkDir != "" && req.WorkDir != r.workspace {
		return inv, fmt.Errorf("harness: %s phase workdir %q does not match the run workspace %q", req.Phase, req.WorkDir, r.workspace)
	}

	cmd, cleanup, err := r.launcher.Command(ctx, req.Argv)
	if err != nil {
		return inv, fmt.Errorf("building %s command: %w", req.Phase, err)
	}
	defer func() { _ = cleanup() }()

	stdout := &limitedBuffer{limit: r.limit}
	stderr := &limitedBuffer{limit: r.limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return inv, fmt.Errorf("starting %s command: %w", req.Phase, err)
	}

	r.logf("harness: %s: started %q as pid %d (timeout %s)", req.Phase, req.Argv[0], cmd.Process.Pid, req.Timeout)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-deadline:
		inv.TimedOut = true
		r.logf("harness: %s: deadline exceeded, terminating group %d", req.Phase, cmd.Process.Pid)
		waitErr = r.terminate(cmd.Process.Pid, waitCh)
	case <-ctx.Done():
		r.logf("harness: %s: canceled, terminating group %d", req.Phase, cmd.Process.Pid)
		_ = r.terminate(cmd.Process.Pid, waitCh)

		return inv, ctx.Err()
	}

	inv.DurationMS = time.Since(start).Milliseconds()
	inv.Stdout, inv.StdoutTruncated = stdout.Text(), stdout.truncated
	inv.Stderr, inv.StderrTruncated = stderr.Text(), stderr.truncated

	code, sig, infraErr := exitStatus(waitErr)
	if infraErr != nil {
		return inv, fmt.Errorf("waiting for %s command: %w", req.Phase, infraErr)
	}
	inv.ExitCode, inv.Signal = code, sig

	r.logf("harness: %s: finished in %dms (exit=%d signal=%d timedOut=%t)", req.Phase, inv.DurationMS, code, sig, inv.TimedOut)

	return inv, nil
}

// terminate kills the whole process group: SIGTERM, then SIGKILL when the
// group leader is still alive after the grace period. It returns the
// leader's wait result.
func (r *Runner) terminate(pid int, waitCh <-chan error) error {
	_ = unix.Kill(-pid, unix.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(r.grace):
	}

	_ = unix.Kill(-pid, unix.SIGKILL)

	return <-waitCh
}

// exitStatus extracts the exit code and terminating signal from a Wait
// error. The exit code is -1 when the process died to a signal, matching
// os.ProcessState.ExitCode. infraErr is set for failures that are not a
// process outcome at all.
func exitStatus(err error) (code, sig int, infraErr error) {
	if err == nil {
		return 0, 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, 0, err
	}

	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), 0, nil
	}

	if ws.Signaled() {
		return -1, int(ws.Signal()), nil
	}

	return ws.ExitStatus(), 0, nil
}

func (r *Runner) logf(format string, args ...any) {
	if r.debugf != nil {
		r.debugf(format, args...)
	}
}

func internalErrorf(op, format string, args ...any) error {
	return fmt.Errorf("harness: internal error: %s: "+format, append([]any{op}, args...)...)
}

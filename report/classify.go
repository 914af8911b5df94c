// Package report turns raw invocation outcomes into run classifications
// and process exit codes, and renders the machine-readable artifacts of a
// run: the JSON report, the append-only JSONL run log, and the optional
// WebSocket stream of run-log entries.
package report

// Classification is the terminal outcome category of a run. Every finished
// run maps to exactly one classification, and every classification maps to
// a distinct process exit code, so callers scripting around the harness can
// branch on the exit status without parsing output.
type Classification string

const (
	// TestsPassed means the build (if any) and the tests both exited zero.
	TestsPassed Classification = "tests_passed"

	// TestsFailed means the test command exited non-zero without being
	// signaled or timed out.
	TestsFailed Classification = "tests_failed"

	// BuildFailure means the build command exited non-zero; the test phase
	// never ran.
	BuildFailure Classification = "build_failure"

	// Timeout means an invocation exceeded its deadline and was killed.
	// Timeout wins over Crashed: the kill signal the harness itself sent
	// does not count as a crash.
	Timeout Classification = "timeout"

	// Crashed means an invocation was terminated by a signal it did not
	// earn from the harness (segfault, OOM kill, external kill).
	Crashed Classification = "crashed"

	// ToolchainUnavailable means the pinned toolchain binary could not be
	// located on the host.
	ToolchainUnavailable Classification = "toolchain_unavailable"

	// VersionMismatch means a toolchain binary was found but reported a
	// version other than the pinned one.
	VersionMismatch Classification = "version_mismatch"

	// SandboxSetupError means the sandbox could not be prepared or
	// launched. Nothing ran inside it.
	SandboxSetupError Classification = "sandbox_setup_error"

	// PrivilegeDropFailed means no usable unprivileged credential could be
	// resolved for an elevated harness. Nothing ran.
	PrivilegeDropFailed Classification = "privilege_drop_failed"

	// CommitFailed means the tests passed but the auto-commit of the dirty
	// workspace failed.
	CommitFailed Classification = "commit_failed"
)

// ExitCode returns the process exit code reserved for c. The codes are
// part of the CLI contract: 0 success, 10-13 setup failures, 20-23 build
// and test outcomes, 30 commit failure. Unknown classifications map to 1,
// the generic internal-error code.
func (c Classification) ExitCode() int {
	switch c {
	case TestsPassed:
		return 0
	case ToolchainUnavailable:
		return 10
	case VersionMismatch:
		return 11
	case SandboxSetupError:
		return 12
	case PrivilegeDropFailed:
		return 13
	case BuildFailure:
		return 20
	case TestsFailed:
		return 21
	case Timeout:
		return 22
	case Crashed:
		return 23
	case CommitFailed:
		return 30
	default:
		return 1
	}
}

// Outcome is the raw (exit code, signal, deadline) triple of a finished
// invocation, before classification.
type Outcome struct {
	// ExitCode is the exit status of the process. Meaningless when the
	// process was signaled.
	ExitCode int

	// Signal is the number of the signal that terminated the process, or 0
	// when it exited on its own.
	Signal int

	// TimedOut is set when the harness killed the invocation for exceeding
	// its deadline, regardless of which signal finally took it down.
	TimedOut bool
}

// Classify maps the outcome of a test invocation to its terminal
// classification. The mapping is total and ordered: a timeout beats the
// signal it was enforced with, a signal beats the exit code, and only a
// clean zero exit counts as passing.
func Classify(o Outcome) Classification {
	switch {
	case o.TimedOut:
		return Timeout
	case o.Signal != 0:
		return Crashed
	case o.ExitCode == 0:
		return TestsPassed
	default:
		return TestsFailed
	}
}

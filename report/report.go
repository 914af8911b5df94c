package report

import "time"

// Phase labels which half of a run an invocation belongs to.
type Phase string

const (
	PhaseBuild Phase = "build"
	PhaseTest  Phase = "test"
)

// Invocation records one sandboxed command execution. Output fields hold
// at most the configured capture limit per stream; the truncation flags
// say whether anything was dropped.
type Invocation struct {
	Phase    Phase    `json:"phase"`
	Argv     []string `json:"argv"`
	ExitCode int      `json:"exit_code"`
	Signal   int      `json:"signal,omitempty"`
	TimedOut bool     `json:"timed_out,omitempty"`

	// DurationMS is the wall-clock runtime in milliseconds, including the
	// grace period when the invocation had to be killed.
	DurationMS int64 `json:"duration_ms"`

	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
}

// Outcome returns the raw classification inputs of the invocation.
func (inv Invocation) Outcome() Outcome {
	return Outcome{
		ExitCode: inv.ExitCode,
		Signal:   inv.Signal,
		TimedOut: inv.TimedOut,
	}
}

// ToolchainInfo identifies the toolchain a run executed with.
type ToolchainInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Path    string `json:"path,omitempty"`

	// Installed is set when the toolchain was installed by this run rather
	// than found on the host.
	Installed bool `json:"installed,omitempty"`
}

// CommitResult records the auto-commit step. A nil *CommitResult on the
// report means the step never ran (tests did not pass, or commits were
// disabled). Committed false with an empty Err means the workspace was
// clean and there was nothing to commit.
type CommitResult struct {
	Committed bool   `json:"committed"`
	Hash      string `json:"hash,omitempty"`
	Err       string `json:"error,omitempty"`
}

// CacheEvent records one interaction with the artifact cache. Cache
// failures surface here instead of failing the run.
type CacheEvent struct {
	// Op is "restore" or "save".
	Op  string `json:"op"`
	Key string `json:"key"`

	// Hit is set on a restore that found an archive.
	Hit bool `json:"hit,omitempty"`

	// Stored is set on a save that wrote a new archive.
	Stored bool `json:"stored,omitempty"`

	Err string `json:"error,omitempty"`
}

// Report is the complete record of one run. Its JSON encoding is the
// machine contract of the --json output; the human summary rendered by the
// CLI carries no stability promise.
type Report struct {
	RunID      string         `json:"run_id"`
	Workspace  string         `json:"workspace"`
	Toolchain  ToolchainInfo  `json:"toolchain"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	State      string         `json:"state"`
	Class      Classification `json:"classification"`
	ExitCode   int            `json:"exit_code"`

	Invocations []Invocation  `json:"invocations"`
	Commit      *CommitResult `json:"commit,omitempty"`
	Cache       []CacheEvent  `json:"cache,omitempty"`
}

// Duration returns the total wall-clock time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

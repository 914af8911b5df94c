package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Sink receives every run-log entry as it is written. The run log calls
// Send from one goroutine at a time and closes a sink as soon as a Send
// fails.
type Sink interface {
	Send(entry any) error
	Close() error
}

// RunLog is an append-only JSONL record of a run's lifecycle. Each entry
// is a self-contained JSON object on its own line, synced to disk the
// moment it is written, so a crash mid-run loses at most the line being
// written and everything before it stays parseable.
//
// A nil *RunLog is safe to call and does nothing. Write and sink failures
// degrade to debug notes: the run log never fails the run it describes.
type RunLog struct {
	// Debugf receives notes about degraded writes. Nil disables them.
	Debugf func(format string, args ...any)

	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	sinks  []Sink
	closed bool
}

// OpenRunLog creates a run log appending to the JSONL file at path and
// forwarding every entry to the given sinks. An empty path means no file;
// the log then only feeds the sinks. A sink whose Send fails is closed and
// dropped for the rest of the run.
func OpenRunLog(path string, sinks ...Sink) (*RunLog, error) {
	l := &RunLog{sinks: sinks}

	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening run log %s: %w", path, err)
		}

		l.file = f
		l.enc = json.NewEncoder(f)
		l.enc.SetEscapeHTML(false)
	}

	return l, nil
}

// RunStartEntry opens every run log.
type RunStartEntry struct {
	Type      string `json:"type"`
	Time      string `json:"time"`
	RunID     string `json:"run_id"`
	Workspace string `json:"workspace"`
}

// ToolchainEntry records the resolved toolchain before the first
// invocation.
type ToolchainEntry struct {
	Type string `json:"type"`
	Time string `json:"time"`
	ToolchainInfo
}

// CacheEntry records a cache restore or save, including degraded ones.
type CacheEntry struct {
	Type string `json:"type"`
	Time string `json:"time"`
	CacheEvent
}

// InvocationEntry records a finished invocation. It carries the outcome
// but not the captured output; output belongs to the report and the
// console, not the log.
type InvocationEntry struct {
	Type            string   `json:"type"`
	Time            string   `json:"time"`
	Phase           Phase    `json:"phase"`
	Argv            []string `json:"argv"`
	ExitCode        int      `json:"exit_code"`
	Signal          int      `json:"signal,omitempty"`
	TimedOut        bool     `json:"timed_out,omitempty"`
	DurationMS      int64    `json:"duration_ms"`
	StdoutTruncated bool     `json:"stdout_truncated,omitempty"`
	StderrTruncated bool     `json:"stderr_truncated,omitempty"`
}

// CommitEntry records the auto-commit step.
type CommitEntry struct {
	Type string `json:"type"`
	Time string `json:"time"`
	CommitResult
}

// RunEndEntry closes every run log that reached a classification.
type RunEndEntry struct {
	Type       string         `json:"type"`
	Time       string         `json:"time"`
	State      string         `json:"state"`
	Class      Classification `json:"classification"`
	ExitCode   int            `json:"exit_code"`
	DurationMS int64          `json:"duration_ms"`
}

// RunStart writes the opening entry.
func (l *RunLog) RunStart(runID, workspace string) {
	l.write(RunStartEntry{
		Type:      "run_start",
		Time:      logTime(),
		RunID:     runID,
		Workspace: workspace,
	})
}

// Toolchain writes the resolved-toolchain entry.
func (l *RunLog) Toolchain(info ToolchainInfo) {
	l.write(ToolchainEntry{Type: "toolchain", Time: logTime(), ToolchainInfo: info})
}

// Cache writes a cache event entry.
func (l *RunLog) Cache(ev CacheEvent) {
	l.write(CacheEntry{Type: "cache", Time: logTime(), CacheEvent: ev})
}

// Invocation writes an invocation entry.
func (l *RunLog) Invocation(inv Invocation) {
	l.write(InvocationEntry{
		Type:            "invocation",
		Time:            logTime(),
		Phase:           inv.Phase,
		Argv:            inv.Argv,
		ExitCode:        inv.ExitCode,
		Signal:          inv.Signal,
		TimedOut:        inv.TimedOut,
		DurationMS:      inv.DurationMS,
		StdoutTruncated: inv.StdoutTruncated,
		StderrTruncated: inv.StderrTruncated,
	})
}

// Commit writes the commit entry.
func (l *RunLog) Commit(res CommitResult) {
	l.write(CommitEntry{Type: "commit", Time: logTime(), CommitResult: res})
}

// RunEnd writes the closing entry.
func (l *RunLog) RunEnd(state string, class Classification, exitCode int, duration time.Duration) {
	l.write(RunEndEntry{
		Type:       "run_end",
		Time:       logTime(),
		State:      state,
		Class:      class,
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
	})
}

// Close closes the log file and the remaining sinks. Safe to call more
// than once and on a nil log.
func (l *RunLog) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if l.file != nil {
		err = l.file.Close()
	}

	for _, s := range l.sinks {
		if s == nil {
			continue
		}
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}

func (l *RunLog) write(entry any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if l.enc != nil {
		if err := l.enc.Encode(entry); err != nil {
			l.debugf("run log: dropped entry: %v", err)
		} else if err := l.file.Sync(); err != nil {
			l.debugf("run log: sync: %v", err)
		}
	}

	for i, s := range l.sinks {
		if s == nil {
			continue
		}
		if err := s.Send(entry); err != nil {
			l.debugf("run log: sink dropped after send error: %v", err)
			_ = s.Close()
			l.sinks[i] = nil
		}
	}
}

func (l *RunLog) debugf(format string, args ...any) {
	if l.Debugf != nil {
		l.Debugf(format, args...)
	}
}

func logTime() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

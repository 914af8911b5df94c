//go:build linux

package main

import (
	"bytes"
	"errors"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// osLinux matches runtime.GOOS on Linux hosts.
const osLinux = "linux"

// builtBinary is the compiled testcage binary, built once in TestMain for
// the tests that exercise the real executable.
var builtBinary string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "testcage-test-")
	if err != nil {
		log.Fatalf("temp dir for test binary: %v", err)
	}

	builtBinary = filepath.Join(tmpDir, "testcage")

	build := exec.Command("go", "build", "-o", builtBinary, ".")
	build.Stderr = os.Stderr

	err = build.Run()
	if err != nil {
		_ = os.RemoveAll(tmpDir)

		log.Fatalf("building test binary: %v", err)
	}

	exitCode := m.Run()

	_ = os.RemoveAll(tmpDir)

	os.Exit(exitCode)
}

// binaryPath returns the path of the compiled testcage binary, skipping
// when TestMain did not build one.
func binaryPath(t *testing.T) string {
	t.Helper()

	if builtBinary == "" {
		t.Skip("test binary missing; TestMain builds it when the whole package runs")
	}

	return builtBinary
}

// runCapture runs cmd with captured output. A normal exit and a non-zero
// exit both come back as results; anything else fails the test.
func runCapture(t *testing.T, cmd *exec.Cmd) (string, string, int) {
	t.Helper()

	var out, errOut bytes.Buffer

	cmd.Stdout = &out
	cmd.Stderr = &errOut

	err := cmd.Run()

	var exitErr *exec.ExitError

	switch {
	case errors.As(err, &exitErr):
		return out.String(), errOut.String(), exitErr.ExitCode()
	case err != nil:
		t.Fatalf("running binary: %v", err)
	}

	return out.String(), errOut.String(), 0
}

// RunBinary executes the compiled testcage binary with the given args and
// the inherited environment. Returns stdout, stderr, and exit code.
func RunBinary(t *testing.T, args ...string) (string, string, int) {
	t.Helper()

	return runCapture(t, exec.Command(binaryPath(t), args...))
}

// RunBinaryWithEnv executes the compiled binary with exactly the given
// environment. PATH is filled in from the host when the map leaves it out.
func RunBinaryWithEnv(t *testing.T, env map[string]string, args ...string) (string, string, int) {
	t.Helper()

	cmd := exec.Command(binaryPath(t), args...)

	for name, value := range env {
		cmd.Env = append(cmd.Env, name+"="+value)
	}

	if _, havePath := env["PATH"]; !havePath {
		cmd.Env = append(cmd.Env, "PATH="+os.Getenv("PATH"))
	}

	return runCapture(t, cmd)
}

// ============================================================================
// Environment gates
// ============================================================================

// RequireLinux skips on any GOOS other than linux.
func RequireLinux(t *testing.T) {
	t.Helper()

	if runtime.GOOS == osLinux {
		return
	}

	t.Skipf("linux-only test, running on %s", runtime.GOOS)
}

// RequireBwrap skips when bubblewrap is missing from PATH.
func RequireBwrap(t *testing.T) {
	t.Helper()

	RequireLinux(t)

	if _, err := exec.LookPath("bwrap"); err != nil {
		t.Skip("bubblewrap (bwrap) is not on PATH")
	}
}

// RequireSandbox skips the test when bwrap cannot actually launch a
// sandbox on this kernel (e.g. unprivileged user namespaces disabled).
func RequireSandbox(t *testing.T) {
	t.Helper()

	RequireBwrap(t)

	err := exec.Command("bwrap", "--unshare-user", "--ro-bind", "/", "/", "--", "true").Run()
	if err != nil {
		t.Skipf("test requires a working bwrap sandbox: %v", err)
	}
}

// RequireGit skips unless a git binary is available.
func RequireGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git is not on PATH")
	}
}

// RequireRoot skips the test unless running as root. The privilege drop
// tests need a harness that is actually elevated.
func RequireRoot(t *testing.T) {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("test requires root (privilege drop)")
	}
}

// hostToolchainVersion probes a host binary's version line so tests can
// pin a toolchain the host actually has. Skips when the binary is missing.
func hostToolchainVersion(t *testing.T, binary string, args ...string) string {
	t.Helper()

	path, err := exec.LookPath(binary)
	if err != nil {
		t.Skipf("test requires %s, not installed", binary)
	}

	if len(args) == 0 {
		args = []string{"--version"}
	}

	out, err := exec.Command(path, args...).Output()
	if err != nil {
		t.Skipf("probing %s version failed: %v", binary, err)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		t.Skipf("probing %s version produced no output", binary)
	}

	return line
}

// ============================================================================
// In-process CLI driver
// ============================================================================

// CLI drives Run in-process against a scratch directory with a controlled
// environment map.
type CLI struct {
	t *testing.T

	// Dir is the scratch directory commands run from.
	Dir string

	// Env is the complete environment of in-process runs; mutate it
	// before calling Run.
	Env map[string]string
}

func newCLI(t *testing.T, dir string) *CLI {
	t.Helper()

	env := map[string]string{
		"HOME": dir,
		"PATH": os.Getenv("PATH"),
	}

	return &CLI{t: t, Dir: dir, Env: env}
}

// NewCLITester creates a CLI tester rooted in a fresh temp directory. HOME
// points at that directory so sandboxed commands need no extra env setup.
func NewCLITester(t *testing.T) *CLI {
	t.Helper()

	return newCLI(t, t.TempDir())
}

// NewCLITesterAt creates a CLI tester rooted in a specific directory.
func NewCLITesterAt(t *testing.T, dir string) *CLI {
	t.Helper()

	return newCLI(t, dir)
}

func (c *CLI) runFrom(dir string, args []string) (string, string, int) {
	var out, errOut bytes.Buffer

	argv := append([]string{"testcage", "--cwd", dir}, args...)
	code := Run(nil, &out, &errOut, argv, c.Env, nil)

	return out.String(), errOut.String(), code
}

// Run executes the CLI with the given args and returns stdout, stderr, and
// exit code. Args should not include "testcage" or "--cwd", those are added
// automatically.
func (c *CLI) Run(args ...string) (string, string, int) {
	return c.runFrom(c.Dir, args)
}

// RunInDir executes the CLI as if started in a specific directory.
func (c *CLI) RunInDir(dir string, args ...string) (string, string, int) {
	return c.runFrom(dir, args)
}

// RunWithSignal executes the CLI with a signal channel for cancellation
// testing. The exit code arrives on the returned channel. Output is
// discarded to avoid races with signal handler writes.
func (c *CLI) RunWithSignal(signals chan os.Signal, args ...string) <-chan int {
	exit := make(chan int, 1)

	go func() {
		argv := append([]string{"testcage", "--cwd", c.Dir}, args...)
		exit <- Run(nil, io.Discard, io.Discard, argv, c.Env, signals)
	}()

	return exit
}

// MustRun runs the CLI, requires exit 0, and returns trimmed stdout.
func (c *CLI) MustRun(args ...string) string {
	c.t.Helper()

	out, errOut, code := c.Run(args...)
	if code != 0 {
		c.t.Fatalf("run %v: exit %d\nstderr: %s", args, code, errOut)
	}

	return strings.TrimSpace(out)
}

// MustFail runs the CLI, requires a non-zero exit, and returns trimmed
// stderr.
func (c *CLI) MustFail(args ...string) string {
	c.t.Helper()

	out, errOut, code := c.Run(args...)
	if code == 0 {
		c.t.Fatalf("run %v: expected failure, got exit 0\nstdout: %s", args, out)
	}

	return strings.TrimSpace(errOut)
}

// ensureParent resolves relPath inside the test directory and creates its
// parent directories.
func (c *CLI) ensureParent(relPath string) string {
	c.t.Helper()

	path := filepath.Join(c.Dir, relPath)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		c.t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}

	return path
}

// WriteFile drops content at relPath under the test directory.
func (c *CLI) WriteFile(relPath, content string) {
	c.t.Helper()

	path := c.ensureParent(relPath)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		c.t.Fatalf("write %s: %v", relPath, err)
	}
}

// WriteExecutable writes an executable script into the test directory. The
// explicit open/write/sync/close sequence plus the short sleep sidesteps
// "text file busy" errors when the script is executed right away.
func (c *CLI) WriteExecutable(relPath, content string) {
	c.t.Helper()

	path := c.ensureParent(relPath)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		c.t.Fatalf("create %s: %v", relPath, err)
	}

	_, err = f.WriteString(content)
	if err == nil {
		err = f.Sync()
	}

	if err != nil {
		_ = f.Close()

		c.t.Fatalf("write %s: %v", relPath, err)
	}

	if err := f.Close(); err != nil {
		c.t.Fatalf("close %s: %v", relPath, err)
	}

	time.Sleep(10 * time.Millisecond)
}

// ReadFile returns the contents of relPath under the test directory.
func (c *CLI) ReadFile(relPath string) string {
	c.t.Helper()

	raw, err := os.ReadFile(filepath.Join(c.Dir, relPath))
	if err != nil {
		c.t.Fatalf("read %s: %v", relPath, err)
	}

	return string(raw)
}

// FileExists reports whether the file exists in the test directory.
func (c *CLI) FileExists(relPath string) bool {
	_, err := os.Stat(filepath.Join(c.Dir, relPath))

	return err == nil
}

// stripANSI removes ANSI color sequences (ESC[ ... m) so assertions hold
// regardless of TTY state.
func stripANSI(s string) string {
	var b strings.Builder

	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			b.WriteString(s)

			return b.String()
		}

		b.WriteString(s[:start])

		end := strings.IndexByte(s[start:], 'm')
		if end == -1 {
			b.WriteString(s[start:])

			return b.String()
		}

		s = s[start+end+1:]
	}
}

// AssertContains fails the test if content doesn't contain substr, after
// stripping ANSI codes.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(stripANSI(content), substr) {
		t.Errorf("output does not contain %q\noutput:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr, after
// stripping ANSI codes.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(stripANSI(content), substr) {
		t.Errorf("output must not contain %q\noutput:\n%s", substr, content)
	}
}

// ============================================================================
// Scratch git repositories
// ============================================================================

// GitRepo drives a throwaway git repository.
type GitRepo struct {
	t *testing.T

	// Dir is the repository root.
	Dir string
}

// NewGitRepo creates a git repository in a temp directory with a local
// identity, so commits work without any host git config.
func NewGitRepo(t *testing.T) *GitRepo {
	t.Helper()

	RequireGit(t)

	repo := &GitRepo{t: t, Dir: t.TempDir()}
	repo.run("init")
	repo.run("config", "user.name", "testcage harness")
	repo.run("config", "user.email", "harness@example.com")
	repo.run("config", "commit.gpgsign", "false")

	return repo
}

// WriteFile drops a file into the repository working tree.
func (r *GitRepo) WriteFile(relPath, content string) {
	r.t.Helper()

	dst := filepath.Join(r.Dir, relPath)

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		r.t.Fatalf("mkdir %s: %v", filepath.Dir(dst), err)
	}

	if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
		r.t.Fatalf("write %s: %v", relPath, err)
	}
}

// Commit stages everything and commits with the given message.
func (r *GitRepo) Commit(message string) {
	r.t.Helper()

	r.run("add", "--all")
	r.run("commit", "-m", message)
}

// Log returns the output of a git log invocation in the repository.
func (r *GitRepo) Log(args ...string) string {
	r.t.Helper()

	return r.stdout(append([]string{"log"}, args...)...)
}

// Status returns the porcelain status of the repository.
func (r *GitRepo) Status() string {
	r.t.Helper()

	return r.stdout("status", "--porcelain")
}

// run executes a git command, skipping the test when git itself is absent
// and failing it on any other error.
func (r *GitRepo) run(args ...string) {
	r.t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Env = cleanGitEnv()
	cmd.Dir = r.Dir

	out, err := cmd.CombinedOutput()
	if err == nil {
		return
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		r.t.Skip("git not installed")
	}

	r.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
}

// stdout executes a git command and returns its standard output alone.
func (r *GitRepo) stdout(args ...string) string {
	r.t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Env = cleanGitEnv()
	cmd.Dir = r.Dir

	output, err := cmd.Output()
	if err != nil {
		r.t.Fatalf("git %v failed: %v", args, err)
	}

	return string(output)
}

// cleanGitEnv returns os.Environ() with every GIT_* variable removed.
// Hooks, identity, and redirection variables leaking in from the parent
// process (pre-commit, CI) would otherwise steer the test repos.
func cleanGitEnv() []string {
	var kept []string

	for _, entry := range os.Environ() {
		name, _, _ := strings.Cut(entry, "=")
		if strings.HasPrefix(name, "GIT_") {
			continue
		}

		kept = append(kept, entry)
	}

	return kept
}

// ============================================================================
// Harness self-checks
// ============================================================================

func Test_BinaryPath_PointsAtExecutable(t *testing.T) {
	t.Parallel()

	bin := binaryPath(t)
	if bin == "" {
		t.Fatal("no binary path")
	}

	info, err := os.Stat(bin)
	if err != nil {
		t.Fatalf("stat %q: %v", bin, err)
	}

	if info.IsDir() {
		t.Fatalf("%q is a directory, not a binary", bin)
	}
}

func Test_RunBinary_CapturesOutput_When_HelpRequested(t *testing.T) {
	t.Parallel()

	stdout, _, code := RunBinary(t, "--help")
	if code != 0 {
		t.Errorf("--help exited %d, want 0", code)
	}

	if !strings.Contains(stdout, "testcage") {
		t.Errorf("help output does not mention testcage:\n%s", stdout)
	}
}

func Test_RunBinary_ReportsExitCode_When_CommandFails(t *testing.T) {
	t.Parallel()

	_, stderr, code := RunBinary(t, "--unknown-flag")
	if code == 0 {
		t.Error("unknown flag exited 0")
	}

	if !strings.Contains(stderr, "unknown flag") {
		t.Errorf("stderr does not name the unknown flag:\n%s", stderr)
	}
}

func Test_RunBinaryWithEnv_InjectsEnvironment(t *testing.T) {
	t.Parallel()

	// A malformed TESTCAGE_NETWORK fails config loading for any command.
	env := map[string]string{"TESTCAGE_NETWORK": "maybe"}

	_, stderr, code := RunBinaryWithEnv(t, env, "check")
	if code == 0 {
		t.Error("malformed TESTCAGE_NETWORK exited 0")
	}

	if !strings.Contains(stderr, "TESTCAGE_NETWORK") {
		t.Errorf("stderr does not mention TESTCAGE_NETWORK:\n%s", stderr)
	}
}

func Test_NewCLITester_SeedsHomeAndPath(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)

	if c.Env["HOME"] != c.Dir {
		t.Errorf("HOME = %q, want the tester dir %q", c.Env["HOME"], c.Dir)
	}

	if c.Env["PATH"] == "" {
		t.Error("PATH should be seeded from the host")
	}
}

func Test_CleanGitEnv_StripsGitVariables(t *testing.T) {
	t.Setenv("GIT_AUTHOR_NAME", "leaked")

	for _, kv := range cleanGitEnv() {
		if strings.HasPrefix(kv, "GIT_AUTHOR_NAME=") {
			t.Fatalf("GIT_AUTHOR_NAME survived cleanGitEnv: %s", kv)
		}
	}
}

func Test_StripANSI_Removes_Color_Codes(t *testing.T) {
	t.Parallel()

	in := "\033[31merror:\033[0m boom"
	if got := stripANSI(in); got != "error: boom" {
		t.Errorf("stripANSI(%q) = %q, want %q", in, got, "error: boom")
	}
}

// The Require helpers must pass through when their precondition holds;
// each case re-checks the precondition itself before calling the helper.
func Test_Require_Helpers_Pass_When_Precondition_Holds(t *testing.T) {
	t.Parallel()

	t.Run("linux", func(t *testing.T) {
		t.Parallel()

		if runtime.GOOS != osLinux {
			t.Skip("not on Linux")
		}

		RequireLinux(t)
	})

	t.Run("git", func(t *testing.T) {
		t.Parallel()

		if _, err := exec.LookPath("git"); err != nil {
			t.Skip("git not installed")
		}

		RequireGit(t)
	})

	t.Run("bwrap", func(t *testing.T) {
		t.Parallel()

		if runtime.GOOS != osLinux {
			t.Skip("not on Linux")
		}

		if _, err := exec.LookPath("bwrap"); err != nil {
			t.Skip("bwrap not installed")
		}

		RequireBwrap(t)
	})
}

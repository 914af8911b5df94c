//go:build linux

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/testcage/testcage/autocommit"
	"github.com/testcage/testcage/buildcache"
	"github.com/testcage/testcage/harness"
	"github.com/testcage/testcage/report"
	"github.com/testcage/testcage/sandbox"
	"github.com/testcage/testcage/toolchain"
)

// Platform prerequisites checked before any run starts.
var (
	// ErrNotLinux rejects every platform without bubblewrap and namespaces.
	ErrNotLinux = errors.New("testcage requires Linux")
	// ErrBwrapNotFound means the bubblewrap binary is missing from PATH.
	ErrBwrapNotFound = errors.New("bwrap not found in PATH (install bubblewrap, e.g. sudo apt install bubblewrap)")
	// ErrHomeMissing means no usable home directory could be resolved.
	ErrHomeMissing = errors.New("cannot resolve home directory")
	// ErrHomeNotDirectory means the resolved home path is not a directory.
	ErrHomeNotDirectory = errors.New("home path is not a directory")
)

// defaultCommitMessage is used when the manifest does not configure one.
// The run id is appended as a Run-Id trailer either way.
const defaultCommitMessage = "testcage: automated commit"

// RunCmd creates the run command: the full build-and-test pipeline.
func RunCmd(cfg *Config, env map[string]string) *Command {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.String("manifest", "", "Use specified manifest `file`")
	flags.String("toolchain", "", "Override the toolchain `name`")
	flags.String("toolchain-version", "", "Override the pinned toolchain `version`")
	flags.Duration("build-timeout", 0, "Build phase timeout")
	flags.Duration("test-timeout", 0, "Test phase timeout")
	flags.Int("output-limit", 0, "Captured output cap per stream in `bytes`")
	flags.Bool("network", false, "Enable network access in the sandbox")
	flags.String("run-as", "", "Run sandboxed commands as `user`")
	flags.Bool("no-drop", false, "Skip the privilege drop (keep the harness credential)")
	flags.Bool("no-commit", false, "Skip the auto-commit step")
	flags.Bool("no-cache", false, "Skip artifact cache restore and save")
	flags.Bool("install", false, "Install the pinned toolchain before resolving it")
	flags.StringArray("env-file", nil, "Dotenv `file` merged into the sandbox environment (repeatable)")
	flags.Bool("json", false, "Print the report as JSON instead of the human summary")
	flags.String("log-file", "", "Append the JSONL run log to `file`")
	flags.String("stream-url", "", "Stream run log entries to a WebSocket `url`")
	flags.Bool("dry-run", false, "Print the resolved run plan without executing anything")
	flags.Bool("debug", false, "Print run startup details to stderr")

	return &Command{
		Flags:   flags,
		Usage:   "run [flags] [dir]",
		Short:   "Run build + tests in the sandbox",
		Long: "Run the manifest's build and test commands inside the bubblewrap sandbox\n" +
			"with the pinned toolchain, classify the outcome, and auto-commit workspace\n" +
			"changes when the tests pass. The optional dir argument selects the\n" +
			"workspace (default: current directory). The exit code conveys the result:\n" +
			"0 tests passed, 10 toolchain unavailable, 11 version mismatch, 12 sandbox\n" +
			"setup error, 13 privilege drop failed, 20 build failure, 21 tests failed,\n" +
			"22 timeout, 23 crashed, 30 commit failed.",
		Aliases: []string{},
		Exec: func(ctx context.Context, _ io.Reader, stdout, stderr io.Writer, args []string) error {
			debugEnabled, _ := flags.GetBool("debug")

			var debugSink io.Writer
			if debugEnabled || cfg.Debug {
				debugSink = stderr
			}

			debug := NewDebugLogger(debugSink)

			if len(args) > 1 {
				return fmt.Errorf("too many arguments: %v (run takes at most a workspace dir)", args)
			}

			workspace := cfg.EffectiveCwd
			if len(args) == 1 {
				workspace = args[0]
				if !filepath.IsAbs(workspace) {
					workspace = filepath.Join(cfg.EffectiveCwd, workspace)
				}
			}

			return executeRun(ctx, &runInput{
				cfg:       cfg,
				env:       env,
				flags:     flags,
				workspace: workspace,
				stdout:    stdout,
				stderr:    stderr,
				debug:     debug,
			})
		},
	}
}

// runInput bundles what executeRun needs.
type runInput struct {
	cfg       *Config
	env       map[string]string
	flags     *flag.FlagSet
	workspace string
	stdout    io.Writer
	stderr    io.Writer
	debug     *DebugLogger
}

// runSettings is the flattened, precedence-resolved view of one run:
// defaults, then config file, then environment, then manifest, then flags.
type runSettings struct {
	Toolchain toolchain.Spec

	BuildCommand []string
	TestCommand  []string
	BuildTimeout time.Duration
	TestTimeout  time.Duration
	OutputLimit  int

	Network      bool
	ExposeDocker bool
	Ro           []string
	Rw           []string
	ExcludePaths []string

	RunAs  string
	NoDrop bool

	EnvPass  []string
	EnvSet   map[string]string
	EnvFiles []string

	NoCache    bool
	CacheDir   string
	CachePaths []string
	KeyFiles   []string

	NoCommit      bool
	CommitMessage string

	Install   bool
	DryRun    bool
	JSON      bool
	LogFile   string
	StreamURL string
}

// resolveRunSettings merges the configuration layers for one run.
func resolveRunSettings(cfg *Config, manifest *Manifest, flags *flag.FlagSet, env map[string]string) (*runSettings, error) {
	s := &runSettings{
		BuildCommand:  manifest.Build.Command,
		TestCommand:   manifest.Test.Command,
		BuildTimeout:  cfg.BuildTimeout.Std(),
		TestTimeout:   cfg.TestTimeout.Std(),
		OutputLimit:   cfg.OutputLimit,
		Ro:            manifest.Sandbox.Ro,
		Rw:            manifest.Sandbox.Rw,
		ExcludePaths:  manifest.Sandbox.Exclude,
		RunAs:         cfg.RunAs,
		EnvPass:       manifest.Env.Pass,
		EnvSet:        manifest.Env.Set,
		CachePaths:    manifest.Cache.Paths,
		KeyFiles:      manifest.Cache.KeyFiles,
		CommitMessage: manifest.Commit.Message,
		LogFile:       cfg.LogFile,
		StreamURL:     cfg.StreamURL,
	}

	// Toolchain: the manifest's pin wins over the environment's default;
	// flags override both.
	s.Toolchain = toolchain.Spec{
		Name:        manifest.Toolchain.Name,
		Version:     manifest.Toolchain.Version,
		Binary:      manifest.Toolchain.Binary,
		VersionArgs: manifest.Toolchain.VersionArgs,
		InstallRoot: manifest.Toolchain.InstallRoot,
		Installer:   manifest.Toolchain.Installer,
	}

	if s.Toolchain.Name == "" {
		s.Toolchain.Name = cfg.Toolchain
	}

	if s.Toolchain.Version == "" {
		s.Toolchain.Version = cfg.ToolchainVersion
	}

	if v, _ := flags.GetString("toolchain"); v != "" {
		s.Toolchain.Name = v
	}

	if v, _ := flags.GetString("toolchain-version"); v != "" {
		s.Toolchain.Version = v
	}

	if manifest.Build.Timeout > 0 {
		s.BuildTimeout = manifest.Build.Timeout.Std()
	}

	if manifest.Test.Timeout > 0 {
		s.TestTimeout = manifest.Test.Timeout.Std()
	}

	if flags.Changed("build-timeout") {
		s.BuildTimeout, _ = flags.GetDuration("build-timeout")
	}

	if flags.Changed("test-timeout") {
		s.TestTimeout, _ = flags.GetDuration("test-timeout")
	}

	if flags.Changed("output-limit") {
		s.OutputLimit, _ = flags.GetInt("output-limit")
	}

	// Network is default-deny; every layer may only make the opt-in
	// explicit.
	if cfg.Network != nil {
		s.Network = *cfg.Network
	}

	if manifest.Sandbox.Network != nil {
		s.Network = *manifest.Sandbox.Network
	}

	if flags.Changed("network") {
		s.Network, _ = flags.GetBool("network")
	}

	if manifest.Sandbox.ExposeDocker != nil {
		s.ExposeDocker = *manifest.Sandbox.ExposeDocker
	}

	if v, _ := flags.GetString("run-as"); v != "" {
		s.RunAs = v
	}

	if v, _ := flags.GetString("log-file"); v != "" {
		s.LogFile = v
	}

	if v, _ := flags.GetString("stream-url"); v != "" {
		s.StreamURL = v
	}

	if s.CommitMessage == "" {
		s.CommitMessage = defaultCommitMessage
	}

	s.NoDrop, _ = flags.GetBool("no-drop")
	s.NoCommit, _ = flags.GetBool("no-commit")
	s.NoCache, _ = flags.GetBool("no-cache")
	s.Install, _ = flags.GetBool("install")
	s.DryRun, _ = flags.GetBool("dry-run")
	s.JSON, _ = flags.GetBool("json")
	s.EnvFiles, _ = flags.GetStringArray("env-file")

	cacheDir, err := defaultCacheDir(cfg.CacheDir, env)
	if err != nil {
		return nil, err
	}

	s.CacheDir = cacheDir

	return s, nil
}

// executeRun is the pipeline behind `testcage run`.
func executeRun(ctx context.Context, in *runInput) error {
	startedAt := time.Now().UTC()
	runID := uuid.NewString()

	// 1. Platform validation
	err := checkHostSupport()
	if err != nil {
		return &ExitCodeError{Code: report.SandboxSetupError.ExitCode(), Err: err}
	}

	// 2. Load the project manifest
	manifestPath, _ := in.flags.GetString("manifest")

	manifest, manifestPath, err := LoadManifest(in.workspace, manifestPath)
	if err != nil {
		return err
	}

	debugConfigLoading(in.debug, in.cfg, manifestPath)

	// 3. Resolve the layered settings for this run
	settings, err := resolveRunSettings(in.cfg, manifest, in.flags, in.env)
	if err != nil {
		return err
	}

	debugRunSettings(in.debug, settings)

	// 4. Validate the automation identity before any work happens. The
	// identity is only needed when the commit step can run at all.
	identity := autocommit.Identity{
		AuthorName:     in.cfg.Identity.AuthorName,
		AuthorEmail:    in.cfg.Identity.AuthorEmail,
		CommitterName:  in.cfg.Identity.CommitterName,
		CommitterEmail: in.cfg.Identity.CommitterEmail,
	}

	workspaceRepo := autocommit.NewRepository(in.workspace)
	commitEligible := !settings.NoCommit && workspaceRepo.IsRepo(ctx)

	if commitEligible {
		err = identity.Validate()
		if err != nil {
			return fmt.Errorf("automation identity incomplete (set TESTCAGE_AUTHOR_NAME/TESTCAGE_AUTHOR_EMAIL or use --no-commit): %w", err)
		}
	}

	// 5. Open the run log and stream sink (not for dry runs)
	var runLog *report.RunLog

	if !settings.DryRun {
		var sinks []report.Sink

		if settings.StreamURL != "" {
			sink, dialErr := report.DialStream(ctx, settings.StreamURL)
			if dialErr != nil {
				// Streaming is best-effort; a dead endpoint never fails the run.
				in.debug.Logf("stream sink unavailable: %v", dialErr)
			} else {
				sinks = append(sinks, sink)
			}
		}

		runLog, err = report.OpenRunLog(settings.LogFile, sinks...)
		if err != nil {
			return err
		}

		runLog.Debugf = in.debug.Debugf()

		defer func() {
			_ = runLog.Close()
		}()

		runLog.RunStart(runID, in.workspace)
	}

	// setupFailure reports a failure that happened before the state
	// machine started: the run never left Pending.
	setupFailure := func(class report.Classification, failure error) error {
		runLog.RunEnd(string(harness.StatePending), class, class.ExitCode(), time.Since(startedAt))

		return &ExitCodeError{Code: class.ExitCode(), Err: failure}
	}

	// 6. Resolve (or install) the pinned toolchain. Pin verification
	// happens before anything else touches the workspace.
	settings.Toolchain.Debugf = in.debug.Debugf()

	tc, installed, err := resolveToolchain(ctx, settings.Toolchain, settings.Install)
	if err != nil {
		return setupFailure(classifyToolchainError(err), err)
	}

	toolchainInfo := report.ToolchainInfo{
		Name:      tc.Spec.Name,
		Version:   tc.Spec.Version,
		Path:      tc.Path,
		Installed: installed,
	}

	runLog.Toolchain(toolchainInfo)

	// 7. Per-run temp dir with the scratch home the sandbox sees as /tmp
	runTemp, err := os.MkdirTemp("", "testcage-run-")
	if err != nil {
		return setupFailure(report.SandboxSetupError, fmt.Errorf("creating run temp dir: %w", err))
	}

	defer func() {
		_ = os.RemoveAll(runTemp)
	}()

	_, scratchHome, err := harness.ScratchHome(runTemp)
	if err != nil {
		return setupFailure(report.SandboxSetupError, err)
	}

	// 8. Credential for the privilege drop (fail closed when elevated)
	cred, err := resolveCredential(settings.RunAs, settings.NoDrop)
	if err != nil {
		return setupFailure(report.PrivilegeDropFailed, err)
	}

	if cred != nil {
		in.debug.Logf("dropping to %s (uid %d, gid %d)", cred.Username, cred.Uid, cred.Gid)
	}

	// 9. Assemble the explicit environment allowlist
	envSet, err := mergeEnvFiles(settings.EnvSet, settings.EnvFiles, in.workspace)
	if err != nil {
		return err
	}

	allowlist := harness.EnvSpec{
		ToolchainBin: tc.BinDir,
		Home:         scratchHome,
		Pass:         settings.EnvPass,
		Set:          envSet,
	}.Build(func(name string) (string, bool) {
		v, ok := in.env[name]

		return v, ok
	})

	// 10. Construct the sandbox; its policy is fixed from here on
	homeDir, err := resolveHomeDir(in.env)
	if err != nil {
		return setupFailure(report.SandboxSetupError, err)
	}

	sbx, err := buildSandbox(settings, cred, runTemp, in.workspace, homeDir, allowlist, in.debug)
	if err != nil {
		return setupFailure(report.SandboxSetupError, err)
	}

	debugSandboxArgs(ctx, in.debug, sbx, settings.TestCommand)

	// 11. Dry-run: print the plan and stop before touching anything
	if settings.DryRun {
		return printDryRun(ctx, in.stdout, sbx, settings, toolchainInfo, cred, allowlist, in.workspace)
	}

	// 12. Restore cached artifacts before the workspace handover so
	// restored files are re-owned along with everything else
	var cacheEvents []report.CacheEvent

	recordCache := func(ev report.CacheEvent) {
		cacheEvents = append(cacheEvents, ev)
		runLog.Cache(ev)
	}

	cache, cacheKey := openCache(ctx, settings, tc, in.workspace, in.debug, recordCache)

	// 13. Workspace handover to the dropped credential
	if cred != nil {
		err = harness.ChownTree(in.workspace, cred)
		if err != nil {
			return setupFailure(report.SandboxSetupError, err)
		}

		err = harness.ChownTree(runTemp, cred)
		if err != nil {
			return setupFailure(report.SandboxSetupError, err)
		}
	}

	// 14. Build phase, then test phase
	runner, err := harness.NewRunner(harness.Config{
		Launcher:    sbx,
		Workspace:   in.workspace,
		OutputLimit: settings.OutputLimit,
		Debugf:      in.debug.Debugf(),
	})
	if err != nil {
		return setupFailure(report.SandboxSetupError, err)
	}

	var buildReq *harness.ExecutionRequest

	if len(settings.BuildCommand) > 0 {
		buildReq = &harness.ExecutionRequest{
			Phase:   report.PhaseBuild,
			Argv:    settings.BuildCommand,
			Timeout: settings.BuildTimeout,
		}
	}

	testReq := &harness.ExecutionRequest{
		Phase:   report.PhaseTest,
		Argv:    settings.TestCommand,
		Timeout: settings.TestTimeout,
	}

	res, err := runner.Run(ctx, buildReq, testReq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("run cancelled: %w", ctx.Err())
		}

		return setupFailure(report.SandboxSetupError, err)
	}

	for _, inv := range res.Invocations {
		runLog.Invocation(inv)
	}

	exitCode := res.Class.ExitCode()

	// 15. Save artifacts for the next run
	if cache != nil && res.Class == report.TestsPassed {
		stored, saveErr := cache.Save(ctx, cacheKey, in.workspace, settings.CachePaths)

		ev := report.CacheEvent{Op: "save", Key: cacheKey, Stored: stored}
		if saveErr != nil {
			ev.Err = saveErr.Error()
		}

		recordCache(ev)
	}

	// 16. Auto-commit workspace changes under the automation identity
	var commitRes *report.CommitResult

	if res.Class == report.TestsPassed && commitEligible {
		commitRes = commitWorkspace(ctx, workspaceRepo, identity, settings.CommitMessage, runID)
		runLog.Commit(*commitRes)

		// A commit failure flips the exit code but never rewrites the
		// run's classification.
		if commitRes.Err != "" {
			exitCode = report.CommitFailed.ExitCode()
		}
	}

	// 17. Report
	rep := &report.Report{
		RunID:       runID,
		Workspace:   in.workspace,
		Toolchain:   toolchainInfo,
		StartedAt:   startedAt,
		FinishedAt:  time.Now().UTC(),
		State:       string(res.State),
		Class:       res.Class,
		ExitCode:    exitCode,
		Invocations: res.Invocations,
		Commit:      commitRes,
		Cache:       cacheEvents,
	}

	runLog.RunEnd(rep.State, rep.Class, rep.ExitCode, rep.Duration())

	if settings.JSON {
		err = renderJSON(in.stdout, rep)
	} else {
		renderHuman(in.stdout, in.stderr, rep)
	}

	if err != nil {
		return err
	}

	if exitCode != 0 {
		return NewExitCodeError(exitCode)
	}

	return nil
}

// checkHostSupport verifies the pieces a sandboxed run cannot work without.
func checkHostSupport() error {
	if runtime.GOOS != "linux" {
		return ErrNotLinux
	}

	if _, err := exec.LookPath("bwrap"); err != nil {
		return ErrBwrapNotFound
	}

	return nil
}

// resolveToolchain resolves the pinned toolchain, installing it first when
// requested. The bool reports whether an install ran.
func resolveToolchain(ctx context.Context, spec toolchain.Spec, install bool) (*toolchain.Toolchain, bool, error) {
	if install {
		tc, err := spec.Install(ctx)

		return tc, err == nil, err
	}

	tc, err := spec.Resolve(ctx)

	return tc, false, err
}

// classifyToolchainError maps a toolchain failure to its run classification.
func classifyToolchainError(err error) report.Classification {
	mismatch := &toolchain.MismatchError{}
	if errors.As(err, &mismatch) {
		return report.VersionMismatch
	}

	return report.ToolchainUnavailable
}

// resolveCredential decides which credential sandboxed commands run as.
// Fail closed: an elevated harness must drop unless --no-drop was given
// explicitly; a non-root harness cannot switch users at all.
func resolveCredential(runAs string, noDrop bool) (*sandbox.Credential, error) {
	if noDrop {
		return nil, nil
	}

	if os.Getuid() != 0 {
		if runAs != "" {
			return nil, fmt.Errorf("run_as %q requires an elevated harness (only root can switch users)", runAs)
		}

		return nil, nil
	}

	return sandbox.ResolveRunAs(runAs)
}

// mergeEnvFiles overlays dotenv files (in order) onto the manifest's
// literal env set. Files given on the command line win over the manifest.
func mergeEnvFiles(set map[string]string, files []string, workspace string) (map[string]string, error) {
	merged := make(map[string]string, len(set))
	maps.Copy(merged, set)

	for _, file := range files {
		path := file
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspace, path)
		}

		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", file, err)
		}

		maps.Copy(merged, vars)
	}

	return merged, nil
}

// buildSandbox constructs the run's sandbox from the resolved settings.
func buildSandbox(settings *runSettings, cred *sandbox.Credential, runTemp, workspace, homeDir string, allowlist map[string]string, debug *DebugLogger) (*sandbox.Sandbox, error) {
	mounts := []sandbox.Mount{sandbox.RW(workspace)}

	for _, path := range settings.Ro {
		mounts = append(mounts, sandbox.RO(path))
	}

	for _, path := range settings.Rw {
		mounts = append(mounts, sandbox.RW(path))
	}

	for _, path := range settings.ExcludePaths {
		mounts = append(mounts, sandbox.Exclude(path))
	}

	return sandbox.NewWithEnvironment(&sandbox.Config{
		Network: sandbox.Bool(settings.Network),
		Docker:  sandbox.Bool(settings.ExposeDocker),
		TempDir: runTemp,
		RunAs:   cred,
		Debugf:  debug.Debugf(),
		Filesystem: sandbox.Filesystem{
			Mounts: mounts,
		},
	}, sandbox.Environment{
		HomeDir: homeDir,
		WorkDir: workspace,
		HostEnv: allowlist,
	})
}

// openCache opens the artifact cache and restores the keyed entry.
// Cache trouble of any kind degrades to a recorded event and a cold
// build; it never fails the run. A nil return disables the save step.
func openCache(ctx context.Context, settings *runSettings, tc *toolchain.Toolchain, workspace string, debug *DebugLogger, record func(report.CacheEvent)) (*buildcache.Cache, string) {
	if settings.NoCache || len(settings.CachePaths) == 0 {
		return nil, ""
	}

	cache, err := buildcache.Open(settings.CacheDir)
	if err != nil {
		record(report.CacheEvent{Op: "restore", Err: err.Error()})

		return nil, ""
	}

	cache.Debugf = debug.Debugf()

	keyFiles, err := buildcache.ReadKeyFiles(workspace, settings.KeyFiles)
	if err != nil {
		record(report.CacheEvent{Op: "restore", Err: err.Error()})

		return nil, ""
	}

	key := buildcache.Key(tc.Spec.Name, tc.Spec.Version, keyFiles)

	hit, err := cache.Restore(ctx, key, workspace, settings.CachePaths)

	ev := report.CacheEvent{Op: "restore", Key: key, Hit: hit}
	if err != nil {
		ev.Err = err.Error()
	}

	record(ev)

	return cache, key
}

// commitWorkspace runs the identity-scoped commit step. A clean tree is a
// success that commits nothing.
func commitWorkspace(ctx context.Context, repo *autocommit.Repository, id autocommit.Identity, message, runID string) *report.CommitResult {
	res := &report.CommitResult{}

	dirty, err := repo.IsDirty(ctx)
	if err != nil {
		res.Err = err.Error()

		return res
	}

	if !dirty {
		return res
	}

	hash, err := repo.CommitAll(ctx, id, autocommit.WithRunID(message, runID))
	if err != nil {
		res.Err = err.Error()

		return res
	}

	res.Committed = true
	res.Hash = hash

	return res
}

// resolveHomeDir picks the home directory for the run: $HOME from the host
// environment when set, the OS account database otherwise. Whatever wins must
// exist and be a directory.
func resolveHomeDir(env map[string]string) (string, error) {
	home := env["HOME"]
	from := "$HOME"

	if home == "" {
		var err error

		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: %w (set $HOME)", ErrHomeMissing, err)
		}

		from = "fallback"
	}

	info, err := os.Stat(home)
	if err != nil {
		return "", fmt.Errorf("%w: %s (%s) does not exist: %w", ErrHomeMissing, home, from, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s (%s)", ErrHomeNotDirectory, home, from)
	}

	return home, nil
}

// debugRunSettings outputs the resolved settings for this run.
func debugRunSettings(debug *DebugLogger, settings *runSettings) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Run Settings")
	debug.Setting("toolchain", settings.Toolchain.Name+" "+settings.Toolchain.Version, "merged")
	debug.Setting("network", settings.Network, "merged")
	debug.Setting("build timeout", settings.BuildTimeout, "merged")
	debug.Setting("test timeout", settings.TestTimeout, "merged")

	if len(settings.BuildCommand) > 0 {
		debug.Logf("  build command: %v", settings.BuildCommand)
	} else {
		debug.Logf("  build command: (none, straight to tests)")
	}

	debug.Logf("  test command: %v", settings.TestCommand)

	if len(settings.CachePaths) > 0 && !settings.NoCache {
		debug.Logf("  cache paths:")

		for _, path := range settings.CachePaths {
			debug.Bulletf("%s", path)
		}
	}
}

// debugSandboxArgs prints the bwrap argv of the test phase, one flag per
// line. The throwaway command exists only to materialize the argv.
func debugSandboxArgs(ctx context.Context, debug *DebugLogger, sbx *sandbox.Sandbox, argv []string) {
	if !debug.Enabled() {
		return
	}

	cmd, cleanup, err := sbx.Command(ctx, argv)
	if err != nil {
		debug.Logf("sandbox argv unavailable: %v", err)

		return
	}

	defer func() {
		_ = cleanup()
	}()

	debug.Section("Sandbox Arguments")
	debug.BwrapArgs(cmd.Args[1:])
}

// printDryRun prints the resolved run plan: toolchain, policy, environment
// allowlist, and the exact bwrap argv of the test phase. The output is
// shell-compatible for manual reproduction.
func printDryRun(ctx context.Context, output io.Writer, sbx *sandbox.Sandbox, settings *runSettings, tc report.ToolchainInfo, cred *sandbox.Credential, allowlist map[string]string, workspace string) error {
	fprintf(output, "workspace: %s\n", workspace)
	fprintf(output, "toolchain: %s %s (%s)\n", tc.Name, tc.Version, tc.Path)

	network := "disabled"
	if settings.Network {
		network = "enabled"
	}

	fprintf(output, "network:   %s\n", network)

	if cred != nil {
		fprintf(output, "run-as:    %s (uid %d, gid %d)\n", cred.Username, cred.Uid, cred.Gid)
	} else {
		fprintf(output, "run-as:    (no privilege drop)\n")
	}

	fprintln(output)
	fprintln(output, "environment:")

	for _, key := range slices.Sorted(maps.Keys(allowlist)) {
		fprintf(output, "  %s=%s\n", key, allowlist[key])
	}

	cmd, cleanup, err := sbx.Command(ctx, settings.TestCommand)
	if err != nil {
		return err
	}

	defer func() {
		_ = cleanup()
	}()

	fprintln(output)
	fprintln(output, "test phase command:")
	printSandboxCommand(output, cmd.Args, settings.TestCommand)

	return nil
}

// printSandboxCommand renders argv as a pasteable shell command, one bwrap
// flag or value per continuation line, with the user command after the --.
func printSandboxCommand(w io.Writer, fullArgs, command []string) {
	fprintf(w, "%s \\\n", fullArgs[0])

	for _, arg := range fullArgs[1 : len(fullArgs)-len(command)-1] {
		fprintf(w, "  %s \\\n", shellQuote(arg))
	}

	fprintf(w, "  --")

	for _, arg := range command {
		fprintf(w, " %s", shellQuote(arg))
	}

	fprintln(w)
}

// shellQuote returns arg single-quoted whenever it holds characters a shell
// would interpret, so the printed command survives a copy-paste.
func shellQuote(arg string) string {
	if strings.ContainsFunc(arg, shellUnsafe) {
		return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
	}

	return arg
}

// shellUnsafe reports whether c needs quoting in a POSIX shell word.
func shellUnsafe(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return false
	}

	return !strings.ContainsRune("-_./:=", c)
}

// renderJSON writes the machine-readable report to stdout.
func renderJSON(output io.Writer, rep *report.Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	fprintf(output, "%s\n", data)

	return nil
}

// renderHuman replays the captured invocation output and prints a short
// summary. The summary format carries no stability promise; machine
// consumers use --json or the run log.
func renderHuman(stdout, stderr io.Writer, rep *report.Report) {
	for _, inv := range rep.Invocations {
		if inv.Stdout != "" {
			fprintf(stdout, "%s", inv.Stdout)
		}

		if inv.Stderr != "" {
			fprintf(stderr, "%s", inv.Stderr)
		}
	}

	fprintln(stdout)
	fprintf(stdout, "run %s: %s (exit %d)\n", rep.RunID, rep.Class, rep.ExitCode)

	for _, inv := range rep.Invocations {
		outcome := "ok"

		switch {
		case inv.TimedOut:
			outcome = "timed out"
		case inv.Signal != 0:
			outcome = fmt.Sprintf("killed by signal %d", inv.Signal)
		case inv.ExitCode != 0:
			outcome = fmt.Sprintf("exit %d", inv.ExitCode)
		}

		fprintf(stdout, "  %s: %s in %s\n", inv.Phase, outcome, (time.Duration(inv.DurationMS) * time.Millisecond).Round(time.Millisecond))
	}

	if rep.Commit != nil {
		switch {
		case rep.Commit.Err != "":
			fprintf(stdout, "  commit: failed: %s\n", rep.Commit.Err)
		case rep.Commit.Committed:
			fprintf(stdout, "  commit: %s\n", rep.Commit.Hash)
		default:
			fprintf(stdout, "  commit: workspace clean, nothing to commit\n")
		}
	}

	for _, ev := range rep.Cache {
		switch {
		case ev.Err != "":
			fprintf(stdout, "  cache %s: error: %s\n", ev.Op, ev.Err)
		case ev.Op == "restore" && ev.Hit:
			fprintf(stdout, "  cache restore: hit\n")
		case ev.Op == "restore":
			fprintf(stdout, "  cache restore: miss\n")
		case ev.Op == "save" && ev.Stored:
			fprintf(stdout, "  cache save: stored\n")
		}
	}
}

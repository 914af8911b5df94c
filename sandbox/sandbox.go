//go:build linux

// Package sandbox builds commands that run inside a bubblewrap (bwrap)
// filesystem sandbox.
//
// The package never executes anything itself. It turns a [Config] and an
// [Environment] into an unstarted *exec.Cmd running `bwrap ... -- <argv>`;
// starting, timing out and reaping the command is the caller's job. The
// harness uses one Sandbox per run phase and owns the process lifecycle.
//
// Linux only (see the build tag), and `bwrap` must be in PATH at run time.
//
// # Construction is planning
//
// New and NewWithEnvironment validate the caller's input and do all
// filesystem-dependent work up front: preset expansion, repo discovery, glob
// expansion, symlink resolution, docker socket lookup. The resulting Sandbox
// is a snapshot; every command built from it sees the identical mount plan,
// and mutating the original Config afterwards changes nothing. Construct a
// fresh Sandbox when the host state it derives from may have moved.
//
// # Closed by default
//
// A zero Config denies everything optional: own network, PID, IPC, UTS and
// user namespaces via --unshare-all, no host network, docker socket masked.
// Network access is a per-run opt-in.
//
// # Privilege drop
//
// With [Config.RunAs] set, every command switches to that credential at
// fork/exec through [syscall.SysProcAttr]. The kernel applies it before the
// child runs; at no point does sandboxed code execute with the harness's
// uid.
//
// # Security note
//
// The sandbox constrains accidental and casual access by build and test
// commands. It is not a hardened boundary against a hostile payload; the
// real guarantees come from bubblewrap and the kernel, and they end where
// the configured policy ends.
package sandbox

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
)

// Sandbox is an immutable mount plan plus the environment commands run in.
//
// Safe for concurrent use. Each [Sandbox.Command] call may allocate
// per-invocation resources; callers must run the returned cleanup once they
// are done with the command, even if it never started.
//
// Must not be copied after first use.
type Sandbox struct {
	noCopy noCopy

	// snap is the validated copy of the caller's Config and Environment.
	// Nil only for a zero-value Sandbox.
	snap *snapshot

	// plan is the bwrap argv derived from snap at construction.
	plan *argvPlan
}

// snapshot is the validated, deep-copied input a Sandbox was built from.
type snapshot struct {
	cfg Config
	env Environment

	// environ is env.HostEnv flattened to sorted KEY=VALUE form, ready for
	// exec.Cmd.
	environ []string
}

// New builds a Sandbox from the current process's environment
// (see [DefaultEnvironment]).
func New(cfg *Config) (*Sandbox, error) {
	env, err := DefaultEnvironment()
	if err != nil {
		return nil, fmt.Errorf("sandbox: capturing process environment: %w", err)
	}

	return NewWithEnvironment(cfg, env)
}

// NewWithEnvironment builds a Sandbox from an explicit environment.
//
// The harness passes a constructed environment allowlist here instead of the
// raw host environment; tests use it to pin HOME and the working directory.
// Both cfg and env are deep-copied, so later changes to the caller's values
// do not leak in.
func NewWithEnvironment(cfg *Config, env Environment) (*Sandbox, error) {
	snap := snapshot{cfg: cloneConfig(cfg), env: cloneEnvironment(env)}

	err := checkConfig(&snap.cfg, snap.env)
	if err != nil {
		return nil, fmt.Errorf("sandbox: invalid configuration: %w", err)
	}

	snap.environ = sortedEnviron(snap.env.HostEnv)

	plan, err := planArgv(&snap)
	if err != nil {
		return nil, fmt.Errorf("sandbox: planning mounts: %w", err)
	}

	return &Sandbox{snap: &snap, plan: plan}, nil
}

// DefaultEnvironment snapshots the calling process: working directory,
// home directory and environment variables.
func DefaultEnvironment() (Environment, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return Environment{}, fmt.Errorf("resolve working directory: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Environment{}, fmt.Errorf("resolve home directory: %w", err)
	}

	return Environment{HomeDir: homeDir, WorkDir: workDir, HostEnv: environMap(os.Environ())}, nil
}

// environMap converts KEY=VALUE pairs into a map. Entries without a "="
// or with an empty key are dropped.
func environMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))

	for _, kv := range environ {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			out[key] = value
		}
	}

	return out
}

// Config selects what the sandbox allows.
//
// The zero value is the closed default: no network, docker socket masked,
// host root filesystem read-only, default presets. Config carries no file or
// flag parsing; callers assemble a final Config and hand it over.
//
// Errors that depend on the host filesystem (missing mount sources, globs
// that match nothing) surface from [New] / [NewWithEnvironment].
type Config struct {
	// Network shares the host network namespace when true. Nil means false.
	// Builds that need a package registry must opt in.
	Network *bool

	// Docker exposes the docker socket when true. Nil means false.
	//
	// A mount is emitted either way: the resolved socket bound read-write
	// when enabled, /dev/null over the socket path when not.
	Docker *bool

	// BaseFS picks the root filesystem: the host root read-only (default)
	// or an empty tmpfs.
	BaseFS BaseFS

	// Filesystem holds the policy and direct mounts.
	Filesystem Filesystem

	// RunAs switches commands to this credential at fork/exec. Nil keeps
	// the calling process's credential; a harness running as root must set
	// it (see [ResolveRunAs]).
	RunAs *Credential

	// TempDir, when set, is bind-mounted at /tmp with TMPDIR pointed there,
	// normalizing temp paths regardless of the host's TMPDIR.
	TempDir string

	// Debugf receives planning and command-construction debug lines.
	// It must be safe to call from any goroutine.
	Debugf Debugf
}

// Bool is a convenience for Config's optional bool fields.
func Bool(v bool) *bool {
	return &v
}

// BaseFS selects how the sandbox root is assembled.
//
// The default, BaseFSHost, begins with the host root visible read-only
// and lets policy mounts refine it. BaseFSEmpty instead begins with a
// bare tmpfs where nothing exists until mounted; running a dynamically
// linked toolchain then means bringing in the loader and libraries by
// hand:
//
//	sandbox.Config{
//		BaseFS: sandbox.BaseFSEmpty,
//		Filesystem: sandbox.Filesystem{
//			Presets: []string{"!@all"}, // no implicit mounts
//			Mounts: []sandbox.Mount{
//				sandbox.RO("/lib"),
//				sandbox.RO("/lib64"),
//				sandbox.RO("/usr"),
//				sandbox.RW("."), // the workspace stays writable
//			},
//		},
//	}
//
// Policy mounts resolve against the host under either root, which is why
// the example turns the preset bundle off; left on, it would bind host
// config files back into the empty root.
type BaseFS string

const (
	// BaseFSHost starts from the host root, bind-mounted read-only at "/".
	BaseFSHost BaseFS = "host"

	// BaseFSEmpty starts from an empty tmpfs at "/".
	BaseFSEmpty BaseFS = "empty"
)

// Filesystem holds the mount configuration.
//
// Policy mounts (from RO/RW/Exclude and their Try variants) take absolute,
// relative, "~" or glob patterns and are resolved against the host during
// planning. Each resolved host path is mounted at the same absolute path
// inside the sandbox, which after symlink resolution may differ from what
// was written (/var/run vs /run). Direct mounts (RoBind, Bind, Tmpfs, Dir,
// RoBindData) take the destination literally and are emitted after the
// policy mounts.
//
// When several policy rules land on one resolved path: a literal path beats
// a glob match, otherwise the later mount wins. Preset mounts sort before
// caller mounts, so callers win ties. There is no ranking between RO, RW and
// Exclude beyond that; a later RW deliberately re-exposes an excluded path.
type Filesystem struct {
	// Presets are named rule bundles ("@base", "@git", ...). Nil means the
	// default set (@all); an explicit empty slice means none.
	Presets []string

	// Mounts apply after the presets, in order.
	Mounts []Mount
}

// Debugf receives debug lines from planning and command construction.
type Debugf func(format string, args ...any)

func cloneConfig(cfg *Config) Config {
	out := *cfg

	out.Network = cloneBool(cfg.Network)
	out.Docker = cloneBool(cfg.Docker)
	out.Filesystem.Presets = slices.Clone(cfg.Filesystem.Presets)
	out.Filesystem.Mounts = slices.Clone(cfg.Filesystem.Mounts)

	if cfg.RunAs != nil {
		cred := *cfg.RunAs
		cred.Groups = slices.Clone(cfg.RunAs.Groups)
		out.RunAs = &cred
	}

	return out
}

func cloneBool(p *bool) *bool {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}

func cloneEnvironment(env Environment) Environment {
	out := env
	out.HostEnv = make(map[string]string, len(env.HostEnv))
	maps.Copy(out.HostEnv, env.HostEnv)

	return out
}

// noCopy trips `go vet` on accidental copies.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// internalErrorf marks a bug in this package rather than bad caller input.
// op names the step that hit the inconsistency.
func internalErrorf(op, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	if op != "" {
		detail = op + ": " + detail
	}

	return fmt.Errorf("sandbox: internal error: %s", detail)
}

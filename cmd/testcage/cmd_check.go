//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/testcage/testcage/sandbox"
	"github.com/testcage/testcage/toolchain"
)

// smokeProbeTimeout bounds the bwrap smoke probe so a wedged bwrap cannot
// hang the check.
const smokeProbeTimeout = 5 * time.Second

// CheckCmd creates the check command: a host capability report.
func CheckCmd(cfg *Config, _ map[string]string) *Command {
	flags := flag.NewFlagSet("check", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("quiet", "q", false, "Quiet mode, no output")

	return &Command{
		Flags:   flags,
		Usage:   "check [flags]",
		Short:   "Check whether this host can run sandboxed tests",
		Long: "Probe the host for everything a run needs: bubblewrap, user\n" +
			"namespaces, git, an unprivileged credential when elevated, and the\n" +
			"manifest's pinned toolchain when a manifest is present.\n" +
			"Exits 0 if a run could proceed, 1 otherwise.",
		Aliases: []string{},
		Exec: func(ctx context.Context, _ io.Reader, stdout, _ io.Writer, _ []string) error {
			quiet, _ := flags.GetBool("quiet")

			out := stdout
			if quiet {
				out = io.Discard
			}

			ok := runChecks(ctx, out, cfg)

			if !ok {
				if quiet {
					return NewExitCodeError(1)
				}

				fprintln(stdout)
				fprintln(stdout, "verdict: a run would NOT proceed on this host")

				return ErrSilentExit
			}

			if !quiet {
				fprintln(stdout)
				fprintln(stdout, "verdict: ready")
			}

			return nil
		},
	}
}

// checkResult is one probed capability.
type checkResult struct {
	label string
	value string

	// fatal marks a failed capability a run cannot proceed without.
	// Informational rows leave it false even when degraded.
	fatal bool
}

// runChecks probes every capability and prints one aligned row per probe.
// It returns true when a run could proceed.
func runChecks(ctx context.Context, out io.Writer, cfg *Config) bool {
	var results []checkResult

	results = append(results, checkResult{label: "os", value: runtime.GOOS + "/" + runtime.GOARCH, fatal: runtime.GOOS != "linux"})
	results = append(results, checkBwrap(ctx))
	results = append(results, checkUserNamespaces())
	results = append(results, checkSmokeProbe(ctx))
	results = append(results, checkGit(ctx))
	results = append(results, checkCredential(cfg.RunAs)...)
	results = append(results, checkToolchain(ctx, cfg)...)

	ok := true

	for _, r := range results {
		status := "ok"
		if r.fatal {
			status = "FAIL"
			ok = false
		}

		fprintf(out, "%-16s %-4s %s\n", r.label+":", status, r.value)
	}

	return ok
}

func checkBwrap(ctx context.Context) checkResult {
	path, err := exec.LookPath("bwrap")
	if err != nil {
		return checkResult{label: "bwrap", value: "not found in PATH (try: sudo apt install bubblewrap)", fatal: true}
	}

	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return checkResult{label: "bwrap", value: path + " (version probe failed)", fatal: true}
	}

	return checkResult{label: "bwrap", value: strings.TrimSpace(out.String()) + " at " + path}
}

// checkUserNamespaces reads the Debian-style userns sysctl. The file does
// not exist on most distributions, which means the feature is enabled.
func checkUserNamespaces() checkResult {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if errors.Is(err, os.ErrNotExist) {
		return checkResult{label: "user namespaces", value: "enabled"}
	}

	if err != nil {
		return checkResult{label: "user namespaces", value: "unknown (" + err.Error() + ")"}
	}

	if strings.TrimSpace(string(data)) == "0" {
		return checkResult{label: "user namespaces", value: "disabled (sysctl kernel.unprivileged_userns_clone=0)", fatal: true}
	}

	return checkResult{label: "user namespaces", value: "enabled"}
}

// checkSmokeProbe runs a trivial command under bwrap. Whatever the other
// probes say, this is the one that proves a sandbox can actually launch on
// this kernel.
func checkSmokeProbe(ctx context.Context) checkResult {
	ctx, cancel := context.WithTimeout(ctx, smokeProbeTimeout)
	defer cancel()

	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, "bwrap", "--unshare-user", "--ro-bind", "/", "/", "--", "true")
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(out.String())
		if detail == "" {
			detail = err.Error()
		}

		return checkResult{label: "sandbox probe", value: "failed: " + detail, fatal: true}
	}

	return checkResult{label: "sandbox probe", value: "launched and exited cleanly"}
}

func checkGit(ctx context.Context) checkResult {
	path, err := exec.LookPath("git")
	if err != nil {
		// Runs without a repo work fine; the commit step just never runs.
		return checkResult{label: "git", value: "not found (auto-commit unavailable)"}
	}

	var out bytes.Buffer

	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return checkResult{label: "git", value: path + " (version probe failed)"}
	}

	return checkResult{label: "git", value: strings.TrimSpace(out.String())}
}

// checkCredential reports the uid and, for an elevated harness, whether an
// unprivileged drop target resolves.
func checkCredential(runAs string) []checkResult {
	uid := os.Getuid()
	results := []checkResult{{label: "uid", value: fmt.Sprintf("%d", uid)}}

	if uid != 0 {
		results = append(results, checkResult{label: "drop user", value: "not needed (harness is unprivileged)"})

		return results
	}

	cred, err := sandbox.ResolveRunAs(runAs)
	if err != nil {
		return append(results, checkResult{label: "drop user", value: err.Error(), fatal: true})
	}

	return append(results, checkResult{
		label: "drop user",
		value: fmt.Sprintf("%s (uid %d, gid %d)", cred.Username, cred.Uid, cred.Gid),
	})
}

// checkToolchain resolves the manifest's pin when a manifest exists. No
// manifest is fine for check; a manifest whose pin does not resolve is not.
func checkToolchain(ctx context.Context, cfg *Config) []checkResult {
	manifest, _, err := LoadManifest(cfg.EffectiveCwd, "")
	if errors.Is(err, ErrNoManifest) {
		return []checkResult{{label: "toolchain", value: "no manifest here, nothing to verify"}}
	}

	if err != nil {
		return []checkResult{{label: "toolchain", value: err.Error(), fatal: true}}
	}

	spec := toolchainSpecFrom(cfg, manifest)

	tc, err := spec.Resolve(ctx)
	if err != nil {
		return []checkResult{{label: "toolchain", value: err.Error(), fatal: true}}
	}

	return []checkResult{{
		label: "toolchain",
		value: fmt.Sprintf("%s %s at %s", tc.Spec.Name, tc.Spec.Version, tc.Path),
	}}
}

// toolchainSpecFrom builds the toolchain spec from the manifest with the
// environment's defaults filled in, the same way a run resolves it.
func toolchainSpecFrom(cfg *Config, manifest *Manifest) toolchain.Spec {
	spec := toolchain.Spec{
		Name:        manifest.Toolchain.Name,
		Version:     manifest.Toolchain.Version,
		Binary:      manifest.Toolchain.Binary,
		VersionArgs: manifest.Toolchain.VersionArgs,
		InstallRoot: manifest.Toolchain.InstallRoot,
		Installer:   manifest.Toolchain.Installer,
	}

	if spec.Name == "" {
		spec.Name = cfg.Toolchain
	}

	if spec.Version == "" {
		spec.Version = cfg.ToolchainVersion
	}

	return spec
}

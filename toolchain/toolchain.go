// Package toolchain pins and verifies the toolchain a run executes with.
//
// A run never proceeds on whatever compiler happens to be first on PATH: a
// Spec names an exact version, Resolve proves the host actually has it,
// and Install can materialize it when the host does not. Both failure
// modes are distinguishable, because "the binary is missing" and "the
// binary is the wrong version" call for different fixes.
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/testcage/testcage/internal/lockfile"
)

// ErrUnavailable reports that the pinned toolchain binary could not be
// located or installed on this host.
var ErrUnavailable = errors.New("toolchain unavailable")

// MismatchError reports that a binary was found but identifies as a
// version other than the pinned one.
type MismatchError struct {
	Name string
	Path string
	Want string

	// Got is the first line of the version probe output.
	Got string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s at %s reports %q, pinned to %q", e.Name, e.Path, e.Got, e.Want)
}

// Spec pins one toolchain.
type Spec struct {
	// Name identifies the toolchain ("go", "rust", "node").
	Name string

	// Version is the exact version string the probe output must contain.
	// Never a range, never "latest".
	Version string

	// Binary is the executable to probe. Defaults to Name.
	Binary string

	// VersionArgs is the argv suffix that makes the binary print its
	// version. Defaults to ["--version"].
	VersionArgs []string

	// InstallRoot is an optional directory consulted before PATH:
	// <InstallRoot>/bin/<Binary> first, then <InstallRoot>/<Binary>. It is
	// also where the install lock lives.
	InstallRoot string

	// Installer is the argv that installs the pinned version. The
	// installer runs with TESTCAGE_INSTALL_ROOT and
	// TESTCAGE_TOOLCHAIN_VERSION exported so one script can serve several
	// pins. Empty means the harness cannot install this toolchain.
	Installer []string

	// Debugf receives resolution notes. Nil disables them.
	Debugf func(format string, args ...any)
}

// Toolchain is a resolved, version-verified toolchain.
type Toolchain struct {
	Spec Spec

	// Path is the absolute path of the verified binary.
	Path string

	// BinDir is the directory the harness prepends to the sandbox PATH.
	BinDir string
}

// Validate checks that the spec is complete enough to resolve.
func (s Spec) Validate() error {
	var errs []error

	if s.Name == "" {
		errs = append(errs, errors.New("toolchain name is required"))
	}
	if s.Version == "" {
		errs = append(errs, errors.New("toolchain version is required (pin an exact version)"))
	}

	return errors.Join(errs...)
}

// Resolve locates the pinned binary and verifies its version. The install
// root is consulted before PATH so a harness-managed install shadows
// whatever the host image ships. Missing binary → ErrUnavailable; wrong
// version → *MismatchError.
func (s Spec) Resolve(ctx context.Context) (*Toolchain, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	path, err := s.locate()
	if err != nil {
		return nil, err
	}

	out, err := s.probeVersion(ctx, path)
	if err != nil {
		return nil, err
	}

	if !strings.Contains(out, s.Version) {
		return nil, &MismatchError{Name: s.Name, Path: path, Want: s.Version, Got: firstLine(out)}
	}

	s.debugf("toolchain: %s %s verified at %s", s.Name, s.Version, path)

	return &Toolchain{Spec: s, Path: path, BinDir: filepath.Dir(path)}, nil
}

// Install runs the configured installer and re-resolves to prove the pin
// actually materialized. Installs into one root are serialized across
// processes; when another process finishes the install first, the
// installer is skipped.
func (s Spec) Install(ctx context.Context) (*Toolchain, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	if len(s.Installer) == 0 {
		return nil, fmt.Errorf("%s %s has no installer configured (set toolchain.installer in the manifest or install it manually): %w", s.Name, s.Version, ErrUnavailable)
	}
	if s.InstallRoot == "" {
		return nil, fmt.Errorf("%s: installer configured without an install root", s.Name)
	}

	if err := os.MkdirAll(s.InstallRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating install root: %w", err)
	}

	unlock, err := lockfile.Lock(ctx, filepath.Join(s.InstallRoot, ".install.lock"))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Another process may have finished this install while we waited on
	// the lock.
	if tc, err := s.Resolve(ctx); err == nil {
		s.debugf("toolchain: %s %s already installed at %s", s.Name, s.Version, tc.Path)
		return tc, nil
	}

	s.debugf("toolchain: installing %s %s via %q", s.Name, s.Version, s.Installer)

	cmd := exec.CommandContext(ctx, s.Installer[0], s.Installer[1:]...)
	cmd.Env = append(os.Environ(),
		"TESTCAGE_INSTALL_ROOT="+s.InstallRoot,
		"TESTCAGE_TOOLCHAIN_VERSION="+s.Version,
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("installer %q: %w (output: %s)", s.Installer[0], err, strings.TrimSpace(out.String()))
	}

	return s.Resolve(ctx)
}

func (s Spec) binary() string {
	if s.Binary != "" {
		return s.Binary
	}

	return s.Name
}

func (s Spec) versionArgs() []string {
	if len(s.VersionArgs) > 0 {
		return s.VersionArgs
	}

	return []string{"--version"}
}

func (s Spec) locate() (string, error) {
	if s.InstallRoot != "" {
		for _, candidate := range []string{
			filepath.Join(s.InstallRoot, "bin", s.binary()),
			filepath.Join(s.InstallRoot, s.binary()),
		} {
			if isExecutableFile(candidate) {
				return candidate, nil
			}
		}
	}

	path, err := exec.LookPath(s.binary())
	if err != nil {
		return "", fmt.Errorf("binary %q not found in install root or PATH: %w", s.binary(), ErrUnavailable)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	return abs, nil
}

func (s Spec) probeVersion(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, path, s.versionArgs()...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("version probe %q failed: %w (output: %s): %w",
			append([]string{path}, s.versionArgs()...), err, strings.TrimSpace(out.String()), ErrUnavailable)
	}

	return out.String(), nil
}

func (s Spec) debugf(format string, args ...any) {
	if s.Debugf != nil {
		s.Debugf(format, args...)
	}
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")

	return strings.TrimSpace(line)
}

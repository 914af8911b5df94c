//go:build linux

package harness

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/testcage/testcage/sandbox"
)

// DefaultPath is the fixed base PATH of every sandboxed invocation. The
// host's own PATH never leaks into the sandbox; the toolchain bin dir is
// prepended to this.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// scratchHomeName is the directory created under the run temp dir and
// seen as /tmp/<name> inside the sandbox.
const scratchHomeName = "home"

// EnvSpec assembles the environment allowlist of a run. Sandboxed
// commands never inherit the full host environment; they get exactly what
// Build returns.
type EnvSpec struct {
	// ToolchainBin is prepended to the base PATH.
	ToolchainBin string

	// Home is the in-sandbox HOME, normally the scratch home.
	Home string

	// Pass names host variables copied into the sandbox when set.
	Pass []string

	// Set maps literal variables. Set wins over everything, including the
	// defaults.
	Set map[string]string
}

// Build assembles the final allowlist. lookup resolves Pass names; pass
// os.LookupEnv outside tests.
func (s EnvSpec) Build(lookup func(string) (string, bool)) map[string]string {
	env := map[string]string{
		"PATH":   DefaultPath,
		"TMPDIR": "/tmp",
	}

	if s.ToolchainBin != "" {
		env["PATH"] = s.ToolchainBin + ":" + DefaultPath
	}
	if s.Home != "" {
		env["HOME"] = s.Home
	}

	for _, name := range s.Pass {
		if v, ok := lookup(name); ok {
			env[name] = v
		}
	}

	for k, v := range s.Set {
		env[k] = v
	}

	return env
}

// ScratchHome creates the per-run home directory under the run temp dir.
// The temp dir is bind-mounted at /tmp inside the sandbox, so the home
// the sandboxed process sees is always /tmp/home: toolchain caches and
// rc-file lookups land there and die with the run instead of touching the
// real home or dirtying the workspace.
func ScratchHome(runTemp string) (hostPath, sandboxPath string, err error) {
	hostPath = filepath.Join(runTemp, scratchHomeName)

	if err := os.Mkdir(hostPath, 0o755); err != nil {
		return "", "", fmt.Errorf("creating scratch home: %w", err)
	}

	return hostPath, "/tmp/" + scratchHomeName, nil
}

// ChownTree hands every file under root to the credential, so a dropped
// build can write to a tree the harness user created. Symlinks are
// re-owned, not followed.
func ChownTree(root string, cred *sandbox.Credential) error {
	uid, gid := int(cred.Uid), int(cred.Gid)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := os.Lchown(path, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("handing %s to %s: %w", root, cred.Username, err)
	}

	return nil
}

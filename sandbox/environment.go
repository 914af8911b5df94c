//go:build linux

package sandbox

import (
	"maps"
	"slices"
)

// Environment is the host context a sandbox resolves paths against and the
// environment its commands inherit.
type Environment struct {
	// HomeDir expands "~" in mount patterns and anchors the home presets.
	HomeDir string

	// WorkDir anchors relative mount patterns and becomes the working
	// directory inside the sandbox.
	WorkDir string

	// HostEnv is the complete environment of sandboxed commands; nothing
	// else leaks in. Callers wanting an allowlist pass exactly the
	// variables they trust. Nil behaves as empty.
	HostEnv map[string]string
}

// sortedEnviron flattens env into sorted KEY=VALUE form for exec.Cmd. The
// result is never nil; a nil cmd.Env would make the child inherit the
// harness environment.
func sortedEnviron(env map[string]string) []string {
	out := make([]string, 0, len(env))

	for _, key := range slices.Sorted(maps.Keys(env)) {
		out = append(out, key+"="+env[key])
	}

	return out
}

//go:build linux

package sandbox

// Host-integration mounts: fixes for host filesystem quirks the sandbox
// would otherwise break.
//
// DNS: systemd-resolved hosts symlink /etc/resolv.conf into /run, which the
// sandbox replaces with a fresh tmpfs. The symlink target's parent directory
// is bound back in so name resolution keeps working when the network is
// enabled.
//
// Docker: the socket is masked unless explicitly enabled. A mount is emitted
// in both directions (bind the socket in, or cover it with /dev/null) rather
// than relying on the socket happening to live under the replaced /run.
import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvConfBinds returns the bwrap args that keep DNS working when
// /etc/resolv.conf points into the replaced /run. Returns nil whenever the
// host layout doesn't need the fix.
func resolvConfBinds(debugf Debugf) []string {
	const resolvConf = "/etc/resolv.conf"

	link, err := os.Readlink(resolvConf)
	if err != nil {
		return nil
	}

	target := link
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(resolvConf), target)
	}

	target = filepath.Clean(target)
	if !strings.HasPrefix(target, "/run/") {
		return nil
	}

	// Bind only the target's parent, never the whole host /run.
	parent := filepath.Dir(target)
	if parent == "/" || parent == "/run" {
		return nil
	}

	info, err := os.Stat(parent)
	if err != nil || !info.IsDir() {
		return nil
	}

	if debugf != nil {
		debugf("resolv: %s -> %q, binding %q", resolvConf, target, parent)
	}

	return []string{
		"--dir", parent,
		"--ro-bind", parent, parent,
	}
}

// dockerSocketOps emits the docker socket mount: the resolved socket bound
// read-write when enabled, /dev/null over the socket path when not.
func dockerSocketOps(enabled bool, hostEnv map[string]string, debugf Debugf) (opList, error) {
	socket := socketFromDockerHost(hostEnv)
	if socket == "" {
		socket = "/var/run/docker.sock"
	}

	if debugf != nil {
		debugf("docker: enabled=%t socket=%q", enabled, socket)
	}

	socket = filepath.Clean(socket)
	if !filepath.IsAbs(socket) {
		if enabled {
			return opList{}, fmt.Errorf("docker socket not found: %q is not absolute", socket)
		}

		// Malformed DOCKER_HOST with docker disabled: still mask the default
		// location.
		socket = "/var/run/docker.sock"
	}

	// Mount at the symlink-resolved destination. /var/run is typically a
	// symlink to /run, and bwrap can refuse to create targets under
	// symlinked directories.
	dst := socket

	if dir, err := filepath.EvalSymlinks(filepath.Dir(socket)); err == nil && filepath.IsAbs(dir) {
		dst = filepath.Clean(filepath.Join(dir, filepath.Base(socket)))
	}

	depth := pathDepth(dst)
	if depth > maxMountDepth {
		return opList{}, fmt.Errorf("docker socket path %q is too deeply nested (%d)", dst, depth)
	}

	if !enabled {
		if debugf != nil {
			debugf("docker: masking %q", dst)
		}

		// /dev/null over the socket path works whether or not the socket
		// currently exists.
		op := mountOp{m: Mount{Kind: MountRoBind, Src: "/dev/null", Dst: dst}, depth: depth}

		return opList{ops: []mountOp{op}}, nil
	}

	resolved, err := filepath.EvalSymlinks(socket)
	if err != nil {
		return opList{}, fmt.Errorf("docker socket not found: %q: %w", socket, err)
	}

	_, err = os.Stat(resolved)
	if err != nil {
		return opList{}, fmt.Errorf("docker socket not found: %q: %w", resolved, err)
	}

	if debugf != nil {
		debugf("docker: exposing %q at %q", resolved, dst)
	}

	op := mountOp{m: Mount{Kind: MountBind, Src: resolved, Dst: dst}, depth: depth}

	return opList{ops: []mountOp{op}}, nil
}

// socketFromDockerHost extracts a unix socket path from DOCKER_HOST, if any.
func socketFromDockerHost(hostEnv map[string]string) string {
	host := hostEnv["DOCKER_HOST"]

	// "unix:///x" names the absolute path /x.
	if strings.HasPrefix(host, "unix:///") {
		return strings.TrimPrefix(host, "unix://")
	}

	// "unix:/x" is the short form of the same thing.
	if rest, ok := strings.CutPrefix(host, "unix:"); ok && strings.HasPrefix(rest, "/") {
		return rest
	}

	return ""
}

//go:build linux

package sandbox

// Planning turns a validated Config+Environment into the exact bwrap argument
// list a run will use. Everything that touches the host filesystem (tilde and
// glob expansion, symlink resolution, repo discovery) happens here, once, at
// Sandbox construction. Command() only substitutes per-invocation resources
// into the finished argv.
import (
	"cmp"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// maxMountDepth bounds how deeply nested a mount destination may be.
const maxMountDepth = 32767

// argvPlan is the product of planning, shared by every command built from one
// Sandbox.
type argvPlan struct {
	// args is the bwrap argument list up to (not including) the "--" separator.
	args []string

	// maskFD is set when the argv contains the mask-file token. Command()
	// opens an always-empty file, inherits it into the child, and substitutes
	// the token with the child-side FD number.
	maskFD bool

	// chmods are applied via --chmod after every mount is in place.
	chmods []chmodOp
}

type chmodOp struct {
	dst  string
	mode os.FileMode
}

// mountOp is one concrete mount operation, annotated with the destination
// depth used for ordering.
type mountOp struct {
	m     Mount
	depth int
}

// opList is an ordered batch of mount operations.
type opList struct {
	ops []mountOp

	// maskFD is set when an operation references the mask-file token.
	maskFD bool
}

// The mask file used for file exclusions is opened per command. During
// planning its FD slot holds a sentinel, rendered into the argv as a token
// that Command() later replaces with the real child FD.
const (
	maskFDSentinel = -1
	maskFDToken    = "\x00TESTCAGE_EMPTYDATAFD\x00"
)

// expandUserPath turns a caller-supplied path into an absolute, cleaned host
// path. "~" expands to the home directory, relative paths resolve against the
// working directory.
func expandUserPath(env Environment, path string) string {
	switch {
	case path == "":
		return ""
	case path == "~":
		path = env.HomeDir
	case strings.HasPrefix(path, "~/"):
		path = filepath.Join(env.HomeDir, path[2:])
	case !filepath.IsAbs(path):
		path = filepath.Join(env.WorkDir, path)
	}

	return filepath.Clean(path)
}

func pathDepth(path string) int {
	switch cleaned := filepath.Clean(path); cleaned {
	case "/":
		return 0
	default:
		return strings.Count(cleaned, "/")
	}
}

// argvBuilder accumulates the bwrap argv in emission order.
type argvBuilder struct {
	cfg Config
	env Environment
	out argvPlan
}

func (b *argvBuilder) debugf(format string, args ...any) {
	if b.cfg.Debugf != nil {
		b.cfg.Debugf("sandbox(plan): "+format, args...)
	}
}

func (b *argvBuilder) emit(parts ...string) {
	b.out.args = append(b.out.args, parts...)
}

// addOps renders a batch of mount operations into argv form.
func (b *argvBuilder) addOps(l opList) error {
	for _, op := range l.ops {
		if op.m.Kind == MountDir && op.m.Perms != 0 {
			b.out.chmods = append(b.out.chmods, chmodOp{dst: op.m.Dst, mode: op.m.Perms})
		}

		args, err := argsForMount(op.m)
		if err != nil {
			return fmt.Errorf("mount %s src=%q dst=%q: %w", kindLabel(op.m.Kind), op.m.Src, op.m.Dst, err)
		}

		b.emit(args...)
	}

	if l.maskFD {
		b.out.maskFD = true
	}

	return nil
}

// planArgv assembles the complete bwrap argument list.
//
// Emission order matters: the root filesystem first, then the kernel
// filesystems and the fresh /run, then host-integration fixes, then policy
// mounts (shallow to deep), direct mounts, and finally the docker socket
// mount so caller mounts cannot re-expose the socket.
func planArgv(snap *snapshot) (*argvPlan, error) {
	b := &argvBuilder{cfg: snap.cfg, env: snap.env}
	b.out.args = make([]string, 0, 64)

	b.emit("--die-with-parent", "--unshare-all")

	// --unshare-all already detached the network namespace; sharing the
	// host's requires the explicit opt-in.
	network := snap.cfg.Network != nil && *snap.cfg.Network
	if network {
		b.emit("--share-net")
	}

	docker := snap.cfg.Docker != nil && *snap.cfg.Docker

	root := snap.cfg.BaseFS
	if root == "" {
		root = BaseFSHost
	}

	b.debugf("workdir=%q home=%q root=%q network=%t docker=%t", b.env.WorkDir, b.env.HomeDir, root, network, docker)

	switch root {
	case BaseFSHost:
		b.emit("--ro-bind", "/", "/")
	case BaseFSEmpty:
		b.emit("--tmpfs", "/")
	default:
		// Already validated at construction.
		return nil, internalErrorf("planArgv", "unknown BaseFS %q", root)
	}

	b.emit("--dev", "/dev")
	b.emit("--proc", "/proc")
	b.emit("--tmpfs", "/run")

	// The fresh /run breaks /etc/resolv.conf symlinks on systemd-resolved
	// hosts. Only worth fixing when the sandbox can reach the network at all.
	if network {
		b.emit(resolvConfBinds(b.debugf)...)
	}

	// Bind the host temp dir early so later policy mounts can still refine
	// paths under /tmp.
	if snap.cfg.TempDir != "" {
		b.debugf("tmp: %q -> /tmp", snap.cfg.TempDir)
		b.emit("--bind", snap.cfg.TempDir, "/tmp")
		b.emit("--setenv", "TMPDIR", "/tmp")
	}

	presetMounts, err := expandPresets(snap.cfg.Filesystem.Presets, snap.env)
	if err != nil {
		return nil, err
	}

	// Caller mounts come after preset mounts so they win ties.
	merged := append(slices.Clone(presetMounts), snap.cfg.Filesystem.Mounts...)
	policy, direct := splitPolicy(merged)

	b.debugf("mounts: presets=%d caller=%d policy=%d direct=%d", len(presetMounts), len(snap.cfg.Filesystem.Mounts), len(policy), len(direct))

	rules, err := resolvePolicy(policy, snap.env, b.debugf)
	if err != nil {
		return nil, err
	}

	ops, err := materialize(rules)
	if err != nil {
		return nil, err
	}

	err = b.addOps(ops)
	if err != nil {
		return nil, err
	}

	if len(direct) > 0 {
		directOps, err := materializeDirect(direct)
		if err != nil {
			return nil, err
		}

		err = b.addOps(directOps)
		if err != nil {
			return nil, err
		}
	}

	dockerOps, err := dockerSocketOps(docker, snap.env.HostEnv, b.debugf)
	if err != nil {
		return nil, err
	}

	err = b.addOps(dockerOps)
	if err != nil {
		return nil, err
	}

	b.emit("--chdir", b.env.WorkDir)

	return &b.out, nil
}

// fsRule is a policy mount after expansion: one absolute, symlink-free host
// path plus the metadata precedence needs.
type fsRule struct {
	// path is the resolved host path; it doubles as the sandbox destination.
	path  string
	order int
	depth int
	kind  MountKind

	// try selects the *-try bwrap flag variants.
	try bool

	// literal is false when the rule came out of a glob expansion.
	literal bool

	dir bool
}

// ruleTable holds at most one winning rule per resolved path.
type ruleTable map[string]fsRule

func (t ruleTable) put(r fsRule) {
	prev, ok := t[r.path]
	if !ok || wins(r, prev) {
		t[r.path] = r
	}
}

// wins reports whether a displaces b for the same path. A literal path beats
// a glob match regardless of order; between equals the later mount wins.
func wins(a, b fsRule) bool {
	if a.literal != b.literal {
		return a.literal
	}

	return a.order > b.order
}

// resolveStats counts what expansion skipped, for debug output.
type resolveStats struct {
	missing  int
	noMatch  int
	examples []string
}

func (st *resolveStats) skipMissing(path string) {
	st.missing++

	if len(st.examples) < 5 {
		st.examples = append(st.examples, path)
	}
}

func (st *resolveStats) report(debugf Debugf, total, kept int) {
	if debugf == nil {
		return
	}

	debugf("policy: %d mounts -> %d rules (missing=%d globNoMatch=%d)", total, kept, st.missing, st.noMatch)

	if len(st.examples) > 0 {
		debugf("policy: skipped missing %q", st.examples)
	}
}

// resolvePolicy expands policy mounts against the host filesystem and keeps
// the winning rule per resolved path.
//
// Missing paths and empty glob expansions are errors for strict kinds and
// silently skipped for the Try kinds.
func resolvePolicy(mounts []Mount, env Environment, debugf Debugf) ([]fsRule, error) {
	tbl := ruleTable{}

	var st resolveStats

	for i, m := range mounts {
		err := expandOnePolicy(tbl, &st, m, i, env, debugf)
		if err != nil {
			return nil, err
		}
	}

	st.report(debugf, len(mounts), len(tbl))

	return slices.Collect(maps.Values(tbl)), nil
}

func expandOnePolicy(tbl ruleTable, st *resolveStats, m Mount, idx int, env Environment, debugf Debugf) error {
	pat := strings.TrimSpace(m.Dst)
	if pat == "" {
		return internalErrorf("expandOnePolicy", "policy mount %d has empty destination (kind=%s)", idx, kindLabel(m.Kind))
	}

	// Policy mounts carry only a pattern; anything else slipped past validation.
	if m.Src != "" || m.FD != 0 || m.Perms != 0 {
		return internalErrorf("expandOnePolicy", "policy mount %d carries low-level fields (kind=%s dst=%q src=%q fd=%d)", idx, kindLabel(m.Kind), m.Dst, m.Src, m.FD)
	}

	target := expandUserPath(env, pat)
	if target == "" {
		return fmt.Errorf("resolved empty path for mount %d (%q)", idx, pat)
	}

	if !filepath.IsAbs(target) {
		return fmt.Errorf("resolved path %q for mount %d (%q) is not absolute", target, idx, pat)
	}

	if underManagedRun(target) {
		return fmt.Errorf("policy mount %d (%s) targets reserved path %q", idx, kindLabel(m.Kind), m.Dst)
	}

	// File and dir masks are purely syntactic: no glob, no symlink chasing,
	// applied whether or not the host path exists.
	if m.Kind == MountExcludeFile || m.Kind == MountExcludeDir {
		target = filepath.Clean(target)

		depth := pathDepth(target)
		if depth > maxMountDepth {
			return fmt.Errorf("resolved path %q (mount %d) is too deeply nested (%d)", target, idx, depth)
		}

		tbl.put(fsRule{path: target, order: idx, depth: depth, kind: m.Kind, literal: true, dir: m.Kind == MountExcludeDir})

		return nil
	}

	lenient := m.Kind == MountReadOnlyTry || m.Kind == MountReadWriteTry || m.Kind == MountExcludeTry
	useTry := m.Kind == MountReadOnlyTry || m.Kind == MountReadWriteTry

	matches, isGlob, err := expandPattern(target, m, idx, lenient, st, debugf)
	if err != nil || matches == nil {
		return err
	}

	for _, match := range matches {
		err = admitMatch(tbl, st, match, m, idx, isGlob, lenient, useTry)
		if err != nil {
			return err
		}
	}

	return nil
}

// expandPattern turns target into host path candidates. A nil slice with a
// nil error means the pattern matched nothing and was tolerated.
func expandPattern(target string, m Mount, idx int, lenient bool, st *resolveStats, debugf Debugf) ([]string, bool, error) {
	if !isGlobPattern(target) {
		return []string{target}, false, nil
	}

	matches, err := filepath.Glob(target)
	if err != nil {
		return nil, true, fmt.Errorf("invalid glob pattern %q at index %d: %w", target, idx, err)
	}

	if len(matches) == 0 {
		if !lenient {
			return nil, true, fmt.Errorf("policy mount %d (%s) %q matched 0 paths", idx, kindLabel(m.Kind), m.Dst)
		}

		st.noMatch++

		if debugf != nil {
			debugf("policy: glob %q matched nothing, ignored", m.Dst)
		}

		return nil, true, nil
	}

	return matches, true, nil
}

// admitMatch resolves one candidate path and, if it survives, records its
// rule in the table.
func admitMatch(tbl ruleTable, st *resolveStats, match string, m Mount, idx int, isGlob, lenient, useTry bool) error {
	resolved, err := filepath.EvalSymlinks(match)
	if err != nil {
		if os.IsNotExist(err) {
			st.skipMissing(match)

			if lenient {
				return nil
			}

			return fmt.Errorf("policy mount %d (%s) %q resolves to missing path %q", idx, kindLabel(m.Kind), m.Dst, match)
		}

		return fmt.Errorf("resolve path %q (mount %d): %w", match, idx, err)
	}

	resolved = filepath.Clean(resolved)

	if underManagedRun(resolved) {
		return fmt.Errorf("policy mount %d (%s) %q resolves to reserved path %q", idx, kindLabel(m.Kind), m.Dst, resolved)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			st.skipMissing(resolved)

			if lenient {
				return nil
			}

			return fmt.Errorf("policy mount %d (%s) %q resolved to missing path %q", idx, kindLabel(m.Kind), m.Dst, resolved)
		}

		return fmt.Errorf("stat resolved path %q (mount %d): %w", resolved, idx, err)
	}

	depth := pathDepth(resolved)
	if depth > maxMountDepth {
		return fmt.Errorf("resolved path %q (mount %d) is too deeply nested (%d)", resolved, idx, depth)
	}

	tbl.put(fsRule{path: resolved, order: idx, depth: depth, kind: m.Kind, try: useTry, literal: !isGlob, dir: info.IsDir()})

	return nil
}

// underManagedRun reports whether path lies in the sandbox-owned /run tmpfs.
// The planner layers DNS and docker fixes there; policy mounts stay out.
func underManagedRun(path string) bool {
	cleaned := filepath.Clean(path)

	return cleaned == "/run" || strings.HasPrefix(cleaned, "/run/")
}

func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func isPolicyKind(k MountKind) bool {
	switch k {
	case MountReadOnly, MountReadOnlyTry, MountReadWrite, MountReadWriteTry,
		MountExclude, MountExcludeTry, MountExcludeFile, MountExcludeDir:
		return true
	default:
		return false
	}
}

// splitPolicy partitions mounts into policy mounts, which get resolved against
// the host filesystem, and direct mounts, which are emitted as-is afterwards.
func splitPolicy(mounts []Mount) ([]Mount, []Mount) {
	var policy, direct []Mount

	for _, m := range mounts {
		if isPolicyKind(m.Kind) {
			policy = append(policy, m)
		} else {
			direct = append(direct, m)
		}
	}

	return policy, direct
}

// materialize lowers resolved policy rules to concrete mount operations.
//
// Excluded directories become tmpfs mounts. Excluded files are masked by an
// unreadable empty file sourced from the per-command mask FD.
func materialize(rules []fsRule) (opList, error) {
	l := opList{ops: make([]mountOp, 0, len(rules))}

	for _, r := range rules {
		switch r.kind {
		case MountReadOnly, MountReadOnlyTry:
			kind := MountRoBind
			if r.try {
				kind = MountRoBindTry
			}

			l.ops = append(l.ops, mountOp{m: Mount{Kind: kind, Src: r.path, Dst: r.path}, depth: r.depth})

		case MountReadWrite, MountReadWriteTry:
			kind := MountBind
			if r.try {
				kind = MountBindTry
			}

			l.ops = append(l.ops, mountOp{m: Mount{Kind: kind, Src: r.path, Dst: r.path}, depth: r.depth})

		case MountExclude, MountExcludeTry, MountExcludeFile, MountExcludeDir:
			if r.dir {
				l.ops = append(l.ops, mountOp{m: Mount{Kind: MountTmpfs, Dst: r.path}, depth: r.depth})

				continue
			}

			l.maskFD = true

			// bwrap creates missing parents itself, but under the zeroed
			// --perms in effect for the mask that mode would leak into the
			// new parents. Create them explicitly first.
			if parent := filepath.Dir(r.path); parent != "/" && parent != r.path {
				l.ops = append(l.ops, mountOp{m: Mount{Kind: MountDir, Dst: parent}, depth: max(r.depth-1, 0)})
			}

			l.ops = append(l.ops, mountOp{m: Mount{Kind: MountRoBindData, FD: maskFDSentinel, Perms: 0o000, Dst: r.path}, depth: r.depth})

		default:
			return opList{}, internalErrorf("materialize", "unexpected policy kind %s for %q", kindLabel(r.kind), r.path)
		}
	}

	// Parents before children: a later, deeper mount may deliberately
	// re-expose a path inside an excluded directory.
	slices.SortFunc(l.ops, func(a, b mountOp) int {
		if c := cmp.Compare(a.depth, b.depth); c != 0 {
			return c
		}

		return cmp.Compare(a.m.Dst, b.m.Dst)
	})

	return l, nil
}

// materializeDirect validates and orders caller-supplied direct mounts.
func materializeDirect(mounts []Mount) (opList, error) {
	ops := make([]mountOp, 0, len(mounts))

	for _, m := range mounts {
		op, err := checkDirectMount(m)
		if err != nil {
			return opList{}, fmt.Errorf("direct mount %s src=%q dst=%q: %w", kindLabel(m.Kind), m.Src, m.Dst, err)
		}

		if bindKind(m.Kind) {
			_, err := os.Stat(m.Src)
			if err != nil {
				if os.IsNotExist(err) {
					if m.Kind == MountRoBindTry || m.Kind == MountBindTry {
						continue
					}

					return opList{}, fmt.Errorf("direct mount %s src=%q dst=%q: source does not exist", kindLabel(m.Kind), m.Src, m.Dst)
				}

				return opList{}, fmt.Errorf("direct mount %s src=%q dst=%q: stat source: %w", kindLabel(m.Kind), m.Src, m.Dst, err)
			}
		}

		ops = append(ops, op)
	}

	slices.SortFunc(ops, func(a, b mountOp) int {
		if c := cmp.Compare(a.depth, b.depth); c != 0 {
			return c
		}

		if c := cmp.Compare(a.m.Dst, b.m.Dst); c != 0 {
			return c
		}

		if c := cmp.Compare(int(a.m.Kind), int(b.m.Kind)); c != 0 {
			return c
		}

		return cmp.Compare(a.m.Src, b.m.Src)
	})

	return opList{ops: ops}, nil
}

func bindKind(k MountKind) bool {
	return k == MountRoBind || k == MountRoBindTry || k == MountBind || k == MountBindTry
}

// checkDirectMount validates a single direct mount and annotates it with its
// destination depth.
func checkDirectMount(m Mount) (mountOp, error) {
	if strings.TrimSpace(m.Dst) == "" {
		return mountOp{}, internalErrorf("checkDirectMount", "empty dst (kind=%s)", kindLabel(m.Kind))
	}

	if !filepath.IsAbs(m.Dst) {
		return mountOp{}, internalErrorf("checkDirectMount", "dst %q not absolute (kind=%s)", m.Dst, kindLabel(m.Kind))
	}

	switch m.Kind {
	case MountRoBind, MountRoBindTry, MountBind, MountBindTry:
		if strings.TrimSpace(m.Src) == "" || !filepath.IsAbs(m.Src) {
			return mountOp{}, internalErrorf("checkDirectMount", "bind source %q invalid (dst=%q)", m.Src, m.Dst)
		}

	case MountTmpfs, MountDir:
		if m.Src != "" {
			return mountOp{}, internalErrorf("checkDirectMount", "%s mount carries src %q (dst=%q)", kindLabel(m.Kind), m.Src, m.Dst)
		}

	case MountRoBindData:
		if m.Src != "" || m.FD <= 0 {
			return mountOp{}, internalErrorf("checkDirectMount", "ro-bind-data invalid (dst=%q src=%q fd=%d)", m.Dst, m.Src, m.FD)
		}

	default:
		return mountOp{}, internalErrorf("checkDirectMount", "unexpected kind %s (dst=%q)", kindLabel(m.Kind), m.Dst)
	}

	depth := pathDepth(m.Dst)
	if depth > maxMountDepth {
		return mountOp{}, internalErrorf("checkDirectMount", "dst %q too deeply nested (%d)", m.Dst, depth)
	}

	return mountOp{m: m, depth: depth}, nil
}

var kindLabels = map[MountKind]string{
	MountReadOnly:     "read-only",
	MountReadOnlyTry:  "read-only-try",
	MountReadWrite:    "read-write",
	MountReadWriteTry: "read-write-try",
	MountExclude:      "exclude",
	MountExcludeTry:   "exclude-try",
	MountExcludeFile:  "exclude-file",
	MountExcludeDir:   "exclude-dir",
	MountRoBind:       "ro-bind",
	MountRoBindTry:    "ro-bind-try",
	MountBind:         "bind",
	MountBindTry:      "bind-try",
	MountTmpfs:        "tmpfs",
	MountDir:          "dir",
	MountRoBindData:   "ro-bind-data",
}

func kindLabel(k MountKind) string {
	if label, ok := kindLabels[k]; ok {
		return label
	}

	return fmt.Sprintf("unknown(%d)", k)
}

// argsForMount renders one concrete mount as bwrap CLI arguments. Policy
// kinds have no argv form; they must be lowered by materialize first.
func argsForMount(m Mount) ([]string, error) {
	switch m.Kind {
	case MountRoBind:
		return []string{"--ro-bind", m.Src, m.Dst}, nil
	case MountRoBindTry:
		return []string{"--ro-bind-try", m.Src, m.Dst}, nil
	case MountBind:
		return []string{"--bind", m.Src, m.Dst}, nil
	case MountBindTry:
		return []string{"--bind-try", m.Src, m.Dst}, nil
	case MountTmpfs:
		return []string{"--tmpfs", m.Dst}, nil
	case MountDir:
		return []string{"--dir", m.Dst}, nil
	case MountRoBindData:
		var fd string

		switch {
		case m.FD == maskFDSentinel:
			fd = maskFDToken
		case m.FD > 0:
			fd = strconv.Itoa(m.FD)
		default:
			return nil, internalErrorf("argsForMount", "ro-bind-data with FD %d (dst=%q)", m.FD, m.Dst)
		}

		// bwrap parses --perms as octal.
		return []string{"--perms", fmt.Sprintf("%04o", m.Perms.Perm()), "--ro-bind-data", fd, m.Dst}, nil
	default:
		return nil, internalErrorf("argsForMount", "no argv form for kind %s (dst=%q)", kindLabel(m.Kind), m.Dst)
	}
}

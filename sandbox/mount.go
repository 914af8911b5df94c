//go:build linux

package sandbox

import "os"

// MountKind selects what a [Mount] does. Policy kinds describe access intent
// against host paths and are resolved during planning; direct kinds map
// one-to-one onto bubblewrap flags.
//
// The zero value is not a valid kind.
type MountKind int

const (
	// MountReadOnly exposes the paths matching a pattern read-only.
	MountReadOnly MountKind = iota + 1

	// MountReadOnlyTry is MountReadOnly for paths that may be absent.
	MountReadOnlyTry

	// MountReadWrite exposes the paths matching a pattern writable.
	MountReadWrite

	// MountReadWriteTry is MountReadWrite for paths that may be absent.
	MountReadWriteTry

	// MountExclude blanks out the paths matching a pattern.
	MountExclude

	// MountExcludeTry is MountExclude for paths that may be absent.
	MountExcludeTry

	// MountExcludeFile masks one literal path with an unreadable empty file,
	// whether or not the host has it.
	MountExcludeFile

	// MountExcludeDir masks one literal path with an empty directory, whether
	// or not the host has it.
	MountExcludeDir

	// MountRoBind is bwrap --ro-bind.
	MountRoBind

	// MountRoBindTry is bwrap --ro-bind-try.
	MountRoBindTry

	// MountBind is bwrap --bind.
	MountBind

	// MountBindTry is bwrap --bind-try.
	MountBindTry

	// MountTmpfs is bwrap --tmpfs.
	MountTmpfs

	// MountDir is bwrap --dir, plus --chmod when Perms is set.
	MountDir

	// MountRoBindData is bwrap --ro-bind-data: the mounted content is read
	// from an inherited file descriptor rather than a host path.
	MountRoBindData
)

// Mount is one entry in [Filesystem.Mounts].
//
// Policy kinds carry their pattern in Dst. A pattern may be an absolute
// path, a path relative to [Environment.WorkDir], a home path with a leading
// "~", or a glob; planning expands it and mounts every resolved host path at
// the identical path inside the sandbox. Src, FD and Perms must stay zero on
// policy mounts.
//
// Direct kinds take a host Src and a sandbox Dst, except the kinds that only
// create something at Dst (tmpfs, dir) and MountRoBindData, which reads from
// FD instead of a path.
type Mount struct {
	// Kind picks the operation. Required.
	Kind MountKind

	// Src is the host side of direct bind mounts. Policy kinds reject a
	// non-empty Src.
	Src string

	// Dst is the path inside the sandbox, or the host pattern for policy
	// kinds.
	Dst string

	// FD names the descriptor MountRoBindData reads, numbered as the child
	// sees it (the first entry of exec.Cmd.ExtraFiles is 3).
	FD int

	// Perms is the file mode for MountRoBindData and the optional chmod for
	// MountDir. Other kinds ignore it.
	Perms os.FileMode
}

func policyMount(kind MountKind, pattern string) Mount {
	return Mount{Kind: kind, Dst: pattern}
}

func bindMount(kind MountKind, src, dst string) Mount {
	return Mount{Kind: kind, Src: src, Dst: dst}
}

// RO exposes everything matching pattern read-only. Planning fails when the
// pattern matches nothing.
func RO(pattern string) Mount {
	return policyMount(MountReadOnly, pattern)
}

// ROTry is RO for paths that may legitimately be absent: unmatched patterns
// are dropped instead of failing the plan.
func ROTry(pattern string) Mount {
	return policyMount(MountReadOnlyTry, pattern)
}

// RW exposes everything matching pattern writable. Planning fails when the
// pattern matches nothing.
func RW(pattern string) Mount {
	return policyMount(MountReadWrite, pattern)
}

// RWTry is RW for paths that may legitimately be absent.
func RWTry(pattern string) Mount {
	return policyMount(MountReadWriteTry, pattern)
}

// Exclude blanks out everything matching pattern. Planning fails when the
// pattern matches nothing.
func Exclude(pattern string) Mount {
	return policyMount(MountExclude, pattern)
}

// ExcludeTry is Exclude for paths that may legitimately be absent.
func ExcludeTry(pattern string) Mount {
	return policyMount(MountExcludeTry, pattern)
}

// ExcludeFile masks path with an unreadable empty file even when the host
// does not have it, so the sandbox can neither read nor create the real
// file. Globs are rejected.
func ExcludeFile(path string) Mount {
	return policyMount(MountExcludeFile, path)
}

// ExcludeDir masks path with an empty directory even when the host does not
// have it. Globs are rejected.
func ExcludeDir(path string) Mount {
	return policyMount(MountExcludeDir, path)
}

// RoBind mounts host src read-only at dst.
func RoBind(src, dst string) Mount {
	return bindMount(MountRoBind, src, dst)
}

// RoBindTry mounts host src read-only at dst, skipping the mount when src is
// missing.
func RoBindTry(src, dst string) Mount {
	return bindMount(MountRoBindTry, src, dst)
}

// Bind mounts host src writable at dst.
func Bind(src, dst string) Mount {
	return bindMount(MountBind, src, dst)
}

// BindTry mounts host src writable at dst, skipping the mount when src is
// missing.
func BindTry(src, dst string) Mount {
	return bindMount(MountBindTry, src, dst)
}

// Tmpfs mounts a fresh tmpfs at dst.
func Tmpfs(dst string) Mount {
	return Mount{Kind: MountTmpfs, Dst: dst}
}

// Dir creates dst inside the sandbox, useful as a mount point for later
// binds. A perms argument is applied with chmod once all mounts are in
// place.
func Dir(dst string, perms ...os.FileMode) Mount {
	var perm os.FileMode
	if len(perms) > 0 {
		perm = perms[0]
	}

	return Mount{Kind: MountDir, Dst: dst, Perms: perm}
}

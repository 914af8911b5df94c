// Package buildcache stores build artifacts between runs, keyed by what
// actually determines their contents: the pinned toolchain and the lock
// files of the workspace.
//
// The cache is strictly best-effort. A miss means a cold build, a failure
// means a cold build with a note; nothing in here may fail a run.
package buildcache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/testcage/testcage/internal/lockfile"
)

// Key computes the content-addressed cache key for a toolchain pin and
// the lock files that freeze the dependency graph. The key is independent
// of map iteration order: file names are hashed sorted. Formatted as
// "b3:<hex>".
func Key(toolchainName, toolchainVersion string, lockFiles map[string][]byte) string {
	h := blake3.New()

	io.WriteString(h, toolchainName)
	h.Write([]byte{0})
	io.WriteString(h, toolchainVersion)
	h.Write([]byte{0})

	names := make([]string, 0, len(lockFiles))
	for name := range lockFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		io.WriteString(h, name)
		h.Write([]byte{0})
		h.Write(lockFiles[name])
		h.Write([]byte{0})
	}

	return "b3:" + hex.EncodeToString(h.Sum(nil))
}

// ReadKeyFiles reads the named key files relative to the workspace root.
// Missing files are skipped: a repo without a lock file still gets a
// stable key, it just caches less precisely.
func ReadKeyFiles(workspace string, names []string) (map[string][]byte, error) {
	files := make(map[string][]byte, len(names))

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(workspace, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading key file %s: %w", name, err)
		}

		files[name] = data
	}

	return files, nil
}

// Cache is a directory of immutable tar+zstd archives, sharded by the
// first two hex digits of the key. Restores and saves against one store
// are serialized across processes by a lock file at its root.
type Cache struct {
	// Debugf receives cache notes. Nil disables them.
	Debugf func(format string, args ...any)

	root string
}

// Open opens (creating if needed) the cache store rooted at root.
func Open(root string) (*Cache, error) {
	if root == "" {
		return nil, errors.New("cache root is required")
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}

	return &Cache{root: root}, nil
}

// Root returns the store directory.
func (c *Cache) Root() string {
	return c.root
}

// Restore unpacks the archive stored under key into the workspace,
// keeping only entries inside the configured paths. It returns false
// without error when no archive exists for the key.
func (c *Cache) Restore(ctx context.Context, key, workspace string, paths []string) (hit bool, err error) {
	entry, err := c.entryPath(key)
	if err != nil {
		return false, err
	}

	unlock, err := lockfile.Lock(ctx, filepath.Join(c.root, ".lock"))
	if err != nil {
		return false, err
	}
	defer func() {
		if uerr := unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	f, err := os.Open(entry)
	if errors.Is(err, fs.ErrNotExist) {
		c.debugf("cache: miss for %s", key)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening cache entry: %w", err)
	}
	defer f.Close()

	if err := unpack(f, workspace, paths); err != nil {
		return false, fmt.Errorf("unpacking cache entry %s: %w", key, err)
	}

	c.debugf("cache: restored %s into %s", key, workspace)

	return true, nil
}

// Save packs the configured workspace paths into a new archive under key.
// Entries are immutable: when the key already exists the save is skipped
// and Save returns false. Missing paths are skipped; when none exist
// there is nothing to save and Save returns false. The archive is written
// to a temp file, fsynced, and renamed into place so a crashed save never
// leaves a half-written entry behind.
func (c *Cache) Save(ctx context.Context, key, workspace string, paths []string) (stored bool, err error) {
	entry, err := c.entryPath(key)
	if err != nil {
		return false, err
	}

	unlock, err := lockfile.Lock(ctx, filepath.Join(c.root, ".lock"))
	if err != nil {
		return false, err
	}
	defer func() {
		if uerr := unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	if _, err := os.Stat(entry); err == nil {
		c.debugf("cache: %s already stored", key)
		return false, nil
	}

	present := presentPaths(workspace, paths)
	if len(present) == 0 {
		c.debugf("cache: nothing to save for %s", key)
		return false, nil
	}

	tmp := filepath.Join(c.root, "tmp-"+uuid.NewString())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return false, fmt.Errorf("creating cache temp file: %w", err)
	}
	defer os.Remove(tmp)

	if err := pack(f, workspace, present); err != nil {
		f.Close()
		return false, fmt.Errorf("packing cache entry %s: %w", key, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return false, fmt.Errorf("syncing cache entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("closing cache entry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(entry), 0o755); err != nil {
		return false, fmt.Errorf("creating cache shard: %w", err)
	}
	if err := os.Rename(tmp, entry); err != nil {
		return false, fmt.Errorf("publishing cache entry: %w", err)
	}

	c.debugf("cache: stored %s (%s)", key, strings.Join(present, ", "))

	return true, nil
}

// entryPath maps a key to its archive location:
// <root>/<first two hex>/<hex>.tar.zst.
func (c *Cache) entryPath(key string) (string, error) {
	digest, ok := strings.CutPrefix(key, "b3:")
	if !ok || len(digest) < 2 {
		return "", fmt.Errorf("malformed cache key %q", key)
	}

	return filepath.Join(c.root, digest[:2], digest+".tar.zst"), nil
}

func presentPaths(workspace string, paths []string) []string {
	var present []string
	for _, p := range paths {
		if _, err := os.Lstat(filepath.Join(workspace, p)); err == nil {
			present = append(present, p)
		}
	}

	return present
}

func (c *Cache) debugf(format string, args ...any) {
	if c.Debugf != nil {
		c.Debugf(format, args...)
	}
}

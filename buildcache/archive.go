package buildcache

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// pack writes a zstd-compressed tar of the given workspace-relative paths.
// Entry names are relative with forward slashes so archives stay portable
// across workspaces. Sockets, devices and other irregular files are
// skipped.
func pack(w io.Writer, workspace string, paths []string) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(zw)

	for _, p := range paths {
		root := filepath.Join(workspace, p)

		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}

			info, err := d.Info()
			if err != nil {
				return err
			}

			var link string
			if info.Mode()&fs.ModeSymlink != 0 {
				if link, err = os.Readlink(path); err != nil {
					return err
				}
			} else if !info.Mode().IsRegular() && !info.IsDir() {
				return nil
			}

			rel, err := filepath.Rel(workspace, path)
			if err != nil {
				return err
			}

			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if info.IsDir() {
				hdr.Name += "/"
			}

			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}

			if info.Mode().IsRegular() {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				_, err = io.Copy(tw, f)
				f.Close()
				if err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}

	return zw.Close()
}

// unpack restores archive entries into the workspace. Entries outside the
// configured paths are ignored, and entries that would land outside the
// workspace (absolute names, ".." traversal) are rejected outright.
func unpack(r io.Reader, workspace string, paths []string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		name := filepath.FromSlash(strings.TrimSuffix(hdr.Name, "/"))
		if !entryAllowed(name, paths) {
			continue
		}

		dest, err := safeJoin(workspace, name)
		if err != nil {
			return err
		}

		mode := hdr.FileInfo().Mode().Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, mode|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}

			f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return err
			}
		default:
			// Irregular entries never make it into our own archives.
		}
	}

	return nil
}

// safeJoin joins an archive entry name onto the workspace root, rejecting
// names that would escape it.
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}

	dest := filepath.Join(root, name)
	if dest != root && !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the workspace", name)
	}

	return dest, nil
}

func entryAllowed(name string, paths []string) bool {
	if len(paths) == 0 {
		return true
	}

	return slices.ContainsFunc(paths, func(p string) bool {
		p = filepath.Clean(p)
		return name == p || strings.HasPrefix(name, p+string(filepath.Separator))
	})
}

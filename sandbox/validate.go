//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// checkConfig is the input boundary for the package: everything caller
// controlled passes through here once, at construction. Code past this point
// treats a malformed Config or Environment as a bug.
func checkConfig(cfg *Config, env Environment) error {
	errs := make([]error, 0, 5)

	errs = append(errs, checkEnvironment(env)...)
	errs = append(errs, checkBaseFS(cfg.BaseFS)...)
	errs = append(errs, checkPresets(cfg.Filesystem.Presets)...)
	errs = append(errs, checkMounts(cfg.Filesystem.Mounts)...)
	errs = append(errs, checkRunAs(cfg.RunAs)...)

	return errors.Join(errs...)
}

func checkEnvironment(env Environment) []error {
	dirs := []struct {
		field, path string
	}{
		{"WorkDir", env.WorkDir},
		{"HomeDir", env.HomeDir},
	}

	var errs []error

	for _, d := range dirs {
		switch {
		case strings.TrimSpace(d.path) == "":
			errs = append(errs, fmt.Errorf("environment %s is empty", d.field))
		case !filepath.IsAbs(d.path):
			errs = append(errs, fmt.Errorf("environment %s %q is not absolute", d.field, d.path))
		}
	}

	return errs
}

func checkBaseFS(mode BaseFS) []error {
	switch mode {
	case "", BaseFSHost, BaseFSEmpty:
		return nil
	}

	return []error{fmt.Errorf("unknown root mode %q", mode)}
}

func checkPresets(presets []string) []error {
	// Toggle syntax is checked eagerly; expansion happens during planning.
	_, err := presetToggleState(presets)
	if err == nil {
		return nil
	}

	return []error{err}
}

// checkRunAs rejects credentials that would not actually drop privileges.
func checkRunAs(cred *Credential) []error {
	if cred == nil {
		return nil
	}

	var errs []error

	if cred.Uid == 0 {
		errs = append(errs, errors.New("run-as credential resolves to uid 0"))
	}

	if cred.Gid == 0 {
		errs = append(errs, errors.New("run-as credential resolves to gid 0"))
	}

	for _, gid := range cred.Groups {
		if gid == 0 {
			errs = append(errs, errors.New("run-as credential includes supplementary gid 0"))

			break
		}
	}

	return errs
}

func checkMounts(mounts []Mount) []error {
	var errs []error

	for i, m := range mounts {
		if strings.TrimSpace(m.Dst) != "" {
			if depth := pathDepth(m.Dst); depth > maxMountDepth {
				errs = append(errs, fmt.Errorf("mount %d destination %q is too deeply nested (%d)", i, m.Dst, depth))
			}
		}

		switch {
		case isPolicyKind(m.Kind):
			errs = append(errs, checkPolicyMount(i, m)...)
		case bindKind(m.Kind):
			errs = append(errs, checkBindMount(i, m)...)
		case m.Kind == MountTmpfs || m.Kind == MountDir:
			errs = append(errs, checkBareMount(i, m)...)
		case m.Kind == MountRoBindData:
			errs = append(errs, checkDataMount(i, m)...)
		default:
			errs = append(errs, fmt.Errorf("mount %d has unknown kind %d", i, m.Kind))
		}
	}

	return errs
}

func checkPolicyMount(i int, m Mount) []error {
	if strings.TrimSpace(m.Dst) == "" {
		return []error{fmt.Errorf("mount %d has empty destination", i)}
	}

	var errs []error

	if m.Kind == MountExcludeFile || m.Kind == MountExcludeDir {
		if isGlobPattern(m.Dst) {
			errs = append(errs, fmt.Errorf("mount %d (%s) does not accept glob patterns", i, kindLabel(m.Kind)))
		}
	}

	if m.Src != "" {
		errs = append(errs, fmt.Errorf("mount %d (%s) does not accept a source path", i, kindLabel(m.Kind)))
	}

	if m.FD != 0 || m.Perms != 0 {
		errs = append(errs, fmt.Errorf("mount %d (%s) does not accept FD/Perms", i, kindLabel(m.Kind)))
	}

	return errs
}

func checkBindMount(i int, m Mount) []error {
	if strings.TrimSpace(m.Dst) == "" {
		return []error{fmt.Errorf("mount %d (%s) has empty destination", i, kindLabel(m.Kind))}
	}

	var errs []error

	if !filepath.IsAbs(m.Dst) {
		errs = append(errs, fmt.Errorf("mount %d (%s) destination %q is not absolute", i, kindLabel(m.Kind), m.Dst))
	}

	if strings.TrimSpace(m.Src) == "" {
		return append(errs, fmt.Errorf("mount %d (%s) requires a source path", i, kindLabel(m.Kind)))
	}

	if !filepath.IsAbs(m.Src) {
		errs = append(errs, fmt.Errorf("mount %d (%s) source %q is not absolute", i, kindLabel(m.Kind), m.Src))
	}

	return errs
}

func checkBareMount(i int, m Mount) []error {
	if strings.TrimSpace(m.Dst) == "" {
		return []error{fmt.Errorf("mount %d (%s) has empty destination", i, kindLabel(m.Kind))}
	}

	var errs []error

	if !filepath.IsAbs(m.Dst) {
		errs = append(errs, fmt.Errorf("mount %d (%s) destination %q is not absolute", i, kindLabel(m.Kind), m.Dst))
	}

	if m.Src != "" {
		errs = append(errs, fmt.Errorf("mount %d (%s) does not accept a source path", i, kindLabel(m.Kind)))
	}

	return errs
}

func checkDataMount(i int, m Mount) []error {
	if strings.TrimSpace(m.Dst) == "" {
		return []error{fmt.Errorf("mount %d (%s) has empty destination", i, kindLabel(m.Kind))}
	}

	var errs []error

	if !filepath.IsAbs(m.Dst) {
		errs = append(errs, fmt.Errorf("mount %d (%s) destination %q is not absolute", i, kindLabel(m.Kind), m.Dst))
	}

	if m.Src != "" {
		errs = append(errs, fmt.Errorf("mount %d (%s) does not accept a source path", i, kindLabel(m.Kind)))
	}

	if m.FD <= 0 {
		errs = append(errs, fmt.Errorf("mount %d (%s) requires a positive FD", i, kindLabel(m.Kind)))
	}

	return errs
}

//go:build linux

package main

import (
	"fmt"
	"io"
	"strings"
)

// DebugLogger renders the startup diagnostics behind --debug. A nil output
// makes every method a no-op, so call sites never need to guard.
type DebugLogger struct {
	w io.Writer
}

func NewDebugLogger(output io.Writer) *DebugLogger {
	return &DebugLogger{w: output}
}

// Enabled reports whether the logger writes anywhere.
func (d *DebugLogger) Enabled() bool {
	return d.w != nil
}

func (d *DebugLogger) printf(format string, args ...any) {
	if d.w == nil {
		return
	}

	_, _ = fmt.Fprintf(d.w, format, args...)
}

// Section starts a named block of output.
func (d *DebugLogger) Section(name string) {
	d.printf("\n=== %s ===\n", name)
}

// Logf writes one free-form line.
func (d *DebugLogger) Logf(format string, args ...any) {
	d.printf(format+"\n", args...)
}

// Bulletf writes one indented bullet item.
func (d *DebugLogger) Bulletf(format string, args ...any) {
	d.printf("  • "+format+"\n", args...)
}

// Setting writes a resolved setting together with where it came from.
func (d *DebugLogger) Setting(name string, value any, source string) {
	d.printf("  %s: %v (%s)\n", name, value, source)
}

// ConfigFile writes one config lookup result.
func (d *DebugLogger) ConfigFile(label, path string, loaded bool) {
	if loaded {
		d.printf("  %s: %s\n", label, path)
	} else {
		d.printf("  %s: (not found)\n", label)
	}
}

// BwrapArgs writes a bwrap argv with each flag and its values sharing a
// line, which reads far better than the raw slice.
func (d *DebugLogger) BwrapArgs(args []string) {
	if d.w == nil {
		return
	}

	var group []string

	flush := func() {
		if len(group) > 0 {
			d.printf("  %s\n", strings.Join(group, " "))
			group = group[:0]
		}
	}

	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--"):
			flush()

			group = append(group, arg)
		case len(group) == 0:
			// Value with no preceding flag, print it alone.
			d.printf("  %s\n", arg)
		default:
			group = append(group, arg)
		}
	}

	flush()
}

// Debugf hands the library packages their debug hook. Nil when disabled so
// the hook stays a cheap no-op.
func (d *DebugLogger) Debugf() func(format string, args ...any) {
	if d.w == nil {
		return nil
	}

	return d.Logf
}

// debugConfigLoading reports which files produced the effective config.
func debugConfigLoading(debug *DebugLogger, cfg *Config, manifestPath string) {
	if !debug.Enabled() {
		return
	}

	explicit := cfg.LoadedConfigFiles["explicit"]
	global := cfg.LoadedConfigFiles["global"]

	debug.Section("Config Loading")

	switch {
	case explicit != "":
		debug.ConfigFile("Explicit config (--config)", explicit, true)
	case global != "":
		debug.ConfigFile("Global config", global, true)
	default:
		debug.ConfigFile("Global config", "", false)
	}

	debug.ConfigFile("Manifest", manifestPath, manifestPath != "")
}

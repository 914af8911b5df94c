//go:build linux

package sandbox

// Presets bundle the filesystem policy most runs want so manifests only
// spell out the unusual parts. A preset only ever emits policy mounts; the
// planner resolves them against the host like any caller mount, and caller
// mounts still win ties because presets sort first.

import (
	"errors"
	"fmt"
	"strings"
)

// presetNames lists every recognized toggle, including the @all macro.
var presetNames = []string{"@all", "@base", "@caches", "@git", "@git-strict"}

// presetAllMembers is what @all expands to. @caches stays out: reusing host
// package caches trades reproducibility for speed, so it is opt-in.
var presetAllMembers = []string{"@base", "@git"}

// expandPresets turns preset toggles into policy mounts, emitted in a fixed
// preset order for determinism.
//
// A nil slice means defaults (@all). An explicit empty slice, or "!@all",
// disables everything.
func expandPresets(presets []string, env Environment) ([]Mount, error) {
	enabled, err := presetToggleState(presets)
	if err != nil {
		return nil, err
	}

	var mounts []Mount

	if enabled["@base"] {
		mounts = append(mounts, basePresetRules(env)...)
	}

	if enabled["@caches"] {
		mounts = append(mounts, cachesPresetRules()...)
	}

	strict := enabled["@git-strict"]
	if strict || enabled["@git"] {
		git, err := gitPresetRules(env.WorkDir, strict)
		if err != nil {
			return nil, err
		}

		mounts = append(mounts, git...)
	}

	return mounts, nil
}

// basePresetRules grants the workspace read-write, the home directory
// read-only, and hides the usual credential directories.
func basePresetRules(env Environment) []Mount {
	return []Mount{
		RW(env.WorkDir),
		RO(env.HomeDir),
		ExcludeTry("~/.aws"),
		ExcludeTry("~/.gnupg"),
		ExcludeTry("~/.ssh"),
	}
}

// cachesPresetRules re-exposes common per-user package caches read-write.
func cachesPresetRules() []Mount {
	return []Mount{
		RWTry("~/.cache"),
		RWTry("~/.cargo"),
		RWTry("~/.gradle"),
		RWTry("~/.m2"),
		RWTry("~/.npm"),
		RWTry("~/go"),
	}
}

// presetToggleState reduces the toggle list to a final on/off state per
// preset. Later toggles override earlier ones; "!" negates.
func presetToggleState(presets []string) (map[string]bool, error) {
	state := make(map[string]bool)

	// nil asks for the defaults; an explicit empty slice turns everything off.
	toggles := presets
	if toggles == nil {
		toggles = []string{"@all"}
	}

	for _, raw := range toggles {
		name, negated := strings.CutPrefix(strings.TrimSpace(raw), "!")
		if name == "" {
			return nil, errors.New("empty preset name")
		}

		if !knownPreset(name) {
			return nil, fmt.Errorf("unknown preset %q", name)
		}

		if name == "@all" {
			for _, member := range presetAllMembers {
				state[member] = !negated
			}

			continue
		}

		state[name] = !negated
	}

	return state, nil
}

func knownPreset(name string) bool {
	for _, known := range presetNames {
		if name == known {
			return true
		}
	}

	return false
}

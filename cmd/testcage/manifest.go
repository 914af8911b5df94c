//go:build linux

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest file names probed in the workspace root.
const (
	manifestNameYml  = ".testcage.yml"
	manifestNameYaml = ".testcage.yaml"
)

// Static manifest errors.
var (
	// ErrNoManifest is returned when the workspace has no manifest file.
	ErrNoManifest = errors.New("no manifest found (create .testcage.yml)")
	// ErrDuplicateManifests is returned when both .yml and .yaml manifests exist.
	ErrDuplicateManifests = errors.New("duplicate manifests")
)

// Argv is a command that unmarshals from either a YAML scalar (run through
// `/bin/sh -c`) or an explicit argv sequence.
type Argv []string

func (a *Argv) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var script string

		err := value.Decode(&script)
		if err != nil {
			return err
		}

		if strings.TrimSpace(script) == "" {
			*a = nil

			return nil
		}

		*a = Argv{"/bin/sh", "-c", script}

		return nil
	case yaml.SequenceNode:
		var parts []string

		err := value.Decode(&parts)
		if err != nil {
			return err
		}

		*a = Argv(parts)

		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list of strings", value.Line)
	}
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string

	err := value.Decode(&s)
	if err != nil {
		return fmt.Errorf("line %d: timeout must be a string like \"90s\"", value.Line)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: parsing timeout %q: %w", value.Line, s, err)
	}

	*d = Duration(parsed)

	return nil
}

// Manifest is the project manifest: what to run, which toolchain to pin,
// and what the sandbox may see. It lives in the workspace root.
type Manifest struct {
	Toolchain ToolchainManifest `yaml:"toolchain"`
	Build     PhaseManifest     `yaml:"build"`
	Test      PhaseManifest     `yaml:"test"`
	Sandbox   SandboxManifest   `yaml:"sandbox"`
	Env       EnvManifest       `yaml:"env"`
	Cache     CacheManifest     `yaml:"cache"`
	Commit    CommitManifest    `yaml:"commit"`
}

// ToolchainManifest pins the toolchain for this project.
type ToolchainManifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Binary      string   `yaml:"binary"`
	VersionArgs []string `yaml:"version_args"`
	InstallRoot string   `yaml:"install_root"`
	Installer   Argv     `yaml:"installer"`
}

// PhaseManifest describes the build or test phase.
type PhaseManifest struct {
	Command Argv     `yaml:"command"`
	Timeout Duration `yaml:"timeout"`
}

// SandboxManifest is the project's sandbox policy.
type SandboxManifest struct {
	Network      *bool    `yaml:"network"`
	Ro           []string `yaml:"ro"`
	Rw           []string `yaml:"rw"`
	Exclude      []string `yaml:"exclude"`
	ExposeDocker *bool    `yaml:"expose_docker"`
}

// EnvManifest configures the sandbox environment allowlist.
type EnvManifest struct {
	// Pass names host variables copied into the sandbox when set.
	Pass []string `yaml:"pass"`
	// Set are literal variables, applied after everything else.
	Set map[string]string `yaml:"set"`
}

// CacheManifest configures the artifact cache for this project.
type CacheManifest struct {
	// Paths are workspace-relative directories archived after a passing run.
	Paths []string `yaml:"paths"`
	// KeyFiles are lock files fingerprinted into the cache key.
	KeyFiles []string `yaml:"key_files"`
}

// CommitManifest configures the auto-commit step.
type CommitManifest struct {
	Message string `yaml:"message"`
}

// Validate checks the loaded manifest for the mistakes a schema can't
// express.
func (m *Manifest) Validate() error {
	var errs []error

	if len(m.Test.Command) == 0 {
		errs = append(errs, errors.New("test.command is required"))
	}

	if m.Toolchain.Version == "latest" {
		errs = append(errs, errors.New("toolchain.version must pin an exact version, not \"latest\""))
	}

	return errors.Join(errs...)
}

// LoadManifest loads the project manifest. explicitPath (from --manifest)
// bypasses the workspace lookup. The returned string is the path the
// manifest was loaded from.
func LoadManifest(workspace, explicitPath string) (*Manifest, string, error) {
	path := explicitPath

	if path == "" {
		found, err := findManifest(workspace)
		if err != nil {
			return nil, "", err
		}

		path = found
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}

	manifest, err := loadManifestFile(path)
	if err != nil {
		return nil, "", err
	}

	err = manifest.Validate()
	if err != nil {
		return nil, "", fmt.Errorf("manifest %s: %w", path, err)
	}

	return manifest, path, nil
}

// findManifest locates the manifest in the workspace root. Both spellings
// present is an error; none present is ErrNoManifest.
func findManifest(workspace string) (string, error) {
	ymlPath := filepath.Join(workspace, manifestNameYml)
	yamlPath := filepath.Join(workspace, manifestNameYaml)

	ymlExists, ymlErr := fileExists(ymlPath)
	yamlExists, yamlErr := fileExists(yamlPath)

	if ymlErr != nil {
		return "", fmt.Errorf("checking %s: %w", ymlPath, ymlErr)
	}

	if yamlErr != nil {
		return "", fmt.Errorf("checking %s: %w", yamlPath, yamlErr)
	}

	if ymlExists && yamlExists {
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateManifests, ymlPath, yamlPath)
	}

	if ymlExists {
		return ymlPath, nil
	}

	if yamlExists {
		return yamlPath, nil
	}

	return "", fmt.Errorf("%w in %s", ErrNoManifest, workspace)
}

// loadManifestFile parses one manifest file with strict field checking, so
// a typoed key fails loudly instead of silently applying defaults.
func loadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var manifest Manifest

	err = dec.Decode(&manifest)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file decodes to the zero manifest; Validate rejects it
			// with a clearer message than the raw EOF.
			return &Manifest{}, nil
		}

		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	return &manifest, nil
}

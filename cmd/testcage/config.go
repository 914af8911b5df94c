//go:build linux

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
)

// ErrConfigFileConflict reports that both a .json and a .jsonc file exist
// at the global config location.
var ErrConfigFileConflict = errors.New("conflicting config files")

// Duration is a time.Duration that unmarshals from Go duration strings
// ("90s", "10m") in both the JSON config and the YAML manifest.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string

	err := json.Unmarshal(data, &s)
	if err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// IdentityConfig is the automation identity used for auto-commits. The
// committer halves default to the author halves at config load.
type IdentityConfig struct {
	AuthorName     string `json:"author_name,omitempty"`
	AuthorEmail    string `json:"author_email,omitempty"`
	CommitterName  string `json:"committer_name,omitempty"`
	CommitterEmail string `json:"committer_email,omitempty"`
}

// Config holds host-operator settings: who commits, which user to drop to,
// where the cache lives. Project intent (commands, pins, sandbox policy)
// lives in the manifest, not here.
type Config struct {
	Identity    IdentityConfig `json:"identity"`
	RunAs       string         `json:"run_as,omitempty"`
	CacheDir    string         `json:"cache_dir,omitempty"`
	StreamURL   string         `json:"stream_url,omitempty"`
	LogFile     string         `json:"log_file,omitempty"`
	OutputLimit int            `json:"output_limit,omitempty"`

	BuildTimeout Duration `json:"build_timeout,omitempty"`
	TestTimeout  Duration `json:"test_timeout,omitempty"`

	// Environment-only settings; never read from config files.
	Toolchain        string `json:"-"`
	ToolchainVersion string `json:"-"`
	Network          *bool  `json:"-"`
	Debug            bool   `json:"-"`

	// Resolved (not serialized)
	EffectiveCwd      string            `json:"-"`
	LoadedConfigFiles map[string]string `json:"-"`
}

// DefaultConfig returns the built-in settings every other layer overrides.
func DefaultConfig() Config {
	return Config{
		BuildTimeout: Duration(10 * time.Minute),
		TestTimeout:  Duration(10 * time.Minute),
	}
}

// LoadConfigInput carries the caller-controlled knobs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C/--cwd value; empty means os.Getwd()
	ConfigPath      string            // --config value; empty means the global location
	Env             map[string]string // process environment (TESTCAGE_*, XDG_*)
}

// LoadConfig resolves the effective configuration. Later layers override
// earlier ones:
//  1. Built-in defaults
//  2. One config file: the --config path when given, otherwise
//     $XDG_CONFIG_HOME/testcage/config.json or config.jsonc
//     (defaulting to ~/.config/testcage/)
//  3. TESTCAGE_* environment variables
//
// Comments are accepted in .json and .jsonc alike via tailscale/hujson.
// Finding both extensions at the global location is an error.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir, err := resolveWorkDir(input.WorkDirOverride)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	cfg.EffectiveCwd = workDir
	cfg.LoadedConfigFiles = map[string]string{}

	err = loadFileLayer(&cfg, input, workDir)
	if err != nil {
		return Config{}, err
	}

	err = applyEnvOverrides(&cfg, input.Env)
	if err != nil {
		return Config{}, err
	}

	// The committer halves follow the author unless set on their own.
	if cfg.Identity.CommitterName == "" {
		cfg.Identity.CommitterName = cfg.Identity.AuthorName
	}

	if cfg.Identity.CommitterEmail == "" {
		cfg.Identity.CommitterEmail = cfg.Identity.AuthorEmail
	}

	return cfg, nil
}

// resolveWorkDir turns the -C override into an absolute path, falling back
// to the process working directory.
func resolveWorkDir(override string) (string, error) {
	if override != "" && filepath.IsAbs(override) {
		return override, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("cannot get working directory: %w", err)
	}

	if override == "" {
		return cwd, nil
	}

	return filepath.Join(cwd, override), nil
}

// loadFileLayer merges the one config file this invocation reads: the
// --config path when given, otherwise the optional global file.
func loadFileLayer(cfg *Config, input LoadConfigInput, workDir string) error {
	if input.ConfigPath != "" {
		path := input.ConfigPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		layer, err := parseConfigFile(path)
		if err != nil {
			return err
		}

		*cfg = mergeConfigs(cfg, &layer)
		cfg.LoadedConfigFiles["explicit"] = path

		return nil
	}

	base, err := userConfigBase(input.Env)
	if err != nil {
		return err
	}

	path, err := findConfigFile(base)
	if errors.Is(err, os.ErrNotExist) {
		// No global file is fine.
		return nil
	}

	if err != nil {
		return err
	}

	layer, err := parseConfigFile(path)
	if err != nil {
		return err
	}

	*cfg = mergeConfigs(cfg, &layer)
	cfg.LoadedConfigFiles["global"] = path

	return nil
}

// applyEnvOverrides overlays TESTCAGE_* environment variables onto cfg.
func applyEnvOverrides(cfg *Config, env map[string]string) error {
	setString := func(target *string, key string) {
		if v, ok := env[key]; ok && v != "" {
			*target = v
		}
	}

	setString(&cfg.Identity.AuthorName, "TESTCAGE_AUTHOR_NAME")
	setString(&cfg.Identity.AuthorEmail, "TESTCAGE_AUTHOR_EMAIL")
	setString(&cfg.Identity.CommitterName, "TESTCAGE_COMMITTER_NAME")
	setString(&cfg.Identity.CommitterEmail, "TESTCAGE_COMMITTER_EMAIL")
	setString(&cfg.RunAs, "TESTCAGE_RUN_AS")
	setString(&cfg.CacheDir, "TESTCAGE_CACHE_DIR")
	setString(&cfg.StreamURL, "TESTCAGE_STREAM_URL")
	setString(&cfg.Toolchain, "TESTCAGE_TOOLCHAIN")
	setString(&cfg.ToolchainVersion, "TESTCAGE_TOOLCHAIN_VERSION")

	if v, ok := env["TESTCAGE_NETWORK"]; ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing TESTCAGE_NETWORK=%q: %w", v, err)
		}

		cfg.Network = &enabled
	}

	if v, ok := env["TESTCAGE_DEBUG"]; ok && v != "" && v != "0" {
		cfg.Debug = true
	}

	return nil
}

// findConfigFile resolves basePath to the one existing config file,
// trying the .json and .jsonc extensions. Both existing at once is an
// error; neither existing reports os.ErrNotExist.
func findConfigFile(basePath string) (string, error) {
	var found []string

	for _, path := range []string{basePath + ".json", basePath + ".jsonc"} {
		ok, err := fileExists(path)
		if err != nil {
			return "", err
		}

		if ok {
			found = append(found, path)
		}
	}

	switch len(found) {
	case 0:
		return "", os.ErrNotExist
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrConfigFileConflict, found[0], found[1])
	}
}

// fileExists reports whether path is an existing regular file. Stat
// trouble other than absence (permissions, say) comes back as an error.
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("checking %s: %w", path, err)
	}

	return !info.IsDir(), nil
}

// parseConfigFile reads one JSON/JSONC file into a Config.
func parseConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	// Standardize strips comments and trailing commas, leaving plain JSON.
	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg := Config{}
	if err := json.Unmarshal(std, &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
	}

	return cfg, nil
}

// mergeConfigs overlays override onto base. Zero values in override leave
// the base value alone.
func mergeConfigs(base, override *Config) Config {
	out := *base

	keep := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	keep(&out.Identity.AuthorName, override.Identity.AuthorName)
	keep(&out.Identity.AuthorEmail, override.Identity.AuthorEmail)
	keep(&out.Identity.CommitterName, override.Identity.CommitterName)
	keep(&out.Identity.CommitterEmail, override.Identity.CommitterEmail)
	keep(&out.RunAs, override.RunAs)
	keep(&out.CacheDir, override.CacheDir)
	keep(&out.StreamURL, override.StreamURL)
	keep(&out.LogFile, override.LogFile)

	if override.OutputLimit > 0 {
		out.OutputLimit = override.OutputLimit
	}

	if override.BuildTimeout > 0 {
		out.BuildTimeout = override.BuildTimeout
	}

	if override.TestTimeout > 0 {
		out.TestTimeout = override.TestTimeout
	}

	return out
}

// userConfigBase returns the global config path without extension,
// honoring XDG_CONFIG_HOME from the provided environment.
func userConfigBase(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "testcage", "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	return filepath.Join(home, ".config", "testcage", "config"), nil
}

// defaultCacheDir resolves the artifact cache root. An explicit setting
// wins, then $XDG_CACHE_HOME/testcage, then ~/.cache/testcage.
func defaultCacheDir(configured string, env map[string]string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if xdg, ok := env["XDG_CACHE_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "testcage"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	return filepath.Join(home, ".cache", "testcage"), nil
}

//go:build linux

package main

import (
	"maps"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// configView is the slice of Config the layering grid cares about;
// comparable, so cases assert with one equality check.
type configView struct {
	Identity         IdentityConfig
	RunAs            string
	CacheDir         string
	LogFile          string
	BuildTimeout     Duration
	TestTimeout      Duration
	Toolchain        string
	ToolchainVersion string
}

func viewOf(cfg Config) configView {
	return configView{
		Identity:         cfg.Identity,
		RunAs:            cfg.RunAs,
		CacheDir:         cfg.CacheDir,
		LogFile:          cfg.LogFile,
		BuildTimeout:     cfg.BuildTimeout,
		TestTimeout:      cfg.TestTimeout,
		Toolchain:        cfg.Toolchain,
		ToolchainVersion: cfg.ToolchainVersion,
	}
}

func Test_LoadConfig_ResolvesFileAndEnvLayers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		xdgFiles   map[string]string // under XDG_CONFIG_HOME
		workFiles  map[string]string // under the work dir
		configPath string            // --config flag value
		env        map[string]string // TESTCAGE_* overrides
		want       Config
		wantErr    string // error substring; empty means success
	}{
		{
			name: "defaults when no config files",
			want: Config{
				BuildTimeout: Duration(10 * time.Minute),
				TestTimeout:  Duration(10 * time.Minute),
			},
		},
		{
			name: "global config .json",
			xdgFiles: map[string]string{
				"testcage/config.json": `{"run_as": "builder", "cache_dir": "/var/cache/tc"}`,
			},
			want: Config{
				RunAs:        "builder",
				CacheDir:     "/var/cache/tc",
				BuildTimeout: Duration(10 * time.Minute),
				TestTimeout:  Duration(10 * time.Minute),
			},
		},
		{
			name: "global config .jsonc with comments",
			xdgFiles: map[string]string{
				"testcage/config.jsonc": `{
					// the automation identity
					"identity": {
						"author_name": "CI Bot",
						"author_email": "ci@example.com"
					}
				}`,
			},
			want: Config{
				Identity: IdentityConfig{
					AuthorName:     "CI Bot",
					AuthorEmail:    "ci@example.com",
					CommitterName:  "CI Bot",
					CommitterEmail: "ci@example.com",
				},
				BuildTimeout: Duration(10 * time.Minute),
				TestTimeout:  Duration(10 * time.Minute),
			},
		},
		{
			name: "comments allowed in .json too",
			xdgFiles: map[string]string{
				"testcage/config.json": `{
					/* block comment */
					"log_file": "/var/log/testcage.jsonl"
				}`,
			},
			want: Config{
				LogFile:      "/var/log/testcage.jsonl",
				BuildTimeout: Duration(10 * time.Minute),
				TestTimeout:  Duration(10 * time.Minute),
			},
		},
		{
			name: "error when both .json and .jsonc exist",
			xdgFiles: map[string]string{
				"testcage/config.json":  `{"run_as": "a"}`,
				"testcage/config.jsonc": `{"run_as": "b"}`,
			},
			wantErr: "remove one",
		},
		{
			name: "explicit --config replaces global lookup",
			xdgFiles: map[string]string{
				"testcage/config.json": `{"run_as": "global-user"}`,
			},
			workFiles: map[string]string{
				"custom.jsonc": `{"run_as": "explicit-user"}`,
			},
			configPath: "custom.jsonc",
			want: Config{
				RunAs:        "explicit-user",
				BuildTimeout: Duration(10 * time.Minute),
				TestTimeout:  Duration(10 * time.Minute),
			},
		},
		{
			name:       "missing explicit --config file errors",
			configPath: "nonexistent.json",
			wantErr:    "nonexistent.json",
		},
		{
			name: "invalid json in global config",
			xdgFiles: map[string]string{
				"testcage/config.json": `{invalid}`,
			},
			wantErr: "parsing config",
		},
		{
			name: "timeouts parse from duration strings",
			xdgFiles: map[string]string{
				"testcage/config.json": `{"build_timeout": "90s", "test_timeout": "3m"}`,
			},
			want: Config{
				BuildTimeout: Duration(90 * time.Second),
				TestTimeout:  Duration(3 * time.Minute),
			},
		},
		{
			name: "non-string timeout is an error",
			xdgFiles: map[string]string{
				"testcage/config.json": `{"build_timeout": 90}`,
			},
			wantErr: "duration must be a string",
		},
		{
			name: "malformed timeout is an error",
			xdgFiles: map[string]string{
				"testcage/config.json": `{"test_timeout": "fast"}`,
			},
			wantErr: "parsing duration",
		},
		{
			name: "environment overrides config file",
			xdgFiles: map[string]string{
				"testcage/config.json": `{"run_as": "from-file", "cache_dir": "/from/file"}`,
			},
			env: map[string]string{
				"TESTCAGE_RUN_AS": "from-env",
			},
			want: Config{
				RunAs:        "from-env",
				CacheDir:     "/from/file",
				BuildTimeout: Duration(10 * time.Minute),
				TestTimeout:  Duration(10 * time.Minute),
			},
		},
		{
			name: "identity from environment",
			env: map[string]string{
				"TESTCAGE_AUTHOR_NAME":  "Env Bot",
				"TESTCAGE_AUTHOR_EMAIL": "bot@example.com",
			},
			want: Config{
				Identity: IdentityConfig{
					AuthorName:     "Env Bot",
					AuthorEmail:    "bot@example.com",
					CommitterName:  "Env Bot",
					CommitterEmail: "bot@example.com",
				},
				BuildTimeout: Duration(10 * time.Minute),
				TestTimeout:  Duration(10 * time.Minute),
			},
		},
		{
			name: "explicit committer halves are kept",
			env: map[string]string{
				"TESTCAGE_AUTHOR_NAME":     "Author",
				"TESTCAGE_AUTHOR_EMAIL":    "author@example.com",
				"TESTCAGE_COMMITTER_NAME":  "Committer",
				"TESTCAGE_COMMITTER_EMAIL": "committer@example.com",
			},
			want: Config{
				Identity: IdentityConfig{
					AuthorName:     "Author",
					AuthorEmail:    "author@example.com",
					CommitterName:  "Committer",
					CommitterEmail: "committer@example.com",
				},
				BuildTimeout: Duration(10 * time.Minute),
				TestTimeout:  Duration(10 * time.Minute),
			},
		},
		{
			name: "toolchain pin from environment",
			env: map[string]string{
				"TESTCAGE_TOOLCHAIN":         "go",
				"TESTCAGE_TOOLCHAIN_VERSION": "1.25.5",
			},
			want: Config{
				Toolchain:        "go",
				ToolchainVersion: "1.25.5",
				BuildTimeout:     Duration(10 * time.Minute),
				TestTimeout:      Duration(10 * time.Minute),
			},
		},
		{
			name: "malformed TESTCAGE_NETWORK is an error",
			env: map[string]string{
				"TESTCAGE_NETWORK": "definitely",
			},
			wantErr: "TESTCAGE_NETWORK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			workDir := t.TempDir()
			xdgHome := t.TempDir()

			for path, content := range tt.xdgFiles {
				writeTestFile(t, filepath.Join(xdgHome, path), content)
			}

			for path, content := range tt.workFiles {
				writeTestFile(t, filepath.Join(workDir, path), content)
			}

			env := map[string]string{"XDG_CONFIG_HOME": xdgHome}
			maps.Copy(env, tt.env)

			got, err := LoadConfig(LoadConfigInput{
				WorkDirOverride: workDir,
				ConfigPath:      tt.configPath,
				Env:             env,
			})

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}

			if viewOf(got) != viewOf(tt.want) {
				t.Errorf("resolved config mismatch\n got: %+v\nwant: %+v", viewOf(got), viewOf(tt.want))
			}

			if got.EffectiveCwd != workDir {
				t.Errorf("EffectiveCwd = %q, want %q", got.EffectiveCwd, workDir)
			}
		})
	}
}

func Test_LoadConfig_TESTCAGE_NETWORK_Parses_Bool_Forms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"0", false},
		{"false", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()

			cfg, err := LoadConfig(LoadConfigInput{
				WorkDirOverride: t.TempDir(),
				Env: map[string]string{
					"XDG_CONFIG_HOME":  t.TempDir(),
					"TESTCAGE_NETWORK": tt.value,
				},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.Network == nil {
				t.Fatal("Network should be set")
			}

			if *cfg.Network != tt.want {
				t.Errorf("Network: got %v, want %v", *cfg.Network, tt.want)
			}
		})
	}
}

func Test_LoadConfig_Network_Stays_Unset_Without_Env(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: t.TempDir(),
		Env:             map[string]string{"XDG_CONFIG_HOME": t.TempDir()},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Network != nil {
		t.Errorf("Network should stay nil without TESTCAGE_NETWORK, got %v", *cfg.Network)
	}
}

func Test_LoadConfig_TESTCAGE_DEBUG_Enables_Debug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"0", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run("value_"+tt.value, func(t *testing.T) {
			t.Parallel()

			cfg, err := LoadConfig(LoadConfigInput{
				WorkDirOverride: t.TempDir(),
				Env: map[string]string{
					"XDG_CONFIG_HOME": t.TempDir(),
					"TESTCAGE_DEBUG":  tt.value,
				},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.Debug != tt.want {
				t.Errorf("Debug: got %v, want %v", cfg.Debug, tt.want)
			}
		})
	}
}

func Test_DefaultCacheDir_Prefers_Configured_Value(t *testing.T) {
	t.Parallel()

	dir, err := defaultCacheDir("/explicit/cache", map[string]string{"XDG_CACHE_HOME": "/xdg"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir != "/explicit/cache" {
		t.Errorf("got %q, want /explicit/cache", dir)
	}
}

func Test_DefaultCacheDir_Falls_Back_To_XDG(t *testing.T) {
	t.Parallel()

	dir, err := defaultCacheDir("", map[string]string{"XDG_CACHE_HOME": "/xdg-cache"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir != filepath.Join("/xdg-cache", "testcage") {
		t.Errorf("got %q, want /xdg-cache/testcage", dir)
	}
}

func Test_DefaultCacheDir_Falls_Back_To_Home_Cache(t *testing.T) {
	t.Parallel()

	dir, err := defaultCacheDir("", map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasSuffix(dir, filepath.Join(".cache", "testcage")) {
		t.Errorf("got %q, want a path ending in .cache/testcage", dir)
	}
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

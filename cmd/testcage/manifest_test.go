//go:build linux

package main

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func Test_LoadManifest_ParsesAndValidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		files    map[string]string // path -> content (relative to workspace)
		explicit string            // --manifest flag value
		want     *Manifest
		wantErr  string // substring of error message, empty means no error
	}{
		{
			name: "scalar commands wrap in a shell",
			files: map[string]string{
				".testcage.yml": `
toolchain:
  name: go
  version: 1.25.5
build:
  command: go build ./...
test:
  command: go test ./...
`,
			},
			want: &Manifest{
				Toolchain: ToolchainManifest{Name: "go", Version: "1.25.5"},
				Build:     PhaseManifest{Command: Argv{"/bin/sh", "-c", "go build ./..."}},
				Test:      PhaseManifest{Command: Argv{"/bin/sh", "-c", "go test ./..."}},
			},
		},
		{
			name: "sequence commands stay exact argv",
			files: map[string]string{
				".testcage.yml": `
test:
  command: ["cargo", "test", "--workspace"]
`,
			},
			want: &Manifest{
				Test: PhaseManifest{Command: Argv{"cargo", "test", "--workspace"}},
			},
		},
		{
			name: "timeouts parse from duration strings",
			files: map[string]string{
				".testcage.yml": `
build:
  command: make
  timeout: 90s
test:
  command: make test
  timeout: 10m
`,
			},
			want: &Manifest{
				Build: PhaseManifest{Command: Argv{"/bin/sh", "-c", "make"}, Timeout: Duration(90 * time.Second)},
				Test:  PhaseManifest{Command: Argv{"/bin/sh", "-c", "make test"}, Timeout: Duration(10 * time.Minute)},
			},
		},
		{
			name: "sandbox env cache and commit sections",
			files: map[string]string{
				".testcage.yaml": `
test:
  command: pytest
sandbox:
  network: true
  ro: ["/opt/data"]
  rw: ["/var/tmp/shared"]
  exclude: [".env"]
env:
  pass: [CI, CI_TOKEN]
  set:
    PYTHONDONTWRITEBYTECODE: "1"
cache:
  paths: [".venv"]
  key_files: ["requirements.lock"]
commit:
  message: "ci: green run"
`,
			},
			want: &Manifest{
				Test: PhaseManifest{Command: Argv{"/bin/sh", "-c", "pytest"}},
				Sandbox: SandboxManifest{
					Network: boolPtr(true),
					Ro:      []string{"/opt/data"},
					Rw:      []string{"/var/tmp/shared"},
					Exclude: []string{".env"},
				},
				Env: EnvManifest{
					Pass: []string{"CI", "CI_TOKEN"},
					Set:  map[string]string{"PYTHONDONTWRITEBYTECODE": "1"},
				},
				Cache:  CacheManifest{Paths: []string{".venv"}, KeyFiles: []string{"requirements.lock"}},
				Commit: CommitManifest{Message: "ci: green run"},
			},
		},
		{
			name: "installer argv parses",
			files: map[string]string{
				".testcage.yml": `
toolchain:
  name: go
  version: 1.25.5
  install_root: /opt/toolchains/go
  installer: ["/usr/local/bin/install-go.sh"]
test:
  command: go test ./...
`,
			},
			want: &Manifest{
				Toolchain: ToolchainManifest{
					Name:        "go",
					Version:     "1.25.5",
					InstallRoot: "/opt/toolchains/go",
					Installer:   Argv{"/usr/local/bin/install-go.sh"},
				},
				Test: PhaseManifest{Command: Argv{"/bin/sh", "-c", "go test ./..."}},
			},
		},
		{
			name: "missing test command is rejected",
			files: map[string]string{
				".testcage.yml": `
build:
  command: make
`,
			},
			wantErr: "test.command is required",
		},
		{
			name: "blank scalar command is rejected",
			files: map[string]string{
				".testcage.yml": `
test:
  command: "  "
`,
			},
			wantErr: "test.command is required",
		},
		{
			name: "latest version pin is rejected",
			files: map[string]string{
				".testcage.yml": `
toolchain:
  name: go
  version: latest
test:
  command: go test ./...
`,
			},
			wantErr: `toolchain.version must pin an exact version, not "latest"`,
		},
		{
			name: "unknown keys fail loudly",
			files: map[string]string{
				".testcage.yml": `
test:
  command: make test
  timeuot: 90s
`,
			},
			wantErr: "parsing manifest",
		},
		{
			name: "mapping command is rejected",
			files: map[string]string{
				".testcage.yml": `
test:
  command:
    run: make test
`,
			},
			wantErr: "command must be a string or a list of strings",
		},
		{
			name: "non-string timeout is rejected",
			files: map[string]string{
				".testcage.yml": `
test:
  command: make test
  timeout: [90]
`,
			},
			wantErr: `timeout must be a string like "90s"`,
		},
		{
			name: "malformed timeout is rejected",
			files: map[string]string{
				".testcage.yml": `
test:
  command: make test
  timeout: quick
`,
			},
			wantErr: "parsing timeout",
		},
		{
			name: "both manifest spellings is an error",
			files: map[string]string{
				".testcage.yml":  "test:\n  command: make\n",
				".testcage.yaml": "test:\n  command: make\n",
			},
			wantErr: "remove one",
		},
		{
			name:    "no manifest is an error",
			files:   map[string]string{},
			wantErr: "no manifest found",
		},
		{
			name: "empty manifest is rejected by validation",
			files: map[string]string{
				".testcage.yml": "",
			},
			wantErr: "test.command is required",
		},
		{
			name: "explicit manifest path bypasses the lookup",
			files: map[string]string{
				"ci/testcage.yml": `
test:
  command: make test
`,
			},
			explicit: "ci/testcage.yml",
			want: &Manifest{
				Test: PhaseManifest{Command: Argv{"/bin/sh", "-c", "make test"}},
			},
		},
		{
			name:     "explicit manifest path not found is an error",
			files:    map[string]string{},
			explicit: "missing.yml",
			wantErr:  "missing.yml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			workspace := t.TempDir()
			for path, content := range tt.files {
				writeTestFile(t, filepath.Join(workspace, path), content)
			}

			got, path, err := LoadManifest(workspace, tt.explicit)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if path == "" {
				t.Error("expected a non-empty manifest path")
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("manifest mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func Test_LoadManifest_Surfaces_ErrNoManifest(t *testing.T) {
	t.Parallel()

	_, _, err := LoadManifest(t.TempDir(), "")

	if !errors.Is(err, ErrNoManifest) {
		t.Errorf("want ErrNoManifest, got %v", err)
	}
}

func Test_LoadManifest_Surfaces_ErrDuplicateManifests(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	for _, name := range []string{".testcage.yml", ".testcage.yaml"} {
		writeTestFile(t, filepath.Join(workspace, name), "test:\n  command: make\n")
	}

	_, _, err := LoadManifest(workspace, "")

	if !errors.Is(err, ErrDuplicateManifests) {
		t.Errorf("want ErrDuplicateManifests, got %v", err)
	}
}

func boolPtr(v bool) *bool {
	return &v
}

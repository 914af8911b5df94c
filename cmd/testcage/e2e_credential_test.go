//go:build linux

package main

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
)

// requireUser skips the test when the named user does not exist on the
// host.
func requireUser(t *testing.T, name string) *user.User {
	t.Helper()

	u, err := user.Lookup(name)
	if err != nil {
		t.Skipf("test requires user %q: %v", name, err)
	}

	return u
}

// defaultDropUser resolves the user an elevated run drops to when nothing
// is configured: "testcage" when present, otherwise "nobody".
func defaultDropUser(t *testing.T) *user.User {
	t.Helper()

	for _, name := range []string{"testcage", "nobody"} {
		u, err := user.Lookup(name)
		if err == nil {
			return u
		}
	}

	t.Skip("no unprivileged user to drop to on this host")

	return nil
}

func Test_Run_Elevated_Drops_To_The_Default_User(t *testing.T) {
	t.Parallel()
	RequireRoot(t)
	RequireSandbox(t)

	drop := defaultDropUser(t)

	c := NewCLITester(t)
	c.WriteFile(".testcage.yml", gitPinnedManifest(t, `test:
  command: ["sh", "-c", "id -u"]
`))

	stdout := c.MustRun("run", "--json")
	rep := decodeReport(t, stdout)

	if len(rep.Invocations) != 1 {
		t.Fatalf("expected one invocation, got %d", len(rep.Invocations))
	}

	got := strings.TrimSpace(rep.Invocations[0].Stdout)
	if got != drop.Uid {
		t.Errorf("sandboxed uid: got %q, want %q (%s)", got, drop.Uid, drop.Username)
	}
}

func Test_Run_RunAs_Flag_Selects_The_Drop_User(t *testing.T) {
	t.Parallel()
	RequireRoot(t)
	RequireSandbox(t)

	nobody := requireUser(t, "nobody")

	c := NewCLITester(t)
	c.WriteFile(".testcage.yml", gitPinnedManifest(t, `test:
  command: ["sh", "-c", "id -u"]
`))

	stdout := c.MustRun("run", "--run-as", "nobody", "--json")
	rep := decodeReport(t, stdout)

	got := strings.TrimSpace(rep.Invocations[0].Stdout)
	if got != nobody.Uid {
		t.Errorf("sandboxed uid: got %q, want %q", got, nobody.Uid)
	}
}

func Test_Run_RunAs_From_The_Environment(t *testing.T) {
	t.Parallel()
	RequireRoot(t)
	RequireSandbox(t)

	nobody := requireUser(t, "nobody")

	c := NewCLITester(t)
	c.Env["TESTCAGE_RUN_AS"] = "nobody"
	c.WriteFile(".testcage.yml", gitPinnedManifest(t, `test:
  command: ["sh", "-c", "id -u"]
`))

	stdout := c.MustRun("run", "--json")
	rep := decodeReport(t, stdout)

	got := strings.TrimSpace(rep.Invocations[0].Stdout)
	if got != nobody.Uid {
		t.Errorf("sandboxed uid: got %q, want %q", got, nobody.Uid)
	}
}

func Test_Run_NoDrop_Keeps_Root(t *testing.T) {
	t.Parallel()
	RequireRoot(t)
	RequireSandbox(t)

	c := NewCLITester(t)
	c.WriteFile(".testcage.yml", gitPinnedManifest(t, `test:
  command: ["sh", "-c", "id -u"]
`))

	stdout := c.MustRun("run", "--no-drop", "--json")
	rep := decodeReport(t, stdout)

	got := strings.TrimSpace(rep.Invocations[0].Stdout)
	if got != "0" {
		t.Errorf("sandboxed uid: got %q, want 0", got)
	}
}

func Test_Run_Dropped_Run_Owns_Workspace_Artifacts(t *testing.T) {
	t.Parallel()
	RequireRoot(t)
	RequireSandbox(t)

	nobody := requireUser(t, "nobody")

	wantUID, err := strconv.ParseUint(nobody.Uid, 10, 32)
	if err != nil {
		t.Fatalf("parsing uid %q: %v", nobody.Uid, err)
	}

	c := NewCLITester(t)
	c.WriteFile(".testcage.yml", gitPinnedManifest(t, `test:
  command: ["sh", "-c", "echo artifact > out.txt"]
`))

	c.MustRun("run", "--run-as", "nobody")

	info, err := os.Stat(filepath.Join(c.Dir, "out.txt"))
	if err != nil {
		t.Fatalf("stat artifact: %v", err)
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		t.Fatalf("unexpected stat type %T", info.Sys())
	}

	if st.Uid != uint32(wantUID) {
		t.Errorf("artifact owner: got uid %d, want %d", st.Uid, wantUID)
	}
}

func Test_Run_Elevated_Unknown_RunAs_Exits_13(t *testing.T) {
	t.Parallel()
	RequireRoot(t)
	RequireBwrap(t)

	c := NewCLITester(t)
	c.WriteFile(".testcage.yml", gitPinnedManifest(t, `test:
  command: ["true"]
`))

	_, stderr, code := c.Run("run", "--run-as", "no-such-user-xyz")

	if code != 13 {
		t.Fatalf("expected exit code 13, got %d\nstderr: %s", code, stderr)
	}

	AssertContains(t, stderr, "resolving run-as user")
}

func Test_Run_Unprivileged_RunAs_Exits_13(t *testing.T) {
	t.Parallel()
	RequireLinux(t)
	RequireBwrap(t)

	if os.Getuid() == 0 {
		t.Skip("test requires an unprivileged harness")
	}

	c := NewCLITester(t)
	c.Env["TESTCAGE_RUN_AS"] = "nobody"
	c.WriteFile(".testcage.yml", gitPinnedManifest(t, `test:
  command: ["true"]
`))

	_, stderr, code := c.Run("run")

	if code != 13 {
		t.Fatalf("expected exit code 13, got %d\nstderr: %s", code, stderr)
	}

	AssertContains(t, stderr, "requires an elevated harness")
}

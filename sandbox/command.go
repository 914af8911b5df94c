//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"syscall"
)

// firstExtraFD is where ExtraFiles land in the child (after stdio).
const firstExtraFD = 3

// Command builds an unstarted [exec.Cmd] running argv inside the sandbox.
//
// The returned cleanup releases per-invocation resources (the mask-file FD)
// and must be called once the command is done with, started or not. Calling
// it more than once is fine.
//
// The child is placed in its own process group, so callers can signal the
// whole group through the negated pid. With [Config.RunAs] set, the kernel
// applies the credential at fork/exec, before bwrap or anything sandboxed
// runs a single instruction.
//
// Stdin/Stdout/Stderr are left for the caller to wire up before starting.
func (s *Sandbox) Command(ctx context.Context, argv []string) (*exec.Cmd, func() error, error) {
	noop := func() error { return nil }

	switch {
	case s == nil || s.snap == nil || s.plan == nil:
		return nil, noop, errors.New("sandbox: uninitialized sandbox (use New or NewWithEnvironment)")
	case len(argv) == 0:
		return nil, noop, errors.New("sandbox: no command provided")
	}

	bwrapPath, err := exec.LookPath("bwrap")
	if err != nil {
		return nil, noop, fmt.Errorf("sandbox: bwrap not found in PATH: %w", err)
	}

	args := slices.Clone(s.plan.args)

	var (
		maskFile *os.File
		cleanup  = noop
	)

	if s.plan.maskFD {
		// File exclusions read from an inherited always-empty FD. Open it
		// now and patch its child-side number into the argv.
		maskFile, err = os.Open(os.DevNull)
		if err != nil {
			return nil, noop, fmt.Errorf("open %s for empty exclusion source: %w", os.DevNull, err)
		}

		cleanup = closeOnce(maskFile)

		patched := 0

		for i, arg := range args {
			if arg == maskFDToken {
				args[i] = strconv.Itoa(firstExtraFD)
				patched++
			}
		}

		if patched == 0 {
			return nil, noop, errors.Join(internalErrorf("Command", "mask FD token missing from argv"), cleanup())
		}
	}

	for _, ch := range s.plan.chmods {
		args = append(args, "--chmod", fmt.Sprintf("%04o", ch.mode.Perm()), ch.dst)
	}

	full := make([]string, 0, len(args)+1+len(argv))
	full = append(full, args...)
	full = append(full, "--")
	full = append(full, argv...)

	cmd := exec.CommandContext(ctx, bwrapPath, full...)
	cmd.Dir = s.snap.env.WorkDir
	cmd.Env = slices.Clone(s.snap.environ)

	if maskFile != nil {
		cmd.ExtraFiles = []*os.File{maskFile}
	}

	attr := &syscall.SysProcAttr{Setpgid: true}
	if s.snap.cfg.RunAs != nil {
		attr.Credential = s.snap.cfg.RunAs.sysCredential()
	}

	cmd.SysProcAttr = attr

	if debugf := s.snap.cfg.Debugf; debugf != nil {
		runAs := "-"
		if cred := s.snap.cfg.RunAs; cred != nil {
			runAs = fmt.Sprintf("%s(%d:%d)", cred.Username, cred.Uid, cred.Gid)
		}

		debugf("sandbox(command): argv0=%q bwrap=%q args=%d mask=%t chmods=%d runAs=%s", argv[0], bwrapPath, len(args), maskFile != nil, len(s.plan.chmods), runAs)
	}

	return cmd, cleanup, nil
}

func closeOnce(f *os.File) func() error {
	var (
		once sync.Once
		err  error
	)

	return func() error {
		once.Do(func() {
			err = f.Close()
		})

		return err
	}
}

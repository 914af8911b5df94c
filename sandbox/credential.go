//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// defaultRunAsUsers is the lookup chain tried when no run-as user is
// configured explicitly.
var defaultRunAsUsers = []string{"testcage", "nobody"}

// ErrNoUnprivilegedUser is returned by [ResolveRunAs] when no run-as user was
// configured and none of the default candidates exist on the host.
var ErrNoUnprivilegedUser = errors.New("sandbox: no unprivileged user available (tried testcage, nobody)")

// userLookup is overridable in tests.
var userLookup = user.Lookup

// Credential identifies the unprivileged user a sandboxed command runs as.
//
// The switch happens atomically at fork/exec through
// [syscall.SysProcAttr.Credential]: the kernel applies it before the child
// executes a single instruction, so no code ever runs sandboxed with the
// parent's uid. Supplementary groups are cleared during the switch.
type Credential struct {
	// Username is the account name the credential was resolved from.
	// Informational; the kernel only sees Uid/Gid/Groups.
	Username string

	// Uid is the numeric user id the sandboxed process runs as.
	Uid uint32

	// Gid is the numeric primary group id.
	Gid uint32

	// Groups lists supplementary group ids. Leave nil to clear all
	// supplementary groups at the switch.
	Groups []uint32
}

// ResolveRunAs resolves a user name to a [Credential].
//
// An empty name tries the default candidates ("testcage", then "nobody") and
// returns [ErrNoUnprivilegedUser] when none exists. A non-empty name must
// resolve; there is no fallback for explicitly configured users.
func ResolveRunAs(name string) (*Credential, error) {
	if name != "" {
		cred, err := lookupCredential(name)
		if err != nil {
			return nil, fmt.Errorf("sandbox: resolving run-as user %q: %w", name, err)
		}

		return cred, nil
	}

	for _, candidate := range defaultRunAsUsers {
		cred, err := lookupCredential(candidate)
		if err == nil {
			return cred, nil
		}

		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			continue
		}

		return nil, fmt.Errorf("sandbox: resolving run-as user %q: %w", candidate, err)
	}

	return nil, ErrNoUnprivilegedUser
}

func lookupCredential(name string) (*Credential, error) {
	u, err := userLookup(name)
	if err != nil {
		return nil, err
	}

	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}

	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}

	return &Credential{
		Username: name,
		Uid:      uint32(uid),
		Gid:      uint32(gid),
	}, nil
}

// sysCredential converts c into the form [syscall.SysProcAttr] expects.
func (c *Credential) sysCredential() *syscall.Credential {
	return &syscall.Credential{
		Uid:    c.Uid,
		Gid:    c.Gid,
		Groups: c.Groups,
	}
}

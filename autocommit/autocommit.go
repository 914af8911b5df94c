// Package autocommit commits a passing run's workspace changes under a
// dedicated automation identity.
//
// The identity always comes from configuration. Ambient git identity on
// the host (~/.gitconfig, GIT_AUTHOR_* in the environment) must never leak
// into a commit, so every commit carries both the -c user.name/user.email
// overrides and the full GIT_AUTHOR_*/GIT_COMMITTER_* variable set.
package autocommit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Identity is the automation identity commits are made under. All four
// fields are required; defaulting the committer to the author is a
// configuration-time concern, not a commit-time one.
type Identity struct {
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string
}

// Validate checks that every identity field is set.
func (id Identity) Validate() error {
	var errs []error

	if id.AuthorName == "" {
		errs = append(errs, errors.New("author name is required"))
	}
	if id.AuthorEmail == "" {
		errs = append(errs, errors.New("author email is required"))
	}
	if id.CommitterName == "" {
		errs = append(errs, errors.New("committer name is required"))
	}
	if id.CommitterEmail == "" {
		errs = append(errs, errors.New("committer email is required"))
	}

	return errors.Join(errs...)
}

// env returns the environment overrides that pin the commit identity.
// Appended after os.Environ, they win over anything ambient.
func (id Identity) env() []string {
	return []string{
		"GIT_AUTHOR_NAME=" + id.AuthorName,
		"GIT_AUTHOR_EMAIL=" + id.AuthorEmail,
		"GIT_COMMITTER_NAME=" + id.CommitterName,
		"GIT_COMMITTER_EMAIL=" + id.CommitterEmail,
	}
}

// Repository wraps git operations on one working tree. Every command runs
// as "git -C <dir>"; failures embed the trimmed stderr so the caller's
// error message says what git actually complained about.
type Repository struct {
	dir string
}

// NewRepository returns a repository for the working tree at dir. The
// directory is not validated here; use IsRepo.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the working tree path.
func (r *Repository) Dir() string {
	return r.dir
}

// IsRepo reports whether the directory is inside a git working tree.
func (r *Repository) IsRepo(ctx context.Context) bool {
	out, err := r.run(ctx, nil, "rev-parse", "--is-inside-work-tree")

	return err == nil && out == "true"
}

// IsDirty reports whether the working tree has any changes, including
// untracked files. A clean tree means there is nothing to commit.
func (r *Repository) IsDirty(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, nil, "status", "--porcelain")
	if err != nil {
		return false, err
	}

	return out != "", nil
}

// Head returns the commit hash of HEAD.
func (r *Repository) Head(ctx context.Context) (string, error) {
	return r.run(ctx, nil, "rev-parse", "HEAD")
}

// CommitAll stages every change (git add -A) and commits it under the
// given identity, with commit signing disabled. It returns the hash of
// the new commit.
func (r *Repository) CommitAll(ctx context.Context, id Identity, message string) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}

	if _, err := r.run(ctx, nil, "add", "-A"); err != nil {
		return "", err
	}

	args := []string{
		"-c", "user.name=" + id.AuthorName,
		"-c", "user.email=" + id.AuthorEmail,
		"-c", "commit.gpgsign=false",
		"commit", "--quiet", "-m", message,
	}
	if _, err := r.run(ctx, id.env(), args...); err != nil {
		return "", err
	}

	return r.Head(ctx)
}

// WithRunID appends a Run-Id trailer to a commit message so a commit can
// be traced back to the run log that produced it.
func WithRunID(message, runID string) string {
	return strings.TrimRight(message, "\n") + "\n\nRun-Id: " + runID + "\n"
}

func (r *Repository) run(ctx context.Context, extraEnv []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", r.dir}, args...)...)
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		op := args[0]
		if op == "-c" {
			op = "commit"
		}

		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)", op, r.dir, err, strings.TrimSpace(stderr.String()))
	}

	return strings.TrimSpace(stdout.String()), nil
}

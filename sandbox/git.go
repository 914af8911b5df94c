//go:build linux

package sandbox

// The @git presets keep repository metadata out of reach of the commands
// running inside the sandbox. Hooks and config stay read-only so a test
// cannot plant a hook that later fires outside the sandbox with the
// harness's privileges. The strict variant additionally freezes every branch
// ref except the checked-out one, which stays writable so a commit after a
// passing run still works.
import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// repoLayout describes where a workspace keeps its git metadata.
type repoLayout struct {
	// gitDir is the effective git directory ("" when workDir is not a repo).
	gitDir string

	// mainRepo is set when workDir is a linked worktree: the root of the
	// repository that owns it.
	mainRepo string
}

// gitPresetRules returns the policy mounts protecting git metadata, or nil
// when workDir is not a repository.
func gitPresetRules(workDir string, strict bool) ([]Mount, error) {
	layout, err := locateRepo(workDir)
	if err != nil {
		return nil, err
	}

	if layout.gitDir == "" {
		return nil, nil
	}

	mounts := []Mount{
		ROTry(filepath.Join(layout.gitDir, "hooks")),
		ROTry(filepath.Join(layout.gitDir, "config")),
	}

	if layout.mainRepo != "" {
		// A worktree's git dir lives inside the main repo under
		// .git/worktrees/<name> and git writes lock files there
		// (index.lock and friends). @base may have made that subtree
		// read-only through the home mount, so grant it back explicitly,
		// and protect the main repo's hooks and config too.
		mounts = append(mounts,
			RW(layout.gitDir),
			ROTry(filepath.Join(layout.mainRepo, ".git", "hooks")),
			ROTry(filepath.Join(layout.mainRepo, ".git", "config")),
		)
	}

	if strict {
		frozen, err := strictRefRules(layout)
		if err != nil {
			return nil, err
		}

		mounts = append(mounts, frozen...)
	}

	return mounts, nil
}

// strictRefRules freezes branch refs, tags and packed-refs, leaving only the
// currently checked-out branch writable.
func strictRefRules(layout repoLayout) ([]Mount, error) {
	branch, detached, err := currentBranch(layout.gitDir)
	if err != nil {
		return nil, err
	}

	commonDir := layout.gitDir
	if layout.mainRepo != "" {
		commonDir = filepath.Join(layout.mainRepo, ".git")
	}

	headsDir := filepath.Join(commonDir, "refs", "heads")

	info, err := os.Stat(headsDir)
	if err != nil {
		return nil, fmt.Errorf("git heads dir %q: %w", headsDir, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("git heads dir %q is not a directory", headsDir)
	}

	// Committing creates refs/heads/<branch>.lock, so the directory itself
	// has to stay writable. Freeze the individual ref files instead,
	// skipping the current branch.
	refs, err := branchRefFiles(headsDir)
	if err != nil {
		return nil, err
	}

	keepWritable := ""
	if !detached {
		keepWritable = filepath.Join(headsDir, filepath.FromSlash(branch))
	}

	var mounts []Mount

	for _, ref := range refs {
		if ref == keepWritable {
			continue
		}

		mounts = append(mounts, RO(ref))
	}

	mounts = append(mounts, RO(filepath.Join(commonDir, "refs", "tags")))

	packedRefs := filepath.Join(commonDir, "packed-refs")

	info, err = os.Stat(packedRefs)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("stat packed refs %q: %w", packedRefs, err)
	case info.IsDir():
		return nil, fmt.Errorf("packed refs %q is a directory", packedRefs)
	default:
		mounts = append(mounts, RO(packedRefs))
	}

	return mounts, nil
}

// locateRepo finds the effective git directory for workDir. Both normal
// repositories (.git directory) and linked worktrees (.git file containing
// "gitdir: <path>") are supported.
func locateRepo(workDir string) (repoLayout, error) {
	dotGit := filepath.Join(workDir, ".git")

	info, err := os.Lstat(dotGit)
	if err != nil {
		if os.IsNotExist(err) {
			return repoLayout{}, nil
		}

		return repoLayout{}, fmt.Errorf("stat git path %q: %w", dotGit, err)
	}

	if info.IsDir() {
		return repoLayout{gitDir: dotGit}, nil
	}

	gitDir, err := gitDirFromFile(dotGit, workDir)
	if err != nil {
		return repoLayout{}, err
	}

	info, err = os.Stat(gitDir)
	if err != nil {
		return repoLayout{}, fmt.Errorf("gitdir %q not found: %w", gitDir, err)
	}

	if !info.IsDir() {
		return repoLayout{}, fmt.Errorf("gitdir %q is not a directory", gitDir)
	}

	layout := repoLayout{gitDir: gitDir}

	// ".../<main>/.git/worktrees/<name>" betrays a linked worktree.
	const marker = "/.git/worktrees/"
	if idx := strings.Index(gitDir, marker); idx > 0 {
		layout.mainRepo = gitDir[:idx]
	}

	return layout, nil
}

// gitDirFromFile parses a worktree-style .git file.
func gitDirFromFile(path, workDir string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read git file %q: %w", path, err)
	}

	line := strings.TrimSpace(string(data))
	if line == "" {
		return "", fmt.Errorf("git file %q is empty", path)
	}

	const prefix = "gitdir:"

	if !strings.HasPrefix(strings.ToLower(line), prefix) {
		return "", fmt.Errorf("git file %q does not start with %q", path, prefix)
	}

	gitDir := strings.TrimSpace(line[len(prefix):])
	if gitDir == "" {
		return "", fmt.Errorf("git file %q has empty gitdir path", path)
	}

	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(workDir, gitDir)
	}

	gitDir = filepath.Clean(gitDir)
	if !filepath.IsAbs(gitDir) {
		return "", fmt.Errorf("gitdir path %q from %q is not absolute", gitDir, path)
	}

	return gitDir, nil
}

// currentBranch reads HEAD and reports the checked-out branch, or detached
// state when HEAD holds a bare commit hash.
func currentBranch(gitDir string) (string, bool, error) {
	headPath := filepath.Join(gitDir, "HEAD")

	raw, err := os.ReadFile(headPath)
	if err != nil {
		return "", false, fmt.Errorf("reading HEAD %q: %w", headPath, err)
	}

	line := strings.TrimSpace(string(raw))
	if line == "" {
		return "", false, fmt.Errorf("HEAD %q is empty", headPath)
	}

	ref, ok := strings.CutPrefix(line, "ref: ")
	if !ok {
		return "", true, nil
	}

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false, fmt.Errorf("HEAD %q has empty ref", headPath)
	}

	branch, ok := strings.CutPrefix(ref, "refs/heads/")
	if !ok {
		return "", false, fmt.Errorf("HEAD %q references unsupported ref %q", headPath, ref)
	}

	if branch == "" {
		return "", false, fmt.Errorf("HEAD %q points to an empty branch", headPath)
	}

	return branch, false, nil
}

// branchRefFiles returns every ref file under refs/heads, descending into
// nested branch namespaces like feature/foo.
func branchRefFiles(headsDir string) ([]string, error) {
	var files []string

	walk := func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if !entry.IsDir() {
			files = append(files, path)
		}

		return nil
	}

	if err := filepath.WalkDir(headsDir, walk); err != nil {
		return nil, fmt.Errorf("walking %q: %w", headsDir, err)
	}

	return files, nil
}

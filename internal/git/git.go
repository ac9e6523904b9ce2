// Package git reads the state of a repository checkout: branch, pending
// changes and recent history. It never modifies the repository.
package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conclave/internal/exec"
)

// Inspector reads git state for one repository.
type Inspector struct {
	repoPath string
	runner   exec.CommandRunner
}

// NewInspector creates an inspector for the repository at repoPath. A nil
// runner uses os/exec.
func NewInspector(repoPath string, runner exec.CommandRunner) *Inspector {
	if runner == nil {
		runner = exec.NewRunner()
	}
	return &Inspector{repoPath: repoPath, runner: runner}
}

func (i *Inspector) run(ctx context.Context, args ...string) (string, error) {
	return i.runner.Run(ctx, i.repoPath, "git", args...)
}

// IsRepo reports whether git is installed and repoPath is inside a work tree.
func (i *Inspector) IsRepo(ctx context.Context) bool {
	if !i.runner.Available("git") {
		return false
	}
	out, err := i.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the name of the current branch.
func (i *Inspector) CurrentBranch(ctx context.Context) (string, error) {
	return i.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// ChangedFiles returns paths with uncommitted changes, untracked included.
func (i *Inspector) ChangedFiles(ctx context.Context) ([]string, error) {
	out, err := i.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	// The runner trims output, so the status column is found by field
	// rather than by offset.
	var files []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		files = append(files, strings.Join(fields[1:], " "))
	}
	return files, nil
}

// RecentCommits returns up to n one-line commit summaries, newest first.
// A repository without commits yields none.
func (i *Inspector) RecentCommits(ctx context.Context, n int) ([]string, error) {
	out, err := i.run(ctx, "log", "--oneline", "--no-decorate", fmt.Sprintf("-n%d", n))
	if err != nil {
		if strings.Contains(err.Error(), "does not have any commits") {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Summary renders branch, change count and recent commits as text. It
// returns "" when repoPath is not a git work tree.
func (i *Inspector) Summary(ctx context.Context, commits int) (string, error) {
	if !i.IsRepo(ctx) {
		return "", nil
	}
	var b strings.Builder
	if branch, err := i.CurrentBranch(ctx); err == nil {
		fmt.Fprintf(&b, "Git branch: %s\n", branch)
	}
	changed, err := i.ChangedFiles(ctx)
	if err != nil {
		return "", err
	}
	if len(changed) == 0 {
		b.WriteString("Working tree: clean\n")
	} else {
		fmt.Fprintf(&b, "Working tree: %d uncommitted changes\n", len(changed))
	}
	log, err := i.RecentCommits(ctx, commits)
	if err != nil {
		return "", err
	}
	if len(log) > 0 {
		b.WriteString("Recent commits:\n")
		for _, c := range log {
			fmt.Fprintf(&b, "  %s\n", c)
		}
	}
	return b.String(), nil
}

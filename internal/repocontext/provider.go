// Package repocontext builds the repository description shared with every
// worker in a workspace.
package repocontext

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/internal/exec"
	"github.com/ShayCichocki/conclave/internal/git"
)

// Provider turns a repository reference into context text.
type Provider interface {
	Context(ctx context.Context, repositoryRef string) (string, error)
}

// Static returns the same text for every repository.
type Static string

// Context implements Provider.
func (s Static) Context(context.Context, string) (string, error) {
	return string(s), nil
}

// DefaultIgnore lists directories never descended into.
var DefaultIgnore = []string{
	".git", "**/.git",
	"node_modules", "**/node_modules",
	"vendor", "**/vendor",
	".conclave", "**/__pycache__",
	"target", "dist", "build",
}

// sourceGlobs maps a language label to the files counted for it.
var sourceGlobs = []struct {
	lang    string
	pattern string
}{
	{"go", "**/*.go"},
	{"typescript", "**/*.{ts,tsx}"},
	{"javascript", "**/*.{js,jsx,mjs}"},
	{"python", "**/*.py"},
	{"rust", "**/*.rs"},
	{"sql", "**/*.sql"},
}

const (
	readmeLines   = 20
	recentCommits = 5
	maxEntries    = 40
	maxWalk       = 20000
)

// FileSystemProvider describes a local checkout: project type, build and
// test commands, git state, top-level layout, source file counts and the
// README head.
type FileSystemProvider struct {
	ignore []string
	runner exec.CommandRunner
}

// NewFileSystemProvider creates a provider. Extra ignore globs are added to
// DefaultIgnore.
func NewFileSystemProvider(ignore ...string) *FileSystemProvider {
	return &FileSystemProvider{
		ignore: append(append([]string(nil), DefaultIgnore...), ignore...),
		runner: exec.NewRunner(),
	}
}

// Context implements Provider. repositoryRef is a directory path.
func (p *FileSystemProvider) Context(ctx context.Context, repositoryRef string) (string, error) {
	if repositoryRef == "" {
		return "", errs.Validation("repository reference is empty")
	}
	root, err := filepath.Abs(repositoryRef)
	if err != nil {
		return "", errs.Validation("resolve repository %q: %v", repositoryRef, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", errs.NotFound("repository %s", root)
	}
	if !info.IsDir() {
		return "", errs.Validation("repository %s is not a directory", root)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n", root)

	pt := GetProjectTypeInfo(root)
	fmt.Fprintf(&b, "Project type: %s\n", pt.Type)
	if len(pt.BuildCommand) > 0 {
		fmt.Fprintf(&b, "Build: %s\n", strings.Join(pt.BuildCommand, " "))
	}
	if len(pt.TestCommand) > 0 {
		fmt.Fprintf(&b, "Test: %s\n", strings.Join(pt.TestCommand, " "))
	}

	if summary, err := git.NewInspector(root, p.runner).Summary(ctx, recentCommits); err == nil {
		b.WriteString(summary)
	}

	if layout := p.layout(root); len(layout) > 0 {
		b.WriteString("Top-level layout:\n")
		for _, entry := range layout {
			fmt.Fprintf(&b, "  %s\n", entry)
		}
	}

	counts, err := p.countSources(ctx, root)
	if err != nil {
		return "", err
	}
	if len(counts) > 0 {
		langs := make([]string, 0, len(counts))
		for lang := range counts {
			langs = append(langs, lang)
		}
		sort.Strings(langs)
		parts := make([]string, 0, len(langs))
		for _, lang := range langs {
			parts = append(parts, fmt.Sprintf("%s=%d", lang, counts[lang]))
		}
		fmt.Fprintf(&b, "Source files: %s\n", strings.Join(parts, " "))
	}

	if readme := readmeHead(root); readme != "" {
		b.WriteString("README:\n")
		b.WriteString(readme)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (p *FileSystemProvider) ignored(rel string) bool {
	for _, pattern := range p.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (p *FileSystemProvider) layout(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if p.ignored(name) || (strings.HasPrefix(name, ".") && e.IsDir()) {
			continue
		}
		if e.IsDir() {
			name += "/"
		}
		out = append(out, name)
		if len(out) == maxEntries {
			out = append(out, "...")
			break
		}
	}
	return out
}

func (p *FileSystemProvider) countSources(ctx context.Context, root string) (map[string]int, error) {
	counts := make(map[string]int)
	walked := 0
	err := fs.WalkDir(os.DirFS(root), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == "." {
			return nil
		}
		if d.IsDir() {
			if p.ignored(path) {
				return fs.SkipDir
			}
			return nil
		}
		walked++
		if walked > maxWalk {
			return fs.SkipAll
		}
		for _, g := range sourceGlobs {
			if ok, _ := doublestar.Match(g.pattern, path); ok {
				counts[g.lang]++
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	return counts, nil
}

func readmeHead(root string) string {
	for _, name := range []string{"README.md", "README", "readme.md", "README.txt"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		lines := strings.Split(string(data), "\n")
		if len(lines) > readmeLines {
			lines = lines[:readmeLines]
		}
		var b strings.Builder
		for _, l := range lines {
			fmt.Fprintf(&b, "  %s\n", strings.TrimRight(l, "\r"))
		}
		return b.String()
	}
	return ""
}

var _ Provider = (*FileSystemProvider)(nil)
var _ Provider = Static("")

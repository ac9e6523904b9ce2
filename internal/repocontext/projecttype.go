package repocontext

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ProjectType is the primary language or toolchain of a repository.
type ProjectType string

const (
	ProjectTypeGo      ProjectType = "go"
	ProjectTypeNode    ProjectType = "node"
	ProjectTypeRust    ProjectType = "rust"
	ProjectTypePython  ProjectType = "python"
	ProjectTypeUnknown ProjectType = "unknown"
)

// ProjectTypeInfo holds the detected type and the commands workers should
// use to build and test it.
type ProjectTypeInfo struct {
	Type         ProjectType
	BuildCommand []string
	TestCommand  []string
}

// DetectProjectType checks for well-known manifest files, most specific first.
func DetectProjectType(repoPath string) ProjectType {
	switch {
	case fileExists(filepath.Join(repoPath, "go.mod")):
		return ProjectTypeGo
	case fileExists(filepath.Join(repoPath, "Cargo.toml")):
		return ProjectTypeRust
	case fileExists(filepath.Join(repoPath, "pyproject.toml")),
		fileExists(filepath.Join(repoPath, "setup.py")),
		fileExists(filepath.Join(repoPath, "requirements.txt")):
		return ProjectTypePython
	case fileExists(filepath.Join(repoPath, "package.json")):
		return ProjectTypeNode
	}
	return ProjectTypeUnknown
}

// GetProjectTypeInfo detects the project type and its commands.
func GetProjectTypeInfo(repoPath string) *ProjectTypeInfo {
	info := &ProjectTypeInfo{Type: DetectProjectType(repoPath)}

	switch info.Type {
	case ProjectTypeGo:
		info.BuildCommand = []string{"go", "build", "./..."}
		info.TestCommand = []string{"go", "test", "./..."}
	case ProjectTypeRust:
		info.BuildCommand = []string{"cargo", "build"}
		info.TestCommand = []string{"cargo", "test"}
	case ProjectTypeNode:
		scripts := nodeScripts(repoPath)
		if _, ok := scripts["build"]; ok {
			info.BuildCommand = []string{"npm", "run", "build"}
		} else if fileExists(filepath.Join(repoPath, "tsconfig.json")) {
			info.BuildCommand = []string{"npx", "tsc", "--noEmit"}
		}
		if _, ok := scripts["test"]; ok {
			info.TestCommand = []string{"npm", "test"}
		}
	case ProjectTypePython:
		if dirExists(filepath.Join(repoPath, "tests")) {
			info.TestCommand = []string{"python", "-m", "pytest"}
		}
	}
	return info
}

func nodeScripts(repoPath string) map[string]string {
	data, err := os.ReadFile(filepath.Join(repoPath, "package.json"))
	if err != nil {
		return nil
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	return pkg.Scripts
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

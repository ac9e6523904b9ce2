package orchestrator

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conclave/internal/decompose"
)

// RoleTemplates maps a role tag to the instructions a worker of that role
// receives ahead of its task.
type RoleTemplates map[string]string

var defaultRoleTemplates = RoleTemplates{
	decompose.RoleAnalyst:    "You are a requirements analyst. Clarify scope, constraints and acceptance criteria before anything is built.",
	decompose.RoleArchitect:  "You are a software architect. Propose component boundaries, data flow and interfaces. Record decisions and their trade-offs.",
	decompose.RoleBackend:    "You are a backend engineer. Implement server-side logic and persistence with tests.",
	decompose.RoleFrontend:   "You are a frontend engineer. Implement the user-facing parts against the agreed interfaces.",
	decompose.RoleTester:     "You are a test engineer. Write and run tests covering the behaviour delivered by the other tasks.",
	decompose.RoleSecurity:   "You are a security reviewer. Audit the changes for vulnerabilities and unsafe defaults and report findings.",
	decompose.RoleReviewer:   "You are a code reviewer. Review the delivered changes for correctness and maintainability.",
	decompose.RoleDevOps:     "You are a DevOps engineer. Prepare, perform and verify deployments.",
	decompose.RoleGeneralist: "You are a software engineer. Complete the task end to end.",
}

// DefaultRoleTemplates returns a copy of the built-in templates.
func DefaultRoleTemplates() RoleTemplates {
	out := make(RoleTemplates, len(defaultRoleTemplates))
	for k, v := range defaultRoleTemplates {
		out[k] = v
	}
	return out
}

type roleFile struct {
	Roles map[string]string `yaml:"roles"`
}

// LoadRoleTemplates reads a YAML file of the form
//
//	roles:
//	  backend: "..."
//
// and layers it over the built-in templates. An empty path returns the
// defaults.
func LoadRoleTemplates(path string) (RoleTemplates, error) {
	templates := DefaultRoleTemplates()
	if path == "" {
		return templates, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role templates: %w", err)
	}
	var rf roleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse role templates %s: %w", path, err)
	}
	for role, text := range rf.Roles {
		templates[strings.TrimSpace(role)] = strings.TrimSpace(text)
	}
	return templates, nil
}

// Template returns the template for role, falling back to the generalist.
func (r RoleTemplates) Template(role string) string {
	if t, ok := r[role]; ok {
		return t
	}
	return r[decompose.RoleGeneralist]
}

// Roles returns the known role tags, sorted.
func (r RoleTemplates) Roles() []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// buildSessionContext joins the workspace context, the role template and
// any per-role override.
func buildSessionContext(shared, template, override string) string {
	var b strings.Builder
	if template != "" {
		b.WriteString("## Role\n")
		b.WriteString(template)
		b.WriteString("\n\n")
	}
	if shared != "" {
		b.WriteString("## Repository\n")
		b.WriteString(shared)
		b.WriteString("\n\n")
	}
	if override != "" {
		b.WriteString("## Additional context\n")
		b.WriteString(override)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

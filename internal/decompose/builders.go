package decompose

import (
	"fmt"
	"math"

	"github.com/ShayCichocki/conclave/pkg/models"
)

// Roles assigned by the builders.
const (
	RoleAnalyst    = "analyst"
	RoleArchitect  = "architect"
	RoleBackend    = "backend"
	RoleFrontend   = "frontend"
	RoleTester     = "tester"
	RoleSecurity   = "security"
	RoleReviewer   = "reviewer"
	RoleDevOps     = "devops"
	RoleGeneralist = "generalist"
)

// builder emits the task template for one category.
type builder func(r request, complexity models.Complexity) []*models.Task

var builders = map[models.Category]builder{
	models.CategoryDevelopment:  buildDevelopment,
	models.CategoryAnalysis:     buildAnalysis,
	models.CategoryArchitecture: buildArchitecture,
	models.CategoryReview:       buildReview,
	models.CategoryDeployment:   buildDeployment,
	models.CategoryGeneric:      buildGeneric,
}

// plan accumulates tasks for a single request.
type plan struct {
	r          request
	category   models.Category
	complexity models.Complexity
	tasks      []*models.Task
}

func (p *plan) add(id, title, role string, baseMinutes int, optional bool, deps ...string) string {
	var dependsOn []string
	for _, d := range deps {
		if d != "" {
			dependsOn = append(dependsOn, d)
		}
	}
	p.tasks = append(p.tasks, &models.Task{
		ID:               id,
		Title:            title,
		Description:      fmt.Sprintf("%s\n\nRequest: %s", title, p.r.raw),
		Category:         p.category,
		Complexity:       p.complexity,
		EstimatedMinutes: int(math.Round(float64(baseMinutes) * p.complexity.Multiplier())),
		DependsOn:        dependsOn,
		AssignedRole:     role,
		Optional:         optional,
		Status:           models.TaskStatusPending,
	})
	return id
}

func (p *plan) ids() []string {
	out := make([]string, len(p.tasks))
	for i, t := range p.tasks {
		out[i] = t.ID
	}
	return out
}

func buildDevelopment(r request, complexity models.Complexity) []*models.Task {
	p := &plan{r: r, category: models.CategoryDevelopment, complexity: complexity}
	feature := featureName(r, "feature")
	high := complexity == models.ComplexityHigh

	var analysis, architecture string
	if r.has(analysisRequestKeywords) || high {
		analysis = p.add("requirements-analysis", "Analyze requirements for "+feature, RoleAnalyst, 30, !r.has(analysisRequestKeywords))
	}
	if r.has(architectureRequestKeywords) || high {
		architecture = p.add("architecture-design", "Design architecture for "+feature, RoleArchitect, 45, !r.has(architectureRequestKeywords), analysis)
	}

	wantBackend := r.has(backendKeywords)
	wantFrontend := r.has(frontendKeywords)
	if !wantBackend && !wantFrontend {
		wantBackend, wantFrontend = true, true
	}

	var impl []string
	var database, backend string
	if r.has(persistenceKeywords) {
		database = p.add("database-"+feature, "Implement "+feature+" persistence", RoleBackend, 40, false, analysis, architecture)
		impl = append(impl, database)
	}
	if wantBackend {
		backend = p.add("backend-"+feature, "Implement "+feature+" backend", RoleBackend, 90, false, analysis, architecture, database)
		impl = append(impl, backend)
	}
	if wantFrontend {
		frontend := p.add("frontend-"+feature, "Implement "+feature+" frontend", RoleFrontend, 75, false, analysis, backend)
		impl = append(impl, frontend)
	}

	if r.has(testKeywords) || high {
		p.add("testing-"+feature, "Test "+feature, RoleTester, 60, !r.has(testKeywords), impl...)
	}
	if r.has(securityKeywords) {
		p.add("security-audit", "Security audit of "+feature, RoleSecurity, 45, false, impl...)
	}
	if r.without(securityReviewPhrases).has(reviewKeywords) {
		p.add("code-review", "Review "+feature+" changes", RoleReviewer, 30, false, p.ids()...)
	}
	return p.tasks
}

func buildAnalysis(r request, complexity models.Complexity) []*models.Task {
	p := &plan{r: r, category: models.CategoryAnalysis, complexity: complexity}
	topic := featureName(r, "request")
	analysis := p.add("analysis-"+topic, "Analyze "+topic, RoleAnalyst, 45, false)
	p.add("analysis-report", "Write "+topic+" analysis report", RoleAnalyst, 20, false, analysis)
	return p.tasks
}

func buildArchitecture(r request, complexity models.Complexity) []*models.Task {
	p := &plan{r: r, category: models.CategoryArchitecture, complexity: complexity}
	design := p.add("architecture-design", "Design system architecture", RoleArchitect, 60, false)
	review := p.add("architecture-review", "Review architecture design", RoleReviewer, 30, false, design)
	p.add("architecture-docs", "Document architecture decisions", RoleArchitect, 30, true, review)
	return p.tasks
}

func buildReview(r request, complexity models.Complexity) []*models.Task {
	p := &plan{r: r, category: models.CategoryReview, complexity: complexity}
	p.add("code-review", "Review code changes", RoleReviewer, 40, false)
	if r.has(securityKeywords) {
		p.add("security-audit", "Security audit", RoleSecurity, 45, false)
	}
	p.add("review-summary", "Summarize review findings", RoleReviewer, 15, false, p.ids()...)
	return p.tasks
}

func buildDeployment(r request, complexity models.Complexity) []*models.Task {
	p := &plan{r: r, category: models.CategoryDeployment, complexity: complexity}
	prep := p.add("deployment-prep", "Prepare deployment", RoleDevOps, 30, false)
	deploy := p.add("deploy", "Deploy", RoleDevOps, 20, false, prep)
	p.add("deployment-verify", "Verify deployment", RoleTester, 15, false, deploy)
	return p.tasks
}

func buildGeneric(r request, complexity models.Complexity) []*models.Task {
	p := &plan{r: r, category: models.CategoryGeneric, complexity: complexity}
	p.add("generic-task", "Complete request", RoleGeneralist, 60, false)
	return p.tasks
}

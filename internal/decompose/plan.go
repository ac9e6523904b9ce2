package decompose

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/conclave/internal/errs"
	"github.com/ShayCichocki/conclave/pkg/models"
)

// PlanFile is the YAML shape of an explicit plan.
type PlanFile struct {
	Tasks []*models.Task `yaml:"tasks"`
}

// ParsePlan decodes a YAML plan. Missing statuses default to pending.
func ParsePlan(data []byte) ([]*models.Task, error) {
	var pf PlanFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, errs.Validation("parse plan: %v", err)
	}
	for _, t := range pf.Tasks {
		if t.Status == "" {
			t.Status = models.TaskStatusPending
		}
		if t.Category == "" {
			t.Category = models.CategoryGeneric
		}
		if t.Complexity == "" {
			t.Complexity = models.ComplexityLow
		}
	}
	return pf.Tasks, nil
}

// LoadPlan reads and decodes a YAML plan file.
func LoadPlan(path string) ([]*models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

// MarshalPlan encodes tasks as a YAML plan.
func MarshalPlan(tasks []*models.Task) ([]byte, error) {
	return yaml.Marshal(PlanFile{Tasks: tasks})
}

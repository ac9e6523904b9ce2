package decompose

import (
	"github.com/ShayCichocki/conclave/pkg/models"
)

// Classify returns the category of a request by first-match keyword scan.
func Classify(text string) models.Category {
	return classify(parseRequest(text))
}

// AssessComplexity returns the complexity of a request. High keywords are
// checked first, then medium; anything else is low.
func AssessComplexity(text string) models.Complexity {
	return assessComplexity(parseRequest(text))
}

func classify(r request) models.Category {
	for _, entry := range CategoryKeywords {
		if r.has(entry.Keywords) {
			return entry.Category
		}
	}
	return models.CategoryGeneric
}

func assessComplexity(r request) models.Complexity {
	if r.has(HighComplexityKeywords) {
		return models.ComplexityHigh
	}
	if r.has(MediumComplexityKeywords) {
		return models.ComplexityMedium
	}
	return models.ComplexityLow
}

// featureName returns the feature slug used in task ids, or fallback.
func featureName(r request, fallback string) string {
	for _, f := range featureKeywords {
		if r.match(f.keyword) {
			return f.feature
		}
	}
	return fallback
}

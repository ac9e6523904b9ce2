package decompose

import (
	"strings"
	"unicode"

	"github.com/ShayCichocki/conclave/pkg/models"
)

// Keyword syntax: a plain word must equal a request token, a trailing "*"
// matches any token with that prefix, and a space-separated phrase must
// appear as consecutive tokens.

// CategoryKeywords holds the ordered classification lists. The first list
// with a match wins; order matters.
var CategoryKeywords = []struct {
	Category models.Category
	Keywords []string
}{
	{models.CategoryDevelopment, []string{
		"implement*", "build", "create", "develop*", "add", "write", "fix",
		"feature*", "code", "coding",
	}},
	{models.CategoryAnalysis, []string{
		"analy*", "research*", "investigat*", "explor*", "assess*", "evaluat*", "study",
	}},
	{models.CategoryArchitecture, []string{
		"architect*", "design*", "structur*", "blueprint", "system design",
	}},
	{models.CategoryReview, []string{
		"review*", "audit*", "inspect*", "critique",
	}},
	{models.CategoryDeployment, []string{
		"deploy*", "release*", "ship", "rollout", "roll out", "provision*", "publish*",
	}},
}

// HighComplexityKeywords are checked before MediumComplexityKeywords.
var HighComplexityKeywords = []string{
	"distributed", "microservice*", "scalab*", "scale", "migrat*", "real time",
	"realtime", "enterprise", "complex", "multi tenant", "concurren*",
}

// MediumComplexityKeywords mark requests that touch integration points.
var MediumComplexityKeywords = []string{
	"integrat*", "api", "apis", "auth*", "database*", "cach*", "payment*",
	"search", "notification*", "queue*", "websocket*", "secur*",
}

// featureKeywords name the feature a development request is about.
// The first match wins.
var featureKeywords = []struct {
	keyword string
	feature string
}{
	{"auth*", "auth"},
	{"login*", "auth"},
	{"signup", "auth"},
	{"payment*", "payment"},
	{"billing", "payment"},
	{"checkout", "checkout"},
	{"cart", "checkout"},
	{"search*", "search"},
	{"notif*", "notifications"},
	{"profile*", "profile"},
	{"upload*", "upload"},
	{"chat", "chat"},
	{"dashboard*", "dashboard"},
	{"report*", "reporting"},
}

var (
	analysisRequestKeywords     = []string{"analy*", "research*", "investigat*", "requirement*"}
	architectureRequestKeywords = []string{"architect*", "design*", "structur*"}
	backendKeywords             = []string{"backend", "back end", "server*", "api", "apis", "endpoint*"}
	frontendKeywords            = []string{"frontend", "front end", "ui", "web", "page*", "component*", "react"}
	persistenceKeywords         = []string{"database*", "schema*", "persist*", "storage", "sql"}
	testKeywords                = []string{"test*", "qa", "coverage"}
	securityKeywords            = []string{"secur*", "vulnerab*"}
	reviewKeywords              = []string{"review*", "code review"}
	securityReviewPhrases       = []string{"secur* review*", "secur* audit*"}
)

// request is a tokenized, lowercased request text.
type request struct {
	raw    string
	tokens []string
}

func parseRequest(text string) request {
	lower := strings.ToLower(text)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return request{raw: text, tokens: tokens}
}

// has reports whether any keyword matches.
func (r request) has(keywords []string) bool {
	_, ok := r.first(keywords)
	return ok
}

// first returns the first keyword, in list order, that matches.
func (r request) first(keywords []string) (string, bool) {
	for _, kw := range keywords {
		if r.match(kw) {
			return kw, true
		}
	}
	return "", false
}

func (r request) match(keyword string) bool {
	parts := strings.Fields(keyword)
	if len(parts) == 0 {
		return false
	}
	for i := 0; i+len(parts) <= len(r.tokens); i++ {
		matched := true
		for j, p := range parts {
			if !tokenMatches(r.tokens[i+j], p) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// without returns a copy of r with every occurrence of the phrases removed.
func (r request) without(phrases []string) request {
	tokens := append([]string(nil), r.tokens...)
	for _, phrase := range phrases {
		parts := strings.Fields(phrase)
		var kept []string
		for i := 0; i < len(tokens); {
			if i+len(parts) <= len(tokens) && phraseAt(tokens, i, parts) {
				i += len(parts)
				continue
			}
			kept = append(kept, tokens[i])
			i++
		}
		tokens = kept
	}
	return request{raw: r.raw, tokens: tokens}
}

func phraseAt(tokens []string, i int, parts []string) bool {
	for j, p := range parts {
		if !tokenMatches(tokens[i+j], p) {
			return false
		}
	}
	return true
}

func tokenMatches(token, pattern string) bool {
	if stem, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(token, stem)
	}
	return token == pattern
}

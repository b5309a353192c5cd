package models

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Severity grades a line finding.
type Severity string

// Severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Category classifies what kind of issue a finding describes.
type Category string

// Categories.
const (
	CategoryCodeSmell    Category = "code_smell"
	CategoryBug          Category = "bug"
	CategorySecurity     Category = "security"
	CategoryBestPractice Category = "best_practice"
	CategoryArchitecture Category = "architecture"
)

// LineFinding is a single analyzer observation anchored to a file and line.
type LineFinding struct {
	Path        string   `json:"path"`
	Line        int      `json:"line"`
	Severity    Severity `json:"severity"`
	Category    Category `json:"category"`
	Message     string   `json:"message"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Example     string   `json:"example,omitempty"`
	Fingerprint string   `json:"fingerprint"`
}

// Fingerprint computes the stable duplicate-suppression key for a finding.
// The message is normalized (lowercased, whitespace collapsed) so that
// cosmetic rephrasings by the analyzer hash identically.
func Fingerprint(path string, line int, category Category, message string) string {
	h := xxhash.New()
	_, _ = h.WriteString(path)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(fmt.Sprintf("%d", line))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(string(category))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(normalizeMessage(message))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Stamp fills in the finding's fingerprint from its own fields.
func (f *LineFinding) Stamp() {
	f.Fingerprint = Fingerprint(f.Path, f.Line, f.Category, f.Message)
}

func normalizeMessage(msg string) string {
	return strings.Join(strings.Fields(strings.ToLower(msg)), " ")
}

// SummaryFinding is the single architectural observation produced per run,
// published as a PR-level thread.
type SummaryFinding struct {
	Message             string   `json:"message"`
	SOLIDViolations     []string `json:"solid_violations,omitempty"`
	IdentifiedPatterns  []string `json:"identified_patterns,omitempty"`
	SuggestedPatterns   []string `json:"suggested_patterns,omitempty"`
	ArchitecturalIssues []string `json:"architectural_issues,omitempty"`
}

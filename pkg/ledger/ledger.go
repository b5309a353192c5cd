// Package ledger suppresses duplicate review comments and classifies prior
// findings as resolved or still open against the new code.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/codeready-toolchain/revue/pkg/analyzer"
	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/platform"
)

// markerPattern matches the category marker the publisher embeds in every
// thread it creates, so a later run can recover (path, line, category)
// triples from existing threads.
var markerPattern = regexp.MustCompile(`\[revue:(\w+)/(\w+)\]`)

// Platform is the subset of the platform client the ledger consumes.
type Platform interface {
	ListThreads(ctx context.Context, project, repositoryID string, prID int) ([]platform.Thread, error)
}

// Verifier is the analyzer surface used for fix verification.
type Verifier interface {
	VerifyFix(ctx context.Context, prior models.LineFinding, currentContext string) (analyzer.Verdict, error)
}

// Ledger compares findings against the PR's existing threads.
type Ledger struct {
	platform Platform
	verifier Verifier
	logger   *slog.Logger
}

// New creates a ledger.
func New(p Platform, v Verifier) *Ledger {
	return &Ledger{platform: p, verifier: v, logger: slog.Default()}
}

// Scope identifies the PR the ledger operates on.
type Scope struct {
	Project      string
	RepositoryID string
	PRID         int
}

// PriorFinding is a finding recovered from an existing active thread.
type PriorFinding struct {
	ThreadID int
	Finding  models.LineFinding
}

// FilterNew drops findings whose (path, line, category) already matches an
// active thread on the PR, and deduplicates by fingerprint within the batch.
func (l *Ledger) FilterNew(ctx context.Context, scope Scope, findings []models.LineFinding) (toPost []models.LineFinding, skipped int, err error) {
	threads, err := l.platform.ListThreads(ctx, scope.Project, scope.RepositoryID, scope.PRID)
	if err != nil {
		return nil, 0, fmt.Errorf("list threads: %w", err)
	}

	existing := make(map[string]bool)
	for _, prior := range recoverPrior(threads) {
		existing[tripleKey(prior.Finding.Path, prior.Finding.Line, prior.Finding.Category)] = true
	}

	seen := make(map[string]bool, len(findings))
	for _, finding := range findings {
		if seen[finding.Fingerprint] {
			skipped++
			continue
		}
		seen[finding.Fingerprint] = true
		if existing[tripleKey(finding.Path, finding.Line, finding.Category)] {
			skipped++
			continue
		}
		toPost = append(toPost, finding)
	}
	return toPost, skipped, nil
}

// Classification is the outcome of ClassifyPrior.
type Classification struct {
	Resolved []PriorFinding
	Open     []PriorFinding
}

// ClassifyPrior examines active threads created by earlier runs. A prior
// finding whose file is in the current delta but whose fingerprint no longer
// appears in the new findings is submitted for fix verification; only an
// affirmative judgment moves it to Resolved (conservative bias).
//
// currentContexts maps thread path → analyzer context for the relevant code
// region; a prior finding with no context available stays Open.
func (l *Ledger) ClassifyPrior(ctx context.Context, scope Scope, currentFindings []models.LineFinding, currentContexts map[string]string) (*Classification, error) {
	threads, err := l.platform.ListThreads(ctx, scope.Project, scope.RepositoryID, scope.PRID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	stillPresent := make(map[string]bool, len(currentFindings))
	for _, f := range currentFindings {
		stillPresent[f.Fingerprint] = true
	}

	result := &Classification{}
	for _, prior := range recoverPrior(threads) {
		if stillPresent[prior.Finding.Fingerprint] {
			result.Open = append(result.Open, prior)
			continue
		}
		context, ok := currentContexts[prior.Finding.Path]
		if !ok {
			result.Open = append(result.Open, prior)
			continue
		}

		verdict, err := l.verifier.VerifyFix(ctx, prior.Finding, context)
		if err != nil {
			l.logger.Warn("Fix verification failed, leaving thread open",
				"pr_id", scope.PRID, "path", prior.Finding.Path,
				"line", prior.Finding.Line, "error", err)
			result.Open = append(result.Open, prior)
			continue
		}
		if verdict == analyzer.VerdictResolved {
			result.Resolved = append(result.Resolved, prior)
		} else {
			result.Open = append(result.Open, prior)
		}
	}
	return result, nil
}

// recoverPrior extracts the service's own findings from active inline
// threads via the embedded category marker.
func recoverPrior(threads []platform.Thread) []PriorFinding {
	var priors []PriorFinding
	for _, thread := range threads {
		if thread.Status != platform.ThreadActive || thread.Path == "" || len(thread.Comments) == 0 {
			continue
		}
		body := thread.Comments[0].Content
		m := markerPattern.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		finding := models.LineFinding{
			Path:     thread.Path,
			Line:     thread.Line,
			Severity: models.Severity(m[1]),
			Category: models.Category(m[2]),
			Message:  messageFromBody(body),
		}
		finding.Stamp()
		priors = append(priors, PriorFinding{ThreadID: thread.ID, Finding: finding})
	}
	return priors
}

// messageFromBody recovers the finding message from a posted thread body:
// the first non-empty line after the marker line.
func messageFromBody(body string) string {
	lines := strings.Split(body, "\n")
	markerSeen := false
	for _, line := range lines {
		if markerPattern.MatchString(line) {
			markerSeen = true
			continue
		}
		if markerSeen && strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// FormatThreadBody renders a finding as the thread body posted to the
// platform. The marker line lets later runs recover the triple.
func FormatThreadBody(f models.LineFinding) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[revue:%s/%s]\n", f.Severity, f.Category)
	sb.WriteString(f.Message)
	if f.Suggestion != "" {
		fmt.Fprintf(&sb, "\n\n**Suggestion:** %s", f.Suggestion)
	}
	if f.Example != "" {
		fmt.Fprintf(&sb, "\n\n```\n%s\n```", f.Example)
	}
	return sb.String()
}

// FormatSummaryBody renders the architectural summary as a PR-level thread
// body.
func FormatSummaryBody(s *models.SummaryFinding) string {
	var sb strings.Builder
	sb.WriteString("## Review summary\n\n")
	sb.WriteString(s.Message)
	writeSection(&sb, "SOLID violations", s.SOLIDViolations)
	writeSection(&sb, "Identified patterns", s.IdentifiedPatterns)
	writeSection(&sb, "Suggested patterns", s.SuggestedPatterns)
	writeSection(&sb, "Architectural issues", s.ArchitecturalIssues)
	return sb.String()
}

func writeSection(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n\n**%s**\n", title)
	for _, item := range items {
		fmt.Fprintf(sb, "- %s\n", item)
	}
}

func tripleKey(path string, line int, category models.Category) string {
	return fmt.Sprintf("%s:%d:%s", path, line, category)
}

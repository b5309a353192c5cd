// Package analyzer wraps the LLM backing the review pipeline. The rest of
// the system treats it as a black box mapping (source chunk, rule set) to
// findings; this package owns the Anthropic client, prompt framing, and
// defensive parsing of model output.
package analyzer

import (
	"context"

	"github.com/codeready-toolchain/revue/pkg/models"
)

// Chunk is one unit of source submitted for line analysis.
type Chunk struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	// Context is the framed window (enclosing definition, imports,
	// numbered surrounding lines) built by the plugin layer.
	Context string `json:"context"`
}

// RuleSet carries the per-language analyzer configuration.
type RuleSet struct {
	ID           string
	SystemPrompt string
}

// ArchInput is the whole-delta view submitted for architectural analysis.
type ArchInput struct {
	Files     []ArchFile
	PRTitle   string
	PRBranch  string
}

// ArchFile summarizes one file for the architectural pass.
type ArchFile struct {
	Path        string
	Kind        models.FileKind
	Definitions []models.Definition
	Imports     []string
}

// Verdict is the outcome of a fix verification.
type Verdict string

// Fix-verification verdicts. Only Resolved marks a thread fixed; the bias
// is conservative.
const (
	VerdictResolved   Verdict = "resolved"
	VerdictUnresolved Verdict = "unresolved"
	VerdictUnknown    Verdict = "unknown"
)

// Analyzer is the callable surface the review agent depends on.
type Analyzer interface {
	// Analyze reviews a batch of chunks under one rule set and returns
	// line findings with fingerprints stamped.
	Analyze(ctx context.Context, chunks []Chunk, rules RuleSet) ([]models.LineFinding, error)

	// AnalyzeArchitecture reviews the whole delta and returns at most one
	// summary finding (nil when the model has nothing of substance).
	AnalyzeArchitecture(ctx context.Context, input ArchInput) (*models.SummaryFinding, error)

	// VerifyFix judges whether the current code addresses a prior finding.
	VerifyFix(ctx context.Context, prior models.LineFinding, currentContext string) (Verdict, error)
}

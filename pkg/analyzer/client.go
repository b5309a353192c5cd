package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/resilience"
)

// Config holds analyzer client settings.
type Config struct {
	APIKey      string        `yaml:"-"`
	Model       string        `yaml:"model"`
	MaxTokens   int64         `yaml:"max_tokens"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// MaxConcurrent bounds in-flight analyzer calls process-wide.
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

// DefaultConfig returns analyzer defaults.
func DefaultConfig() Config {
	return Config{
		Model:         string(anthropic.ModelClaudeSonnet4_5),
		MaxTokens:     4096,
		CallTimeout:   60 * time.Second,
		MaxConcurrent: 8,
	}
}

// Client is the process-wide analyzer handle, created at startup and owned
// for the process lifetime. Calls run inside the resilience kit: a weighted
// semaphore, then retry with backoff around the analyzer circuit breaker.
type Client struct {
	anthropic anthropic.Client
	cfg       Config
	retry     resilience.RetryConfig
	breaker   *resilience.Breaker
	limiter   *resilience.Limiter
	logger    *slog.Logger
}

// NewClient creates the analyzer client.
func NewClient(cfg Config, retry resilience.RetryConfig, breaker *resilience.Breaker) *Client {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Client{
		anthropic: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:       cfg,
		retry:     retry,
		breaker:   breaker,
		limiter:   resilience.NewLimiter(cfg.MaxConcurrent),
		logger:    slog.Default(),
	}
}

// complete issues one message call and returns the concatenated text blocks.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	var text string
	err := c.limiter.Do(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			return c.breaker.Execute(ctx, func(ctx context.Context) error {
				callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
				defer cancel()

				message, err := c.anthropic.Messages.New(callCtx, anthropic.MessageNewParams{
					Model:     anthropic.Model(c.cfg.Model),
					MaxTokens: c.cfg.MaxTokens,
					System: []anthropic.TextBlockParam{
						{Text: system},
					},
					Messages: []anthropic.MessageParam{
						anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
					},
				})
				if err != nil {
					return classifyAnthropicError(err)
				}

				var sb strings.Builder
				for _, block := range message.Content {
					if block.Type == "text" {
						sb.WriteString(block.Text)
					}
				}
				text = sb.String()
				return nil
			})
		})
	})
	return text, err
}

// classifyAnthropicError maps SDK errors onto the taxonomy: rate limits,
// overload, and transport failures are transient; everything else is
// permanent.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 529:
			return resilience.Transient(err)
		}
		return err
	}
	// No structured status: network-level failure.
	return resilience.Transient(err)
}

// wire shapes the model is instructed to emit.

type wireFinding struct {
	Path       string `json:"path"`
	Line       int    `json:"line"`
	Severity   string `json:"severity"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	Example    string `json:"example,omitempty"`
}

type wireFindingList struct {
	Findings []wireFinding `json:"findings"`
}

const analyzeInstructions = `For each chunk, report findings as JSON:
{"findings": [{"path": "...", "line": <int>, "severity": "info|warning|error",
"category": "code_smell|bug|security|best_practice|architecture",
"message": "...", "suggestion": "...", "example": "..."}]}
Line numbers refer to the numbered lines shown. Report an empty list when
the code is fine. Output the JSON object and nothing else.`

// Analyze submits a batch of chunks under one rule set.
func (c *Client) Analyze(ctx context.Context, chunks []Chunk, rules RuleSet) ([]models.LineFinding, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	var user strings.Builder
	user.WriteString(analyzeInstructions)
	for i, chunk := range chunks {
		fmt.Fprintf(&user, "\n\n--- Chunk %d: %s lines %d-%d ---\n%s",
			i+1, chunk.Path, chunk.StartLine, chunk.EndLine, chunk.Context)
	}

	text, err := c.complete(ctx, rules.SystemPrompt, user.String())
	if err != nil {
		return nil, fmt.Errorf("analyze batch (%d chunks, rule set %s): %w", len(chunks), rules.ID, err)
	}

	var wire wireFindingList
	if err := json.Unmarshal(extractJSON(text), &wire); err != nil {
		return nil, fmt.Errorf("parse analyzer response: %w", err)
	}

	findings := make([]models.LineFinding, 0, len(wire.Findings))
	for _, wf := range wire.Findings {
		finding := models.LineFinding{
			Path:       wf.Path,
			Line:       wf.Line,
			Severity:   normalizeSeverity(wf.Severity),
			Category:   normalizeCategory(wf.Category),
			Message:    strings.TrimSpace(wf.Message),
			Suggestion: strings.TrimSpace(wf.Suggestion),
			Example:    wf.Example,
		}
		if finding.Message == "" || finding.Line <= 0 {
			continue
		}
		finding.Stamp()
		findings = append(findings, finding)
	}
	return findings, nil
}

type wireSummary struct {
	Message             string   `json:"message"`
	SOLIDViolations     []string `json:"solid_violations"`
	IdentifiedPatterns  []string `json:"identified_patterns"`
	SuggestedPatterns   []string `json:"suggested_patterns"`
	ArchitecturalIssues []string `json:"architectural_issues"`
}

const archSystemPrompt = "You are a software architect reviewing the overall " +
	"shape of a change. Judge structure, coupling, and design patterns — not " +
	"line-level style. Respond with JSON only."

const archInstructions = `Assess this change set as a whole. Respond as JSON:
{"message": "...", "solid_violations": [], "identified_patterns": [],
"suggested_patterns": [], "architectural_issues": []}
Use an empty message if there is nothing of substance to say.`

// AnalyzeArchitecture submits the delta summary for a single whole-change
// assessment.
func (c *Client) AnalyzeArchitecture(ctx context.Context, input ArchInput) (*models.SummaryFinding, error) {
	var user strings.Builder
	user.WriteString(archInstructions)
	fmt.Fprintf(&user, "\n\nPull request: %s (%s)\n", input.PRTitle, input.PRBranch)
	for _, file := range input.Files {
		fmt.Fprintf(&user, "\n%s (%s)\n", file.Path, file.Kind)
		if len(file.Imports) > 0 {
			fmt.Fprintf(&user, "  imports: %s\n", strings.Join(file.Imports, ", "))
		}
		for _, d := range file.Definitions {
			fmt.Fprintf(&user, "  %s %s (lines %d-%d)\n", d.Kind, d.Name, d.StartLine, d.EndLine)
		}
	}

	text, err := c.complete(ctx, archSystemPrompt, user.String())
	if err != nil {
		return nil, fmt.Errorf("architectural analysis: %w", err)
	}

	var wire wireSummary
	if err := json.Unmarshal(extractJSON(text), &wire); err != nil {
		return nil, fmt.Errorf("parse architectural response: %w", err)
	}
	if strings.TrimSpace(wire.Message) == "" {
		return nil, nil
	}
	return &models.SummaryFinding{
		Message:             wire.Message,
		SOLIDViolations:     wire.SOLIDViolations,
		IdentifiedPatterns:  wire.IdentifiedPatterns,
		SuggestedPatterns:   wire.SuggestedPatterns,
		ArchitecturalIssues: wire.ArchitecturalIssues,
	}, nil
}

type wireVerdict struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

const verifySystemPrompt = "You verify whether a code change addresses a " +
	"previously reported review finding. Be conservative: when unsure, say " +
	"unknown. Respond with JSON only."

const verifyInstructions = `Respond as JSON:
{"verdict": "resolved|unresolved|unknown", "confidence": <0.0-1.0>}`

// verifyConfidenceFloor is the minimum confidence for a resolved verdict to
// stand; anything lower degrades to unknown.
const verifyConfidenceFloor = 0.7

// VerifyFix judges whether the current code region addresses a prior
// finding.
func (c *Client) VerifyFix(ctx context.Context, prior models.LineFinding, currentContext string) (Verdict, error) {
	user := fmt.Sprintf("%s\n\nPrior finding at %s:%d [%s/%s]: %s\n\nCurrent code:\n%s",
		verifyInstructions, prior.Path, prior.Line, prior.Severity, prior.Category,
		prior.Message, currentContext)

	text, err := c.complete(ctx, verifySystemPrompt, user)
	if err != nil {
		return VerdictUnknown, fmt.Errorf("verify fix for %s:%d: %w", prior.Path, prior.Line, err)
	}

	var wire wireVerdict
	if err := json.Unmarshal(extractJSON(text), &wire); err != nil {
		return VerdictUnknown, fmt.Errorf("parse verification response: %w", err)
	}

	switch Verdict(wire.Verdict) {
	case VerdictResolved:
		if wire.Confidence < verifyConfidenceFloor {
			return VerdictUnknown, nil
		}
		return VerdictResolved, nil
	case VerdictUnresolved:
		return VerdictUnresolved, nil
	default:
		return VerdictUnknown, nil
	}
}

func normalizeSeverity(s string) models.Severity {
	switch models.Severity(strings.ToLower(s)) {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityError:
		return models.Severity(strings.ToLower(s))
	default:
		return models.SeverityInfo
	}
}

func normalizeCategory(s string) models.Category {
	switch models.Category(strings.ToLower(s)) {
	case models.CategoryCodeSmell, models.CategoryBug, models.CategorySecurity,
		models.CategoryBestPractice, models.CategoryArchitecture:
		return models.Category(strings.ToLower(s))
	default:
		return models.CategoryCodeSmell
	}
}

// extractJSON strips markdown fences and surrounding prose so that a model
// response decodes even when it is not perfectly bare JSON.
func extractJSON(text string) []byte {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return []byte(text)
	}
	end := strings.LastIndexAny(text, "}]")
	if end < start {
		return []byte(text)
	}
	return []byte(text[start : end+1])
}

package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/codeready-toolchain/revue/pkg/analyzer"
	"github.com/codeready-toolchain/revue/pkg/diff"
	"github.com/codeready-toolchain/revue/pkg/ledger"
	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/platform"
	"github.com/codeready-toolchain/revue/pkg/plugins"
	"github.com/codeready-toolchain/revue/pkg/store"
)

// runInit validates the event and opens the run.
func (a *Agent) runInit(_ context.Context) (models.Phase, error) {
	event := &a.state.Event
	if !event.Kind.Valid() {
		return models.PhaseError, fmt.Errorf("unsupported event kind %q", event.Kind)
	}
	if event.PRID <= 0 || event.RepositoryID == "" || event.Project == "" {
		return models.PhaseError, fmt.Errorf("event missing PR identity: pr=%d repo=%q project=%q",
			event.PRID, event.RepositoryID, event.Project)
	}
	return models.PhaseFetchMeta, nil
}

// runFetchMeta retrieves PR metadata and the current iteration. Created
// events go straight to a full review; updates consult the watermark first.
func (a *Agent) runFetchMeta(ctx context.Context) (models.Phase, error) {
	a.state.Counters.APICalls++
	pr, err := a.platform.GetPullRequest(ctx, a.state.Event.Project, a.state.RepositoryID, a.state.PRID)
	if err != nil {
		a.state.Counters.APIErrors++
		return models.PhaseError, fmt.Errorf("fetch PR metadata: %w", err)
	}

	a.state.PRMetadata = &models.PRMetadata{
		Title:            pr.Title,
		Author:           pr.CreatedBy,
		Status:           pr.Status,
		SourceBranch:     pr.SourceBranch,
		TargetBranch:     pr.TargetBranch,
		SourceCommit:     pr.SourceCommit,
		TargetCommit:     pr.TargetCommit,
		CurrentIteration: pr.CurrentIteration,
	}
	a.state.IterationID = pr.CurrentIteration
	if a.state.IterationID == 0 {
		a.state.IterationID = 1 // created before the first iteration is listed
	}

	if a.state.Event.Kind == models.EventCreated {
		return models.PhaseFullList, nil
	}
	return models.PhaseLoadWatermark, nil
}

// runLoadWatermark reads the last-reviewed iteration. An absent watermark
// (prior reviews lost) falls through to a full review.
func (a *Agent) runLoadWatermark(ctx context.Context) (models.Phase, error) {
	watermark, err := a.store.GetWatermark(ctx, a.state.RepositoryID, a.state.PRID)
	if errors.Is(err, store.ErrWatermarkNotFound) {
		a.logger.Info("No watermark, performing full review")
		return models.PhaseFullList, nil
	}
	if err != nil {
		return models.PhaseError, fmt.Errorf("load watermark: %w", err)
	}
	a.state.LastReviewedIteration = &watermark
	if watermark >= a.state.IterationID {
		// Nothing newer than what was already reviewed; finish with an
		// empty delta.
		a.state.Delta = &models.ChangeDelta{CurrentIteration: a.state.IterationID}
		return models.PhaseParse, nil
	}
	return models.PhaseDiff, nil
}

// diffAttempts is the number of differ tries before falling back to a full
// review.
const diffAttempts = 2

// runDiff computes the incremental delta. An unknown prior iteration or a
// twice-failed differ falls back to the full listing.
func (a *Agent) runDiff(ctx context.Context) (models.Phase, error) {
	prior := *a.state.LastReviewedIteration

	var lastErr error
	for attempt := 0; attempt < diffAttempts; attempt++ {
		delta, err := a.differ.Diff(ctx, a.scope(), prior, a.state.IterationID)
		if err == nil {
			a.state.Delta = delta
			a.captureContents(delta)
			return models.PhaseParse, nil
		}
		if errors.Is(err, diff.ErrPriorIterationUnknown) {
			a.logger.Info("Prior iteration unknown, performing full review", "prior_iteration", prior)
			return models.PhaseFullList, nil
		}
		if ctx.Err() != nil {
			return models.PhaseError, err
		}
		lastErr = err
	}

	a.logger.Warn("DIFF_FALLBACK: differ failed, performing full review", "error", lastErr)
	a.state.RecordError("", 0, fmt.Sprintf("diff fallback: %v", lastErr))
	return models.PhaseFullList, nil
}

// runFullList retrieves the full diff of the current iteration.
func (a *Agent) runFullList(ctx context.Context) (models.Phase, error) {
	delta, err := a.differ.FullDelta(ctx, a.scope(), a.state.IterationID)
	if err != nil {
		return models.PhaseError, fmt.Errorf("full listing: %w", err)
	}
	a.state.Delta = delta
	a.captureContents(delta)
	return models.PhaseParse, nil
}

// captureContents keeps delta file contents out of the checkpointed blob.
func (a *Agent) captureContents(delta *models.ChangeDelta) {
	for i := range delta.Files {
		file := &delta.Files[i]
		a.fileContents[file.Path] = file.TargetContent
		file.TargetContent = ""
	}
}

// runParse builds parser summaries for every delta file. A file with no
// plugin or unparseable content is skipped and counted; parse failures are
// partial errors and never abort the phase.
func (a *Agent) runParse(_ context.Context) (models.Phase, error) {
	a.state.ParsedFiles = make(map[string]models.ParsedFile)

	for _, file := range a.state.Delta.Files {
		plugin, ok := a.plugins.Lookup(file.Path)
		if !ok {
			a.logger.Info("No language plugin, skipping file", "path", file.Path)
			a.state.Counters.FilesSkipped++
			continue
		}

		parsed, err := plugins.Parse(file.Path, a.fileContents[file.Path], plugin)
		if err != nil {
			if !errors.Is(err, plugins.ErrBinaryFile) {
				a.state.RecordError(file.Path, 0, fmt.Sprintf("parse: %v", err))
			}
			a.state.Counters.FilesSkipped++
			continue
		}
		a.state.ParsedFiles[file.Path] = parsed
		a.state.Counters.FilesAnalyzed++
	}
	return models.PhaseLineAnalysis, nil
}

// analysisBatch is one analyzer call's worth of chunks under a single rule
// set.
type analysisBatch struct {
	rules  analyzer.RuleSet
	chunks []analyzer.Chunk
}

// runLineAnalysis submits every delta slice of every parsed file to the
// analyzer in concurrent batches. Per-batch failures skip those chunks,
// record an error, and continue.
func (a *Agent) runLineAnalysis(ctx context.Context) (models.Phase, error) {
	batches := a.buildBatches()
	if len(batches) == 0 {
		return a.afterLineAnalysis(), nil
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		findings  []models.LineFinding
		succeeded int
	)
	for _, batch := range batches {
		wg.Add(1)
		go func(batch analysisBatch) {
			defer wg.Done()
			result, err := a.analyzer.Analyze(ctx, batch.chunks, batch.rules)

			mu.Lock()
			defer mu.Unlock()
			a.state.Counters.APICalls++
			if err != nil {
				a.state.Counters.APIErrors++
				a.state.RecordError(batch.chunks[0].Path, batch.chunks[0].StartLine,
					fmt.Sprintf("line analysis: %v", err))
				return
			}
			succeeded++
			findings = append(findings, result...)
		}(batch)
	}
	wg.Wait()

	// Per-batch failures are partial, but a phase where every single call
	// failed produced no analysis at all: fail the run and keep whatever
	// the state has accumulated.
	if succeeded == 0 {
		return models.PhaseError, fmt.Errorf("line analysis: all %d analyzer calls failed", len(batches))
	}

	// Keep only findings that land inside the delta; the service cannot
	// anchor comments off-delta reliably. Deduplicate by fingerprint within
	// the run.
	seen := make(map[string]bool)
	for _, finding := range findings {
		file := a.state.Delta.File(finding.Path)
		if file == nil || !file.ContainsLine(finding.Line) {
			continue
		}
		if seen[finding.Fingerprint] {
			continue
		}
		seen[finding.Fingerprint] = true
		a.state.Findings = append(a.state.Findings, finding)
	}
	sort.Slice(a.state.Findings, func(i, j int) bool {
		if a.state.Findings[i].Path != a.state.Findings[j].Path {
			return a.state.Findings[i].Path < a.state.Findings[j].Path
		}
		return a.state.Findings[i].Line < a.state.Findings[j].Line
	})

	return a.afterLineAnalysis(), nil
}

func (a *Agent) afterLineAnalysis() models.Phase {
	return models.PhaseArchAnalysis
}

// buildBatches groups context-framed chunks by rule set into analyzer-sized
// batches.
func (a *Agent) buildBatches() []analysisBatch {
	batchSize := a.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 4
	}

	chunksByRules := make(map[string][]analyzer.Chunk)
	rulesByID := make(map[string]analyzer.RuleSet)

	for _, file := range a.state.Delta.Files {
		parsed, ok := a.state.ParsedFiles[file.Path]
		if !ok {
			continue
		}
		plugin, _ := a.plugins.Lookup(file.Path)
		content := a.fileContents[file.Path]
		rulesByID[plugin.RuleSet] = analyzer.RuleSet{ID: plugin.RuleSet, SystemPrompt: plugin.SystemPrompt}

		for _, lineRange := range file.LineRanges {
			chunksByRules[plugin.RuleSet] = append(chunksByRules[plugin.RuleSet], analyzer.Chunk{
				Path:      file.Path,
				StartLine: lineRange.Start,
				EndLine:   lineRange.End,
				Context:   plugins.ExtractContext(&parsed, content, lineRange, plugin),
			})
		}
	}

	var batches []analysisBatch
	for rulesID, chunks := range chunksByRules {
		for start := 0; start < len(chunks); start += batchSize {
			end := start + batchSize
			if end > len(chunks) {
				end = len(chunks)
			}
			batches = append(batches, analysisBatch{
				rules:  rulesByID[rulesID],
				chunks: chunks[start:end],
			})
		}
	}
	return batches
}

// runArchAnalysis submits the whole delta for one architectural assessment.
// Skipped on an empty delta; failure is partial (the run continues without
// a summary).
func (a *Agent) runArchAnalysis(ctx context.Context) (models.Phase, error) {
	next := models.PhasePublish
	if a.state.Event.Kind == models.EventUpdated {
		next = models.PhaseResolutionCheck
	}

	if a.state.Delta.FileCount() == 0 {
		return next, nil
	}

	input := analyzer.ArchInput{
		PRTitle:  a.state.Event.Title,
		PRBranch: a.state.Event.SourceBranch,
	}
	for _, file := range a.state.Delta.Files {
		archFile := analyzer.ArchFile{Path: file.Path, Kind: file.Kind}
		if parsed, ok := a.state.ParsedFiles[file.Path]; ok {
			archFile.Definitions = parsed.Definitions
			archFile.Imports = parsed.Imports
		}
		input.Files = append(input.Files, archFile)
	}

	a.state.Counters.APICalls++
	summary, err := a.analyzer.AnalyzeArchitecture(ctx, input)
	if err != nil {
		a.state.Counters.APIErrors++
		a.state.RecordError("", 0, fmt.Sprintf("architectural analysis: %v", err))
		return next, nil
	}
	a.state.Summary = summary
	return next, nil
}

// runResolutionCheck (update events only) marks threads whose findings the
// new code addresses as fixed, with a short reply. Negative or unknown
// judgments leave threads untouched.
func (a *Agent) runResolutionCheck(ctx context.Context) (models.Phase, error) {
	contexts := make(map[string]string)
	for _, file := range a.state.Delta.Files {
		parsed, ok := a.state.ParsedFiles[file.Path]
		if !ok || len(file.LineRanges) == 0 {
			continue
		}
		plugin, _ := a.plugins.Lookup(file.Path)
		contexts[file.Path] = plugins.ExtractContext(&parsed, a.fileContents[file.Path], file.LineRanges[0], plugin)
	}

	classification, err := a.ledger.ClassifyPrior(ctx, a.ledgerScope(), a.state.Findings, contexts)
	if err != nil {
		a.state.RecordError("", 0, fmt.Sprintf("resolution check: %v", err))
		return models.PhasePublish, nil
	}

	for _, resolved := range classification.Resolved {
		reply := fmt.Sprintf("This looks addressed as of iteration %d. Marking resolved.", a.state.IterationID)
		a.state.Counters.APICalls++
		err := a.platform.UpdateThread(ctx, a.state.Event.Project, a.state.RepositoryID,
			a.state.PRID, resolved.ThreadID, platform.ThreadFixed, reply)
		if err != nil {
			a.state.Counters.APIErrors++
			a.state.RecordError(resolved.Finding.Path, resolved.Finding.Line,
				fmt.Sprintf("mark thread fixed: %v", err))
			continue
		}
		a.state.Counters.ResolutionsMarked++
	}
	return models.PhasePublish, nil
}

// runPublish posts every non-duplicate finding as an inline thread and the
// summary, if any, as a PR-level thread. Per-comment failures are partial.
func (a *Agent) runPublish(ctx context.Context) (models.Phase, error) {
	toPost, skipped, err := a.ledger.FilterNew(ctx, a.ledgerScope(), a.state.Findings)
	if err != nil {
		return models.PhaseError, fmt.Errorf("filter duplicates: %w", err)
	}
	a.state.Counters.DuplicatesSkipped += skipped

	for _, finding := range toPost {
		a.state.Counters.APICalls++
		_, err := a.platform.CreateThread(ctx, a.state.Event.Project, a.state.RepositoryID,
			a.state.PRID, platform.ThreadInput{
				Path:   finding.Path,
				Line:   finding.Line,
				Body:   ledger.FormatThreadBody(finding),
				Status: platform.ThreadActive,
			})
		if err != nil {
			if errors.Is(err, platform.ErrUnauthorized) {
				return models.PhaseError, fmt.Errorf("publish finding: %w", err)
			}
			a.state.Counters.APIErrors++
			a.state.RecordError(finding.Path, finding.Line, fmt.Sprintf("publish: %v", err))
			continue
		}
		a.state.Counters.FindingsPosted++
	}

	if a.state.Summary != nil {
		a.state.Counters.APICalls++
		_, err := a.platform.CreateThread(ctx, a.state.Event.Project, a.state.RepositoryID,
			a.state.PRID, platform.ThreadInput{
				Body:   ledger.FormatSummaryBody(a.state.Summary),
				Status: platform.ThreadActive,
			})
		if err != nil {
			a.state.Counters.APIErrors++
			a.state.RecordError("", 0, fmt.Sprintf("publish summary: %v", err))
		}
	}

	// Terminal success: advance the watermark atomically before DONE.
	if err := a.store.SetWatermark(ctx, a.state.RepositoryID, a.state.PRID, a.state.IterationID); err != nil {
		return models.PhaseError, fmt.Errorf("advance watermark: %w", err)
	}
	return models.PhaseDone, nil
}

// runError is the cleanup phase: state is already persisted by the loop;
// claims, queue entries, and the execution record are finalized by the
// orchestrator.
func (a *Agent) runError(_ context.Context) (models.Phase, error) {
	return models.PhaseDone, nil
}

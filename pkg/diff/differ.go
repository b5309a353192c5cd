// Package diff computes the change delta between the last-reviewed iteration
// and the current iteration of a pull request.
package diff

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/platform"
)

// contextBand is the fixed surrounding band added to every delta range so
// the analyzer sees the lines around each change.
const contextBand = 3

// ErrPriorIterationUnknown indicates the platform no longer knows the prior
// iteration (history loss). Non-retryable; the caller falls back to a full
// review.
var ErrPriorIterationUnknown = errors.New("prior iteration unknown to platform")

// Platform is the subset of the platform client the differ consumes.
type Platform interface {
	ListIterations(ctx context.Context, project, repositoryID string, prID int) ([]platform.Iteration, error)
	GetIterationChanges(ctx context.Context, project, repositoryID string, prID, iterationID int) ([]platform.IterationChange, error)
	GetFile(ctx context.Context, project, repositoryID, path, commit string) (string, error)
}

// Differ computes change deltas from per-iteration platform state.
type Differ struct {
	platform Platform
}

// New creates a differ.
func New(p Platform) *Differ {
	return &Differ{platform: p}
}

// Scope identifies the PR a diff applies to.
type Scope struct {
	Project      string
	RepositoryID string
	PRID         int
}

// Diff computes the delta between priorIteration and currentIteration.
// Files are classified per the current ∪ prior union: new files are added
// with a full-file range; files present in both with differing content
// contribute only the hunks new in current; deletions are ignored.
func (d *Differ) Diff(ctx context.Context, scope Scope, priorIteration, currentIteration int) (*models.ChangeDelta, error) {
	iterations, err := d.platform.ListIterations(ctx, scope.Project, scope.RepositoryID, scope.PRID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}

	prior, ok := findIteration(iterations, priorIteration)
	if !ok {
		return nil, fmt.Errorf("iteration %d: %w", priorIteration, ErrPriorIterationUnknown)
	}
	current, ok := findIteration(iterations, currentIteration)
	if !ok {
		return nil, fmt.Errorf("current iteration %d not listed by platform", currentIteration)
	}

	priorChanges, err := d.platform.GetIterationChanges(ctx, scope.Project, scope.RepositoryID, scope.PRID, prior.ID)
	if err != nil {
		return nil, fmt.Errorf("prior iteration changes: %w", err)
	}
	currentChanges, err := d.platform.GetIterationChanges(ctx, scope.Project, scope.RepositoryID, scope.PRID, current.ID)
	if err != nil {
		return nil, fmt.Errorf("current iteration changes: %w", err)
	}

	priorPaths := changedPaths(priorChanges)
	delta := &models.ChangeDelta{
		PriorIteration:   prior.ID,
		CurrentIteration: current.ID,
	}

	for _, change := range sortedChanges(currentChanges) {
		if change.ChangeType == platform.ChangeDelete {
			continue
		}

		content, err := d.platform.GetFile(ctx, scope.Project, scope.RepositoryID, change.Path, current.SourceCommit)
		if err != nil {
			return nil, fmt.Errorf("fetch %s at current iteration: %w", change.Path, err)
		}

		if !priorPaths[change.Path] {
			// New in current: full-file range.
			delta.Files = append(delta.Files, fullFileSlice(change.Path, content))
			continue
		}

		priorContent, err := d.platform.GetFile(ctx, scope.Project, scope.RepositoryID, change.Path, prior.SourceCommit)
		if err != nil {
			if errors.Is(err, platform.ErrNotFound) {
				delta.Files = append(delta.Files, fullFileSlice(change.Path, content))
				continue
			}
			return nil, fmt.Errorf("fetch %s at prior iteration: %w", change.Path, err)
		}

		if contentHash(priorContent) == contentHash(content) {
			continue
		}

		ranges := newLineRanges(priorContent, content)
		if len(ranges) == 0 {
			continue
		}
		delta.Files = append(delta.Files, models.FileSlice{
			Path:          change.Path,
			Kind:          models.FileModified,
			LineRanges:    expandAndMerge(ranges, lineCount(content)),
			TargetContent: content,
		})
	}

	return delta, nil
}

// FullDelta builds the delta for a full review of one iteration: every
// non-deleted file enters with a full-file range.
func (d *Differ) FullDelta(ctx context.Context, scope Scope, iterationID int) (*models.ChangeDelta, error) {
	iterations, err := d.platform.ListIterations(ctx, scope.Project, scope.RepositoryID, scope.PRID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	current, ok := findIteration(iterations, iterationID)
	if !ok {
		return nil, fmt.Errorf("iteration %d not listed by platform", iterationID)
	}

	changes, err := d.platform.GetIterationChanges(ctx, scope.Project, scope.RepositoryID, scope.PRID, current.ID)
	if err != nil {
		return nil, fmt.Errorf("iteration changes: %w", err)
	}

	delta := &models.ChangeDelta{CurrentIteration: current.ID}
	for _, change := range sortedChanges(changes) {
		if change.ChangeType == platform.ChangeDelete {
			continue
		}
		content, err := d.platform.GetFile(ctx, scope.Project, scope.RepositoryID, change.Path, current.SourceCommit)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", change.Path, err)
		}
		delta.Files = append(delta.Files, fullFileSlice(change.Path, content))
	}
	return delta, nil
}

func findIteration(iterations []platform.Iteration, id int) (platform.Iteration, bool) {
	for _, it := range iterations {
		if it.ID == id {
			return it, true
		}
	}
	return platform.Iteration{}, false
}

func changedPaths(changes []platform.IterationChange) map[string]bool {
	paths := make(map[string]bool, len(changes))
	for _, c := range changes {
		if c.ChangeType != platform.ChangeDelete {
			paths[c.Path] = true
		}
	}
	return paths
}

func sortedChanges(changes []platform.IterationChange) []platform.IterationChange {
	out := make([]platform.IterationChange, len(changes))
	copy(out, changes)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func fullFileSlice(path, content string) models.FileSlice {
	return models.FileSlice{
		Path:          path,
		Kind:          models.FileAdded,
		LineRanges:    []models.LineRange{{Start: 1, End: lineCount(content)}},
		TargetContent: content,
	}
}

func lineCount(content string) int {
	if content == "" {
		return 1
	}
	return strings.Count(content, "\n") + 1
}

func contentHash(content string) uint64 {
	return xxhash.Sum64String(content)
}

// newLineRanges returns the line ranges of current that do not appear in
// prior: the multiset difference over per-line content. Line positions are
// not compared, so a moved line, or a new line identical to a prior line
// that was removed elsewhere, is not reported.
func newLineRanges(prior, current string) []models.LineRange {
	priorLines := strings.Split(prior, "\n")
	currentLines := strings.Split(current, "\n")

	// Multiset of prior line hashes; a current line "appears in prior" while
	// its hash still has budget.
	budget := make(map[uint64]int, len(priorLines))
	for _, line := range priorLines {
		budget[xxhash.Sum64String(line)]++
	}

	var ranges []models.LineRange
	open := -1
	for i, line := range currentLines {
		h := xxhash.Sum64String(line)
		if budget[h] > 0 {
			budget[h]--
			if open >= 0 {
				ranges = append(ranges, models.LineRange{Start: open, End: i})
				open = -1
			}
			continue
		}
		if open < 0 {
			open = i + 1
		}
	}
	if open >= 0 {
		ranges = append(ranges, models.LineRange{Start: open, End: len(currentLines)})
	}
	return ranges
}

// expandAndMerge grows every range by the context band, clamps to the file,
// and merges overlapping bands.
func expandAndMerge(ranges []models.LineRange, maxLine int) []models.LineRange {
	expanded := make([]models.LineRange, 0, len(ranges))
	for _, r := range ranges {
		start := r.Start - contextBand
		if start < 1 {
			start = 1
		}
		end := r.End + contextBand
		if end > maxLine {
			end = maxLine
		}
		expanded = append(expanded, models.LineRange{Start: start, End: end})
	}
	sort.Slice(expanded, func(i, j int) bool { return expanded[i].Start < expanded[j].Start })

	merged := expanded[:0]
	for _, r := range expanded {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End+1 {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/revue/pkg/analyzer"
	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/platform"
)

type fakeThreads struct {
	threads []platform.Thread
}

func (f *fakeThreads) ListThreads(_ context.Context, _, _ string, _ int) ([]platform.Thread, error) {
	return f.threads, nil
}

type fakeVerifier struct {
	verdicts map[string]analyzer.Verdict // path → verdict
	calls    int
}

func (f *fakeVerifier) VerifyFix(_ context.Context, prior models.LineFinding, _ string) (analyzer.Verdict, error) {
	f.calls++
	if v, ok := f.verdicts[prior.Path]; ok {
		return v, nil
	}
	return analyzer.VerdictUnknown, nil
}

func finding(path string, line int, category models.Category, message string) models.LineFinding {
	f := models.LineFinding{
		Path:     path,
		Line:     line,
		Severity: models.SeverityWarning,
		Category: category,
		Message:  message,
	}
	f.Stamp()
	return f
}

func postedThread(id int, f models.LineFinding) platform.Thread {
	return platform.Thread{
		ID:     id,
		Status: platform.ThreadActive,
		Path:   f.Path,
		Line:   f.Line,
		Comments: []platform.Comment{
			{ID: 1, Content: FormatThreadBody(f)},
		},
	}
}

func testScope() Scope {
	return Scope{Project: "platform", RepositoryID: "repo-1", PRID: 101}
}

func TestFilterNewSuppressesExistingTriples(t *testing.T) {
	existing := finding("/a.java", 3, models.CategoryBug, "null deref")
	threads := &fakeThreads{threads: []platform.Thread{postedThread(7, existing)}}
	ledger := New(threads, &fakeVerifier{})

	fresh := finding("/a.java", 9, models.CategoryBug, "other bug")
	duplicateTriple := finding("/a.java", 3, models.CategoryBug, "reworded null deref")

	toPost, skipped, err := ledger.FilterNew(context.Background(), testScope(),
		[]models.LineFinding{fresh, duplicateTriple})
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, toPost, 1)
	assert.Equal(t, fresh.Fingerprint, toPost[0].Fingerprint)
}

func TestFilterNewDeduplicatesWithinBatch(t *testing.T) {
	ledger := New(&fakeThreads{}, &fakeVerifier{})

	f := finding("/a.go", 5, models.CategorySecurity, "sql injection")
	toPost, skipped, err := ledger.FilterNew(context.Background(), testScope(),
		[]models.LineFinding{f, f})
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Len(t, toPost, 1)
}

func TestFilterNewRunTwicePostsNothing(t *testing.T) {
	// First run posts; the second run sees the posted threads and suppresses
	// everything.
	findings := []models.LineFinding{
		finding("/a.go", 5, models.CategoryBug, "first"),
		finding("/b.go", 8, models.CategoryCodeSmell, "second"),
	}

	threads := &fakeThreads{}
	ledger := New(threads, &fakeVerifier{})

	toPost, skipped, err := ledger.FilterNew(context.Background(), testScope(), findings)
	require.NoError(t, err)
	require.Len(t, toPost, 2)
	assert.Zero(t, skipped)

	for i, f := range toPost {
		threads.threads = append(threads.threads, postedThread(i+1, f))
	}

	toPost, skipped, err = ledger.FilterNew(context.Background(), testScope(), findings)
	require.NoError(t, err)
	assert.Empty(t, toPost)
	assert.Equal(t, 2, skipped)
}

func TestClassifyPriorConservativeBias(t *testing.T) {
	fixed := finding("/fixed.go", 4, models.CategoryBug, "off by one")
	unknown := finding("/unknown.go", 9, models.CategoryBug, "maybe fixed")
	untouched := finding("/other.go", 2, models.CategoryBug, "not in delta")

	threads := &fakeThreads{threads: []platform.Thread{
		postedThread(1, fixed),
		postedThread(2, unknown),
		postedThread(3, untouched),
	}}
	verifier := &fakeVerifier{verdicts: map[string]analyzer.Verdict{
		"/fixed.go":   analyzer.VerdictResolved,
		"/unknown.go": analyzer.VerdictUnknown,
	}}
	ledger := New(threads, verifier)

	contexts := map[string]string{
		"/fixed.go":   "current code region",
		"/unknown.go": "current code region",
		// /other.go has no context: not part of the delta.
	}

	result, err := ledger.ClassifyPrior(context.Background(), testScope(), nil, contexts)
	require.NoError(t, err)

	require.Len(t, result.Resolved, 1)
	assert.Equal(t, 1, result.Resolved[0].ThreadID)
	assert.Len(t, result.Open, 2)
	// The out-of-delta thread was never submitted for verification.
	assert.Equal(t, 2, verifier.calls)
}

func TestClassifyPriorSkipsStillPresentFindings(t *testing.T) {
	still := finding("/a.go", 4, models.CategoryBug, "still broken")
	threads := &fakeThreads{threads: []platform.Thread{postedThread(1, still)}}
	verifier := &fakeVerifier{}
	ledger := New(threads, verifier)

	result, err := ledger.ClassifyPrior(context.Background(), testScope(),
		[]models.LineFinding{still}, map[string]string{"/a.go": "ctx"})
	require.NoError(t, err)

	assert.Empty(t, result.Resolved)
	require.Len(t, result.Open, 1)
	assert.Zero(t, verifier.calls)
}

func TestThreadBodyRoundTrip(t *testing.T) {
	original := finding("/src/a.java", 12, models.CategorySecurity, "hardcoded credential")
	original.Suggestion = "move it to configuration"

	threads := []platform.Thread{postedThread(42, original)}
	priors := recoverPrior(threads)

	require.Len(t, priors, 1)
	assert.Equal(t, 42, priors[0].ThreadID)
	assert.Equal(t, original.Fingerprint, priors[0].Finding.Fingerprint)
	assert.Equal(t, models.CategorySecurity, priors[0].Finding.Category)
}

func TestRecoverPriorIgnoresForeignAndResolvedThreads(t *testing.T) {
	ours := finding("/a.go", 1, models.CategoryBug, "x")
	resolved := postedThread(2, ours)
	resolved.Status = platform.ThreadFixed

	threads := []platform.Thread{
		{ID: 1, Status: platform.ThreadActive, Path: "/a.go", Line: 1,
			Comments: []platform.Comment{{Content: "a human comment"}}},
		resolved,
		{ID: 3, Status: platform.ThreadActive, Comments: []platform.Comment{{Content: "PR-level note"}}},
	}
	assert.Empty(t, recoverPrior(threads))
}

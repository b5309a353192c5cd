package diff

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/platform"
)

// fakePlatform serves canned iteration state keyed by iteration id and
// (path, commit).
type fakePlatform struct {
	iterations []platform.Iteration
	changes    map[int][]platform.IterationChange
	files      map[string]string // "path@commit" → content
	fileErr    error
}

func (f *fakePlatform) ListIterations(_ context.Context, _, _ string, _ int) ([]platform.Iteration, error) {
	return f.iterations, nil
}

func (f *fakePlatform) GetIterationChanges(_ context.Context, _, _ string, _, iterationID int) ([]platform.IterationChange, error) {
	return f.changes[iterationID], nil
}

func (f *fakePlatform) GetFile(_ context.Context, _, _, path, commit string) (string, error) {
	if f.fileErr != nil {
		return "", f.fileErr
	}
	content, ok := f.files[path+"@"+commit]
	if !ok {
		return "", fmt.Errorf("%s@%s: %w", path, commit, platform.ErrNotFound)
	}
	return content, nil
}

func lines(n int, stamp string) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s line %d", stamp, i+1)
	}
	return strings.Join(out, "\n")
}

func testScope() Scope {
	return Scope{Project: "platform", RepositoryID: "repo-1", PRID: 101}
}

func TestDiffAddedAndModifiedFiles(t *testing.T) {
	// Iteration 1 had a.java; iteration 2 edits line 12 of a.java and adds
	// b.java.
	priorContent := lines(30, "a")
	currentLines := strings.Split(priorContent, "\n")
	currentLines[11] = "a line 12 CHANGED"
	currentContent := strings.Join(currentLines, "\n")

	fake := &fakePlatform{
		iterations: []platform.Iteration{
			{ID: 1, SourceCommit: "c1"},
			{ID: 2, SourceCommit: "c2"},
		},
		changes: map[int][]platform.IterationChange{
			1: {{Path: "/src/a.java", ChangeType: platform.ChangeAdd}},
			2: {
				{Path: "/src/a.java", ChangeType: platform.ChangeEdit},
				{Path: "/src/b.java", ChangeType: platform.ChangeAdd},
			},
		},
		files: map[string]string{
			"/src/a.java@c1": priorContent,
			"/src/a.java@c2": currentContent,
			"/src/b.java@c2": lines(5, "b"),
		},
	}

	delta, err := New(fake).Diff(context.Background(), testScope(), 1, 2)
	require.NoError(t, err)
	require.Len(t, delta.Files, 2)
	assert.Equal(t, 1, delta.PriorIteration)
	assert.Equal(t, 2, delta.CurrentIteration)

	modified := delta.File("/src/a.java")
	require.NotNil(t, modified)
	assert.Equal(t, models.FileModified, modified.Kind)
	// Changed line 12 with the ±3 band.
	assert.Equal(t, []models.LineRange{{Start: 9, End: 15}}, modified.LineRanges)

	added := delta.File("/src/b.java")
	require.NotNil(t, added)
	assert.Equal(t, models.FileAdded, added.Kind)
	assert.Equal(t, []models.LineRange{{Start: 1, End: 5}}, added.LineRanges)
}

func TestDiffIgnoresDeletionsAndUnchanged(t *testing.T) {
	content := lines(10, "same")
	fake := &fakePlatform{
		iterations: []platform.Iteration{
			{ID: 1, SourceCommit: "c1"},
			{ID: 2, SourceCommit: "c2"},
		},
		changes: map[int][]platform.IterationChange{
			1: {
				{Path: "/keep.go", ChangeType: platform.ChangeEdit},
				{Path: "/gone.go", ChangeType: platform.ChangeEdit},
			},
			2: {
				{Path: "/keep.go", ChangeType: platform.ChangeEdit},
				{Path: "/gone.go", ChangeType: platform.ChangeDelete},
			},
		},
		files: map[string]string{
			"/keep.go@c1": content,
			"/keep.go@c2": content,
		},
	}

	delta, err := New(fake).Diff(context.Background(), testScope(), 1, 2)
	require.NoError(t, err)
	assert.Empty(t, delta.Files)
}

func TestDiffUnknownPriorIteration(t *testing.T) {
	fake := &fakePlatform{
		iterations: []platform.Iteration{{ID: 5, SourceCommit: "c5"}},
	}

	_, err := New(fake).Diff(context.Background(), testScope(), 2, 5)
	assert.ErrorIs(t, err, ErrPriorIterationUnknown)
}

func TestFullDelta(t *testing.T) {
	fake := &fakePlatform{
		iterations: []platform.Iteration{{ID: 1, SourceCommit: "c1"}},
		changes: map[int][]platform.IterationChange{
			1: {
				{Path: "/a.go", ChangeType: platform.ChangeAdd},
				{Path: "/b.go", ChangeType: platform.ChangeAdd},
				{Path: "/old.go", ChangeType: platform.ChangeDelete},
			},
		},
		files: map[string]string{
			"/a.go@c1": lines(3, "a"),
			"/b.go@c1": lines(7, "b"),
		},
	}

	delta, err := New(fake).FullDelta(context.Background(), testScope(), 1)
	require.NoError(t, err)
	require.Len(t, delta.Files, 2)
	for _, file := range delta.Files {
		assert.Equal(t, models.FileAdded, file.Kind)
		require.Len(t, file.LineRanges, 1)
		assert.Equal(t, 1, file.LineRanges[0].Start)
	}
}

func TestNewLineRanges(t *testing.T) {
	tests := []struct {
		name    string
		prior   string
		current string
		want    []models.LineRange
	}{
		{
			name:    "no changes",
			prior:   "a\nb\nc",
			current: "a\nb\nc",
			want:    nil,
		},
		{
			name:    "inserted middle",
			prior:   "a\nb\nc",
			current: "a\nb\nNEW\nc",
			want:    []models.LineRange{{Start: 3, End: 3}},
		},
		{
			name:    "changed tail",
			prior:   "a\nb\nc",
			current: "a\nb\nX\nY",
			want:    []models.LineRange{{Start: 3, End: 4}},
		},
		{
			name:    "all new",
			prior:   "",
			current: "x\ny",
			want:    []models.LineRange{{Start: 1, End: 2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newLineRanges(tt.prior, tt.current))
		})
	}
}

func TestExpandAndMerge(t *testing.T) {
	ranges := []models.LineRange{
		{Start: 5, End: 5},
		{Start: 9, End: 10}, // band overlaps the first range's band
		{Start: 40, End: 42},
	}
	merged := expandAndMerge(ranges, 45)
	assert.Equal(t, []models.LineRange{
		{Start: 2, End: 13},
		{Start: 37, End: 45},
	}, merged)
}

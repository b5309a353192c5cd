package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintNormalizesMessage(t *testing.T) {
	a := Fingerprint("/a.go", 10, CategoryBug, "Possible nil dereference")
	b := Fingerprint("/a.go", 10, CategoryBug, "  possible   NIL dereference ")
	assert.Equal(t, a, b)
}

func TestFingerprintDiscriminates(t *testing.T) {
	base := Fingerprint("/a.go", 10, CategoryBug, "possible nil dereference")

	assert.NotEqual(t, base, Fingerprint("/b.go", 10, CategoryBug, "possible nil dereference"))
	assert.NotEqual(t, base, Fingerprint("/a.go", 11, CategoryBug, "possible nil dereference"))
	assert.NotEqual(t, base, Fingerprint("/a.go", 10, CategorySecurity, "possible nil dereference"))
	assert.NotEqual(t, base, Fingerprint("/a.go", 10, CategoryBug, "another message"))
}

func TestStamp(t *testing.T) {
	finding := LineFinding{
		Path:     "/a.go",
		Line:     5,
		Category: CategoryCodeSmell,
		Message:  "long method",
	}
	finding.Stamp()
	assert.Equal(t, Fingerprint("/a.go", 5, CategoryCodeSmell, "long method"), finding.Fingerprint)
	assert.Len(t, finding.Fingerprint, 16)
}

func TestFileSliceContainsLine(t *testing.T) {
	slice := FileSlice{LineRanges: []LineRange{{Start: 3, End: 5}, {Start: 10, End: 12}}}

	assert.True(t, slice.ContainsLine(3))
	assert.True(t, slice.ContainsLine(11))
	assert.False(t, slice.ContainsLine(6))
	assert.False(t, slice.ContainsLine(13))
}

func TestEventKindValid(t *testing.T) {
	assert.True(t, EventCreated.Valid())
	assert.True(t, EventUpdated.Valid())
	assert.False(t, EventKind("deleted").Valid())
}

func TestAgentStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	for _, status := range []AgentStatus{StatusCompleted, StatusFailed, StatusTimeout} {
		assert.True(t, status.Terminal())
	}
}

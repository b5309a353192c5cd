package analyzer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/revue/pkg/models"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"findings": []}`, `{"findings": []}`},
		{"fenced", "```json\n{\"findings\": []}\n```", `{"findings": []}`},
		{"prose around", "Here you go:\n{\"verdict\": \"resolved\"}\nHope that helps.", `{"verdict": "resolved"}`},
		{"no json at all", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(extractJSON(tt.in)))
		})
	}
}

func TestWireFindingDecodes(t *testing.T) {
	raw := `{"findings": [
		{"path": "/a.java", "line": 3, "severity": "warning", "category": "bug",
		 "message": "possible NPE", "suggestion": "guard the call"}
	]}`

	var wire wireFindingList
	require.NoError(t, json.Unmarshal(extractJSON(raw), &wire))
	require.Len(t, wire.Findings, 1)
	assert.Equal(t, 3, wire.Findings[0].Line)
}

func TestNormalizeSeverityAndCategory(t *testing.T) {
	assert.Equal(t, models.SeverityError, normalizeSeverity("ERROR"))
	assert.Equal(t, models.SeverityInfo, normalizeSeverity("critical"))
	assert.Equal(t, models.CategorySecurity, normalizeCategory("Security"))
	assert.Equal(t, models.CategoryCodeSmell, normalizeCategory("style"))
}

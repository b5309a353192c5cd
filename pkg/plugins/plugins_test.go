package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/revue/pkg/models"
)

func TestRegistryLookup(t *testing.T) {
	registry, err := NewRegistry("")
	require.NoError(t, err)

	tests := []struct {
		path     string
		language string
		found    bool
	}{
		{"/src/main.go", "go", true},
		{"/src/App.java", "java", true},
		{"/src/util.py", "python", true},
		{"/web/app.TSX", "typescript", true},
		{"/src/Service.cs", "csharp", true},
		{"/docs/readme.md", "", false},
		{"/assets/logo.png", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			plugin, ok := registry.Lookup(tt.path)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.language, plugin.Language)
				assert.NotEmpty(t, plugin.SystemPrompt)
				assert.NotEmpty(t, plugin.RuleSet)
			}
		})
	}
}

func TestRegistryOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugins.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plugins:
  - language: go
    rule_set: go-strict
    system_prompt: strict reviewer
    context_lines: 10
    extensions: [".go"]
  - language: rust
    rule_set: rust-default
    system_prompt: rust reviewer
    extensions: [".rs"]
`), 0o600))

	registry, err := NewRegistry(path)
	require.NoError(t, err)

	goPlugin, ok := registry.Lookup("/main.go")
	require.True(t, ok)
	assert.Equal(t, "go-strict", goPlugin.RuleSet)
	assert.Equal(t, 10, goPlugin.ContextLines)

	rustPlugin, ok := registry.Lookup("/lib.rs")
	require.True(t, ok)
	assert.Equal(t, "rust-default", rustPlugin.RuleSet)
	// Defaulted when the override omits it.
	assert.Equal(t, defaultContextLines, rustPlugin.ContextLines)
}

func TestParseGo(t *testing.T) {
	registry, err := NewRegistry("")
	require.NoError(t, err)
	plugin, _ := registry.Lookup("/main.go")

	source := `package main

import "fmt"

func main() {
	fmt.Println("hi")
}

func helper(x int) int {
	return x * 2
}
`
	parsed, err := Parse("/main.go", source, plugin)
	require.NoError(t, err)
	assert.Equal(t, "go", parsed.Language)
	assert.Contains(t, parsed.Imports, "fmt")
	require.Len(t, parsed.Definitions, 2)
	assert.Equal(t, "main", parsed.Definitions[0].Name)
	assert.Equal(t, 5, parsed.Definitions[0].StartLine)
	assert.Equal(t, 7, parsed.Definitions[0].EndLine)
	assert.Equal(t, "helper", parsed.Definitions[1].Name)
}

func TestParsePython(t *testing.T) {
	registry, err := NewRegistry("")
	require.NoError(t, err)
	plugin, _ := registry.Lookup("/util.py")

	source := `import os
from typing import List

def first():
    return 1

class Thing:
    def method(self):
        return 2
`
	parsed, err := Parse("/util.py", source, plugin)
	require.NoError(t, err)
	assert.Contains(t, parsed.Imports, "os")
	assert.Contains(t, parsed.Imports, "typing")

	names := make([]string, 0, len(parsed.Definitions))
	for _, d := range parsed.Definitions {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"first", "Thing", "method"}, names)
}

func TestParseBinary(t *testing.T) {
	registry, err := NewRegistry("")
	require.NoError(t, err)
	plugin, _ := registry.Lookup("/blob.go")

	_, err = Parse("/blob.go", "GIF89a\x00\x01\x02", plugin)
	assert.ErrorIs(t, err, ErrBinaryFile)
}

func TestEnclosingDefinition(t *testing.T) {
	parsed := models.ParsedFile{
		Definitions: []models.Definition{
			{Name: "Outer", Kind: "class", StartLine: 1, EndLine: 50},
			{Name: "inner", Kind: "function", StartLine: 10, EndLine: 20},
		},
	}

	assert.Equal(t, "inner", parsed.EnclosingDefinition(15).Name)
	assert.Equal(t, "Outer", parsed.EnclosingDefinition(30).Name)
	assert.Nil(t, parsed.EnclosingDefinition(60))
}

func TestExtractContext(t *testing.T) {
	registry, err := NewRegistry("")
	require.NoError(t, err)
	plugin, _ := registry.Lookup("/main.go")

	var sb strings.Builder
	sb.WriteString("package main\n\nimport \"fmt\"\n\nfunc target() {\n")
	for i := 0; i < 20; i++ {
		sb.WriteString("\tfmt.Println(1)\n")
	}
	sb.WriteString("}\n")
	source := sb.String()

	parsed, err := Parse("/main.go", source, plugin)
	require.NoError(t, err)

	context := ExtractContext(&parsed, source, models.LineRange{Start: 10, End: 12}, plugin)
	assert.Contains(t, context, "File: /main.go")
	assert.Contains(t, context, "function target")
	assert.Contains(t, context, "fmt")
	// The window carries numbered lines including the K-line band.
	assert.Contains(t, context, "10: ")
	assert.Contains(t, context, "4: ")
	assert.NotContains(t, context, "1: package main")
}

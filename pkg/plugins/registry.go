// Package plugins maps file extensions to language review plugins: the rule
// set, system prompt, and context template handed to the analyzer, plus a
// lightweight parser that extracts the structure context windows are built
// from.
package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plugin is the per-language review configuration. Lookup is a pure map from
// extension to plugin; no further polymorphism is required.
type Plugin struct {
	Language string `yaml:"language"`
	// RuleSet identifies the review rule set sent to the analyzer.
	RuleSet string `yaml:"rule_set"`
	// SystemPrompt primes the analyzer for this language.
	SystemPrompt string `yaml:"system_prompt"`
	// ContextTemplate frames each analyzed chunk; {{path}}, {{definition}},
	// {{imports}} and {{content}} are substituted.
	ContextTemplate string `yaml:"context_template"`
	// ContextLines is the K surrounding lines included around each slice.
	ContextLines int      `yaml:"context_lines"`
	Extensions   []string `yaml:"extensions"`
}

// Registry resolves plugins by file extension.
type Registry struct {
	byExtension map[string]*Plugin
}

// NewRegistry builds a registry from the built-in plugins, optionally merged
// with overrides from a YAML file (path may be empty). Overrides replace
// built-ins with the same language and may add new languages.
func NewRegistry(overridePath string) (*Registry, error) {
	plugins := builtinPlugins()

	if overridePath != "" {
		overrides, err := loadOverrides(overridePath)
		if err != nil {
			return nil, err
		}
		byLanguage := make(map[string]int, len(plugins))
		for i, p := range plugins {
			byLanguage[p.Language] = i
		}
		for _, override := range overrides {
			if i, ok := byLanguage[override.Language]; ok {
				plugins[i] = override
				continue
			}
			plugins = append(plugins, override)
		}
	}

	byExt := make(map[string]*Plugin)
	for i := range plugins {
		p := &plugins[i]
		if p.ContextLines <= 0 {
			p.ContextLines = defaultContextLines
		}
		for _, ext := range p.Extensions {
			byExt[strings.ToLower(ext)] = p
		}
	}
	return &Registry{byExtension: byExt}, nil
}

// Lookup returns the plugin for path's extension, or false when the file's
// language is not monitored (the caller skips and counts the file).
func (r *Registry) Lookup(path string) (*Plugin, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	p, ok := r.byExtension[ext]
	return p, ok
}

// Languages returns the distinct configured languages (for the health
// endpoint).
func (r *Registry) Languages() []string {
	seen := make(map[string]bool)
	var languages []string
	for _, p := range r.byExtension {
		if !seen[p.Language] {
			seen[p.Language] = true
			languages = append(languages, p.Language)
		}
	}
	return languages
}

type overrideFile struct {
	Plugins []Plugin `yaml:"plugins"`
}

func loadOverrides(path string) ([]Plugin, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin overrides %s: %w", path, err)
	}
	var file overrideFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse plugin overrides %s: %w", path, err)
	}
	for i, p := range file.Plugins {
		if p.Language == "" || len(p.Extensions) == 0 {
			return nil, fmt.Errorf("plugin override %d in %s: language and extensions are required", i, path)
		}
	}
	return file.Plugins, nil
}

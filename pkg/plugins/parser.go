package plugins

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/codeready-toolchain/revue/pkg/models"
)

// ErrBinaryFile indicates the content looks binary and cannot be reviewed.
var ErrBinaryFile = errors.New("binary file")

// Definition and import patterns per language family. The parser does not
// build a full syntax tree: context windows only need imports, declaration
// boundaries, and line offsets.
var (
	importPatterns = map[string]*regexp.Regexp{
		"go":         regexp.MustCompile(`^\s*(?:import\s+(?:\w+\s+)?"([^"]+)"|"([^"]+)",?)\s*$`),
		"java":       regexp.MustCompile(`^\s*import\s+(?:static\s+)?([\w.*]+);`),
		"python":     regexp.MustCompile(`^\s*(?:import\s+([\w.]+)|from\s+([\w.]+)\s+import)`),
		"typescript": regexp.MustCompile(`^\s*import\b.*?from\s+['"]([^'"]+)['"]`),
		"javascript": regexp.MustCompile(`^\s*(?:import\b.*?from\s+['"]([^'"]+)['"]|const\s+\w+\s*=\s*require\(['"]([^'"]+)['"]\))`),
		"csharp":     regexp.MustCompile(`^\s*using\s+(?:static\s+)?([\w.]+);`),
	}

	definitionPatterns = map[string]*regexp.Regexp{
		"go":         regexp.MustCompile(`^func\s+(?:\([^)]+\)\s+)?(\w+)|^type\s+(\w+)\s`),
		"java":       regexp.MustCompile(`^\s*(?:public|protected|private|static|final|abstract|\s)*\s*(?:class|interface|enum|record)\s+(\w+)|^\s*(?:public|protected|private|static|final|synchronized|\s)+[\w<>\[\],\s]+\s+(\w+)\s*\(`),
		"python":     regexp.MustCompile(`^\s*(?:async\s+)?def\s+(\w+)|^\s*class\s+(\w+)`),
		"typescript": regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?(?:function|class|interface)\s+(\w+)|^\s*(?:export\s+)?const\s+(\w+)\s*=\s*(?:async\s*)?\(`),
		"javascript": regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?(?:function|class)\s+(\w+)|^\s*(?:export\s+)?const\s+(\w+)\s*=\s*(?:async\s*)?\(`),
		"csharp":     regexp.MustCompile(`^\s*(?:public|protected|private|internal|static|sealed|abstract|partial|\s)*\s*(?:class|interface|struct|record|enum)\s+(\w+)|^\s*(?:public|protected|private|internal|static|virtual|override|async|\s)+[\w<>\[\],\s]+\s+(\w+)\s*\(`),
	}
)

// Parse summarizes one source file for context extraction. Binary content
// fails with ErrBinaryFile; a file the patterns cannot make sense of still
// parses (an empty summary is a valid one).
func Parse(path, content string, plugin *Plugin) (models.ParsedFile, error) {
	if isBinary(content) {
		return models.ParsedFile{}, fmt.Errorf("%s: %w", path, ErrBinaryFile)
	}

	lines := strings.Split(content, "\n")
	parsed := models.ParsedFile{
		Path:      path,
		Language:  plugin.Language,
		LineCount: len(lines),
	}

	importPattern := importPatterns[plugin.Language]
	definitionPattern := definitionPatterns[plugin.Language]

	for i, line := range lines {
		if importPattern != nil {
			if m := importPattern.FindStringSubmatch(line); m != nil {
				parsed.Imports = append(parsed.Imports, firstGroup(m))
			}
		}
		if definitionPattern != nil {
			if m := definitionPattern.FindStringSubmatch(line); m != nil {
				parsed.Definitions = append(parsed.Definitions, models.Definition{
					Name:      firstGroup(m),
					Kind:      definitionKind(line),
					StartLine: i + 1,
					EndLine:   definitionEnd(lines, i, plugin.Language),
				})
			}
		}
	}
	return parsed, nil
}

// isBinary sniffs for a NUL byte in the first 8 KiB.
func isBinary(content string) bool {
	head := content
	if len(head) > 8192 {
		head = head[:8192]
	}
	return strings.ContainsRune(head, '\x00')
}

func firstGroup(match []string) string {
	for _, g := range match[1:] {
		if g != "" {
			return g
		}
	}
	return ""
}

func definitionKind(line string) string {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.Contains(trimmed, "class "):
		return "class"
	case strings.Contains(trimmed, "interface "), strings.Contains(trimmed, "struct "),
		strings.Contains(trimmed, "enum "), strings.HasPrefix(trimmed, "type "):
		return "type"
	default:
		return "function"
	}
}

// definitionEnd finds the last line of a definition starting at start.
// Brace languages track nesting depth; Python uses indentation.
func definitionEnd(lines []string, start int, language string) int {
	if language == "python" {
		indent := indentOf(lines[start])
		for i := start + 1; i < len(lines); i++ {
			trimmed := strings.TrimSpace(lines[i])
			if trimmed == "" {
				continue
			}
			if indentOf(lines[i]) <= indent {
				return i // 1-indexed previous line
			}
		}
		return len(lines)
	}

	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		depth += strings.Count(lines[i], "{") - strings.Count(lines[i], "}")
		if strings.Contains(lines[i], "{") {
			opened = true
		}
		if opened && depth <= 0 {
			return i + 1
		}
		// Declaration with no body within a reasonable window.
		if !opened && i-start > 2 {
			break
		}
	}
	return start + 1
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

// ExtractContext builds the analyzer context for a slice of a file: the
// plugin's template filled with the enclosing definition, the file's
// imports, and the slice content with K surrounding lines.
func ExtractContext(parsed *models.ParsedFile, content string, slice models.LineRange, plugin *Plugin) string {
	lines := strings.Split(content, "\n")

	start := slice.Start - plugin.ContextLines
	if start < 1 {
		start = 1
	}
	end := slice.End + plugin.ContextLines
	if end > len(lines) {
		end = len(lines)
	}

	var window strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&window, "%d: %s\n", i, lines[i-1])
	}

	definition := "(top level)"
	if d := parsed.EnclosingDefinition(slice.Start); d != nil {
		definition = fmt.Sprintf("%s %s (lines %d-%d)", d.Kind, d.Name, d.StartLine, d.EndLine)
	}

	imports := "(none)"
	if len(parsed.Imports) > 0 {
		imports = strings.Join(parsed.Imports, "\n")
	}

	replacer := strings.NewReplacer(
		"{{path}}", parsed.Path,
		"{{definition}}", definition,
		"{{imports}}", imports,
		"{{content}}", window.String(),
	)
	return replacer.Replace(plugin.ContextTemplate)
}

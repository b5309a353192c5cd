package plugins

const defaultContextLines = 6

const defaultContextTemplate = `File: {{path}}
Enclosing definition: {{definition}}
Imports:
{{imports}}

{{content}}`

// reviewPromptPreamble is shared by every built-in system prompt.
const reviewPromptPreamble = "You are a senior code reviewer. Review only the " +
	"changed regions you are given. Report genuine problems, not style nits " +
	"already enforced by formatters. Respond with JSON only."

func builtinPlugins() []Plugin {
	return []Plugin{
		{
			Language:        "go",
			RuleSet:         "go-default",
			SystemPrompt:    reviewPromptPreamble + " The code is Go: watch for ignored errors, goroutine leaks, data races, and nil dereferences.",
			ContextTemplate: defaultContextTemplate,
			ContextLines:    defaultContextLines,
			Extensions:      []string{".go"},
		},
		{
			Language:        "java",
			RuleSet:         "java-default",
			SystemPrompt:    reviewPromptPreamble + " The code is Java: watch for resource leaks, broken equals/hashCode contracts, unguarded nulls, and concurrency misuse.",
			ContextTemplate: defaultContextTemplate,
			ContextLines:    defaultContextLines,
			Extensions:      []string{".java"},
		},
		{
			Language:        "python",
			RuleSet:         "python-default",
			SystemPrompt:    reviewPromptPreamble + " The code is Python: watch for mutable default arguments, swallowed exceptions, and type confusion.",
			ContextTemplate: defaultContextTemplate,
			ContextLines:    defaultContextLines,
			Extensions:      []string{".py"},
		},
		{
			Language:        "typescript",
			RuleSet:         "typescript-default",
			SystemPrompt:    reviewPromptPreamble + " The code is TypeScript: watch for unsafe any casts, unhandled promise rejections, and truthiness bugs.",
			ContextTemplate: defaultContextTemplate,
			ContextLines:    defaultContextLines,
			Extensions:      []string{".ts", ".tsx"},
		},
		{
			Language:        "javascript",
			RuleSet:         "javascript-default",
			SystemPrompt:    reviewPromptPreamble + " The code is JavaScript: watch for unhandled promise rejections, implicit coercion bugs, and prototype pollution.",
			ContextTemplate: defaultContextTemplate,
			ContextLines:    defaultContextLines,
			Extensions:      []string{".js", ".jsx", ".mjs"},
		},
		{
			Language:        "csharp",
			RuleSet:         "csharp-default",
			SystemPrompt:    reviewPromptPreamble + " The code is C#: watch for undisposed IDisposables, async-void methods, and LINQ multiple enumeration.",
			ContextTemplate: defaultContextTemplate,
			ContextLines:    defaultContextLines,
			Extensions:      []string{".cs"},
		},
	}
}

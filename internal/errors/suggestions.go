package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorSuggestion represents a suggestion for fixing an error
type ErrorSuggestion struct {
	Title       string
	Description string
	Command     string
	Example     string
}

// SuggestionContext provides context for generating suggestions
type SuggestionContext struct {
	ConfigPath      string
	DocumentPath    string
	RendererCommand string
}

// PrerequisiteError generates suggestions for a failed startup check.
func PrerequisiteError(err error, ctx *SuggestionContext) []ErrorSuggestion {
	if ctx == nil {
		ctx = &SuggestionContext{}
	}
	var suggestions []ErrorSuggestion

	switch {
	case errors.Is(err, ErrDocumentMissing):
		suggestions = append(suggestions, ErrorSuggestion{
			Title:       "Check the tracked document path",
			Description: "The --file argument must point at an existing file in the working tree",
			Command:     "ls -la " + ctx.DocumentPath,
		})
	case errors.Is(err, ErrNotInRepository):
		suggestions = append(suggestions, ErrorSuggestion{
			Title:       "Run inside a git repository",
			Description: "The tracked document must live inside a git working tree",
			Command:     "git -C $(dirname " + ctx.DocumentPath + ") rev-parse --show-toplevel",
		})
	case errors.Is(err, ErrRendererMissing):
		suggestions = append(suggestions, ErrorSuggestion{
			Title:       "Install the renderer",
			Description: fmt.Sprintf("%q must be available on PATH", ctx.RendererCommand),
			Command:     "gem install asciidoctor",
		}, ErrorSuggestion{
			Title:       "Point the factory at another renderer",
			Description: "Set renderer.command in the config file or DOCFACTORY_RENDERER_COMMAND",
			Example:     "renderer:\n  command: /usr/local/bin/asciidoctor",
		})
	case errors.Is(err, ErrGitMissing):
		suggestions = append(suggestions, ErrorSuggestion{
			Title:       "Install git",
			Description: "The factory queries history through the git command line",
			Command:     "git --version",
		})
	}

	suggestions = append(suggestions, ErrorSuggestion{
		Title:       "Run diagnostics",
		Description: "Check every prerequisite at once",
		Command:     "docfactory doctor",
	})
	return suggestions
}

// ServerStartError generates suggestions for server startup errors
func ServerStartError(err error, port int, ctx *SuggestionContext) []ErrorSuggestion {
	var suggestions []ErrorSuggestion

	if strings.Contains(err.Error(), "address already in use") || strings.Contains(err.Error(), "bind") {
		suggestions = append(suggestions, ErrorSuggestion{
			Title:       "Port already in use",
			Description: fmt.Sprintf("Port %d is being used by another process", port),
			Command:     fmt.Sprintf("lsof -i :%d", port),
		}, ErrorSuggestion{
			Title:       "Use a different port",
			Description: "Start the factory on another port",
			Command:     fmt.Sprintf("docfactory serve --port %d", port+1),
		})
	}

	return suggestions
}

// ConfigurationError generates suggestions for configuration errors
func ConfigurationError(configError string, configPath string, ctx *SuggestionContext) []ErrorSuggestion {
	suggestions := []ErrorSuggestion{
		{
			Title:       "Check configuration syntax",
			Description: "Verify your configuration file has valid YAML syntax",
			Command:     "cat " + configPath,
		},
		{
			Title:       "Write a default configuration",
			Description: "Generate a fresh configuration file with every default spelled out",
			Command:     "docfactory config init",
		},
	}

	if strings.Contains(configError, "max_distinct_renders") {
		suggestions = append(suggestions, ErrorSuggestion{
			Title:       "Use a positive render ceiling",
			Description: "factory.max_distinct_renders bounds distinct artifacts during backfill",
			Example:     "factory:\n  max_distinct_renders: 5",
		})
	}
	if strings.Contains(configError, "port") {
		suggestions = append(suggestions, ErrorSuggestion{
			Title:   "Fix the port number",
			Example: "server:\n  port: 8080",
		})
	}

	return suggestions
}

// FormatSuggestions formats suggestions into a user-friendly string
func FormatSuggestions(title string, suggestions []ErrorSuggestion) string {
	if len(suggestions) == 0 {
		return title
	}

	var output strings.Builder
	output.WriteString(title + "\n\n")
	output.WriteString("Suggestions:\n")

	for i, suggestion := range suggestions {
		output.WriteString(fmt.Sprintf("  %d. %s\n", i+1, suggestion.Title))
		if suggestion.Description != "" {
			output.WriteString(fmt.Sprintf("     %s\n", suggestion.Description))
		}
		if suggestion.Command != "" {
			output.WriteString(fmt.Sprintf("     Run: %s\n", suggestion.Command))
		}
		if suggestion.Example != "" {
			output.WriteString(fmt.Sprintf("     Example: %s\n", suggestion.Example))
		}
		output.WriteString("\n")
	}

	return output.String()
}

// EnhancedError wraps an error with suggestions
type EnhancedError struct {
	OriginalError error
	Title         string
	Suggestions   []ErrorSuggestion
}

// Error implements the error interface
func (e *EnhancedError) Error() string {
	return FormatSuggestions(e.Title, e.Suggestions)
}

// Unwrap returns the original error
func (e *EnhancedError) Unwrap() error {
	return e.OriginalError
}

// NewEnhancedError creates a new enhanced error with suggestions
func NewEnhancedError(title string, originalError error, suggestions []ErrorSuggestion) *EnhancedError {
	return &EnhancedError{
		OriginalError: originalError,
		Title:         title,
		Suggestions:   suggestions,
	}
}

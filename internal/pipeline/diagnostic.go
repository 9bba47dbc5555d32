package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"
)

// Violation describes how the renderer broke its single-output contract.
type Violation struct {
	// Files lists the HTML files found; empty means none were produced.
	Files []string
	// SourceDir is shown on the page. It is kept relative so the page, and
	// therefore its digest, does not depend on where the factory runs.
	SourceDir string
}

// Message is the one-line summary shown on the page and in logs.
func (v Violation) Message() string {
	if len(v.Files) == 0 {
		return "No HTML files found"
	}
	return "Multiple HTML files found: " + strings.Join(v.Files, ", ")
}

const diagnosticStyle = `body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; margin: 40px; background: #ffeef0; }
.error-container { background: white; padding: 20px; border-radius: 8px; border: 1px solid #f97583; }
.error-header { color: #d73a49; font-size: 24px; margin-bottom: 15px; }
.error-details { color: #586069; margin-bottom: 10px; }
.source-path { font-family: monospace; background: #f6f8fa; padding: 5px; border-radius: 3px; }`

// DiagnosticPage renders the placeholder artifact recorded in place of the
// renderer's output.
func DiagnosticPage(v Violation) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>Document Factory Processing Error</title>
<style>
%s
</style>
</head>
<body>
<div class="error-container">
<h1 class="error-header">Document Factory Processing Error</h1>
<p class="error-details"><strong>Error:</strong> %s</p>
<p class="error-details"><strong>Source Directory:</strong> <code class="source-path">%s</code></p>
<p class="error-details">This error occurred during document to HTML conversion. Please check:</p>
<ul>
<li>Document syntax and structure</li>
<li>Renderer installation and version</li>
<li>File permissions in source directory</li>
</ul>
</div>
</body>
</html>
`, diagnosticStyle, templ.EscapeString(v.Message()), templ.EscapeString(v.SourceDir))
		return err
	})
}

// renderDiagnostic renders the page to a string.
func renderDiagnostic(ctx context.Context, v Violation) (string, error) {
	var b strings.Builder
	if err := DiagnosticPage(v).Render(ctx, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

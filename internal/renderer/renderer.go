// Package renderer runs the external document renderer.
//
// The renderer is a black box: it is handed one extracted source document and
// an output directory and is expected to write exactly one HTML file there.
// Whether it honored that contract is decided by the caller, which inspects
// the output directory afterwards. The command and its flags come from
// configuration; the default is Asciidoctor with the reproducible attribute so
// no last-updated stamp is emitted.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/docfactory/internal/validation"
)

// Renderer invokes a document-to-HTML command.
type Renderer struct {
	command string
	args    []string
	timeout time.Duration
}

// New creates a renderer. args are placed before the document path; the
// output directory is always passed with -D.
func New(command string, args []string, timeout time.Duration) (*Renderer, error) {
	if err := validation.ValidateCommand(command); err != nil {
		return nil, fmt.Errorf("invalid renderer command: %w", err)
	}
	for _, arg := range args {
		if err := validation.ValidateArgument(arg); err != nil {
			return nil, fmt.Errorf("invalid renderer argument %q: %w", arg, err)
		}
	}
	return &Renderer{
		command: command,
		args:    append([]string(nil), args...),
		timeout: timeout,
	}, nil
}

// Command is the configured executable.
func (r *Renderer) Command() string {
	return r.command
}

// LookPath resolves the renderer executable on PATH.
func (r *Renderer) LookPath() (string, error) {
	path, err := exec.LookPath(r.command)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w. Install it with: gem install asciidoctor", r.command, err)
	}
	return path, nil
}

// Render renders doc into outDir. A non-zero exit, a timeout or a failure to
// start the command is returned as an error with the command's output.
func (r *Renderer) Render(ctx context.Context, doc, outDir string) error {
	if err := r.validateWorkDir(outDir); err != nil {
		return fmt.Errorf("invalid output directory: %w", err)
	}
	if _, err := os.Stat(doc); err != nil {
		return fmt.Errorf("document %s: %w", doc, err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.args...), doc, "-D", outDir)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = filepath.Dir(doc)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %v", r.command, r.timeout)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", r.command, ctx.Err())
		}
		return fmt.Errorf("%s %s failed: %w\nOutput: %s",
			r.command, strings.Join(args, " "), err, strings.TrimSpace(output.String()))
	}
	return nil
}

// validateWorkDir validates the output directory before the renderer writes into it
func (r *Renderer) validateWorkDir(workDir string) error {
	if workDir == "" {
		return fmt.Errorf("empty output directory")
	}
	info, err := os.Stat(workDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", workDir)
	}
	return nil
}

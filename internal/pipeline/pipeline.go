// Package pipeline renders one commit of the tracked document into a
// content-addressed artifact and records it in the manifest.
//
// A render runs in a freshly reset workspace: the commit's tree is extracted,
// the renderer is run against the tracked document, its single HTML output is
// canonicalized and hashed, and the artifact is written once under
// <namespace>-<sha256>.html. Commits without the document are skipped. A
// renderer that produces zero or several HTML files yields a diagnostic page
// instead, so the history still advances. Everything else that goes wrong is
// an environment failure and is returned as a *errors.FatalError.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/conneroisu/docfactory/internal/canonical"
	"github.com/conneroisu/docfactory/internal/errors"
	"github.com/conneroisu/docfactory/internal/logging"
	"github.com/conneroisu/docfactory/internal/manifest"
	"github.com/conneroisu/docfactory/internal/validation"
	"github.com/conneroisu/docfactory/internal/vcs"
	"github.com/conneroisu/docfactory/internal/workspace"
)

// Outcome is the non-fatal result of a render attempt.
type Outcome int

const (
	Rendered Outcome = iota
	Skipped
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case Rendered:
		return "rendered"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Source extracts commit trees and reads commit metadata.
type Source interface {
	Archive(ctx context.Context, hash, dest string) error
	Show(ctx context.Context, hash string) (vcs.Commit, error)
}

// DocumentRenderer turns one document into HTML inside outDir.
type DocumentRenderer interface {
	Render(ctx context.Context, doc, outDir string) error
}

// Recorder receives the manifest entry of every successful render.
type Recorder interface {
	Append(ctx context.Context, entry manifest.Entry) error
}

// Config names what is rendered and where artifacts go.
type Config struct {
	// Document is the tracked path relative to the repository root.
	Document string
	// Namespace prefixes artifact file names.
	Namespace string
	// ArtifactDir receives artifacts.
	ArtifactDir string
}

// Result describes a finished render.
type Result struct {
	Outcome Outcome
	Entry   manifest.Entry
	// Diagnostic is set when the artifact is a diagnostic page.
	Diagnostic bool
	// Written is false when an identical artifact already existed.
	Written bool
	Report  canonical.Report
}

// Pipeline renders commits one at a time. It is not safe for concurrent use:
// the workspace is reset destructively by every render.
type Pipeline struct {
	config    Config
	workspace *workspace.Workspace
	source    Source
	renderer  DocumentRenderer
	recorder  Recorder
	canon     *canonical.Canonicalizer
	logger    logging.Logger
}

// New creates a pipeline.
func New(
	config Config,
	ws *workspace.Workspace,
	source Source,
	renderer DocumentRenderer,
	recorder Recorder,
	logger logging.Logger,
) (*Pipeline, error) {
	if config.Document == "" {
		return nil, fmt.Errorf("document path is required")
	}
	if filepath.IsAbs(config.Document) || strings.HasPrefix(filepath.ToSlash(filepath.Clean(config.Document)), "../") {
		return nil, fmt.Errorf("document path %q must be relative to the repository root", config.Document)
	}
	if err := validation.ValidateNamespace(config.Namespace); err != nil {
		return nil, err
	}
	if config.ArtifactDir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}

	return &Pipeline{
		config:    config,
		workspace: ws,
		source:    source,
		renderer:  renderer,
		recorder:  recorder,
		canon:     canonical.New(canonical.DefaultOptions()),
		logger:    logger.WithComponent("pipeline"),
	}, nil
}

// RenderCommit runs the whole pipeline for hash. A non-nil error is always a
// *errors.FatalError.
func (p *Pipeline) RenderCommit(ctx context.Context, hash string) (Result, error) {
	short := errors.ShortHash(hash)
	perf := logging.StartOperation(p.logger, "render_commit")
	defer perf.End(ctx, "commit", short)

	if err := p.workspace.Reset(); err != nil {
		return Result{}, errors.Fatal("reset workspace", hash, err)
	}

	if err := p.source.Archive(ctx, hash, p.workspace.ExtractDir); err != nil {
		return Result{}, errors.Fatal("extract commit", hash, err)
	}

	doc, err := filepath.Abs(filepath.Join(p.workspace.ExtractDir, filepath.FromSlash(p.config.Document)))
	if err != nil {
		return Result{}, errors.Fatal("locate document", hash, err)
	}
	if _, err := os.Stat(doc); err != nil {
		if os.IsNotExist(err) {
			p.logger.Warn(ctx, nil, "Tracked document absent, skipping commit",
				"commit", short, "document", p.config.Document)
			return Result{Outcome: Skipped}, nil
		}
		return Result{}, errors.Fatal("locate document", hash, err)
	}

	outDir, err := filepath.Abs(p.workspace.OutputDir)
	if err != nil {
		return Result{}, errors.Fatal("locate output directory", hash, err)
	}
	p.logger.Info(ctx, "Rendering commit", "commit", short)
	if err := p.renderer.Render(ctx, doc, outDir); err != nil {
		return Result{}, errors.Fatal("render document", hash, err)
	}

	raw, violation, err := p.readOutput(ctx, outDir)
	if err != nil {
		return Result{}, errors.Fatal("read renderer output", hash, err)
	}
	if violation != nil {
		p.logger.Warn(ctx, nil, "Renderer contract violated, recording diagnostic page",
			"commit", short, "problem", violation.Message())
	}

	canonicalHTML, report := p.canon.CanonicalizeWithReport(raw)
	p.logger.Debug(ctx, "Canonicalized output",
		"commit", short,
		"meta_removed", report.MetaRemoved,
		"comments_removed", report.CommentsRemoved,
		"paths_rewritten", report.PathsRewritten,
		"captions_stripped", report.CaptionsStripped,
		"list_items_pinned", report.ListItemsPinned,
		"emptied_removed", report.EmptiedRemoved)

	digest := Digest(canonicalHTML)
	filename := ArtifactName(p.config.Namespace, digest)
	written, err := WriteOnce(filepath.Join(p.config.ArtifactDir, filename), []byte(canonicalHTML))
	if err != nil {
		return Result{}, errors.Fatal("write artifact", hash, err)
	}
	if written {
		p.logger.Info(ctx, "Created artifact", "commit", short, "html_file", filename)
	} else {
		p.logger.Debug(ctx, "Artifact already present", "commit", short, "html_file", filename)
	}

	commit, err := p.source.Show(ctx, hash)
	if err != nil {
		return Result{}, errors.Fatal("read commit metadata", hash, err)
	}

	entry := manifest.Entry{
		Hash:       commit.Hash,
		Timestamp:  commit.Timestamp(),
		Date:       commit.Date(),
		Message:    commit.Subject,
		HTMLFile:   filename,
		HTMLSHA256: digest,
	}
	if err := p.recorder.Append(ctx, entry); err != nil {
		if errors.IsFatal(err) {
			return Result{}, err
		}
		return Result{}, errors.Fatal("record manifest entry", hash, err)
	}

	return Result{
		Outcome:    Rendered,
		Entry:      entry,
		Diagnostic: violation != nil,
		Written:    written,
		Report:     report,
	}, nil
}

// readOutput returns the single HTML file in outDir, or a diagnostic page and
// the violation it describes.
func (p *Pipeline) readOutput(ctx context.Context, outDir string) (string, *Violation, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.EqualFold(filepath.Ext(entry.Name()), ".html") {
			files = append(files, entry.Name())
		}
	}

	if len(files) == 1 {
		data, err := os.ReadFile(filepath.Join(outDir, files[0]))
		if err != nil {
			return "", nil, err
		}
		return string(data), nil, nil
	}

	violation := &Violation{Files: files, SourceDir: filepath.Base(outDir)}
	page, err := renderDiagnostic(ctx, *violation)
	if err != nil {
		return "", nil, err
	}
	return page, violation, nil
}

// Digest is the lower-case hex SHA-256 of the canonical HTML.
func Digest(canonicalHTML string) string {
	sum := sha256.Sum256([]byte(canonicalHTML))
	return hex.EncodeToString(sum[:])
}

// ArtifactName derives the artifact file name from namespace and digest.
func ArtifactName(namespace, digest string) string {
	return namespace + "-" + digest + ".html"
}

// WriteOnce writes data to path unless a file is already there. The write
// goes through a temp file and a rename so a partially written artifact is
// never visible under its final name. It reports whether it wrote.
func WriteOnce(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return false, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return false, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return false, err
	}
	return true, nil
}

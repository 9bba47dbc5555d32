package factory

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/conneroisu/docfactory/internal/config"
	"github.com/conneroisu/docfactory/internal/errors"
	"github.com/conneroisu/docfactory/internal/logging"
	"github.com/conneroisu/docfactory/internal/manifest"
	"github.com/conneroisu/docfactory/internal/pipeline"
	"github.com/conneroisu/docfactory/internal/renderer"
	"github.com/conneroisu/docfactory/internal/vcs"
	"github.com/conneroisu/docfactory/internal/watcher"
	"github.com/conneroisu/docfactory/internal/workspace"
)

// refDebounce is the quiet period after a ref update before the loop is nudged.
const refDebounce = 100 * time.Millisecond

// Components is a fully wired factory.
type Components struct {
	Controller *Controller
	Store      *manifest.Store
	// Watcher is nil when ref watching is disabled or unavailable.
	Watcher *watcher.RefWatcher
	RepoDir string
	// Document is the tracked path relative to RepoDir.
	Document string

	workspace *workspace.Workspace
	logger    logging.Logger
}

// Assemble builds the controller and its collaborators from configuration.
// notifier receives a refresh after every manifest update and may be nil.
func Assemble(cfg *config.Config, notifier manifest.Notifier, logger logging.Logger) (*Components, error) {
	if err := cfg.RequireTarget(); err != nil {
		return nil, err
	}

	docPath, err := filepath.Abs(cfg.Factory.File)
	if err != nil {
		return nil, errors.Fatal("locate tracked document", "", err)
	}
	repoDir, err := vcs.FindRepoRoot(docPath)
	if err != nil {
		return nil, errors.Fatal("locate repository", "", fmt.Errorf("%w: %v", errors.ErrNotInRepository, err))
	}
	rel, err := filepath.Rel(repoDir, docPath)
	if err != nil {
		return nil, errors.Fatal("locate tracked document", "", err)
	}
	document := filepath.ToSlash(rel)

	outputDir, err := filepath.Abs(cfg.Factory.OutputDir())
	if err != nil {
		return nil, errors.Fatal("locate output directory", "", err)
	}
	extractDir, err := filepath.Abs(cfg.Factory.ExtractDir())
	if err != nil {
		return nil, errors.Fatal("locate workspace", "", err)
	}
	distillDir, err := filepath.Abs(cfg.Factory.DistillDir())
	if err != nil {
		return nil, errors.Fatal("locate workspace", "", err)
	}

	git := vcs.New(repoDir)
	render, err := renderer.New(cfg.Renderer.Command, cfg.Renderer.Args, cfg.Renderer.Timeout)
	if err != nil {
		return nil, err
	}
	ws := workspace.New(extractDir, distillDir)

	store := manifest.NewStore(filepath.Join(outputDir, config.ManifestName),
		cfg.Factory.Branch, document, git, notifier, logger)

	p, err := pipeline.New(pipeline.Config{
		Document:    document,
		Namespace:   cfg.Factory.Namespace,
		ArtifactDir: outputDir,
	}, ws, git, render, store, logger)
	if err != nil {
		return nil, err
	}

	components := &Components{
		Store:     store,
		RepoDir:   repoDir,
		Document:  document,
		workspace: ws,
		logger:    logger,
	}

	var opts []Option
	if cfg.Factory.RefWatch && !cfg.Factory.Once {
		w, err := watcher.New(repoDir, cfg.Factory.Branch, refDebounce, logger)
		if err != nil {
			logger.Warn(context.Background(), err, "Ref watching unavailable, relying on polling")
		} else {
			components.Watcher = w
			opts = append(opts, WithNudges(w.Changes()))
		}
	}

	controller, err := New(Config{
		DocumentPath:       docPath,
		Document:           document,
		Branch:             cfg.Factory.Branch,
		ArtifactDir:        outputDir,
		MaxDistinctRenders: cfg.Factory.MaxDistinctRenders,
		CommitWindow:       cfg.Factory.CommitWindow,
		PollInterval:       cfg.Factory.PollInterval,
		Once:               cfg.Factory.Once,
	}, git, render, p, store, ws, logger, opts...)
	if err != nil {
		return nil, err
	}
	components.Controller = controller

	logger.Info(context.Background(), "Factory assembled",
		"repository", repoDir,
		"document", document,
		"branch", cfg.Factory.Branch,
		"output", outputDir)
	return components, nil
}

// Run runs the ref watcher, if any, alongside the controller and stops it when
// the controller returns. The scratch directories are removed on the way out;
// artifacts and the manifest stay.
func (c *Components) Run(ctx context.Context) error {
	defer c.cleanup()

	if c.Watcher == nil {
		return c.Controller.Run(ctx)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Watcher.Run(watchCtx)
	}()

	err := c.Controller.Run(ctx)
	cancel()
	<-done
	return err
}

func (c *Components) cleanup() {
	if err := c.workspace.Destroy(); err != nil {
		c.logger.Warn(context.Background(), err, "Failed to remove workspace")
	}
}

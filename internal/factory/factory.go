// Package factory drives the render pipeline: a backfill of recent history
// followed by a watch loop over the tracked branch.
//
// The controller is a small state machine (INIT, POPULATING, WATCHING,
// TERMINATED) run by a single goroutine, so at most one render is ever in
// flight. Everything else in the process only reads the manifest file or the
// Status snapshot.
package factory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/docfactory/internal/errors"
	"github.com/conneroisu/docfactory/internal/logging"
	"github.com/conneroisu/docfactory/internal/pipeline"
	"github.com/conneroisu/docfactory/internal/vcs"
	"github.com/conneroisu/docfactory/internal/workspace"
)

// State is the controller's lifecycle stage.
type State int

const (
	StateInit State = iota
	StatePopulating
	StateWatching
	StateTerminated
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePopulating:
		return "POPULATING"
	case StateWatching:
		return "WATCHING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Title returns the state name for human-facing output, e.g. "Populating".
// A Caser is stateful, so each call builds its own.
func (s State) Title() string {
	return cases.Title(language.English).String(strings.ToLower(s.String()))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateInit; candidate <= StateTerminated; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// VCS is the version-control vocabulary the controller needs.
type VCS interface {
	Version(ctx context.Context) (string, error)
	Resolve(ctx context.Context, ref string) (string, error)
	Log(ctx context.Context, ref string, limit int) ([]vcs.Commit, error)
	PathExistsAt(ctx context.Context, hash, path string) (bool, error)
	RevList(ctx context.Context, from, to string) ([]string, error)
}

// CommitRenderer renders one commit. *pipeline.Pipeline implements it.
type CommitRenderer interface {
	RenderCommit(ctx context.Context, hash string) (pipeline.Result, error)
}

// History is the manifest view the controller consults.
type History interface {
	Reset() error
	DistinctCount() int
	LastProcessedHash() string
	Contains(hash string) bool
}

// Executable resolves an external tool on PATH.
type Executable interface {
	LookPath() (string, error)
}

// Config controls what is tracked and how far back the backfill goes.
type Config struct {
	// DocumentPath is the tracked document in the working tree.
	DocumentPath string
	// Document is the same document relative to the repository root.
	Document           string
	Branch             string
	ArtifactDir        string
	MaxDistinctRenders int
	CommitWindow       int
	PollInterval       time.Duration
	Once               bool
}

// Status is a point-in-time view of the controller.
type Status struct {
	State             State            `json:"state"`
	Branch            string           `json:"branch"`
	Document          string           `json:"document"`
	DistinctCount     int              `json:"distinct_count"`
	Renders           int              `json:"renders"`
	Skips             int              `json:"skips"`
	Diagnostics       int              `json:"diagnostics"`
	LastProcessedHash string           `json:"last_processed_hash"`
	LastError         string           `json:"last_error,omitempty"`
	Warnings          []errors.Warning `json:"warnings"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Controller owns the render loop.
type Controller struct {
	config    Config
	vcs       VCS
	renderer  Executable
	pipeline  CommitRenderer
	history   History
	workspace *workspace.Workspace
	nudges    <-chan struct{}
	warnings  *errors.ErrorCollector
	logger    logging.Logger

	mutex  sync.RWMutex
	status Status

	// cursor is the newest commit already considered by the loop.
	cursor string
}

// Option configures a Controller.
type Option func(*Controller)

// WithNudges makes the watch loop poll early whenever ch delivers.
func WithNudges(ch <-chan struct{}) Option {
	return func(c *Controller) {
		c.nudges = ch
	}
}

// New creates a controller in the INIT state.
func New(
	config Config,
	repo VCS,
	renderer Executable,
	p CommitRenderer,
	history History,
	ws *workspace.Workspace,
	logger logging.Logger,
	opts ...Option,
) (*Controller, error) {
	if config.Document == "" || config.DocumentPath == "" {
		return nil, fmt.Errorf("tracked document is required")
	}
	if config.Branch == "" {
		return nil, fmt.Errorf("branch is required")
	}
	if config.MaxDistinctRenders < 1 {
		return nil, fmt.Errorf("max distinct renders must be at least 1, got %d", config.MaxDistinctRenders)
	}
	if config.CommitWindow < 1 {
		return nil, fmt.Errorf("commit window must be at least 1, got %d", config.CommitWindow)
	}
	if config.PollInterval <= 0 && !config.Once {
		return nil, fmt.Errorf("poll interval must be positive, got %s", config.PollInterval)
	}

	c := &Controller{
		config:    config,
		vcs:       repo,
		renderer:  renderer,
		pipeline:  p,
		history:   history,
		workspace: ws,
		warnings:  errors.NewErrorCollector(50),
		logger:    logger.WithComponent("factory"),
		status: Status{
			State:    StateInit,
			Branch:   config.Branch,
			Document: config.Document,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run drives the controller until ctx is cancelled, the one-shot backfill
// completes, or a fatal error occurs. Cancellation is not an error.
func (c *Controller) Run(ctx context.Context) error {
	err := c.run(ctx)
	if err != nil && ctx.Err() != nil {
		err = nil
	}

	c.update(func(s *Status) {
		s.State = StateTerminated
		if err != nil {
			s.LastError = err.Error()
		}
	})
	c.logger.Info(ctx, "Controller stopped", "state", StateTerminated.Title())
	return err
}

func (c *Controller) run(ctx context.Context) error {
	if err := c.initialize(ctx); err != nil {
		return err
	}

	c.enter(ctx, StatePopulating)
	if err := c.populate(ctx); err != nil {
		return err
	}

	if c.config.Once {
		c.logger.Info(ctx, "One-shot mode, not watching for new commits")
		return nil
	}

	c.enter(ctx, StateWatching)
	return c.watch(ctx)
}

// initialize checks prerequisites and clears the previous run's output.
func (c *Controller) initialize(ctx context.Context) error {
	if _, err := os.Stat(c.config.DocumentPath); err != nil {
		if os.IsNotExist(err) {
			err = fmt.Errorf("%w: %s", errors.ErrDocumentMissing, c.config.DocumentPath)
		}
		return errors.Fatal("check tracked document", "", err)
	}

	path, err := c.renderer.LookPath()
	if err != nil {
		return errors.Fatal("check renderer", "", fmt.Errorf("%w: %v", errors.ErrRendererMissing, err))
	}
	c.logger.Debug(ctx, "Renderer found", "path", path)

	version, err := c.vcs.Version(ctx)
	if err != nil {
		return errors.Fatal("check git", "", fmt.Errorf("%w: %v", errors.ErrGitMissing, err))
	}
	c.logger.Debug(ctx, "Git found", "version", version)

	if err := c.workspace.Reset(); err != nil {
		return errors.Fatal("prepare workspace", "", err)
	}
	if err := workspace.ClearDir(c.config.ArtifactDir); err != nil {
		return errors.Fatal("prepare artifact directory", "", err)
	}
	if err := c.history.Reset(); err != nil {
		return errors.Fatal("reset manifest", "", err)
	}
	return nil
}

// populate renders HEAD and then older commits until the distinct-content
// ceiling is reached or the window runs out.
func (c *Controller) populate(ctx context.Context) error {
	commits, err := c.vcs.Log(ctx, c.config.Branch, c.config.CommitWindow)
	if err != nil {
		return errors.Fatal("list commits", "", err)
	}
	if len(commits) == 0 {
		c.logger.Warn(ctx, nil, "Branch has no commits", "branch", c.config.Branch)
		return nil
	}
	c.logger.Info(ctx, "Backfilling history",
		"commits", len(commits),
		"max_distinct_renders", c.config.MaxDistinctRenders)

	c.cursor = commits[0].Hash
	for i, commit := range commits {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// HEAD is always attempted.
		if i > 0 && c.history.DistinctCount() >= c.config.MaxDistinctRenders {
			c.logger.Info(ctx, "Distinct render ceiling reached",
				"distinct", c.history.DistinctCount(),
				"scanned", i)
			break
		}
		if err := c.process(ctx, commit.Hash); err != nil {
			return err
		}
	}
	return nil
}

// watch polls the branch tip until ctx is cancelled.
func (c *Controller) watch(ctx context.Context) error {
	c.logger.Info(ctx, "Watching for new commits",
		"branch", c.config.Branch,
		"poll_interval", c.config.PollInterval)

	timer := time.NewTimer(c.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-c.nudges:
			c.logger.Debug(ctx, "Ref change detected, polling early")
		}

		if err := c.poll(ctx); err != nil {
			return err
		}
		timer.Reset(c.config.PollInterval)
	}
}

// poll processes the commits between the cursor and the current tip. Git query
// failures are recorded and retried on the next poll.
func (c *Controller) poll(ctx context.Context) error {
	tip, err := c.vcs.Resolve(ctx, c.config.Branch)
	if err != nil {
		c.warn(ctx, "resolve branch", "", err)
		return nil
	}
	if tip == c.cursor {
		return nil
	}

	hashes, err := c.vcs.RevList(ctx, c.cursor, tip)
	if err != nil {
		c.warn(ctx, "list new commits", tip, err)
		return nil
	}
	c.logger.Info(ctx, "New commits on branch",
		"tip", errors.ShortHash(tip),
		"count", len(hashes))

	for _, hash := range hashes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.history.Contains(hash) {
			continue
		}
		if err := c.process(ctx, hash); err != nil {
			return err
		}
	}
	c.cursor = tip
	return nil
}

// process renders hash if the tracked document exists there.
func (c *Controller) process(ctx context.Context, hash string) error {
	exists, err := c.vcs.PathExistsAt(ctx, hash, c.config.Document)
	if err != nil {
		// The pipeline checks the extracted tree again, so let it decide.
		c.logger.Debug(ctx, "Could not inspect commit tree", "commit", errors.ShortHash(hash), "error", err)
		exists = true
	}
	if !exists {
		c.logger.Debug(ctx, "Tracked document absent, skipping commit", "commit", errors.ShortHash(hash))
		c.update(func(s *Status) { s.Skips++ })
		return nil
	}

	result, err := c.pipeline.RenderCommit(ctx, hash)
	if err != nil {
		return err
	}

	c.update(func(s *Status) {
		switch result.Outcome {
		case pipeline.Skipped:
			s.Skips++
		case pipeline.Rendered:
			s.Renders++
			if result.Diagnostic {
				s.Diagnostics++
			}
		}
	})
	return nil
}

func (c *Controller) warn(ctx context.Context, op, commit string, err error) {
	c.logger.Warn(ctx, err, "Git query failed, retrying on next poll", "op", op)
	c.warnings.Add(errors.Warning{
		Commit:    commit,
		Op:        op,
		Message:   err.Error(),
		Severity:  errors.ErrorSeverityWarning,
		Timestamp: time.Now(),
	})
}

func (c *Controller) enter(ctx context.Context, state State) {
	c.update(func(s *Status) { s.State = state })
	c.logger.Info(ctx, "Entering state", "state", state.Title())
}

func (c *Controller) update(fn func(*Status)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	fn(&c.status)
	c.status.UpdatedAt = time.Now()
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mutex.RLock()
	status := c.status
	c.mutex.RUnlock()

	status.DistinctCount = c.history.DistinctCount()
	status.LastProcessedHash = c.history.LastProcessedHash()
	status.Warnings = c.warnings.GetWarnings()
	return status
}

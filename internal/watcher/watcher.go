// Package watcher nudges the controller when the tracked branch moves.
//
// It watches the git directory with fsnotify and signals after a short quiet
// period whenever the branch ref file or packed-refs changes. Signals are
// hints only: the controller still polls on its own schedule, so a missed or
// spurious event costs at most one extra git query.
package watcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/docfactory/internal/logging"
)

// EventType represents the type of ref change
type EventType int

const (
	EventTypeCreated EventType = iota
	EventTypeModified
	EventTypeDeleted
	EventTypeRenamed
)

// String returns the string representation of the EventType
func (e EventType) String() string {
	switch e {
	case EventTypeCreated:
		return "created"
	case EventTypeModified:
		return "modified"
	case EventTypeDeleted:
		return "deleted"
	case EventTypeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// ChangeEvent is one filtered filesystem event.
type ChangeEvent struct {
	Type EventType
	Path string
}

// Filter decides whether a path is interesting.
type Filter func(path string) bool

// RefWatcher watches one branch of one repository.
type RefWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	filter    Filter
	changes   chan struct{}
	logger    logging.Logger
	gitDir    string
}

// New watches the refs of branch in the repository at repoDir. debounce is the
// quiet period before a burst of events becomes one signal.
func New(repoDir, branch string, debounce time.Duration, logger logging.Logger) (*RefWatcher, error) {
	gitDir, err := ResolveGitDir(repoDir)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	refFile := filepath.Join(gitDir, "refs", "heads", filepath.FromSlash(branch))
	dirs := []string{gitDir, filepath.Dir(refFile)}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	rw := &RefWatcher{
		watcher:   fsw,
		debouncer: NewDebouncer(debounce),
		filter:    RefFilter(gitDir, branch),
		changes:   make(chan struct{}, 1),
		logger:    logger.WithComponent("watcher"),
		gitDir:    gitDir,
	}
	return rw, nil
}

// Changes delivers at most one pending signal at a time.
func (rw *RefWatcher) Changes() <-chan struct{} {
	return rw.changes
}

// Run forwards filtered events until ctx is done, then closes the underlying
// watcher.
func (rw *RefWatcher) Run(ctx context.Context) error {
	defer rw.watcher.Close()

	go rw.debouncer.Run(ctx, func(events []ChangeEvent) {
		rw.logger.Debug(ctx, "Branch ref changed", "events", len(events))
		select {
		case rw.changes <- struct{}{}:
		default:
		}
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return nil
			}
			if !rw.filter(event.Name) {
				continue
			}
			rw.debouncer.Add(ChangeEvent{Type: eventType(event.Op), Path: event.Name})
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return nil
			}
			rw.logger.Warn(ctx, err, "Ref watcher error")
		}
	}
}

func eventType(op fsnotify.Op) EventType {
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		return EventTypeCreated
	case op&fsnotify.Write == fsnotify.Write:
		return EventTypeModified
	case op&fsnotify.Remove == fsnotify.Remove:
		return EventTypeDeleted
	case op&fsnotify.Rename == fsnotify.Rename:
		return EventTypeRenamed
	default:
		return EventTypeModified
	}
}

// RefFilter accepts the loose ref file of branch and packed-refs. Lock files
// are ignored; git renames them onto the real name when the update commits.
func RefFilter(gitDir, branch string) Filter {
	refFile := filepath.Clean(filepath.Join(gitDir, "refs", "heads", filepath.FromSlash(branch)))
	packed := filepath.Clean(filepath.Join(gitDir, "packed-refs"))
	return func(path string) bool {
		path = filepath.Clean(path)
		return path == refFile || path == packed
	}
}

// ResolveGitDir finds the git directory of repoDir, following the gitdir
// pointer file used by worktrees and submodules.
func ResolveGitDir(repoDir string) (string, error) {
	dotGit := filepath.Join(repoDir, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return dotGit, nil
	}

	f, err := os.Open(dotGit)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "gitdir:"); ok {
			dir := strings.TrimSpace(rest)
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(repoDir, dir)
			}
			return filepath.Clean(dir), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s has no gitdir line", dotGit)
}

// Debouncer groups rapid events together
type Debouncer struct {
	delay   time.Duration
	events  chan ChangeEvent
	pending []ChangeEvent
	timer   *time.Timer
	mutex   sync.Mutex
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:  delay,
		events: make(chan ChangeEvent, 100),
	}
}

// Add queues an event. It drops the event if the queue is full; a later
// event for the same ref produces the same signal.
func (d *Debouncer) Add(event ChangeEvent) {
	select {
	case d.events <- event:
	default:
	}
}

// Run delivers deduplicated batches to flush until ctx is done.
func (d *Debouncer) Run(ctx context.Context, flush func([]ChangeEvent)) {
	fire := make(chan struct{}, 1)
	defer func() {
		d.mutex.Lock()
		if d.timer != nil {
			d.timer.Stop()
		}
		d.mutex.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.mutex.Lock()
			d.pending = append(d.pending, event)
			if d.timer != nil {
				d.timer.Stop()
			}
			d.timer = time.AfterFunc(d.delay, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
			d.mutex.Unlock()
		case <-fire:
			if batch := d.drain(); len(batch) > 0 {
				flush(batch)
			}
		}
	}
}

// drain returns pending events deduplicated by path, keeping the latest.
func (d *Debouncer) drain() []ChangeEvent {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if len(d.pending) == 0 {
		return nil
	}
	latest := make(map[string]int, len(d.pending))
	var batch []ChangeEvent
	for _, event := range d.pending {
		if i, ok := latest[event.Path]; ok {
			batch[i] = event
			continue
		}
		latest[event.Path] = len(batch)
		batch = append(batch, event)
	}
	d.pending = d.pending[:0]
	return batch
}

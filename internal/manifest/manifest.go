// Package manifest keeps the durable, ordered history of renders.
//
// The manifest is a single JSON file next to the artifacts. Every Append
// recomputes ancestor order over all recorded commits, rewrites the file
// atomically and only then notifies viewers, so a viewer that hears about a
// refresh always finds the new entry on disk.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/conneroisu/docfactory/internal/errors"
	"github.com/conneroisu/docfactory/internal/logging"
)

// Entry records one rendered commit and the artifact it produced.
type Entry struct {
	Hash       string `json:"hash"`
	Timestamp  string `json:"timestamp"`
	Date       string `json:"date"`
	Message    string `json:"message"`
	HTMLFile   string `json:"html_file"`
	HTMLSHA256 string `json:"html_sha256"`
}

// Manifest is the persisted record.
type Manifest struct {
	Branch            string  `json:"branch"`
	Asciidoc          string  `json:"asciidoc"`
	LastProcessedHash string  `json:"last_processed_hash"`
	Commits           []Entry `json:"commits"`
}

// DistinctCount is the number of unique artifact digests.
func (m *Manifest) DistinctCount() int {
	seen := make(map[string]struct{}, len(m.Commits))
	for _, e := range m.Commits {
		seen[e.HTMLSHA256] = struct{}{}
	}
	return len(seen)
}

func (m *Manifest) clone() Manifest {
	c := *m
	c.Commits = append([]Entry(nil), m.Commits...)
	return c
}

// Orderer sorts commit hashes from ancestor to descendant.
type Orderer interface {
	AncestorOrder(ctx context.Context, hashes []string) ([]string, error)
}

// Notifier is told after every successful persist.
type Notifier interface {
	BroadcastRefresh()
}

// Store owns the in-memory manifest and its file.
type Store struct {
	path     string
	orderer  Orderer
	notifier Notifier
	logger   logging.Logger

	mutex    sync.RWMutex
	manifest Manifest

	// rename is os.Rename outside tests.
	rename func(oldpath, newpath string) error
}

// NewStore creates an empty store persisting to path. notifier may be nil.
func NewStore(path, branch, document string, orderer Orderer, notifier Notifier, logger logging.Logger) *Store {
	return &Store{
		path:     path,
		orderer:  orderer,
		notifier: notifier,
		logger:   logger.WithComponent("manifest"),
		manifest: Manifest{Branch: branch, Asciidoc: document, Commits: []Entry{}},
		rename:   os.Rename,
	}
}

// Path is the manifest file location.
func (s *Store) Path() string {
	return s.path
}

// Reset forgets every entry and deletes any manifest left by a previous run.
func (s *Store) Reset() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, p := range []string{s.path, s.tempPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	s.manifest.Commits = []Entry{}
	s.manifest.LastProcessedHash = ""
	return nil
}

// Append adds entry, reorders the history, persists the manifest and then
// broadcasts a refresh. A persist failure leaves memory and disk at the
// previous state and is returned as a *errors.FatalError.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	s.mutex.Lock()
	previous := s.manifest.clone()

	s.manifest.Commits = append(s.manifest.Commits, entry)
	s.reorder(ctx)
	s.manifest.LastProcessedHash = entry.Hash

	if err := s.persist(); err != nil {
		s.manifest = previous
		s.mutex.Unlock()
		return errors.Fatal("persist manifest", entry.Hash, err)
	}
	count := len(s.manifest.Commits)
	s.mutex.Unlock()

	s.logger.Info(ctx, "Manifest updated",
		"commit", errors.ShortHash(entry.Hash),
		"html_file", entry.HTMLFile,
		"entries", count)

	if s.notifier != nil {
		s.notifier.BroadcastRefresh()
	}
	return nil
}

// reorder sorts entries into ancestor order. Hashes the orderer does not
// report keep their previous relative order after the ordered ones. On
// failure the previous order stands.
func (s *Store) reorder(ctx context.Context) {
	if s.orderer == nil || len(s.manifest.Commits) < 2 {
		return
	}

	hashes := make([]string, 0, len(s.manifest.Commits))
	byHash := make(map[string][]Entry, len(s.manifest.Commits))
	for _, e := range s.manifest.Commits {
		if _, ok := byHash[e.Hash]; !ok {
			hashes = append(hashes, e.Hash)
		}
		byHash[e.Hash] = append(byHash[e.Hash], e)
	}

	ordered, err := s.orderer.AncestorOrder(ctx, hashes)
	if err != nil {
		s.logger.Warn(ctx, err, "Could not order commits, keeping previous order",
			"entries", len(s.manifest.Commits))
		return
	}

	sorted := make([]Entry, 0, len(s.manifest.Commits))
	for _, h := range ordered {
		if entries, ok := byHash[h]; ok {
			sorted = append(sorted, entries...)
			delete(byHash, h)
		}
	}
	for _, h := range hashes {
		if entries, ok := byHash[h]; ok {
			sorted = append(sorted, entries...)
		}
	}
	s.manifest.Commits = sorted
}

// persist writes the manifest to a temp file, syncs it, renames it into
// place and syncs the directory.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(&s.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	data = append(data, '\n')

	tmp := s.tempPath()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}

	if err := s.rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return syncDir(filepath.Dir(s.path))
}

func (s *Store) tempPath() string {
	return s.path + ".tmp"
}

// syncDir makes a rename durable. Platforms that cannot fsync a directory
// report an error from Sync, which is ignored.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	_ = d.Sync()
	return d.Close()
}

// DistinctCount is the number of unique artifacts referenced so far.
func (s *Store) DistinctCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.manifest.DistinctCount()
}

// Len is the number of entries.
func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.manifest.Commits)
}

// LastProcessedHash is the commit of the most recently appended entry.
func (s *Store) LastProcessedHash() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.manifest.LastProcessedHash
}

// Contains reports whether hash already has an entry.
func (s *Store) Contains(hash string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, e := range s.manifest.Commits {
		if e.Hash == hash {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the current manifest.
func (s *Store) Snapshot() Manifest {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.manifest.clone()
}

// Load reads a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if m.Commits == nil {
		m.Commits = []Entry{}
	}
	return &m, nil
}

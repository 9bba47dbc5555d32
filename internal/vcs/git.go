// Package vcs queries git through its command line. The factory needs only a
// small vocabulary: resolve a branch, list commits, read one commit's metadata,
// extract a commit's tree, test whether a path exists at a commit, and order a
// set of commits by ancestry.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/docfactory/internal/validation"
)

// Commit is one commit as reported by git. It is never mutated after it is read.
type Commit struct {
	Hash    string
	Time    time.Time
	Subject string
}

// Timestamp formats the committer date as YYYYMMDDHHMMSS in the committer's zone.
func (c Commit) Timestamp() string {
	return c.Time.Format("20060102150405")
}

// Date formats the committer date as RFC 3339.
func (c Commit) Date() string {
	return c.Time.Format(time.RFC3339)
}

// Field and record separators for --format output. Subjects cannot contain them.
const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
	logFormat = "--format=%H" + fieldSep + "%cI" + fieldSep + "%s" + recordSep
)

// Git runs git commands against one repository.
type Git struct {
	repoDir string
	binary  string
}

// Option configures a Git.
type Option func(*Git)

// WithBinary overrides the git executable.
func WithBinary(binary string) Option {
	return func(g *Git) {
		g.binary = binary
	}
}

// New returns a Git for the repository rooted at repoDir.
func New(repoDir string, opts ...Option) *Git {
	g := &Git{repoDir: repoDir, binary: "git"}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RepoDir is the repository root commands run in.
func (g *Git) RepoDir() string {
	return g.repoDir
}

// FindRepoRoot walks up from path to the nearest directory containing .git.
func FindRepoRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	current := filepath.Dir(abs)
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no git repository contains %s", abs)
		}
		current = parent
	}
}

// Version reports the git version string, for diagnostics.
func (g *Git) Version(ctx context.Context) (string, error) {
	out, err := g.run(ctx, nil, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Resolve returns the full hash of the commit ref points to.
func (g *Git) Resolve(ctx context.Context, ref string) (string, error) {
	if err := validation.ValidateRef(ref); err != nil {
		return "", err
	}
	out, err := g.run(ctx, nil, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Log lists up to limit commits reachable from ref, newest first.
func (g *Git) Log(ctx context.Context, ref string, limit int) ([]Commit, error) {
	if err := validation.ValidateRef(ref); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, fmt.Errorf("log limit must be positive, got %d", limit)
	}
	out, err := g.run(ctx, nil, "log", fmt.Sprintf("--max-count=%d", limit), logFormat, ref, "--")
	if err != nil {
		return nil, fmt.Errorf("listing commits on %s: %w", ref, err)
	}
	return parseLog(out)
}

// Show reads the metadata of one commit.
func (g *Git) Show(ctx context.Context, hash string) (Commit, error) {
	if err := validation.ValidateCommitHash(hash); err != nil {
		return Commit{}, err
	}
	out, err := g.run(ctx, nil, "log", "--max-count=1", logFormat, hash, "--")
	if err != nil {
		return Commit{}, fmt.Errorf("reading commit %s: %w", hash, err)
	}
	commits, err := parseLog(out)
	if err != nil {
		return Commit{}, err
	}
	if len(commits) != 1 {
		return Commit{}, fmt.Errorf("reading commit %s: got %d records", hash, len(commits))
	}
	return commits[0], nil
}

// PathExistsAt reports whether path (relative to the repository root) is
// present in the tree of commit hash.
func (g *Git) PathExistsAt(ctx context.Context, hash, path string) (bool, error) {
	if err := validation.ValidateCommitHash(hash); err != nil {
		return false, err
	}
	path = filepath.ToSlash(path)
	out, err := g.run(ctx, nil, "ls-tree", "--full-tree", "--name-only", hash, "--", path)
	if err != nil {
		return false, fmt.Errorf("checking %s at %s: %w", path, hash, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line == path {
			return true, nil
		}
	}
	return false, nil
}

// RevList lists the commits reachable from to but not from from, oldest
// first. An empty from lists just to.
func (g *Git) RevList(ctx context.Context, from, to string) ([]string, error) {
	if err := validation.ValidateCommitHash(to); err != nil {
		return nil, err
	}
	args := []string{"rev-list", "--topo-order", "--reverse"}
	if from == "" {
		args = append(args, "--max-count=1", to)
	} else {
		if err := validation.ValidateCommitHash(from); err != nil {
			return nil, err
		}
		args = append(args, from+".."+to)
	}
	out, err := g.run(ctx, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("listing commits %s..%s: %w", from, to, err)
	}
	return splitLines(out), nil
}

// AncestorOrder returns the given hashes ordered from ancestor to
// descendant. Hashes git does not return are dropped.
func (g *Git) AncestorOrder(ctx context.Context, hashes []string) ([]string, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(hashes))
	var stdin bytes.Buffer
	for _, h := range hashes {
		if err := validation.ValidateCommitHash(h); err != nil {
			return nil, err
		}
		wanted[h] = true
		stdin.WriteString(h + "\n")
	}

	out, err := g.run(ctx, &stdin, "rev-list", "--topo-order", "--reverse", "--stdin")
	if err != nil {
		return nil, fmt.Errorf("ordering %d commits: %w", len(hashes), err)
	}

	ordered := make([]string, 0, len(hashes))
	for _, h := range splitLines(out) {
		if wanted[h] {
			ordered = append(ordered, h)
			delete(wanted, h)
		}
	}
	return ordered, nil
}

// Archive extracts the full tree of commit hash into dest.
func (g *Git) Archive(ctx context.Context, hash, dest string) error {
	if err := validation.ValidateCommitHash(hash); err != nil {
		return err
	}

	cmd := g.command(ctx, "archive", "--format=tar", hash)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("archiving %s: %w", hash, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("archiving %s: %w", hash, err)
	}

	extractErr := ExtractTar(stdout, dest)
	if extractErr != nil {
		// Unblock git if extraction stopped early.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if waitErr != nil {
		return fmt.Errorf("archiving %s: %w", hash, commandError(waitErr, stderr.Bytes()))
	}
	if extractErr != nil {
		return fmt.Errorf("extracting %s: %w", hash, extractErr)
	}
	return nil
}

func (g *Git) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = g.repoDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	return cmd
}

func (g *Git) run(ctx context.Context, stdin *bytes.Buffer, args ...string) ([]byte, error) {
	cmd := g.command(ctx, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("git %s: %w", args[0], ctx.Err())
		}
		return nil, fmt.Errorf("git %s: %w", args[0], commandError(err, stderr.Bytes()))
	}
	return out, nil
}

func commandError(err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

func parseLog(out []byte) ([]Commit, error) {
	var commits []Commit
	for _, record := range strings.Split(string(out), recordSep) {
		record = strings.Trim(record, "\n")
		if record == "" {
			continue
		}
		fields := strings.SplitN(record, fieldSep, 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed log record %q", record)
		}
		when, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			return nil, fmt.Errorf("parsing commit date %q: %w", fields[1], err)
		}
		commits = append(commits, Commit{Hash: fields[0], Time: when, Subject: fields[2]})
	}
	return commits, nil
}

func splitLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

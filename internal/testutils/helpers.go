// Package testutils builds throwaway git repositories and stand-in renderers
// for tests that exercise the factory against real tools.
package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// RequireGit skips the test when git is not on PATH.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// Repo is a scratch git repository with a deterministic committer clock.
type Repo struct {
	t     *testing.T
	Dir   string
	clock time.Time
}

// NewRepo initializes an empty repository on branch main.
func NewRepo(t *testing.T) *Repo {
	t.Helper()
	RequireGit(t)

	r := &Repo{
		t:     t,
		Dir:   t.TempDir(),
		clock: time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("", 2*60*60)),
	}
	r.Git("init", "--quiet")
	r.Git("symbolic-ref", "HEAD", "refs/heads/main")
	r.Git("config", "user.name", "Factory Test")
	r.Git("config", "user.email", "factory@example.com")
	r.Git("config", "commit.gpgsign", "false")
	return r
}

// Git runs a git command in the repository and returns trimmed stdout.
func (r *Repo) Git(args ...string) string {
	r.t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Dir
	stamp := r.clock.Format(time.RFC3339)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_DATE="+stamp,
		"GIT_COMMITTER_DATE="+stamp,
		"GIT_CONFIG_NOSYSTEM=1",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(r.t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to a repository-relative path.
func (r *Repo) WriteFile(rel, content string) {
	r.t.Helper()
	path := filepath.Join(r.Dir, filepath.FromSlash(rel))
	require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(r.t, os.WriteFile(path, []byte(content), 0644))
}

// Remove deletes a repository-relative path from the working tree and index.
func (r *Repo) Remove(rel string) {
	r.t.Helper()
	r.Git("rm", "--quiet", rel)
}

// Commit stages everything and commits it, returning the new hash. Each
// commit is one minute after the previous one.
func (r *Repo) Commit(message string, files map[string]string) string {
	r.t.Helper()
	for rel, content := range files {
		r.WriteFile(rel, content)
	}
	r.clock = r.clock.Add(time.Minute)
	r.Git("add", "--all")
	r.Git("commit", "--quiet", "--allow-empty", "-m", message)
	return r.Git("rev-parse", "HEAD")
}

// FakeRenderer writes an executable script that behaves like the document
// renderer for tests: it copies <doc> to <out>/<stem>.html and appends a
// generated-at comment that differs on every run. It returns the script path
// and skips the test on platforms without a POSIX shell.
func FakeRenderer(t *testing.T) string {
	t.Helper()
	return writeScript(t, "fake-render", `#!/bin/sh
# usage: fake-render [flags...] <doc> -D <out>
doc=""
out=""
while [ $# -gt 0 ]; do
	case "$1" in
		-D) out="$2"; shift 2 ;;
		-a) shift 2 ;;
		*) doc="$1"; shift ;;
	esac
done
stem=$(basename "$doc")
stem="${stem%.*}"
{
	printf '<p>'
	cat "$doc"
	printf '</p>\n<!-- generated %s %s -->\n' "$(date +%s)" "$$"
} > "$out/$stem.html"
`)
}

// SilentRenderer writes a renderer script that exits successfully without
// producing any output.
func SilentRenderer(t *testing.T) string {
	t.Helper()
	return writeScript(t, "silent-render", "#!/bin/sh\nexit 0\n")
}

// FailingRenderer writes a renderer script that always exits with status 3.
func FailingRenderer(t *testing.T) string {
	t.Helper()
	return writeScript(t, "failing-render", "#!/bin/sh\necho 'asciidoctor: FAILED' >&2\nexit 3\n")
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("renderer scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, fmt.Sprint(msgAndArgs...))
}

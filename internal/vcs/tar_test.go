package vcs

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	typeflag byte
	body     string
	linkname string
}

func buildTar(t *testing.T, entries []entry) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		if e.typeflag == tar.TypeXGlobalHeader {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:       e.name,
				Typeflag:   tar.TypeXGlobalHeader,
				PAXRecords: map[string]string{"comment": "0123456789abcdef"},
			}))
			continue
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: e.typeflag,
			Mode:     0644,
			Size:     int64(len(e.body)),
			Linkname: e.linkname,
		}
		if e.typeflag == tar.TypeDir {
			hdr.Mode = 0755
			hdr.Size = 0
		}
		if e.typeflag == tar.TypeSymlink {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Size > 0 {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestExtractTar(t *testing.T) {
	dest := t.TempDir()
	archive := buildTar(t, []entry{
		{name: "pax_global_header", typeflag: tar.TypeXGlobalHeader},
		{name: "docs/", typeflag: tar.TypeDir},
		{name: "docs/guide.adoc", typeflag: tar.TypeReg, body: "= Guide\n"},
		{name: "images/logo.svg", typeflag: tar.TypeReg, body: "<svg/>"},
		{name: "docs/logo.svg", typeflag: tar.TypeSymlink, linkname: "../images/logo.svg"},
	})

	require.NoError(t, ExtractTar(archive, dest))

	content, err := os.ReadFile(filepath.Join(dest, "docs", "guide.adoc"))
	require.NoError(t, err)
	assert.Equal(t, "= Guide\n", string(content))

	// Parent directories are created on demand.
	assert.FileExists(t, filepath.Join(dest, "images", "logo.svg"))

	target, err := os.Readlink(filepath.Join(dest, "docs", "logo.svg"))
	if err == nil {
		assert.Equal(t, "../images/logo.svg", target)
	}

	_, err = os.Stat(filepath.Join(dest, "pax_global_header"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractTarRejectsEscapes(t *testing.T) {
	tests := []struct {
		name  string
		entry entry
	}{
		{"parent traversal", entry{name: "../evil.txt", typeflag: tar.TypeReg, body: "x"}},
		{"nested traversal", entry{name: "docs/../../evil.txt", typeflag: tar.TypeReg, body: "x"}},
		{"absolute path", entry{name: "/tmp/evil.txt", typeflag: tar.TypeReg, body: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := t.TempDir()
			err := ExtractTar(buildTar(t, []entry{tt.entry}), dest)
			assert.Error(t, err)
		})
	}
}

func TestExtractTarSkipsEscapingSymlinks(t *testing.T) {
	dest := t.TempDir()
	archive := buildTar(t, []entry{
		{name: "up", typeflag: tar.TypeSymlink, linkname: "../../outside"},
		{name: "abs", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
		{name: "ok.txt", typeflag: tar.TypeReg, body: "ok"},
	})

	require.NoError(t, ExtractTar(archive, dest))

	for _, name := range []string{"up", "abs"} {
		_, err := os.Lstat(filepath.Join(dest, name))
		assert.True(t, os.IsNotExist(err), name)
	}
	assert.FileExists(t, filepath.Join(dest, "ok.txt"))
}

func TestExtractTarTruncatedStream(t *testing.T) {
	archive := buildTar(t, []entry{{name: "a.txt", typeflag: tar.TypeReg, body: "some content here"}}).Bytes()

	tests := []struct {
		name string
		cut  int
	}{
		{"inside the header", 100},
		{"inside the file body", 520},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ExtractTar(bytes.NewReader(archive[:tt.cut]), t.TempDir())
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		})
	}
}

// fakeArchiver writes a git stand-in that streams stream to stdout, then
// exits with status code after printing a message on stderr.
func fakeArchiver(t *testing.T, stream []byte, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake git needs a POSIX shell")
	}
	dir := t.TempDir()
	payload := filepath.Join(dir, "stream.tar")
	require.NoError(t, os.WriteFile(payload, stream, 0644))
	script := fmt.Sprintf("#!/bin/sh\ncat %q\necho 'fatal: object store corrupt' >&2\nexit %d\n", payload, code)
	path := filepath.Join(dir, "git")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestArchiveSurfacesGitFailure(t *testing.T) {
	const hash = "0123456789abcdef0123456789abcdef01234567"
	archive := buildTar(t, []entry{{name: "doc.adoc", typeflag: tar.TypeReg, body: "= Doc\n"}}).Bytes()

	tests := []struct {
		name   string
		stream []byte
	}{
		{"complete stream then failure", archive},
		{"stream cut mid-file then failure", archive[:520]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(t.TempDir(), WithBinary(fakeArchiver(t, tt.stream, 128)))

			err := g.Archive(context.Background(), hash, t.TempDir())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "archiving")
			assert.Contains(t, err.Error(), "object store corrupt")
		})
	}

	t.Run("clean exit", func(t *testing.T) {
		dest := t.TempDir()
		g := New(t.TempDir(), WithBinary(fakeArchiver(t, archive, 0)))

		require.NoError(t, g.Archive(context.Background(), hash, dest))
		assert.FileExists(t, filepath.Join(dest, "doc.adoc"))
	})
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/docfactory/internal/factory"
	"github.com/conneroisu/docfactory/internal/hub"
	"github.com/conneroisu/docfactory/internal/logging"
)

type staticStatus struct {
	status factory.Status
}

func (s staticStatus) Status() factory.Status { return s.status }

type fixture struct {
	dir    string
	hub    *hub.Hub
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	output := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(output, 0755))

	cfg := Config{
		Address:        "127.0.0.1:0",
		OutputDir:      output,
		ManifestPath:   filepath.Join(output, "manifest.json"),
		AllowedOrigins: []string{"localhost:8080"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := hub.New(hub.DefaultConfig(), logging.NewNopLogger())
	status := staticStatus{status: factory.Status{State: factory.StateWatching, Branch: "main", Renders: 3}}
	srv := New(cfg, h, status, logging.NewNopLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		h.Close()
		ts.Close()
	})
	return &fixture{dir: dir, hub: h, server: srv, http: ts}
}

func (f *fixture) get(t *testing.T, path string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.http.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestManifestEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.get(t, "/manifest.json", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	manifest := `{"branch":"main","asciidoc":"doc.adoc","last_processed_hash":"abc","commits":[]}`
	require.NoError(t, os.WriteFile(f.server.config.ManifestPath, []byte(manifest), 0644))

	resp, body := f.get(t, "/manifest.json", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, manifest, body)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestOutputEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	artifact := "main-" + strings.Repeat("ab", 32) + ".html"
	require.NoError(t, os.WriteFile(filepath.Join(f.server.config.OutputDir, artifact), []byte("<p>doc</p>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "secret.html"), []byte("secret"), 0644))

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"artifact", "/output/" + artifact, http.StatusOK, "<p>doc</p>"},
		{"missing", "/output/main-missing.html", http.StatusNotFound, ""},
		{"wrong extension", "/output/notes.txt", http.StatusBadRequest, ""},
		{"hidden file", "/output/.main.html.tmp", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.get(t, tt.path, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.body != "" {
				assert.Equal(t, tt.body, body)
				assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
				assert.Contains(t, resp.Header.Get("Cache-Control"), "immutable")
			}
			assert.NotContains(t, body, "secret")
		})
	}
}

func TestOutputRejectsTraversal(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "secret.html"), []byte("secret"), 0644))

	for _, name := range []string{"../secret.html", "..", "sub/secret.html", `..\secret.html`} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/output/x", nil)
			req.SetPathValue("file", name)
			rec := httptest.NewRecorder()

			f.server.handleOutput(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotContains(t, rec.Body.String(), "secret")
		})
	}
}

func TestViewerEndpoint(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t, nil)
		resp, _ := f.get(t, "/", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("configured", func(t *testing.T) {
		viewer := filepath.Join(t.TempDir(), "viewer.html")
		require.NoError(t, os.WriteFile(viewer, []byte("<html>viewer</html>"), 0644))
		f := newFixture(t, func(c *Config) { c.ViewerPath = viewer })

		resp, body := f.get(t, "/", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "<html>viewer</html>", body)
		assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

		resp, _ = f.get(t, "/elsewhere", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestStatusAndHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.get(t, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Factory factory.Status `json:"factory"`
		Viewers int            `json:"viewers"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "main", status.Factory.Branch)
	assert.Equal(t, 3, status.Factory.Renders)
	assert.Contains(t, body, `"state":"WATCHING"`)

	resp, body = f.get(t, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"healthy"`)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Post(f.http.URL+"/manifest.json", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.get(t, "/health", http.Header{"Origin": {"http://localhost:8080"}})
	assert.Equal(t, "http://localhost:8080", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = f.get(t, "/health", http.Header{"Origin": {"http://evil.example.com"}})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/manifest.json", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:8080")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestWebSocketEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, path := range []string{"/ws", "/events"} {
		t.Run(path, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(f.http.URL, "http") + path
			conn, _, err := websocket.Dial(ctx, url, nil)
			require.NoError(t, err)
			defer conn.CloseNow()

			require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
			f.hub.BroadcastRefresh()

			_, data, err := conn.Read(ctx)
			require.NoError(t, err)
			assert.JSONEq(t, `{"type":"refresh","data":"new_commit"}`, string(data))

			require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
			require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestServeAndShutdown(t *testing.T) {
	h := hub.New(hub.DefaultConfig(), logging.NewNopLogger())
	srv := New(Config{OutputDir: t.TempDir(), ManifestPath: "missing.json"}, h, nil, logging.NewNopLogger())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), listener) }()
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = h.Register(nil, "late")
	assert.ErrorIs(t, err, hub.ErrClosed)
}

package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/docfactory/internal/validation"
	"github.com/conneroisu/docfactory/internal/version"
)

// artifactExtensions are the only files /output serves.
var artifactExtensions = []string{".html", ".json"}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	if s.config.ViewerPath == "" {
		http.Error(w, "Viewer not configured", http.StatusNotFound)
		return
	}
	f, err := os.Open(s.config.ViewerPath)
	if err != nil {
		s.logger.Warn(r.Context(), err, "Viewer page unavailable", "path", s.config.ViewerPath)
		http.Error(w, "Viewer not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "Viewer not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, "index.html", info.ModTime(), f)
}

// handleManifest serves the persisted manifest, which is always a complete
// file thanks to the rename-into-place write.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.config.ManifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "Manifest not found", http.StatusNotFound)
			return
		}
		s.logger.Error(r.Context(), err, "Failed to read manifest")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	noCache(w)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("file")
	if err := validation.ValidateArtifactName(name, artifactExtensions); err != nil {
		s.logger.Warn(r.Context(), err, "Rejected artifact request", "file", name)
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}

	f, err := os.Open(filepath.Join(s.config.OutputDir, name))
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	if strings.EqualFold(filepath.Ext(name), ".json") {
		noCache(w)
		w.Header().Set("Content-Type", "application/json")
	} else {
		// Artifacts are content addressed and never change.
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version.GetShortVersion(),
		"viewers":   s.hub.Count(),
	}
	s.writeJSON(w, r, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		http.Error(w, "Status unavailable", http.StatusServiceUnavailable)
		return
	}
	response := struct {
		Factory interface{} `json:"factory"`
		Viewers int         `json:"viewers"`
	}{
		Factory: s.status.Status(),
		Viewers: s.hub.Count(),
	}
	noCache(w)
	s.writeJSON(w, r, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), err, "Failed to encode response", "path", r.URL.Path)
	}
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

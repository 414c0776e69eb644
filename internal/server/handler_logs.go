package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/zoocwl/internal/runner"
)

// handleToolLog serves "<logRoot>/<namespace>/<file>", falling back to the
// runner's tool log directory. Only *.log basenames are served.
func (s *Server) handleToolLog(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	ns := chi.URLParam(r, "namespace")
	file := chi.URLParam(r, "file")

	if !safeName(ns) || !safeName(file) || filepath.Ext(file) != ".log" {
		respondError(w, reqID, http.StatusNotFound, notFound("log", ns+"/"+file))
		return
	}

	f, info := s.openLog(ns, file)
	if f != nil {
		defer f.Close()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		http.ServeContent(w, r, file, info.ModTime(), f)
		return
	}
	respondError(w, reqID, http.StatusNotFound, notFound("log", ns+"/"+file))
}

func (s *Server) openLog(ns, file string) (*os.File, os.FileInfo) {
	for _, path := range []string{
		filepath.Join(s.logRoot, ns, file),
		filepath.Join(s.logRoot, ns, runner.ToolLogsDir, file),
	} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			f.Close()
			continue
		}
		return f, info
	}
	return nil, nil
}

// safeName accepts a single path element.
func safeName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

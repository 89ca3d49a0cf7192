package server

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/hjanuschka/go-projections/internal/logging"
)

func (s *Server) setupLogRoutes() {
	s.httpMux.HandleFunc("/logs", s.requireAdmin(s.handleLogs)).Methods("GET")
	s.httpMux.HandleFunc("/logs/files", s.requireAdmin(s.handleLogFiles)).Methods("GET")
}

// handleLogs returns the most recent entries of one daily log file,
// optionally filtered by level.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filename := query.Get("file")
	if filename != "" && filepath.Base(filename) != filename {
		writeError(w, http.StatusBadRequest, "file must be a bare log file name", nil)
		return
	}

	limit := 100
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	entries, err := s.logs.ReadLogs(filename, logging.LogLevel(query.Get("level")))
	if err != nil {
		s.logger.Error("Failed to read logs", logging.Fields{"file": filename, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to read logs", nil)
		return
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  entries,
		"count": len(entries),
	})
}

func (s *Server) handleLogFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.logs.GetLogFiles()
	if err != nil {
		s.logger.Error("Failed to list log files", logging.Fields{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, "failed to list log files", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

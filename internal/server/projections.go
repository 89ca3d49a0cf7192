package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"

	"github.com/hjanuschka/go-projections/internal/logging"
	"github.com/hjanuschka/go-projections/internal/projection"
)

// maxQuerySize bounds PUT bodies and event batches.
const maxQuerySize = 1 << 20

// ProjectionResponse is a projection's status plus its query text.
type ProjectionResponse struct {
	projection.Status
	Query string `json:"query"`
}

// FeedError reports which event of a batch failed.
type FeedError struct {
	ErrorResponse
	Index   int                  `json:"index"`
	Results []*projection.Result `json:"results"`
}

func (s *Server) setupProjectionRoutes() {
	s.httpMux.HandleFunc("/projections", s.handleList).Methods("GET")
	s.httpMux.HandleFunc("/projections/{name}", s.handleGet).Methods("GET")
	s.httpMux.HandleFunc("/projections/{name}", s.requireAdmin(s.handlePut)).Methods("PUT")
	s.httpMux.HandleFunc("/projections/{name}", s.requireAdmin(s.handleDelete)).Methods("DELETE")
	s.httpMux.HandleFunc("/projections/{name}/sources", s.handleSources).Methods("GET")
	s.httpMux.HandleFunc("/projections/{name}/partitions", s.handlePartitions).Methods("GET")
	s.httpMux.HandleFunc("/projections/{name}/state", s.handleState).Methods("GET")
	s.httpMux.HandleFunc("/projections/{name}/result", s.handleResult).Methods("GET")
	s.httpMux.HandleFunc("/projections/{name}/events", s.requireAdmin(s.handleEvents)).Methods("POST")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.Get(mux.Vars(r)["name"])
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectionResponse{Status: p.Status(), Query: p.Query()})
}

// handlePut creates the projection or replaces its query. The body is the
// query source; ?file= names it, and a .ts name selects TypeScript.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQuerySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", nil)
		return
	}
	if len(body) > maxQuerySize {
		writeError(w, http.StatusRequestEntityTooLarge, "query too large", nil)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "query body required", nil)
		return
	}

	fileName := r.URL.Query().Get("file")
	if fileName != "" && filepath.Base(fileName) != fileName {
		writeError(w, http.StatusBadRequest, "file must be a bare file name", nil)
		return
	}

	status := http.StatusOK
	var p *projection.Projection
	if _, err = s.manager.Get(name); errors.Is(err, projection.ErrProjectionNotFound) {
		status = http.StatusCreated
		p, err = s.manager.Create(r.Context(), name, string(body), fileName)
	} else {
		p, err = s.manager.Update(r.Context(), name, string(body), fileName)
	}
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}

	s.logger.Info("Projection saved over API", logging.Fields{
		"projection": name,
		"subject":    claimsFrom(r).Subject,
		"created":    status == http.StatusCreated,
	})
	writeJSON(w, status, ProjectionResponse{Status: p.Status(), Query: p.Query()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.Get(mux.Vars(r)["name"])
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Sources())
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.Get(mux.Vars(r)["name"])
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"partitions": p.Partitions()})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.manager.State(mux.Vars(r)["name"], r.URL.Query().Get("partition"))
	s.writeRaw(w, r, state, err)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.Result(mux.Vars(r)["name"], r.URL.Query().Get("partition"))
	s.writeRaw(w, r, result, err)
}

func (s *Server) writeRaw(w http.ResponseWriter, r *http.Request, data []byte, err error) {
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleEvents feeds one event or a JSON array of events. A batch stops at
// the first failure; earlier events stay applied.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQuerySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", nil)
		return
	}

	trimmed := strings.TrimSpace(string(body))
	batch := strings.HasPrefix(trimmed, "[")
	var events []projection.Event
	if batch {
		err = json.Unmarshal(body, &events)
	} else {
		var ev projection.Event
		err = json.Unmarshal(body, &ev)
		events = []projection.Event{ev}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error(), nil)
		return
	}
	for i, ev := range events {
		if ev.EventType == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d: eventType is required", i), nil)
			return
		}
	}

	results := make([]*projection.Result, 0, len(events))
	for i, ev := range events {
		res, err := s.manager.Feed(r.Context(), name, ev)
		if err != nil {
			if !batch {
				s.writeManagerError(w, r, err)
				return
			}
			status, details := statusFor(err)
			writeJSON(w, status, FeedError{
				ErrorResponse: ErrorResponse{Error: err.Error(), Details: details},
				Index:         i,
				Results:       results,
			})
			return
		}
		results = append(results, res)
	}

	if batch {
		writeJSON(w, http.StatusOK, results)
		return
	}
	writeJSON(w, http.StatusOK, results[0])
}

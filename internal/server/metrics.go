package server

import (
	"net/http"
	"time"
)

func (s *Server) setupMetricsRoutes() {
	s.httpMux.HandleFunc("/metrics", s.requireToken(s.handleAggregatedMetrics)).Methods("GET")
	s.httpMux.HandleFunc("/metrics/detailed", s.requireToken(s.handleDetailedMetrics)).Methods("GET")
	s.httpMux.HandleFunc("/metrics/system", s.requireToken(s.handleSystemStats)).Methods("GET")
	s.httpMux.HandleFunc("/metrics/projections", s.requireToken(s.handleMetricsProjections)).Methods("GET")
}

// sinceParam reads ?since= as RFC3339, falling back to now minus def.
func sinceParam(r *http.Request, def time.Duration) time.Time {
	since := time.Now().Add(-def)
	if v := r.URL.Query().Get("since"); v != "" {
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			since = parsed
		}
	}
	return since
}

func (s *Server) handleAggregatedMetrics(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	var def time.Duration
	switch period {
	case "", "hourly":
		period = "hourly"
		def = 7 * 24 * time.Hour
	case "daily":
		def = 30 * 24 * time.Hour
	default:
		writeError(w, http.StatusBadRequest, "period must be hourly or daily", nil)
		return
	}

	since := sinceParam(r, def)
	data := s.metrics.GetAggregatedMetrics(period, r.URL.Query().Get("projection"), since)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": data,
		"since":   since,
		"period":  period,
		"count":   len(data),
	})
}

func (s *Server) handleDetailedMetrics(w http.ResponseWriter, r *http.Request) {
	since := sinceParam(r, 24*time.Hour)
	data := s.metrics.GetDetailedMetrics(r.URL.Query().Get("projection"), since)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": data,
		"since":   since,
		"count":   len(data),
	})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats := s.metrics.GetSystemStats()
	stats["projections_loaded"] = len(s.manager.List())
	if s.hub != nil {
		stats["websocket_clients"] = s.hub.GetConnectedClients()
		stats["websocket_rooms"] = s.hub.GetRooms()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMetricsProjections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projections": s.metrics.GetProjections(),
	})
}

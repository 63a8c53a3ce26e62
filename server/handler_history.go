package server

import (
	"net/http"
	"strconv"

	"github.com/hydraresearch/nautilus/history"
)

// registerHistoryHandlers sets up /history/* routes.
func (s *Server) registerHistoryHandlers() {
	s.mux.HandleFunc("GET /history", s.handleHistoryList)
	s.mux.HandleFunc("GET /history/totals", s.handleHistoryTotals)
	s.mux.HandleFunc("POST /history/reset", s.handleHistoryReset)
	s.mux.HandleFunc("GET /history/{id}", s.handleHistoryGetJob)
	s.mux.HandleFunc("DELETE /history/{id}", s.handleHistoryDeleteJob)
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	start, _ := strconv.Atoi(query.Get("start"))
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit == 0 {
		limit = 50
	}

	jobs, count := s.history.ListJobs(start, limit, query.Get("printer"), query.Get("order"))

	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"count": count,
			"jobs":  jobs,
		},
	})
}

func (s *Server) handleHistoryGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.history.GetJob(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"job": job,
		},
	})
}

func (s *Server) handleHistoryDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.history.GetJob(id)
	if !ok || !s.history.DeleteJob(id) {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	s.hub.HistoryChanged(history.ActionDeleted, job)
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"deleted_jobs": []string{id},
		},
	})
}

func (s *Server) handleHistoryTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"job_totals": s.history.GetTotals(),
		},
	})
}

func (s *Server) handleHistoryReset(w http.ResponseWriter, r *http.Request) {
	last := s.history.GetTotals()
	s.history.Reset()

	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{
			"last_totals": last,
		},
	})
}

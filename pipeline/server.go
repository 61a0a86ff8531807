// ABOUTME: Read-mostly HTTP API over the run store so UI collaborators never touch state files directly.
// ABOUTME: Exposes run listing, state, events, flow graphs, tool catalogs, and a poll endpoint on a chi router.
package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/canis/tools"
	"github.com/2389-research/canis/workdir"
)

// Server exposes the pipeline over HTTP. All mutation beyond polling stays
// with the CLI; the API is the inspection surface.
type Server struct {
	router  chi.Router
	manager *Manager
}

// NewServer builds a Server with all routes configured.
func NewServer(manager *Manager) *Server {
	s := &Server{manager: manager}

	r := chi.NewRouter()
	r.Get("/api/runs", s.handleListRuns)
	r.Get("/api/runs/{name}", s.handleGetRun)
	r.Get("/api/runs/{name}/events", s.handleGetEvents)
	r.Get("/api/runs/{name}/flow", s.handleGetFlow)
	r.Get("/api/runs/{name}/summary", s.handleGetSummary)
	r.Post("/api/runs/{name}/poll", s.handlePoll)
	r.Get("/api/tools", s.handleListTools)
	r.Get("/api/seeds", s.handleListSeeds)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	// Prefer the index cache when available; fall back to scanning state
	// files.
	if s.manager.Index != nil {
		rows, err := s.manager.Index.List()
		if err == nil {
			writeJSON(w, http.StatusOK, rows)
			return
		}
	}

	runs, err := s.manager.Store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rows := make([]RunRow, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, RunRow{
			Name:    run.Name,
			ID:      run.ID,
			Status:  string(run.Status),
			Steps:   len(run.StateSteps),
			Markers: len(run.Nodes),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.manager.Store.Load(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.manager.Store.ReadEvents(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	run, err := s.manager.Store.Load(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, BuildFlow(run))
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.manager.Store.WS.Summarize(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if summary == nil {
		writeError(w, http.StatusNotFound, errors.New("run not found"))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	result, err := s.manager.CompleteRunningStep(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, ErrNotRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"code": tools.CodeToolNames(),
		"llm":  tools.LLMToolNames(),
		"chip": tools.ChipNames(),
	})
}

func (s *Server) handleListSeeds(w http.ResponseWriter, r *http.Request) {
	seeds, err := s.manager.Store.WS.ListSeedFiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if seeds == nil {
		seeds = []workdir.SeedFileInfo{}
	}
	writeJSON(w, http.StatusOK, seeds)
}

// statusFor maps storage errors to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, workdir.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Package api serves the registration search over HTTP: a JSON API for
// clouds and background searches, and a WebSocket session that streams a
// search to the browser viewer round by round.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/cloudstore"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/db"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/httputil"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/version"
)

// History looks up finished searches. *db.SearchStore implements it.
type History interface {
	ListSearches(ctx context.Context, limit int) ([]db.SearchRecord, error)
	GetSearch(ctx context.Context, id string) (*db.SearchRecord, error)
}

// Config wires a Server.
type Config struct {
	Clouds   cloudstore.Store
	Searcher registration.Searcher
	Runner   *registration.Runner

	// History is optional. Without it only searches still held by Runner
	// can be looked up.
	History History

	// BaseContext parents searches started over HTTP, so they outlive the
	// request that started them. Defaults to context.Background.
	BaseContext context.Context

	// OriginPatterns lists the extra origins allowed to open /ws.
	OriginPatterns []string
}

type Server struct {
	clouds   cloudstore.Store
	searcher registration.Searcher
	runner   *registration.Runner
	history  History
	baseCtx  context.Context
	origins  []string
}

func NewServer(cfg Config) *Server {
	base := cfg.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Server{
		clouds:   cfg.Clouds,
		searcher: cfg.Searcher,
		runner:   cfg.Runner,
		history:  cfg.History,
		baseCtx:  base,
		origins:  cfg.OriginPatterns,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/clouds", s.listClouds)
	mux.HandleFunc("GET /api/clouds/{name}", s.getCloud)
	mux.HandleFunc("POST /api/searches", s.startSearch)
	mux.HandleFunc("GET /api/searches", s.listSearches)
	mux.HandleFunc("GET /api/searches/{id}", s.getSearch)
	mux.HandleFunc("POST /api/searches/{id}/stop", s.stopSearch)
	mux.HandleFunc("GET /api/searches/{id}/ranking", s.searchRanking)
	mux.HandleFunc("GET /api/searches/{id}/chart", s.searchChart)
	mux.HandleFunc("GET /api/searches/{id}/plot.png", s.searchPlot)
	mux.HandleFunc("GET /api/history", s.listHistory)
	mux.HandleFunc("GET /api/version", s.showVersion)
	mux.HandleFunc("GET /ws", s.serveSession)
	return mux
}

func (s *Server) listClouds(w http.ResponseWriter, r *http.Request) {
	names, err := s.clouds.ListClouds(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"clouds": names})
}

func (s *Server) getCloud(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	c, err := s.clouds.LoadCloud(r.Context(), name)
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, c)
	case errors.Is(err, cloudstore.ErrNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, cloudstore.ErrInvalidName):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) startSearch(w http.ResponseWriter, r *http.Request) {
	var req registration.Request
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	id, err := s.runner.Start(s.baseCtx, req)
	switch {
	case errors.Is(err, registration.ErrTooManySearches):
		httputil.WriteJSONError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		httputil.BadRequest(w, err.Error())
		return
	}
	monitoring.Logf("[api] started search %s: %s -> %s np=%d", id, req.SrcName, req.TgtName, req.NPMax)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": registration.SearchStatusRunning,
	})
}

func (s *Server) listSearches(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.runner.List())
}

func (s *Server) getSearch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if state, ok := s.runner.Get(id); ok {
		httputil.WriteJSONOK(w, state)
		return
	}
	rec, err := s.lookupHistory(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) stopSearch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.runner.Stop(id); err != nil {
		writeLookupError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"id": id, "status": "stopping"})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.NotFound(w, "search history is not enabled")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records, err := s.history.ListSearches(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"searches": records})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}

// searchRounds returns the status and round summaries of a search held by
// the runner or, failing that, by the history.
func (s *Server) searchRounds(ctx context.Context, id string) (registration.SearchStatus, []registration.RoundSummary, error) {
	if state, ok := s.runner.Get(id); ok {
		return state.Status, state.Rounds, nil
	}
	rec, err := s.lookupHistory(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return rec.Status, rec.Rounds, nil
}

func (s *Server) lookupHistory(ctx context.Context, id string) (*db.SearchRecord, error) {
	if s.history == nil {
		return nil, registration.ErrSearchNotFound
	}
	return s.history.GetSearch(ctx, id)
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, registration.ErrSearchNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	httputil.InternalServerError(w, err.Error())
}

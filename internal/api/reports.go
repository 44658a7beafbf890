package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/httputil"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/report"
)

func (s *Server) searchRanking(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, rounds, err := s.searchRounds(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	if status != registration.SearchStatusComplete {
		httputil.WriteJSONError(w, http.StatusConflict, fmt.Sprintf("search %s is %s, ranking needs a complete search", id, status))
		return
	}
	httputil.WriteJSONOK(w, registration.Rank(rounds))
}

func (s *Server) searchChart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, rounds, err := s.searchRounds(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	// Render to a buffer so a failure can still become a JSON error.
	var buf bytes.Buffer
	if err := report.RenderRMSEChart(&buf, "Search "+id, rounds); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (s *Server) searchPlot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, rounds, err := s.searchRounds(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := report.WritePNG(&buf, "Search "+id, rounds); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

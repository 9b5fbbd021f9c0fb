package http

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/flow"
	"github.com/go-chi/chi/v5"
)

// handlePublishFlow accepts the JSON DSL, or YAML when the content type says so.
func (s *Server) handlePublishFlow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("read body: %v: %w", err, errMalformed))
		return
	}

	var def *domain.FlowDefinition
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		def, err = flow.ParseYAML(body)
	} else {
		def, err = flow.Parse(body)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ref, err := s.flows.Publish(r.Context(), def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"flows": s.flows.List(r.Context())})
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := chi.URLParam(r, "version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("version %q: %w", v, errMalformed))
			return
		}
		version = n
	}

	def, err := s.flows.Get(r.Context(), chi.URLParam(r, "flowID"), version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := flow.Encode(def)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleFlowVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "flowID")
	versions, err := s.flows.Versions(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "versions": versions})
}

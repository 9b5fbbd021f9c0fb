package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
	"github.com/go-chi/chi/v5"
)

// TranscriptPage is one page of a call transcript. NextAfter is the cursor for
// the following page and is zero once the transcript is exhausted.
type TranscriptPage struct {
	CallID    string                   `json:"call_id"`
	Entries   []domain.TranscriptEntry `json:"entries"`
	NextAfter int64                    `json:"next_after,omitempty"`
}

// TranscriptSearchResult holds entries across calls. More is set when the
// limit cut the result; narrow the window to see the rest.
type TranscriptSearchResult struct {
	Entries []domain.TranscriptEntry `json:"entries"`
	More    bool                     `json:"more"`
}

// handleSearchTranscripts serves /v1/transcripts. With call_id it is the
// per-call transcript, otherwise a time-window search across calls.
func (s *Server) handleSearchTranscripts(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	query, err := transcriptQuery(v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if callID := v.Get("call_id"); callID != "" {
		s.writeTranscriptPage(w, r, callID, query)
		return
	}

	entries, more, err := ports.SearchTranscripts(r.Context(), s.store, ports.TranscriptSearch{
		From:  query.From,
		To:    query.To,
		Limit: query.Limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, TranscriptSearchResult{Entries: entries, More: more})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ports.SessionFilter{
		Status: domain.SessionStatus(q.Get("status")),
		FlowID: q.Get("flow_id"),
		Limit:  50,
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}

	list, err := s.store.ListSessions(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	query, err := transcriptQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeTranscriptPage(w, r, chi.URLParam(r, "callID"), query)
}

func (s *Server) writeTranscriptPage(w http.ResponseWriter, r *http.Request, callID string, query ports.TranscriptQuery) {
	entries, err := s.store.QueryTranscript(r.Context(), callID, query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	page := TranscriptPage{CallID: callID, Entries: entries}
	if len(entries) == query.PageLimit() {
		page.NextAfter = entries[len(entries)-1].Seq
	}
	writeJSON(w, http.StatusOK, page)
}

func transcriptQuery(v url.Values) (ports.TranscriptQuery, error) {
	var q ports.TranscriptQuery
	if a := v.Get("after"); a != "" {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil || n < 0 {
			return q, fmt.Errorf("after %q: %w", a, errMalformed)
		}
		q.AfterSeq = n
	}
	if l := v.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("limit %q: %w", l, errMalformed)
		}
		q.Limit = n
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, fmt.Errorf("%s %q: %w", p.name, raw, errMalformed)
		}
		*p.dst = t
	}
	return q, nil
}

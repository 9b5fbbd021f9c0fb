package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/aretw0/dialtone/internal/logging"
	"github.com/aretw0/dialtone/pkg/dispatch"
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
	"github.com/go-chi/chi/v5"
)

// StreamManager fans committed transcript entries out to SSE subscribers.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan domain.TranscriptEntry]struct{}
	buffer      int
	logger      *slog.Logger
}

// StreamOption configures a StreamManager.
type StreamOption func(*StreamManager)

// WithStreamBuffer sets the per-subscriber buffer. Slow clients lose entries
// beyond it and must re-read the transcript.
func WithStreamBuffer(n int) StreamOption {
	return func(sm *StreamManager) {
		sm.buffer = n
	}
}

// WithStreamLogger configures a logger for the StreamManager.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(sm *StreamManager) {
		sm.logger = logger
	}
}

// NewStreamManager creates a StreamManager.
func NewStreamManager(opts ...StreamOption) *StreamManager {
	sm := &StreamManager{
		subscribers: make(map[string]map[chan domain.TranscriptEntry]struct{}),
		buffer:      64,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Subscribe registers a listener for callID. The returned func unsubscribes.
func (sm *StreamManager) Subscribe(callID string) (<-chan domain.TranscriptEntry, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan domain.TranscriptEntry, sm.buffer)
	if _, ok := sm.subscribers[callID]; !ok {
		sm.subscribers[callID] = make(map[chan domain.TranscriptEntry]struct{})
	}
	sm.subscribers[callID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if subs, ok := sm.subscribers[callID]; ok {
			if _, ok := subs[ch]; !ok {
				return
			}
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(sm.subscribers, callID)
			}
		}
	}
}

// Broadcast delivers entries to every subscriber of callID without blocking.
func (sm *StreamManager) Broadcast(callID string, entries []domain.TranscriptEntry) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for ch := range sm.subscribers[callID] {
		for _, e := range entries {
			select {
			case ch <- e:
			default:
				sm.logger.Warn("SSE: client buffer full, dropping entry", "call_id", callID, "seq", e.Seq)
			}
		}
	}
}

// Subscribers returns the number of listeners for callID.
func (sm *StreamManager) Subscribers(callID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.subscribers[callID])
}

// Observe is a dispatch.CommitObserver.
func (sm *StreamManager) Observe(_ context.Context, ev dispatch.CommitEvent) {
	if len(ev.Entries) == 0 {
		return
	}
	sm.Broadcast(ev.Session.CallID, ev.Entries)
}

// handleStream replays the transcript after the optional ?after cursor and
// then follows new entries until the session ends or the client leaves.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming not supported"))
		return
	}

	var after int64
	if a := r.URL.Query().Get("after"); a != "" {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("after %q: %w", a, errMalformed))
			return
		}
		after = n
	}

	// Subscribe before the backfill so no commit falls between them.
	live, cancel := s.streams.Subscribe(callID)
	defer cancel()

	sess, err := s.store.GetSession(r.Context(), callID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		page, err := s.store.QueryTranscript(r.Context(), callID, ports.TranscriptQuery{AfterSeq: after})
		if err != nil {
			s.logger.Warn("SSE: backfill failed", "call_id", callID, "err", err)
			return
		}
		for _, e := range page {
			if ended := writeEntry(w, e); ended {
				flusher.Flush()
				return
			}
			after = e.Seq
		}
		flusher.Flush()
		if len(page) < ports.DefaultTranscriptLimit {
			break
		}
	}
	if sess.Status.Terminal() && after >= sess.LastSeq {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Seq <= after {
				continue
			}
			after = e.Seq
			ended := writeEntry(w, e)
			flusher.Flush()
			if ended {
				return
			}
		}
	}
}

// writeEntry emits one SSE event and reports whether it closed the session.
func writeEntry(w http.ResponseWriter, e domain.TranscriptEntry) bool {
	data, err := json.Marshal(e)
	if err != nil {
		return false
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data)
	return e.Kind == domain.EntrySessionEnd
}

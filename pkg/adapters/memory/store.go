package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
)

var _ ports.SessionStore = (*Store)(nil)

// Store implements ports.SessionStore in memory.
// Safe for concurrent use. The map lock is held only to find a call's record;
// commits and reads of one call serialize on that record alone.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
}

// record holds one call. session is nil until the first commit lands.
type record struct {
	mu         sync.RWMutex
	session    *domain.Session
	transcript []domain.TranscriptEntry
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{records: make(map[string]*record)}
}

func (s *Store) lookup(callID string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[callID]
	return rec, ok
}

func (s *Store) acquire(callID string) *record {
	if rec, ok := s.lookup(callID); ok {
		return rec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[callID]
	if !ok {
		rec = &record{}
		s.records[callID] = rec
	}
	return rec
}

// Commit stores the snapshot and appends the entries under the call's lock.
func (s *Store) Commit(ctx context.Context, c ports.Commit) error {
	if err := c.Validate(); err != nil {
		return err
	}
	callID := c.Session.CallID

	rec := s.acquire(callID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	cur := rec.session
	exists := cur != nil
	switch {
	case c.ExpectedSeq == 0 && exists:
		return fmt.Errorf("session %s already exists: %w", callID, domain.ErrConflict)
	case c.ExpectedSeq > 0 && !exists:
		return fmt.Errorf("session %s does not exist: %w", callID, domain.ErrConflict)
	case exists && cur.Status.Terminal():
		return fmt.Errorf("session %s is %s: %w", callID, cur.Status, domain.ErrSessionClosed)
	case exists && cur.LastSeq != c.ExpectedSeq:
		return fmt.Errorf("session %s is at seq %d, not %d: %w", callID, cur.LastSeq, c.ExpectedSeq, domain.ErrConflict)
	}

	// Copy on write so callers cannot mutate stored state through their pointers.
	rec.session = c.Session.Clone()
	for _, e := range c.Entries {
		e.Data = domain.CopyMap(e.Data)
		rec.transcript = append(rec.transcript, e)
	}
	return nil
}

// GetSession returns a copy of the stored session.
func (s *Store) GetSession(ctx context.Context, callID string) (*domain.Session, error) {
	rec, ok := s.lookup(callID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	if rec.session == nil {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}
	return rec.session.Clone(), nil
}

// QueryTranscript pages through the call transcript in seq order.
func (s *Store) QueryTranscript(ctx context.Context, callID string, q ports.TranscriptQuery) ([]domain.TranscriptEntry, error) {
	rec, ok := s.lookup(callID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	if rec.session == nil {
		return nil, fmt.Errorf("session %s: %w", callID, domain.ErrNotFound)
	}

	entries := rec.transcript
	// Seqs are contiguous from 1, so the cursor is an index.
	start := int(q.AfterSeq)
	if start < 0 {
		start = 0
	}

	limit := q.PageLimit()
	out := make([]domain.TranscriptEntry, 0, min(limit, max(len(entries)-start, 0)))
	for i := start; i < len(entries) && len(out) < limit; i++ {
		e := entries[i]
		if !q.Matches(e) {
			continue
		}
		e.Data = domain.CopyMap(e.Data)
		out = append(out, e)
	}
	return out, nil
}

// ListSessions returns matching sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, f ports.SessionFilter) ([]*domain.Session, error) {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]*domain.Session, 0, len(recs))
	for _, rec := range recs {
		rec.mu.RLock()
		if rec.session != nil && f.Matches(rec.session) {
			out = append(out, rec.session.Clone())
		}
		rec.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CallID < out[j].CallID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

package ports

import (
	"context"
	"fmt"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
)

// Commit is one atomic unit of work: a session snapshot plus the transcript
// entries produced while computing it.
type Commit struct {
	// Session is the new snapshot. Session.LastSeq must equal ExpectedSeq + len(Entries).
	Session *domain.Session
	// ExpectedSeq is the LastSeq the caller loaded. Zero creates the session.
	ExpectedSeq int64
	// Entries continue the call transcript at ExpectedSeq+1 without gaps.
	Entries []domain.TranscriptEntry
}

// Validate checks the sequence arithmetic of a commit before it reaches a backend.
func (c Commit) Validate() error {
	if c.Session == nil || c.Session.CallID == "" {
		return fmt.Errorf("commit without session")
	}
	if c.Session.LastSeq != c.ExpectedSeq+int64(len(c.Entries)) {
		return fmt.Errorf("commit for %s: last_seq %d does not match expected %d + %d entries",
			c.Session.CallID, c.Session.LastSeq, c.ExpectedSeq, len(c.Entries))
	}
	for i, e := range c.Entries {
		if e.Seq != c.ExpectedSeq+int64(i)+1 {
			return fmt.Errorf("commit for %s: entry %d has seq %d, want %d",
				c.Session.CallID, i, e.Seq, c.ExpectedSeq+int64(i)+1)
		}
		if e.CallID != c.Session.CallID {
			return fmt.Errorf("commit for %s: entry %d belongs to %s", c.Session.CallID, i, e.CallID)
		}
	}
	return nil
}

// TranscriptQuery selects a page of transcript entries.
// Entries with Seq > AfterSeq are returned in ascending order, at most Limit of them.
// From and To, when non-zero, bound the entry timestamps.
type TranscriptQuery struct {
	AfterSeq int64
	Limit    int
	From     time.Time
	To       time.Time
}

// DefaultTranscriptLimit applies when a query has no positive limit.
const DefaultTranscriptLimit = 100

// PageLimit returns the effective limit of q.
func (q TranscriptQuery) PageLimit() int {
	if q.Limit <= 0 {
		return DefaultTranscriptLimit
	}
	return q.Limit
}

// Matches reports whether the entry falls inside the time window of q.
func (q TranscriptQuery) Matches(e domain.TranscriptEntry) bool {
	if e.Seq <= q.AfterSeq {
		return false
	}
	if !q.From.IsZero() && e.At.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.At.After(q.To) {
		return false
	}
	return true
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status domain.SessionStatus
	FlowID string
	Limit  int
}

// Matches reports whether s passes the filter.
func (f SessionFilter) Matches(s *domain.Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.FlowID != "" && s.FlowID != f.FlowID {
		return false
	}
	return true
}

// SessionStore persists sessions and their transcripts.
// A Commit either stores the snapshot and every entry, or nothing.
type SessionStore interface {
	// Commit stores c atomically. It returns domain.ErrConflict when the stored
	// LastSeq differs from c.ExpectedSeq, or when ExpectedSeq is zero and the session exists.
	Commit(ctx context.Context, c Commit) error

	// GetSession returns a snapshot or domain.ErrNotFound.
	GetSession(ctx context.Context, callID string) (*domain.Session, error)

	// QueryTranscript returns a page of entries. Unknown calls yield domain.ErrNotFound.
	QueryTranscript(ctx context.Context, callID string, q TranscriptQuery) ([]domain.TranscriptEntry, error)

	// ListSessions returns sessions ordered by creation time, newest first.
	ListSessions(ctx context.Context, f SessionFilter) ([]*domain.Session, error)
}

// FlowRepository keeps a durable copy of published flows.
type FlowRepository interface {
	SaveFlow(ctx context.Context, def *domain.FlowDefinition) error
	LoadFlows(ctx context.Context) ([]*domain.FlowDefinition, error)
}

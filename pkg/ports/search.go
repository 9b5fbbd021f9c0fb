package ports

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
)

// TranscriptSearch selects transcript entries across calls by time window.
type TranscriptSearch struct {
	From  time.Time
	To    time.Time
	Limit int
}

// SearchTranscripts collects the entries of every call whose lifetime overlaps
// the window, ordered by time, then call id, then seq. more reports whether
// Limit cut the result.
func SearchTranscripts(ctx context.Context, store SessionStore, q TranscriptSearch) (entries []domain.TranscriptEntry, more bool, err error) {
	limit := TranscriptQuery{Limit: q.Limit}.PageLimit()

	sessions, err := store.ListSessions(ctx, SessionFilter{})
	if err != nil {
		return nil, false, fmt.Errorf("list sessions: %w", err)
	}

	for _, sess := range sessions {
		if !q.To.IsZero() && sess.CreatedAt.After(q.To) {
			continue
		}
		if !q.From.IsZero() && !sess.UpdatedAt.IsZero() && sess.UpdatedAt.Before(q.From) {
			continue
		}

		page := TranscriptQuery{From: q.From, To: q.To, Limit: DefaultTranscriptLimit}
		for {
			got, err := store.QueryTranscript(ctx, sess.CallID, page)
			if err != nil {
				return nil, false, fmt.Errorf("transcript of %s: %w", sess.CallID, err)
			}
			entries = append(entries, got...)
			if len(got) < page.PageLimit() {
				break
			}
			page.AfterSeq = got[len(got)-1].Seq
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if a.CallID != b.CallID {
			return a.CallID < b.CallID
		}
		return a.Seq < b.Seq
	})
	if len(entries) > limit {
		return entries[:limit], true, nil
	}
	return entries, false, nil
}

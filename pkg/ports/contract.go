package ports

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunSessionStoreContract runs a suite of tests to verify that a SessionStore
// implementation honours the atomic commit and paging contract.
func RunSessionStoreContract(t *testing.T, store SessionStore) {
	ctx := context.Background()
	run := time.Now().Format("20060102150405.000000")
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	id := func(name string) string { return "contract-" + name + "-" + run }

	t.Run("Create and Get", func(t *testing.T) {
		callID := id("create")
		c := contractCommit(callID, nil, 2, base)
		c.Session.Context["name"] = "Ada"
		c.Session.Context["count"] = 42
		require.NoError(t, store.Commit(ctx, c))

		got, err := store.GetSession(ctx, callID)
		require.NoError(t, err)
		assert.Equal(t, callID, got.CallID)
		assert.Equal(t, "contract-flow", got.FlowID)
		assert.Equal(t, int64(2), got.LastSeq)
		assert.Equal(t, domain.StatusActive, got.Status)
		assert.Equal(t, "Ada", got.Context["name"])
		assert.EqualValues(t, 42, got.Context["count"])
	})

	t.Run("Create Twice Conflicts", func(t *testing.T) {
		callID := id("dup")
		require.NoError(t, store.Commit(ctx, contractCommit(callID, nil, 1, base)))
		err := store.Commit(ctx, contractCommit(callID, nil, 1, base))
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.GetSession(ctx, id("missing"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.QueryTranscript(ctx, id("missing"), TranscriptQuery{})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Stale Commit Is Rejected Without Side Effects", func(t *testing.T) {
		callID := id("stale")
		first := contractCommit(callID, nil, 1, base)
		require.NoError(t, store.Commit(ctx, first))

		next := contractCommit(callID, first.Session, 2, base.Add(time.Second))
		next.Session.CurrentNode = "second"
		require.NoError(t, store.Commit(ctx, next))

		stale := contractCommit(callID, first.Session, 1, base.Add(2*time.Second))
		stale.Session.CurrentNode = "stale"
		assert.ErrorIs(t, store.Commit(ctx, stale), domain.ErrConflict)

		got, err := store.GetSession(ctx, callID)
		require.NoError(t, err)
		assert.Equal(t, "second", got.CurrentNode)
		assert.Equal(t, int64(3), got.LastSeq)

		entries, err := store.QueryTranscript(ctx, callID, TranscriptQuery{})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, int64(i+1), e.Seq)
		}
	})

	t.Run("Closed Session Is Read Only", func(t *testing.T) {
		callID := id("closed")
		first := contractCommit(callID, nil, 1, base)
		require.NoError(t, store.Commit(ctx, first))

		end := contractCommit(callID, first.Session, 1, base.Add(time.Second))
		end.Session.Status = domain.StatusCompleted
		require.NoError(t, store.Commit(ctx, end))

		late := contractCommit(callID, end.Session, 1, base.Add(2*time.Second))
		late.Session.Status = domain.StatusActive
		assert.ErrorIs(t, store.Commit(ctx, late), domain.ErrSessionClosed)

		got, err := store.GetSession(ctx, callID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Equal(t, int64(2), got.LastSeq)

		entries, err := store.QueryTranscript(ctx, callID, TranscriptQuery{})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("Malformed Commit Is Rejected", func(t *testing.T) {
		callID := id("gap")
		c := contractCommit(callID, nil, 2, base)
		c.Entries[1].Seq = 5
		assert.Error(t, store.Commit(ctx, c))
		_, err := store.GetSession(ctx, callID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Transcript Paging", func(t *testing.T) {
		callID := id("paging")
		require.NoError(t, store.Commit(ctx, contractCommit(callID, nil, 7, base)))

		page1, err := store.QueryTranscript(ctx, callID, TranscriptQuery{AfterSeq: 0, Limit: 3})
		require.NoError(t, err)
		require.Len(t, page1, 3)
		assert.Equal(t, int64(1), page1[0].Seq)
		assert.Equal(t, int64(3), page1[2].Seq)

		page2, err := store.QueryTranscript(ctx, callID, TranscriptQuery{AfterSeq: page1[2].Seq, Limit: 3})
		require.NoError(t, err)
		require.Len(t, page2, 3)
		assert.Equal(t, int64(4), page2[0].Seq)

		page3, err := store.QueryTranscript(ctx, callID, TranscriptQuery{AfterSeq: page2[2].Seq, Limit: 3})
		require.NoError(t, err)
		require.Len(t, page3, 1)
		assert.Equal(t, int64(7), page3[0].Seq)
		assert.Equal(t, domain.OriginSystem, page3[0].Origin)
		assert.Equal(t, "node-7", page3[0].NodeID)

		again, err := store.QueryTranscript(ctx, callID, TranscriptQuery{AfterSeq: page1[2].Seq, Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, page2, again, "same cursor must return the same page")

		empty, err := store.QueryTranscript(ctx, callID, TranscriptQuery{AfterSeq: 7})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("Transcript Time Window", func(t *testing.T) {
		callID := id("window")
		c := contractCommit(callID, nil, 3, base)
		for i := range c.Entries {
			c.Entries[i].At = base.Add(time.Duration(i) * time.Minute)
		}
		require.NoError(t, store.Commit(ctx, c))

		entries, err := store.QueryTranscript(ctx, callID, TranscriptQuery{
			From: base.Add(30 * time.Second),
			To:   base.Add(90 * time.Second),
		})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, int64(2), entries[0].Seq)
	})

	t.Run("Concurrent Commits Have One Winner", func(t *testing.T) {
		callID := id("race")
		first := contractCommit(callID, nil, 1, base)
		require.NoError(t, store.Commit(ctx, first))

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c := contractCommit(callID, first.Session, 1, base)
				c.Session.CurrentNode = fmt.Sprintf("writer-%d", i)
				errs[i] = store.Commit(ctx, c)
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, domain.ErrConflict)
		}
		assert.Equal(t, 1, wins)

		entries, err := store.QueryTranscript(ctx, callID, TranscriptQuery{})
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("List Sessions", func(t *testing.T) {
		flowID := id("list-flow")
		active := contractCommit(id("list-a"), nil, 1, base)
		active.Session.FlowID = flowID
		done := contractCommit(id("list-b"), nil, 1, base.Add(time.Second))
		done.Session.FlowID = flowID
		done.Session.Status = domain.StatusCompleted
		require.NoError(t, store.Commit(ctx, active))
		require.NoError(t, store.Commit(ctx, done))

		all, err := store.ListSessions(ctx, SessionFilter{FlowID: flowID})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		completed, err := store.ListSessions(ctx, SessionFilter{FlowID: flowID, Status: domain.StatusCompleted})
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, id("list-b"), completed[0].CallID)

		limited, err := store.ListSessions(ctx, SessionFilter{FlowID: flowID, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

// contractCommit builds a well-formed commit of n entries continuing prev (nil creates).
func contractCommit(callID string, prev *domain.Session, n int, at time.Time) Commit {
	var s *domain.Session
	if prev == nil {
		s = &domain.Session{
			CallID:      callID,
			FlowID:      "contract-flow",
			FlowVersion: 1,
			CurrentNode: "start",
			Context:     map[string]any{},
			Status:      domain.StatusActive,
			CreatedAt:   at,
		}
	} else {
		s = prev.Clone()
	}
	expected := s.LastSeq
	s.UpdatedAt = at
	s.LastSeq = expected + int64(n)

	entries := make([]domain.TranscriptEntry, n)
	for i := range entries {
		seq := expected + int64(i) + 1
		entries[i] = domain.TranscriptEntry{
			ID:     fmt.Sprintf("%s-%d", callID, seq),
			CallID: callID,
			Seq:    seq,
			At:     at,
			Origin: domain.OriginSystem,
			Kind:   domain.EntryNodeEnter,
			NodeID: fmt.Sprintf("node-%d", seq),
			Data:   map[string]any{"seq": fmt.Sprint(seq)},
		}
	}
	return Commit{Session: s, ExpectedSeq: expected, Entries: entries}
}

package middleware_test

import (
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
)

// commit builds a creating commit for callID carrying ctx and one caller input.
func commit(callID string, ctx map[string]any, input string, data map[string]any) ports.Commit {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := &domain.Session{
		CallID:      callID,
		FlowID:      "greeting",
		FlowVersion: 1,
		CurrentNode: "collect",
		Context:     ctx,
		Status:      domain.StatusActive,
		LastSeq:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := domain.TranscriptEntry{
		ID: "e1", CallID: callID, Seq: 1, At: now,
		Origin: domain.OriginCaller, Kind: domain.EntryInput, NodeID: "collect",
		Text: input, Data: data,
	}
	return ports.Commit{Session: sess, Entries: []domain.TranscriptEntry{entry}}
}

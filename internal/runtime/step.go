package runtime

import (
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
)

// Step is the complete result of one logical step: the next session snapshot,
// the transcript entries that describe how it was reached, and the actions to
// release once both are stored.
type Step struct {
	Session     *domain.Session
	ExpectedSeq int64
	Entries     []domain.TranscriptEntry
	Actions     []domain.Action

	// Wait is the idle timeout armed for the node the session now waits on.
	// It is zero when the session is not waiting for the caller.
	Wait time.Duration
}

// Empty reports whether the step changed nothing.
func (s *Step) Empty() bool {
	return len(s.Entries) == 0
}

// Commit returns the store write for the step.
func (s *Step) Commit() ports.Commit {
	return ports.Commit{
		Session:     s.Session,
		ExpectedSeq: s.ExpectedSeq,
		Entries:     s.Entries,
	}
}

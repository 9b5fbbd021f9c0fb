package middleware

import (
	"context"
	"regexp"

	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/ports"
)

// Mask replaces values of sensitive keys.
const Mask = "***"

type piiMiddleware struct {
	ports.SessionStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware masks session context keys and transcript data keys that
// match any of the patterns before they reach the store. Masked values are
// gone for good: later steps of the call see the mask, not the original.
func NewPIIMiddleware(patternStrings []string) Middleware {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		patterns[i] = regexp.MustCompile(p)
	}
	return func(next ports.SessionStore) ports.SessionStore {
		return &piiMiddleware{SessionStore: next, patterns: patterns}
	}
}

func (m *piiMiddleware) Commit(ctx context.Context, c ports.Commit) error {
	if len(m.patterns) == 0 {
		return m.SessionStore.Commit(ctx, c)
	}

	// The caller keeps its own copy of the session.
	sess := c.Session.Clone()
	maskMap(sess.Context, m.patterns)

	entries := make([]domain.TranscriptEntry, len(c.Entries))
	for i, e := range c.Entries {
		e.Data = domain.CopyMap(e.Data)
		maskMap(e.Data, m.patterns)
		if key, ok := e.Data["save_as"].(string); ok && m.sensitive(key) {
			e.Text = Mask
		}
		entries[i] = e
	}

	c.Session = sess
	c.Entries = entries
	return m.SessionStore.Commit(ctx, c)
}

func (m *piiMiddleware) sensitive(key string) bool {
	for _, p := range m.patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k := range m {
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = Mask
				break
			}
		}
		if sub, ok := m[k].(map[string]any); ok {
			maskMap(sub, patterns)
		}
	}
}

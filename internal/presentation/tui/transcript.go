package tui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// TranscriptMarkdown renders a call and its entries as a markdown document.
func TranscriptMarkdown(sess *domain.Session, entries []domain.TranscriptEntry) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Call `%s`\n\n", sess.CallID)
	sb.WriteString("| Flow | Status | Node | Entries | Started | Updated |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	fmt.Fprintf(&sb, "| %s v%d | **%s** | %s | %d | %s | %s |\n\n",
		sess.FlowID, sess.FlowVersion, sess.Status, sess.CurrentNode, sess.LastSeq,
		stamp(sess.CreatedAt), stamp(sess.UpdatedAt))
	if sess.Reason != "" {
		fmt.Fprintf(&sb, "> %s\n\n", sess.Reason)
	}

	if len(entries) == 0 {
		sb.WriteString("_No transcript entries._\n")
		return sb.String()
	}

	sb.WriteString("## Transcript\n\n")
	sb.WriteString("| # | Time | Who | What | Node | Detail |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "| %d | %s | %s | %s | %s | %s |\n",
			e.Seq, e.At.UTC().Format("15:04:05.000"), e.Origin, e.Kind, cell(e.NodeID), cell(detail(e)))
	}
	return sb.String()
}

// WriteTranscript writes the transcript to w, through glamour when styled is set.
func WriteTranscript(w io.Writer, sess *domain.Session, entries []domain.TranscriptEntry, styled bool) error {
	md := TranscriptMarkdown(sess, entries)
	if !styled {
		_, err := io.WriteString(w, md)
		return err
	}
	render, err := NewRenderer(0)
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}
	out, err := render(md)
	if err != nil {
		return fmt.Errorf("render transcript: %w", err)
	}
	_, err = io.WriteString(w, out)
	return err
}

func detail(e domain.TranscriptEntry) string {
	parts := make([]string, 0, 1+len(e.Data))
	if e.Text != "" {
		parts = append(parts, fmt.Sprintf("%q", e.Text))
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Data[k]))
	}
	return strings.Join(parts, " ")
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/dialtone/pkg/domain"
)

// Overlay contains call state to visualize on the graph.
type Overlay struct {
	VisitedNodes []string
	CurrentNode  string
	// Status colors the current node once the call has ended.
	Status domain.SessionStatus
}

// OverlayFromTranscript derives the visited path of a call from its node_enter entries.
func OverlayFromTranscript(sess *domain.Session, entries []domain.TranscriptEntry) *Overlay {
	o := &Overlay{}
	for _, e := range entries {
		if e.Kind == domain.EntryNodeEnter && e.NodeID != "" {
			o.VisitedNodes = append(o.VisitedNodes, e.NodeID)
		}
	}
	if sess != nil {
		o.CurrentNode = sess.CurrentNode
		o.Status = sess.Status
	} else if n := len(o.VisitedNodes); n > 0 {
		o.CurrentNode = o.VisitedNodes[n-1]
	}
	return o
}

// GenerateMermaid produces a Mermaid flowchart for a flow definition.
// It applies semantic styling:
// - Start: ((Circle))
// - Collect: [/Parallelogram/]
// - Decision: {Rhombus}
// - LLM: [[Subroutine]]
// - Terminal: ([Stadium])
// - Prompt: [Rectangle]
// Fallback and error routes are drawn dotted. Overlay styles (Visited/Current)
// are applied if provided.
func GenerateMermaid(def *domain.FlowDefinition, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, node := range def.Nodes {
		safeID := sanitizeMermaidID(node.ID)

		opener, closer := "[", "]"
		switch {
		case node.ID == def.StartNode:
			opener, closer = "((", "))"
		case node.Kind == domain.KindCollect:
			opener, closer = "[/", "/]"
		case node.Kind == domain.KindDecision:
			opener, closer = "{", "}"
		case node.Kind == domain.KindLLM:
			opener, closer = "[[", "]]"
		case node.Kind == domain.KindTerminal:
			opener, closer = "([", "])"
		}

		text := node.ID
		if node.Timeout > 0 {
			text += " <br/> ⏱️ " + node.Timeout.String()
		}
		if node.Kind == domain.KindTerminal && node.Outcome != "" {
			text += " <br/> " + string(node.Outcome)
		}
		if node.TransferTo != "" {
			text += " <br/> ☎ " + node.TransferTo
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, escapeLabel(text), closer)

		for _, t := range node.Transitions {
			safeTo := sanitizeMermaidID(t.Target)
			switch {
			case t.IsDefault():
				fmt.Fprintf(&sb, "    %s --> %s\n", safeID, safeTo)
			case strings.EqualFold(t.Guard, domain.GuardTimeout):
				fmt.Fprintf(&sb, "    %s -. \"⏱️ timeout\" .-> %s\n", safeID, safeTo)
			default:
				fmt.Fprintf(&sb, "    %s -- \"%s\" --> %s\n", safeID, escapeLabel(t.Guard), safeTo)
			}
		}

		if node.Fallback != "" {
			fmt.Fprintf(&sb, "    %s -. \"no match\" .-> %s\n", safeID, sanitizeMermaidID(node.Fallback))
		}
		if node.OnError != "" {
			fmt.Fprintf(&sb, "    %s -. \"⚡ error\" .-> %s\n", safeID, sanitizeMermaidID(node.OnError))
		}
	}

	if def.FallbackNode != "" {
		sb.WriteString("\n    classDef fallback stroke-dasharray: 5 5;\n")
		fmt.Fprintf(&sb, "    class %s fallback;\n", sanitizeMermaidID(def.FallbackNode))
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds, regardless of theme (Light/Dark)
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")
		sb.WriteString("    classDef failed fill:#ffcdd2,stroke:#b71c1c,stroke-width:4px,color:#000;\n")

		visitedSet := make(map[string]bool)
		for _, id := range overlay.VisitedNodes {
			safeID := sanitizeMermaidID(id)
			if !visitedSet[safeID] && safeID != "" {
				visitedSet[safeID] = true
				fmt.Fprintf(&sb, "    class %s visited;\n", safeID)
			}
		}

		if overlay.CurrentNode != "" {
			class := "current"
			if overlay.Status == domain.StatusFailed || overlay.Status == domain.StatusAbandoned {
				class = "failed"
			}
			fmt.Fprintf(&sb, "    class %s %s;\n", sanitizeMermaidID(overlay.CurrentNode), class)
		}
	}

	return sb.String()
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	// "end" closes subgraphs in Mermaid.
	if strings.EqualFold(s, "end") {
		s += "_"
	}
	return s
}

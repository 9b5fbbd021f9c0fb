package flow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/dialtone/pkg/domain"
)

// Validate checks the structural invariants of a definition and reports every
// problem at once as a *domain.ValidationError.
func Validate(def *domain.FlowDefinition) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if def == nil {
		return &domain.ValidationError{Problems: []string{"definition is nil"}}
	}
	if strings.TrimSpace(def.ID) == "" {
		add("missing id")
	}
	if def.Version < 0 {
		add("version must not be negative")
	}
	if def.MaxRetries < 0 {
		add("max_retries must not be negative")
	}
	if len(def.Nodes) == 0 {
		add("flow has no nodes")
	}

	ids := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.ID == "" {
			add("node #%d has no id", i)
			continue
		}
		if ids[n.ID] {
			add("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
	}

	switch {
	case def.StartNode == "":
		add("missing start_node")
	case !ids[def.StartNode]:
		add("start_node %q does not exist", def.StartNode)
	}
	if def.FallbackNode != "" && !ids[def.FallbackNode] {
		add("fallback_node %q does not exist", def.FallbackNode)
	}

	for _, n := range def.Nodes {
		if n.ID == "" {
			continue
		}
		if !n.Kind.Valid() {
			add("node %q: unknown kind %q", n.ID, n.Kind)
		}
		if n.MaxRetries < 0 {
			add("node %q: max_retries must not be negative", n.ID)
		}
		if n.Timeout < 0 {
			add("node %q: timeout must not be negative", n.ID)
		}
		if n.Fallback != "" && !ids[n.Fallback] {
			add("node %q: fallback %q does not exist", n.ID, n.Fallback)
		}
		if n.OnError != "" && !ids[n.OnError] {
			add("node %q: on_error %q does not exist", n.ID, n.OnError)
		}

		if n.Kind == domain.KindTerminal {
			if len(n.Transitions) > 0 {
				add("node %q: terminal nodes must not have transitions", n.ID)
			}
			if n.Outcome != "" && !n.Outcome.Terminal() {
				add("node %q: outcome %q is not a terminal status", n.ID, n.Outcome)
			}
			continue
		}
		if n.Kind.Valid() && len(n.Transitions) == 0 {
			add("node %q: no transitions", n.ID)
		}

		seen := make(map[string]bool, len(n.Transitions))
		defaults := 0
		for i, t := range n.Transitions {
			switch {
			case t.Target == "":
				add("node %q: transition #%d has no target", n.ID, i)
			case !ids[t.Target]:
				add("node %q: transition #%d targets unknown node %q", n.ID, i, t.Target)
			}
			if t.IsDefault() {
				defaults++
				if i != len(n.Transitions)-1 {
					add("node %q: default transition must be last", n.ID)
				}
				continue
			}
			key := strings.ToLower(strings.TrimSpace(t.Guard))
			if seen[key] {
				add("node %q: ambiguous guard %q", n.ID, t.Guard)
			}
			seen[key] = true
		}
		if defaults > 1 {
			add("node %q: more than one default transition", n.ID)
		}
	}

	if len(problems) > 0 {
		return &domain.ValidationError{FlowID: def.ID, Problems: problems}
	}
	return nil
}

// Unreachable lists nodes that no path from the start node can enter.
// Transitions, node fallbacks, error routes and the flow fallback all count as edges.
func Unreachable(def *domain.FlowDefinition) []string {
	visited := make(map[string]bool, len(def.Nodes))
	queue := []string{def.StartNode}
	if def.FallbackNode != "" {
		queue = append(queue, def.FallbackNode)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		n, ok := def.Node(id)
		if !ok {
			continue
		}
		for _, t := range n.Transitions {
			queue = append(queue, t.Target)
		}
		for _, next := range []string{n.Fallback, n.OnError} {
			if next != "" {
				queue = append(queue, next)
			}
		}
	}

	var out []string
	for _, n := range def.Nodes {
		if !visited[n.ID] {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out
}

package dsl

import (
	"github.com/aretw0/dialtone/pkg/domain"
	"github.com/aretw0/dialtone/pkg/flow"
)

// Builder manages the flow construction. Nodes keep their insertion order.
type Builder struct {
	def   domain.FlowDefinition
	order []string
	nodes map[string]*NodeBuilder
}

// New creates a new flow builder.
func New(id string) *Builder {
	return &Builder{
		def:   domain.FlowDefinition{ID: id},
		nodes: make(map[string]*NodeBuilder),
	}
}

// Start sets the start node. The first added node is used when unset.
func (b *Builder) Start(id string) *Builder {
	b.def.StartNode = id
	return b
}

// Version pins an explicit version. Zero lets the store assign one.
func (b *Builder) Version(v int) *Builder {
	b.def.Version = v
	return b
}

// Fallback sets the flow-wide fallback node.
func (b *Builder) Fallback(id string) *Builder {
	b.def.FallbackNode = id
	return b
}

// Retries sets the flow-wide no-match retry bound.
func (b *Builder) Retries(n int) *Builder {
	b.def.MaxRetries = n
	return b
}

// NoMatch sets the flow-wide no-match prompt.
func (b *Builder) NoMatch(prompt string) *Builder {
	b.def.NoMatchPrompt = prompt
	return b
}

// Apology sets the prompt played before a session fails.
func (b *Builder) Apology(prompt string) *Builder {
	b.def.ErrorPrompt = prompt
	return b
}

// Add creates a new node in the flow.
// If the node already exists, it returns the existing builder.
func (b *Builder) Add(id string) *NodeBuilder {
	if nb, ok := b.nodes[id]; ok {
		return nb
	}
	nb := &NodeBuilder{
		node:    domain.Node{ID: id},
		builder: b,
	}
	b.nodes[id] = nb
	b.order = append(b.order, id)
	return nb
}

// Build assembles and validates the definition.
func (b *Builder) Build() (*domain.FlowDefinition, error) {
	def := b.def
	def.Nodes = make([]domain.Node, 0, len(b.order))
	for _, id := range b.order {
		def.Nodes = append(def.Nodes, b.nodes[id].node)
	}
	if def.StartNode == "" && len(b.order) > 0 {
		def.StartNode = b.order[0]
	}
	def.Reindex()

	if err := flow.Validate(&def); err != nil {
		return nil, err
	}
	return def.Clone(), nil
}

// MustBuild is Build for fixtures and examples. It panics on invalid flows.
func (b *Builder) MustBuild() *domain.FlowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

package dsl

import (
	"errors"
	"testing"
	"time"

	"github.com/aretw0/dialtone/pkg/domain"
)

func TestBuilder_SimpleFlow(t *testing.T) {
	// 1. Build the graph using DSL
	b := New("greeting").Fallback("failed").Retries(2)

	b.Add("greet").
		Prompt("Hello, DSL!").
		Go("collect_name")

	b.Add("collect_name").
		Collect("What is your name?").
		SaveTo("name").
		Timeout(5*time.Second).
		Branch("has_name", "confirm").
		Go("collect_name")

	b.Add("confirm").
		Say("Nice to meet you, {{.name}}!").
		Terminal(domain.StatusCompleted)

	b.Add("failed").
		Say("Goodbye.").
		Terminal(domain.StatusFailed)

	// 2. Compile to a definition
	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	// 3. Verify specific nodes
	if def.StartNode != "greet" {
		t.Errorf("Expected first node as start, got '%s'", def.StartNode)
	}
	if len(def.Nodes) != 4 {
		t.Fatalf("Expected 4 nodes, got %d", len(def.Nodes))
	}

	greet, ok := def.Node("greet")
	if !ok {
		t.Fatal("Node('greet') not found")
	}
	if greet.Kind != domain.KindPrompt || !greet.AdvancesImmediately() {
		t.Errorf("Expected greet to be an advancing prompt, got %+v", greet)
	}

	ask, _ := def.Node("collect_name")
	if !ask.WaitsForInput() {
		t.Error("Expected collect_name to wait for input")
	}
	if ask.SaveAs != "name" {
		t.Errorf("Expected SaveAs='name', got '%s'", ask.SaveAs)
	}
	if ask.Timeout != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %s", ask.Timeout)
	}
	if len(ask.Transitions) != 2 || !ask.Transitions[1].IsDefault() {
		t.Errorf("Expected guarded transition then default, got %+v", ask.Transitions)
	}

	confirm, _ := def.Node("confirm")
	if confirm.Prompt != "Nice to meet you, {{.name}}!" || confirm.Outcome != domain.StatusCompleted {
		t.Errorf("Unexpected terminal node: %+v", confirm)
	}
}

func TestBuilder_ExplicitStart(t *testing.T) {
	b := New("routing").Start("route").Version(3)

	b.Add("done").Terminal(domain.StatusCompleted)
	b.Add("route").Decision().
		Branch("vip=true", "done").
		Go("done")

	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if def.StartNode != "route" || def.Version != 3 {
		t.Errorf("Expected start 'route' at version 3, got '%s' v%d", def.StartNode, def.Version)
	}
}

func TestBuilder_AddReturnsExisting(t *testing.T) {
	b := New("f")
	b.Add("a").Prompt("one")
	b.Add("a").Go("b")
	b.Add("b").Terminal(domain.StatusCompleted)

	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	a, _ := def.Node("a")
	if a.Prompt != "one" || len(a.Transitions) != 1 {
		t.Errorf("Expected merged node, got %+v", a)
	}
}

func TestBuilder_InvalidFlow(t *testing.T) {
	b := New("broken")
	b.Add("start").Prompt("Hi").Go("nowhere")

	_, err := b.Build()
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestBuilder_BuildIsIndependent(t *testing.T) {
	b := New("f")
	b.Add("a").Prompt("one").Go("b")
	b.Add("b").Terminal(domain.StatusCompleted)

	first := b.MustBuild()
	b.Add("a").Say("changed")
	second := b.MustBuild()

	a1, _ := first.Node("a")
	a2, _ := second.Node("a")
	if a1.Prompt != "one" || a2.Prompt != "changed" {
		t.Errorf("Builds share state: %q / %q", a1.Prompt, a2.Prompt)
	}
}

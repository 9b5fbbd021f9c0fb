/*
Package dsl provides a Go DSL for programmatically constructing dialtone flows.

It is the type-safe alternative to writing the JSON DSL by hand, which is
particularly useful for unit tests and generated flows.

Example usage:

	b := dsl.New("greeting").Fallback("failed")
	b.Add("greet").Prompt("Hello!").Go("collect_name")
	b.Add("collect_name").Collect("What is your name?").
		SaveTo("name").
		Branch("has_name", "confirm").
		Go("collect_name")
	b.Add("confirm").Say("Thanks {{.name}}.").Terminal(domain.StatusCompleted)
	b.Add("failed").Terminal(domain.StatusFailed)
	def, err := b.Build()
*/
package dsl

// Package flow publishes, validates and serves immutable, versioned flow definitions.
//
// Definitions are written in a JSON DSL (YAML is accepted with the same schema):
//
//	{
//	  "id": "greeting",
//	  "start_node": "greet",
//	  "fallback_node": "goodbye",
//	  "nodes": [
//	    {"id": "greet", "kind": "prompt", "prompt": "Hello!", "transitions": [{"guard": "default", "target": "ask"}]},
//	    {"id": "ask", "kind": "collect", "prompt": "What is your name?", "timeout": "8s",
//	     "transitions": [{"guard": "has_name", "target": "bye"}, {"guard": "default", "target": "ask"}]},
//	    {"id": "bye", "kind": "terminal", "prompt": "Thanks {{.name}}."},
//	    {"id": "goodbye", "kind": "terminal", "outcome": "failed"}
//	  ]
//	}
package flow

/*
Package dialtone is a conversational IVR orchestrator. It executes versioned
call flows as a state machine, one call at a time per call id, calling out to
speech recognition, speech synthesis and language model providers, and keeps
an ordered transcript of every call.

# Concept

A flow is a graph of nodes (prompt, collect, decision, llm, terminal) joined
by guarded transitions. Telephony or media layers send call events (start,
media, dtmf, hangup) and receive actions to perform (play_audio,
collect_input, transfer, end_call). Idle timeouts are raised internally.

Every event is handled in four steps: the dispatcher picks the actor owning
the call, the state machine computes the next step against a snapshot of the
session, the session store commits the session and the new transcript entries
atomically, and only then are the actions released to the caller.

# Components

  - pkg/flow: publishes immutable, validated flow versions.
  - pkg/gateway: wraps the providers with deadlines, retries and failure classification.
  - internal/runtime: the state machine.
  - pkg/adapters/{memory,sqlite,redis,postgres}: session and transcript stores.
  - pkg/dispatch: per-call actors with bounded mailboxes.
  - pkg/adapters/http, pkg/adapters/natsbus, pkg/adapters/mcp: inbound surfaces.

# Usage

	cfg, err := dialtone.LoadConfig("dialtone.yaml")
	if err != nil {
		log.Fatal(err)
	}
	svc, err := dialtone.New(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := svc.Run(ctx); err != nil {
		log.Fatal(err)
	}

Flows can be written in JSON or YAML and loaded from a directory, or built in
Go with pkg/dsl and published through Service.Flows.
*/
package dialtone

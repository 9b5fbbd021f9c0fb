/*
Package domain contains the core models of the dialtone call orchestrator.

It defines the entities shared by every layer: published flow definitions, the
per-call session snapshot, the append-only transcript, inbound call events and
the outbound actions returned to the telephony layer. This package is kept pure
and free of I/O, following Hexagonal Architecture principles.

# Key Entities

  - FlowDefinition: An immutable, versioned graph of Nodes joined by Transitions.
  - Session: The live state of one call (current node, context, retries, status).
  - TranscriptEntry: One sequenced record of something that happened during a call.
  - Event: An inbound stimulus (start, media, dtmf, hangup, timeout).
  - Action: An instruction for the telephony layer (play_audio, collect_input, end_call, transfer).
*/
package domain

/*
Package ports defines the driven ports (interfaces) of the dialtone orchestrator.

These interfaces decouple the state machine and the dispatcher from storage
backends, speech and language providers, and cross-replica coordination.

# Key Interfaces

  - SessionStore: Atomically stores session snapshots together with their transcript entries.
  - FlowRepository: Durable copy of published flow definitions.
  - Recognizer, Synthesizer, LanguageModel: Narrow provider capabilities used by the gateway.
  - DistributedLocker: Serializes event processing for a call across replicas.
*/
package ports

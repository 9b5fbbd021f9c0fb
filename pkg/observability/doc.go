/*
Package observability exports Prometheus metrics for the orchestrator.

Metrics implements gateway.Observer for provider calls, builds
domain.LifecycleHooks for node entries, no-matches and session ends, and
provides a dispatch.CommitObserver for event and step latency. Every metric
lives in the Registry passed to New, so tests and embedders can use an
isolated registry.
*/
package observability

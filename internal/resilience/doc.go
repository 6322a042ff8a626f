// Package resilience holds the host-side guards wrapped around plugin traffic:
// circuit breakers for collaborator calls, per-instance rate limiting of
// api_call messages, and a restart policy that reacts to crashed plugins.
package resilience

// Package engine implements the workflow engine: a bounded decide/act loop
// driven by an explicit finite-state machine. Each run classifies the query
// into a tier, routes it to a provider, alternates model decisions with tool
// executions and durably checkpoints agent state after every completed
// iteration. Runs on the same thread serialize through a per-thread lock;
// distinct threads execute fully in parallel.
package engine

// Package core defines the shared data model of the agent runtime: the typed
// conversation message variants, the mutable per-run AgentState with its
// bounded context and error windows, and the run status enum. All other
// packages consume these types; none of them mutate AgentState except the
// workflow engine.
package core

// Package node provides the built-in node executor implementations and the
// registry the graph executor dispatches through.
//
// Every step kind implements the single graph.NodeExecutor capability; the
// registry maps node ids (not node types) to implementations, so custom
// executors can be bound per node without touching the graph executor.
// Resilience wrappers for the model backend (circuit breaker, rate limiter)
// also live here.
package node

// Package router selects a transport for each agent operation.
//
// A Router prefers the agent's loopback HTTP server when the execution
// context can reach it (lower latency, no shared channel contention) and
// falls back to the correlated duplex channel when HTTP is unavailable or
// fails at the transport level.
//
// # Fallback Rule
//
// Only transport failures trigger the fallback. An HTTP response that
// carries a declared error body means the operation itself ran and failed;
// retrying it over the channel could execute a non-idempotent operation
// twice, so the declared error is returned as-is.
//
// Contexts without loopback access construct the Router with a nil Caller
// and every operation travels over the channel.
package router

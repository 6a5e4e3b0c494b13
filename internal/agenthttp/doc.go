// Package agenthttp implements the stateless request/response transport to a
// local agent's HTTP surface on the loopback interface: the /health probe,
// the /status query, and per-operation /api/{operation} calls.
package agenthttp

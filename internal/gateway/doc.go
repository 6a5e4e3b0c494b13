// Package gateway assembles the outpost server: the connection registry for
// agent duplex channels, the metadata cache and its SQLite tier, the health
// classifier, and the dual-transport router, all behind one HTTP server.
//
// # HTTP Surface
//
//	GET  /healthz            liveness, no auth
//	GET  /api/agent/connect  websocket upgrade for agent channels
//	POST /api/perform        execute one operation on the caller's agent
//	GET  /api/status         classifier output for the caller's agent
//	GET  /api/agents         snapshot of registered channels
//
// API routes require a bearer JWT whose "sub" claim names the user. Agents
// present the same token shape on the websocket handshake, plus an optional
// shared enrollment secret.
package gateway

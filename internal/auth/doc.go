// Package auth authenticates callers of the gateway API and agents opening
// duplex channels.
//
// Both surfaces present an HS256-signed JWT whose "sub" claim is the user ID.
// HTTPAuthMiddleware guards the API routes and places the user ID in the
// request context; the websocket handshake verifies the same token shape
// directly.
//
// Agents may additionally be required to present a shared enrollment secret,
// checked against a bcrypt hash in the gateway config. This keeps a leaked
// config file from being sufficient to enroll a rogue agent.
package auth

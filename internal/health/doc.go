// Package health classifies what the gateway can currently do for a user:
// nothing, stateless HTTP operations, or HTTP plus a live duplex channel.
//
// The classifier probes the well-known loopback port with a short timeout,
// falls back to a remembered port, and (client-side only) scans a small set
// of fallback ports. A healthy probe may be enriched by a slower /status
// query; that query's failure never downgrades the status. The duplex
// channel is consulted last and only upgrades http-only to full — channel
// liveness alone never yields a usable status, because the HTTP surface is
// what operations actually depend on.
package health

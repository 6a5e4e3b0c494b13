// Package metadata caches last-known agent facts (HTTP port, home directory,
// platform, permission mode) per user, with an optional durable tier so the
// remembered port survives gateway restarts. The cache is best-effort and
// advisory; readers always fall back to the well-known default port.
package metadata

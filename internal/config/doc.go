// Package config loads and validates the outpost-gateway configuration file.
//
// Configuration is YAML. ${VAR_NAME} references anywhere in the file are
// expanded from the environment before parsing, so secrets can stay out of
// the file itself:
//
//	auth:
//	  jwt_secret: "${OUTPOST_JWT_SECRET}"
//
// Timing fields (probe_timeout, status_timeout, dispatch_timeout,
// metadata_ttl) are Go duration strings such as "200ms" or "30s". Omitted
// timing fields fall back to the package defaults in internal/health and
// internal/agent.
package config

// Package auth issues and validates the bearer tokens of the operator API.
//
// There are no user accounts. A caller proves it holds the configured
// operator key (kept only as an Argon2id hash) and receives a short-lived
// HS256 JWT carrying one of two roles: viewer (read fleet state, subscribe
// to live events) or operator (also send commands and status requests).
// Role permissions are a static map; no database lookup is involved.
package auth

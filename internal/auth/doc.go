// Package auth guards the HTTP API with static API keys. Requests carry the key
// in the KEY header or as a bearer token; every decision is written to the
// audit log.
package auth

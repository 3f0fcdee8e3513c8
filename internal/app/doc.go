// Package app assembles the server: it builds the core services, registers
// them in the service registry, boots plugins around ability loading and runs
// the HTTP API and the link relay.
package app

// Package ability models the ability catalog: abilities, their platform
// specific executors and the per-executor hook tables that plugins populate
// during the expansion phase.
package ability

// Package config loads the server configuration from defaults, a YAML file and
// EMUHUB_ environment variables, in that order of precedence.
package config

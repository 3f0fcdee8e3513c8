// Package scripted provides the "scripted" builtin plugin. It turns declarative
// rules from the plugin configuration into Lua hooks registered on every
// matching executor during expansion.
package scripted

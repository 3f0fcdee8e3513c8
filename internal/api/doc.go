// Package api exposes the HTTP surface of the server. Core routes are
// registered at construction; plugins add their own through AddRoute while the
// server boots, after which the route table is frozen.
package api

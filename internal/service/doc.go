// Package service holds the boot-time directory of core services that plugins
// receive during their lifecycle callbacks. The registry is written while the
// server boots and sealed before it starts serving traffic.
package service

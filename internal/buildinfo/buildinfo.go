// Package buildinfo carries the version stamp embedded at release build time.
package buildinfo

// Version is overridden via -ldflags at release build time.
var Version = "dev"

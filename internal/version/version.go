// Package version holds the build version reported by the transports.
package version

// Version is overridden at link time with -ldflags "-X .../internal/version.Version=...".
var Version = "1.0.0"

// Package common holds process-wide helpers shared by the binaries: build
// version and logger construction.
package common

// PackageName is used as the metrics namespace prefix and in log output.
const PackageName = "ioproof"

// Version is overridden at build time with -ldflags "-X ...common.Version=...".
var Version = "dev"

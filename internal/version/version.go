// Package version exposes the build identity stamped into the binary.
package version

// Overridden with -ldflags "-X ..." by the release build; defaults cover
// plain go-build development binaries.
//
//nolint:revive
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

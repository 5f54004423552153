// Package version holds the provider's release identifiers.
package version

// Version of the provider and of the resource types it manages.
const Version = "0.1.0-alpha"

// Commit is set at link time with -ldflags "-X ...version.Commit=<sha>".
var Commit = "dev"

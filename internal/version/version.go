// Package version carries the build-time identifiers stamped onto every
// outbound request's User-Agent header.
package version

// Version is the routing core's release version. Overridden at build time
// with -ldflags "-X github.com/Jasonzhangf/rcc-sub004/internal/version.Version=...".
var Version = "development"

// GitCommit identifies the commit a binary was built from, set the same way.
var GitCommit = "unknown"

// UserAgent returns the stable User-Agent string every southbound adapter
// stamps onto its HTTP requests: "rcc/<protocol>/<version>".
func UserAgent(protocol string) string {
	return "rcc/" + protocol + "/" + Version
}

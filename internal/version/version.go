// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/querywatch/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/querywatch/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/querywatch/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" \
//	   ./cmd/querymon
package version

import "runtime"

// Build-time variables (set via ldflags)
var (
	// Version is the semantic version (e.g., "1.0.0")
	Version = "dev"

	// Commit is the git commit hash (short form)
	Commit = "unknown"

	// BuildTime is the UTC build timestamp (ISO 8601)
	BuildTime = "unknown"
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

// Get returns the build information of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// Full prefixes String with the program name.
func Full(program string) string {
	return program + " " + String()
}

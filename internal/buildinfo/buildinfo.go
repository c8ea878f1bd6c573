package buildinfo

import "time"

// Set via -ldflags at build time
var (
	BuildTime  string // when the binary was compiled
	CommitTime string // last git commit time (last code edit)
	CommitHash string // short git commit hash
)

// StartTime is recorded when the process starts
var StartTime = time.Now().UTC().Format(time.RFC3339)

// Version is the commit hash, or "dev" for binaries built without ldflags
func Version() string {
	if CommitHash == "" {
		return "dev"
	}
	return CommitHash
}

// Fields returns the build information reported by the status endpoint
func Fields() map[string]any {
	return map[string]any{
		"version":    Version(),
		"buildTime":  BuildTime,
		"commitHash": CommitHash,
		"commitTime": CommitTime,
		"startTime":  StartTime,
	}
}

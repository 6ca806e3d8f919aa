package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X .../internal/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

func formatBuildTime() string {
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// vcsRevision falls back to the revision stamped by the go tool when the
// build did not set CommitID.
func vcsRevision() string {
	if CommitID != "unknown" {
		return CommitID
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return CommitID
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return CommitID
}

// ClientInfo returns the build description printed by `cap version`.
func ClientInfo() map[string]string {
	return map[string]string{
		"Version":       Version,
		"GoVersion":     runtime.Version(),
		"GitCommit":     vcsRevision(),
		"BuildTime":     BuildTime,
		"FormattedTime": formatBuildTime(),
		"OS":            runtime.GOOS,
		"Arch":          runtime.GOARCH,
	}
}

// String is the one-line version used in logs and the root command.
func String() string {
	return fmt.Sprintf("cap %s (%s, %s/%s)", Version, vcsRevision(), runtime.GOOS, runtime.GOARCH)
}

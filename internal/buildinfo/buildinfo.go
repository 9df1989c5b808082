// Package buildinfo identifies this toolrelay binary: the version
// stamped at link time, the VCS revision Go embedded when no stamp was
// given, and how long the process has been up.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// ClientName is how toolrelay introduces itself in the MCP initialize
// handshake.
const ClientName = "toolrelay"

// Set with -ldflags "-X github.com/nugget/toolrelay/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

var started = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	Modified  bool   `json:"modified,omitempty"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Get collects the build metadata. Values left unset by -ldflags are
// filled from the VCS settings the go command records, when present.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.BuildTime == "" {
		info.BuildTime = "unknown"
	}
	return info
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on every HTTP request and WebSocket handshake.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", ClientName, Version, runtime.GOOS, runtime.GOARCH)
}

// String is the one-line form of Get for logs and the version command.
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if i.Modified {
		commit += "+dirty"
	}
	return fmt.Sprintf("%s %s (%s) built %s", ClientName, i.Version, commit, i.BuildTime)
}

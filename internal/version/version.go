// Package version reports the build of the running binary.
package version

import (
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X github.com/telepix/telepix/internal/version.Version=v1.2.3".
var (
	Version    = "dev"
	CommitHash = ""
	BuildTime  = ""
)

var fillOnce sync.Once

// fill reads the VCS stamp the toolchain embeds when ldflags left the fields empty.
func fill() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if CommitHash == "" {
				CommitHash = s.Value
			}
		case "vcs.time":
			if BuildTime == "" {
				BuildTime = s.Value
			}
		}
	}
}

// GetInfo returns "<version>" or "<version> (<short commit>)".
func GetInfo() string {
	fillOnce.Do(fill)
	if CommitHash == "" {
		return Version
	}
	short := CommitHash
	if len(short) > 7 {
		short = short[:7]
	}
	return Version + " (" + short + ")"
}

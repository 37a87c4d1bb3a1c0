// Package buildinfo reports the version stamped into envfleetd binaries.
package buildinfo

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// Set at link time, e.g.
//
//	-ldflags "-X github.com/envfleet/envfleet/internal/buildinfo.Version=v1.4.0"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info is the resolved build identity.
type Info struct {
	Version string
	Commit  string
	Date    string
	Dirty   bool
}

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Get returns the link-time values, filling an unstamped commit and date
// from the VCS settings the Go toolchain embeds.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, Date: Date}
	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "none" {
				info.Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

func (i Info) String() string {
	commit := i.Commit
	if i.Dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("version=%s commit=%s date=%s", i.Version, commit, i.Date)
}

// MarshalZerologObject lets the build identity be logged with Object.
func (i Info) MarshalZerologObject(e *zerolog.Event) {
	e.Str("version", i.Version).Str("commit", i.Commit).Str("date", i.Date).Bool("dirty", i.Dirty)
}

// String is shorthand for Get().String().
func String() string {
	return Get().String()
}

package buildinfo

import (
	"bytes"
	"runtime/debug"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func stamp(t *testing.T, version, commit, date string, settings ...debug.BuildSetting) {
	t.Helper()
	oldVersion, oldCommit, oldDate, oldRead := Version, Commit, Date, readBuildInfo
	Version, Commit, Date = version, commit, date
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: settings}, true
	}
	t.Cleanup(func() {
		Version, Commit, Date, readBuildInfo = oldVersion, oldCommit, oldDate, oldRead
	})
}

func TestStringUsesLinkTimeValues(t *testing.T) {
	stamp(t, "1.2.3", "deadbeef", "2026-01-30",
		debug.BuildSetting{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		debug.BuildSetting{Key: "vcs.time", Value: "2025-12-01T00:00:00Z"},
	)
	assert.Equal(t, "version=1.2.3 commit=deadbeef date=2026-01-30", String())
}

func TestGetFallsBackToVCSSettings(t *testing.T) {
	stamp(t, "dev", "none", "unknown",
		debug.BuildSetting{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		debug.BuildSetting{Key: "vcs.time", Value: "2025-12-01T00:00:00Z"},
		debug.BuildSetting{Key: "vcs.modified", Value: "true"},
	)
	info := Get()
	assert.Equal(t, Info{Version: "dev", Commit: "0123456789ab", Date: "2025-12-01T00:00:00Z", Dirty: true}, info)
	assert.Equal(t, "version=dev commit=0123456789ab-dirty date=2025-12-01T00:00:00Z", info.String())
}

func TestGetWithoutBuildInfo(t *testing.T) {
	stamp(t, "dev", "none", "unknown")
	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }
	assert.Equal(t, Info{Version: "dev", Commit: "none", Date: "unknown"}, Get())
}

func TestInfoLogsAsObject(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Object("build", Info{Version: "1.0.0", Commit: "abc", Date: "today"}).Msg("")
	assert.JSONEq(t, `{"level":"info","build":{"version":"1.0.0","commit":"abc","date":"today","dirty":false}}`, buf.String())
}

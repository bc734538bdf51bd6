package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()

	assert.Equal(t, Version, info.Version)
	assert.Equal(t, GitCommit, info.GitCommit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestBuildInfo_String(t *testing.T) {
	info := BuildInfo{Version: "1.2.0", GitCommit: "abc123", BuildDate: "2026-01-02", GoVersion: "go1.25.0"}

	assert.Equal(t, "recrop 1.2.0 (commit abc123, built 2026-01-02, go1.25.0)", info.String())
}
